package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/mossy-p/household-sync/config"
	"github.com/mossy-p/household-sync/internal/coordinator"
	"github.com/mossy-p/household-sync/internal/handlers"
	"github.com/mossy-p/household-sync/internal/logger"
	"github.com/mossy-p/household-sync/internal/peer"
	"github.com/mossy-p/household-sync/internal/room"
)

const shutdownTimeout = 5 * time.Second

// overrides holds flag values that replace environment settings when set.
type overrides struct {
	logLevel    string
	sharedStore string
	localStore  string
	tabBus      string
	sqlitePath  string
	port        string
	room        string
}

func newRootCmd() *cobra.Command {
	var (
		cfg   *config.Config
		flags overrides
	)

	rootCmd := &cobra.Command{
		Use:           "householdsync",
		Short:         "Peer-to-peer sync daemon for the household chore board",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			flags.apply(cmd, cfg)
			logger.Init(cmd.ErrOrStderr(), cfg.LogLevel)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.sharedStore, "shared-store", "", "Shared store: memory, redis, postgres or sqlite")
	pf.StringVar(&flags.localStore, "local-store", "", "Device-local store: memory or sqlite")
	pf.StringVar(&flags.tabBus, "tab-bus", "", "Same-device broadcast bus: memory or redis")
	pf.StringVar(&flags.sqlitePath, "sqlite-path", "", "SQLite database file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its HTTP API",
		Long: `Run the sync daemon.

Examples:
  householdsync serve --port 8080
  householdsync serve --room K7QX2MPA
  householdsync serve --room "http://192.168.1.20:3000/?room=K7QX2MPA"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}
	serveCmd.Flags().StringVarP(&flags.port, "port", "p", "", "HTTP port")
	serveCmd.Flags().StringVarP(&flags.room, "room", "r", "", "Room id or share link to join at start-up")

	roomCmd := &cobra.Command{
		Use:   "room",
		Short: "Manage rooms in the shared store",
	}
	roomCmd.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Create a room hosted by this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomCreate(cmd, cfg, args[0])
		},
	})
	roomCmd.AddCommand(&cobra.Command{
		Use:   "info [room id or link]",
		Short: "Show a room and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomInfo(cmd, cfg, args[0])
		},
	})

	deviceCmd := &cobra.Command{
		Use:   "device-id",
		Short: "Print this device's id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			fmt.Fprintln(cmd.OutOrStdout(), b.deviceID)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, roomCmd, deviceCmd)
	return rootCmd
}

func (o overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name, value string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = value
		}
	}
	set("log-level", o.logLevel, &cfg.LogLevel)
	set("shared-store", o.sharedStore, &cfg.SharedStore)
	set("local-store", o.localStore, &cfg.LocalStore)
	set("tab-bus", o.tabBus, &cfg.TabBus)
	set("sqlite-path", o.sqlitePath, &cfg.SQLitePath)
	set("port", o.port, &cfg.Port)
	set("room", o.room, &cfg.Room)
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	coord := coordinator.New(coordinator.Options{
		Shared:    b.shared,
		Local:     b.local,
		Bus:       b.bus,
		Transport: peer.NewPionTransport(cfg.Sync.ICEServers),
		DeviceID:  b.deviceID,
		Origin:    cfg.PublicOrigin,
		Sync:      cfg.Sync,
	})
	hub := handlers.NewHub()
	coord.OnDataChange(func(data json.RawMessage) {
		hub.Publish(coord.CurrentRoomID(), data)
	})

	if cfg.Room != "" {
		roomID := room.RoomIDFromLink(cfg.Room)
		ok, err := coord.JoinRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if ok {
			printShareLink(cmd.OutOrStdout(), coord.ShareLink(roomID))
		} else {
			slog.Warn("Room not found, running local-only", "room", roomID)
		}
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))
	handlers.New(coord, hub).Register(router)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting household sync daemon", "port", cfg.Port, "device", b.deviceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-errCh:
		coord.Cleanup(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	hub.Close()
	coord.Cleanup(shutdownCtx)
	return nil
}

func runRoomCreate(cmd *cobra.Command, cfg *config.Config, name string) error {
	b, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	registry := room.NewRegistry(b.shared, b.deviceID, cfg.PublicOrigin)
	roomID, err := registry.Create(cmd.Context(), name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Room:", roomID)
	printShareLink(out, registry.ShareLink(roomID))
	return nil
}

func runRoomInfo(cmd *cobra.Command, cfg *config.Config, idOrLink string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	roomID := room.RoomIDFromLink(idOrLink)
	registry := room.NewRegistry(b.shared, b.deviceID, cfg.PublicOrigin)
	info, err := registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("%w: %s", room.ErrRoomNotFound, roomID)
	}
	members, err := registry.Members(ctx, roomID)
	if err != nil {
		return err
	}
	host, err := registry.Host(ctx, roomID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Room    any    `json:"room"`
		Host    string `json:"host"`
		Members any    `json:"members"`
		Link    string `json:"shareLink"`
	}{info, host, members, registry.ShareLink(roomID)})
}

// printShareLink writes the link and a terminal QR code for phones to scan.
func printShareLink(w io.Writer, link string) {
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		slog.Warn("Failed to render QR code", "error", err)
	} else {
		fmt.Fprintln(w, "\nSCAN TO JOIN ROOM:")
		fmt.Fprintln(w, qr.ToSmallString(false))
	}
	fmt.Fprintln(w, "URL:", link)
}
