// Package coordinator owns a device's room session: it persists snapshots,
// tells the device's other processes about changes and pushes every save
// to the connected peers. Remote snapshots overwrite the local one.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/household-sync/config"
	"github.com/mossy-p/household-sync/internal/broadcast"
	"github.com/mossy-p/household-sync/internal/kv"
	"github.com/mossy-p/household-sync/internal/models"
	"github.com/mossy-p/household-sync/internal/peer"
	"github.com/mossy-p/household-sync/internal/room"
	"github.com/mossy-p/household-sync/internal/signaling"
	"github.com/mossy-p/household-sync/internal/snapshot"
)

var ErrNoActiveRoom = errors.New("no active room")

// Options wires a Coordinator to its stores and transports.
type Options struct {
	// Shared holds rooms, members, host markers and signaling mailboxes.
	Shared kv.Store
	// Local holds this device's snapshots.
	Local     kv.Store
	Bus       broadcast.Bus
	Transport peer.Transport
	DeviceID  string
	// Origin is the base URL of share links.
	Origin string
	Sync   config.SyncConfig
}

type session struct {
	roomID    string
	manager   *peer.Manager
	tabs      *broadcast.Channel
	// connected tracks transport-level peers for the room's member count.
	connected map[string]struct{}
	stop      chan struct{}
	done      chan struct{}
}

type Coordinator struct {
	opts      Options
	registry  *room.Registry
	snapshots *snapshot.Store

	// enterMu serializes session switches so one session is live at a time.
	enterMu sync.Mutex

	mu       sync.Mutex
	session  *session
	onChange func(json.RawMessage)
}

func New(opts Options) *Coordinator {
	if opts.Sync.SignalPollInterval <= 0 {
		opts.Sync.SignalPollInterval = time.Second
	}
	if opts.Sync.LivenessInterval <= 0 {
		opts.Sync.LivenessInterval = 30 * time.Second
	}
	return &Coordinator{
		opts:      opts,
		registry:  room.NewRegistry(opts.Shared, opts.DeviceID, opts.Origin),
		snapshots: snapshot.NewStore(opts.Local),
	}
}

// DeviceID returns the local device id.
func (c *Coordinator) DeviceID() string { return c.opts.DeviceID }

// Registry exposes room lookups that do not need an active session.
func (c *Coordinator) Registry() *room.Registry { return c.registry }

// CreateRoom creates a room hosted by this device and enters it, leaving
// any current room first.
func (c *Coordinator) CreateRoom(ctx context.Context, name string) (string, error) {
	roomID, err := c.registry.Create(ctx, name)
	if err != nil {
		return "", err
	}
	if err := c.enterRoom(ctx, roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

// JoinRoom enters an existing room. It reports false, leaving the current
// session untouched, when the room does not exist.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) (bool, error) {
	ok, err := c.registry.Join(ctx, roomID)
	if err != nil || !ok {
		return false, err
	}
	if err := c.enterRoom(ctx, roomID); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) enterRoom(ctx context.Context, roomID string) error {
	c.enterMu.Lock()
	defer c.enterMu.Unlock()

	c.cleanup(ctx)

	s := &session{
		roomID:    roomID,
		connected: make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	tabs, err := broadcast.Open(ctx, c.opts.Bus, roomID, c.opts.DeviceID, func(models.TabMessage) {
		c.handleTabMessage(s)
	})
	if err != nil {
		return fmt.Errorf("failed to open tab broadcast: %w", err)
	}
	s.tabs = tabs

	signal := signaling.New(c.opts.Shared, roomID, c.opts.DeviceID, c.opts.Sync.SignalPollInterval)
	s.manager = peer.NewManager(peer.Config{
		RoomID:             roomID,
		DeviceID:           c.opts.DeviceID,
		NegotiationTimeout: c.opts.Sync.NegotiationTimeout,
		JoinDelay:          c.opts.Sync.JoinDelay,
		OnData: func(data json.RawMessage, senderID string) {
			c.handleRemoteData(s, data, senderID)
		},
		OnPeerConnected: func(peerID string) {
			c.peerChanged(s, peerID, true)
		},
		OnPeerDisconnected: func(peerID string) {
			c.peerChanged(s, peerID, false)
		},
	}, c.opts.Transport, signal, c.registry)

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if err := s.manager.Start(ctx); err != nil {
		slog.Error("Peer sync unavailable, continuing local-only", "room", roomID, "error", err)
	}
	go c.liveness(s)

	slog.Info("Entered room", "room", roomID, "device", c.opts.DeviceID)
	return nil
}

// liveness refreshes this device's lastSeen and pings peers until the
// session ends.
func (c *Coordinator) liveness(s *session) {
	defer close(s.done)

	ticker := time.NewTicker(c.opts.Sync.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := c.registry.Touch(ctx, s.roomID); err != nil {
				slog.Warn("Failed to refresh member presence", "room", s.roomID, "error", err)
			}
			s.manager.Ping()
			c.reportStalePeers(s, time.Now())
		}
	}
}

// reportStalePeers logs peers whose last pong is older than two liveness
// intervals and returns their ids.
func (c *Coordinator) reportStalePeers(s *session, now time.Time) []string {
	limit := 2 * c.opts.Sync.LivenessInterval
	var stale []string
	for _, id := range s.manager.ConnectedPeers() {
		last, ok := s.manager.LastPong(id)
		if !ok || now.Sub(last) <= limit {
			continue
		}
		slog.Warn("Peer not answering pings", "room", s.roomID, "peer", id, "lastPong", last)
		stale = append(stale, id)
	}
	return stale
}

func (c *Coordinator) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

func (c *Coordinator) callback() func(json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onChange
}

func (c *Coordinator) handleRemoteData(s *session, data json.RawMessage, senderID string) {
	if !c.current(s) {
		return
	}
	slog.Info("Received snapshot from peer", "room", s.roomID, "peer", senderID)

	if err := c.snapshots.Save(context.Background(), s.roomID, data); err != nil {
		slog.Error("Failed to store remote snapshot", "room", s.roomID, "peer", senderID, "error", err)
		return
	}
	if cb := c.callback(); cb != nil {
		cb(data)
	}
}

func (c *Coordinator) handleTabMessage(s *session) {
	if !c.current(s) {
		return
	}
	data, err := c.snapshots.Load(context.Background(), s.roomID)
	if err != nil {
		slog.Error("Failed to reload snapshot", "room", s.roomID, "error", err)
		return
	}
	if cb := c.callback(); cb != nil {
		cb(data)
	}
}

func (c *Coordinator) peerChanged(s *session, peerID string, connected bool) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	if connected {
		s.connected[peerID] = struct{}{}
	} else {
		delete(s.connected, peerID)
	}
	count := len(s.connected) + 1
	c.mu.Unlock()

	if err := c.registry.SetMemberCount(context.Background(), s.roomID, count); err != nil {
		slog.Warn("Failed to update member count", "room", s.roomID, "error", err)
	}
}

// CurrentRoomID returns the active room, or "" outside a room.
func (c *Coordinator) CurrentRoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.roomID
}

// RoomInfo returns the active room's record.
func (c *Coordinator) RoomInfo(ctx context.Context) (*models.Room, error) {
	roomID := c.CurrentRoomID()
	if roomID == "" {
		return nil, ErrNoActiveRoom
	}
	return c.registry.Info(ctx, roomID)
}

// AddMember records name as this device's member entry in the active room.
func (c *Coordinator) AddMember(ctx context.Context, name string) (models.Member, error) {
	roomID := c.CurrentRoomID()
	if roomID == "" {
		return models.Member{}, ErrNoActiveRoom
	}
	return c.registry.AddMember(ctx, roomID, name)
}

// Members lists the active room's members.
func (c *Coordinator) Members(ctx context.Context) ([]models.Member, error) {
	roomID := c.CurrentRoomID()
	if roomID == "" {
		return nil, ErrNoActiveRoom
	}
	return c.registry.Members(ctx, roomID)
}

// ShareLink returns the link for roomID, or for the active room when
// roomID is empty.
func (c *Coordinator) ShareLink(roomID string) string {
	if roomID == "" {
		roomID = c.CurrentRoomID()
	}
	return c.registry.ShareLink(roomID)
}

// OnDataChange registers the function called with the new snapshot when a
// peer or another local process changes it. It replaces any earlier one.
func (c *Coordinator) OnDataChange(f func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = f
}

// Save stores the snapshot, notifies the device's other processes and
// sends it to every connected peer. Notification failures are logged.
func (c *Coordinator) Save(ctx context.Context, data json.RawMessage) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	roomID := ""
	if s != nil {
		roomID = s.roomID
	}
	if err := c.snapshots.Save(ctx, roomID, data); err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	if err := s.tabs.Post(ctx); err != nil {
		slog.Warn("Failed to notify local processes", "room", roomID, "error", err)
	}
	sent := s.manager.SyncData(data)
	slog.Debug("Snapshot saved", "room", roomID, "peers", sent)
	return nil
}

// Load returns the active namespace's snapshot, or nil when there is none.
func (c *Coordinator) Load(ctx context.Context) (json.RawMessage, error) {
	return c.snapshots.Load(ctx, c.CurrentRoomID())
}

// Clear removes the active namespace's snapshot.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.snapshots.Clear(ctx, c.CurrentRoomID())
}

// ConnectionStatus reports the active session's sync channels. WebRTCSync
// is true while the peer manager polls for signals.
func (c *Coordinator) ConnectionStatus() models.ConnectionStatus {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return models.ConnectionStatus{}
	}
	return models.ConnectionStatus{
		LocalSync:        s.tabs != nil,
		WebRTCSync:       s.manager.Active(),
		ConnectedDevices: len(s.manager.ConnectedPeers()),
	}
}

// ConnectedDevices returns the peers with an open data channel, sorted.
// A peer whose connection is up but whose channel is not yet open is left
// out, since saves cannot reach it.
func (c *Coordinator) ConnectedDevices() []string {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return []string{}
	}
	return s.manager.ConnectedPeers()
}

// Cleanup ends the session: it closes the tab broadcast, stops the liveness
// timer and disconnects every peer. No callbacks fire for the old room
// afterwards. It waits for a room entry in progress and is safe to call
// outside a room.
func (c *Coordinator) Cleanup(ctx context.Context) {
	c.enterMu.Lock()
	defer c.enterMu.Unlock()
	c.cleanup(ctx)
}

func (c *Coordinator) cleanup(ctx context.Context) {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return
	}

	if err := s.tabs.Close(); err != nil {
		slog.Warn("Failed to close tab broadcast", "room", s.roomID, "error", err)
	}
	close(s.stop)
	<-s.done
	s.manager.Disconnect(ctx)

	slog.Info("Left room", "room", s.roomID)
}
