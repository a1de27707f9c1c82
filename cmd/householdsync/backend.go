package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/household-sync/config"
	"github.com/mossy-p/household-sync/internal/broadcast"
	"github.com/mossy-p/household-sync/internal/identity"
	"github.com/mossy-p/household-sync/internal/kv"
	"github.com/mossy-p/household-sync/internal/redis"
)

// backend holds the stores and bus selected by configuration.
type backend struct {
	cfg      *config.Config
	shared   kv.Store
	local    kv.Store
	bus      broadcast.Bus
	redis    *goredis.Client
	deviceID string
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{cfg: cfg}
	if err := b.open(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backend) open(ctx context.Context) error {
	var err error

	switch b.cfg.LocalStore {
	case "memory":
		b.local = kv.NewMemoryStore()
	case "sqlite":
		db, err := kv.OpenSQLite(b.cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.local = db
	default:
		return fmt.Errorf("unknown local store %q", b.cfg.LocalStore)
	}

	switch b.cfg.SharedStore {
	case "memory":
		b.shared = kv.NewMemoryStore()
	case "sqlite":
		// One database file serves both roles.
		if b.cfg.LocalStore == "sqlite" {
			b.shared = b.local
			break
		}
		db, err := kv.OpenSQLite(b.cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.shared = db
	case "postgres":
		db, err := kv.OpenPostgres(ctx, b.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		b.shared = db
	case "redis":
		client, err := b.redisClient(ctx)
		if err != nil {
			return err
		}
		b.shared = kv.NewRedisStore(client)
	default:
		return fmt.Errorf("unknown shared store %q", b.cfg.SharedStore)
	}

	switch b.cfg.TabBus {
	case "memory":
		b.bus = broadcast.NewMemoryBus()
	case "redis":
		client, err := b.redisClient(ctx)
		if err != nil {
			return err
		}
		b.bus = broadcast.NewRedisBus(client)
	default:
		return fmt.Errorf("unknown tab bus %q", b.cfg.TabBus)
	}

	b.deviceID, err = identity.DeviceID(ctx, b.local)
	return err
}

func (b *backend) redisClient(ctx context.Context) (*goredis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client, err := redis.Connect(ctx, b.cfg.Redis)
	if err != nil {
		return nil, err
	}
	slog.Info("Redis connection established", "host", b.cfg.Redis.Host, "port", b.cfg.Redis.Port)
	b.redis = client
	return client, nil
}

// Close releases every store. The Redis client is closed last since the
// shared store may be using it.
func (b *backend) Close() {
	if b.shared != nil && b.shared != b.local {
		if _, ok := b.shared.(*kv.RedisStore); !ok {
			b.shared.Close()
		}
	}
	if b.local != nil {
		b.local.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
}
