// Package snapshot persists the household snapshot in the device-local
// store, namespaced by room.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mossy-p/household-sync/internal/kv"
)

// DefaultKey holds the snapshot while no room is active.
const DefaultKey = "household:data"

// Key returns where the snapshot for roomID is stored.
func Key(roomID string) string {
	if roomID == "" {
		return DefaultKey
	}
	return "room:" + roomID + ":data"
}

type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Load returns the snapshot for roomID. A missing or unparseable entry is
// reported as nil without error.
func (s *Store) Load(ctx context.Context, roomID string) (json.RawMessage, error) {
	key := Key(roomID)
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if !json.Valid([]byte(data)) {
		slog.Error("Discarding malformed snapshot", "key", key)
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// Save replaces the snapshot for roomID.
func (s *Store) Save(ctx context.Context, roomID string, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("refusing to save malformed snapshot for %q", Key(roomID))
	}
	if err := s.kv.Set(ctx, Key(roomID), string(data)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot for roomID.
func (s *Store) Clear(ctx context.Context, roomID string) error {
	return s.kv.Delete(ctx, Key(roomID))
}
