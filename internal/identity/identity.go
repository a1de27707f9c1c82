package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mossy-p/household-sync/internal/kv"
)

const deviceKey = "device:id"

// DeviceID returns the device identifier persisted in store, generating and
// persisting a new one on first use.
func DeviceID(ctx context.Context, store kv.Store) (string, error) {
	id, err := store.Get(ctx, deviceKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	// Generate new identity
	id = "device_" + uuid.NewString()
	if err := store.Set(ctx, deviceKey, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
