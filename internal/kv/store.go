// Package kv provides the string key/value stores that stand in for browser
// local storage. A shared store (Redis, Postgres) is visible to every device
// on the network; a local store (SQLite, memory) belongs to one device.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is a flat string key/value namespace. Writes are plain overwrites.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
