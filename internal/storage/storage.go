// Package storage defines the opaque key-value persistence interface the sync
// core reads and writes through. Implementations live in subpackages; the core
// never assumes a specific engine.
package storage

import "context"

// KeyValueStore is the persistence contract: byte values by string key.
// Get returns errs.ErrNotFound for missing keys.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
