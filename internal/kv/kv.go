// Package kv defines the durable key-value blob store the queue persists into.
package kv

import "context"

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kv: key not found" }

// Store abstracts durable storage of opaque blobs addressed by fixed keys.
//
// Implementations must make Set visible to a subsequent Get on the same key
// once it returns; the queue layer relies on that round trip to verify
// enqueue durability.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the blob under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
