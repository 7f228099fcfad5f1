// Package roomstore provides the durable, per-room key/value storage a
// Room uses to persist its Store snapshot across cold starts, plus the
// snapshot codec used to serialize that Store.
package roomstore

import "context"

// Backend is the durable key/value bucket a Room reads from and writes
// to. Running as a standalone binary (rather than inside a hosted
// runtime) means this needs at least one concrete, locally runnable
// implementation, which BboltBackend provides.
type Backend interface {
	// Get returns the stored bytes for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores value under key, replacing any prior value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
