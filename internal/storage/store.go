// Package storage defines the persistent key-value collaborator every
// subsystem depends on. Persistent storage itself is an out-of-scope
// collaborator (spec 1/6): core packages only ever import this interface;
// internal/storage/badger is the one concrete, swappable default adapter.
package storage

import "context"

// KVStore is the narrow get/set/remove/keys/clear contract spec 6 assigns to
// the KV storage collaborator. Values are opaque structured blobs (JSON or
// gob encoded by the caller) — the store itself never interprets them.
// There are no transactions; writes are last-writer-wins.
type KVStore interface {
	// Get returns the stored value and true, or (nil, false, nil) if the key
	// is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set inserts or overwrites a value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns every key with the given prefix. An empty prefix lists
	// every key. Used for shard enumeration (persisted-bitarray) and DB
	// scans (token/key clean cycle).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key the store holds.
	Clear(ctx context.Context) error
}

// ErrKeyNotFound is a "key not found" sentinel error. No adapter in this
// module returns it; Get reports absence through its boolean result.
var ErrKeyNotFound = errNotFound("key not found")

type errNotFound string

func (e errNotFound) Error() string { return string(e) }
