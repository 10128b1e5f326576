// Package cache provides the TTL key-value stores behind the engine's
// per-cell snapshot cache: a process-local map store (the default) and a
// Badger-backed store for deployments that want cache contents to survive a
// restart.
package cache

import "time"

// Store is a small TTL key-value surface. Implementations are safe for
// concurrent use. Absence is not an error: a missing or expired key reports
// ok=false with a nil error, so callers can tell "miss" from "store broken".
type Store interface {
	// Get returns the value stored under key, or ok=false when the key is
	// absent or its TTL has lapsed.
	Get(key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl. A non-positive ttl stores the
	// value without expiry.
	Set(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Close releases store resources.
	Close() error
}
