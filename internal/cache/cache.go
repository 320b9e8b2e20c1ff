// Package cache abstracts the short-lived storage used for authorization
// request state, CSRF tokens and cache-backed sessions.
//
// Backends:
//   - memory (in-process, development and tests)
//   - redis (shared, production)
package cache

import "time"

// Cache is the minimal byte-oriented contract the auth core needs.
type Cache interface {
	// Get returns the value for key, or false when absent or expired.
	Get(key string) ([]byte, bool)

	// Set stores value under key with the given TTL.
	Set(key string, value []byte, ttl time.Duration)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string)

	// Take atomically reads and removes key. At most one concurrent caller
	// observes the value; everyone else gets false. Single-use tokens
	// (authorization state, login codes) rely on this.
	Take(key string) ([]byte, bool)
}
