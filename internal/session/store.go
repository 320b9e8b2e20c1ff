// Package session validates and invalidates sessions through an external
// session store. The core never persists sessions directly; the store
// interface is the boundary.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the session does not exist.
var ErrNotFound = errors.New("session not found")

// Info is the session record owned by the external store.
type Info struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsValid   bool      `json:"is_valid"`
}

// Store is the narrow interface the core consumes. Implemented elsewhere;
// reference adapters live in this package.
type Store interface {
	Create(ctx context.Context, userID, provider string) (*Info, error)
	Validate(ctx context.Context, sessionID string) (*Info, error)
	Invalidate(ctx context.Context, sessionID string) (bool, error)
}
