// Package csrf issues and validates per-session anti-forgery tokens.
// Tokens are unpredictable random values with an expiry; no signing involved.
package csrf

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/cache"
	tokens "github.com/dropDatabas3/knockknock/internal/security/token"
)

const keyPrefix = "csrf:"

// DefaultTTL bounds how long an issued token stays usable.
const DefaultTTL = 2 * time.Hour

// Guard issues one anti-forgery token per session key.
type Guard struct {
	cache cache.Cache
	ttl   time.Duration
}

func New(c cache.Cache, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{cache: c, ttl: ttl}
}

// Issue generates a fresh token bound to sessionKey, replacing any previous one.
func (g *Guard) Issue(_ context.Context, sessionKey string) (string, error) {
	if sessionKey == "" {
		return "", fmt.Errorf("%w: session key is required", autherr.ErrInvalidArgument)
	}
	tok, err := tokens.GenerateOpaqueToken(tokens.StateBytes)
	if err != nil {
		return "", err
	}
	g.cache.Set(keyPrefix+tokens.SHA256Base64URL(sessionKey), []byte(tok), g.ttl)
	return tok, nil
}

// Validate accepts only the matching, non-expired token for sessionKey.
// Comparison is constant-time.
func (g *Guard) Validate(_ context.Context, sessionKey, token string) error {
	if sessionKey == "" || token == "" {
		return fmt.Errorf("%w: anti-forgery token is required", autherr.ErrUnauthorized)
	}
	want, ok := g.cache.Get(keyPrefix + tokens.SHA256Base64URL(sessionKey))
	if !ok {
		return fmt.Errorf("%w: anti-forgery token expired", autherr.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare(want, []byte(token)) != 1 {
		return fmt.Errorf("%w: anti-forgery token mismatch", autherr.ErrUnauthorized)
	}
	return nil
}
