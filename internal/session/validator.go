package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
)

// Validator applies the core's session rules on top of a Store.
type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ValidateSession returns the session when it exists, is marked valid and has
// not expired.
func (v *Validator) ValidateSession(ctx context.Context, sessionID string) (*Info, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", autherr.ErrInvalidArgument)
	}
	info, err := v.store.Validate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: session", autherr.ErrUnauthorized)
		}
		return nil, err
	}
	if !info.IsValid || time.Now().After(info.ExpiresAt) {
		return nil, fmt.Errorf("%w: session expired or revoked", autherr.ErrUnauthorized)
	}
	return info, nil
}

// SignOut invalidates the session. Returns false when it was already gone.
func (v *Validator) SignOut(ctx context.Context, sessionID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, fmt.Errorf("%w: session id is required", autherr.ErrInvalidArgument)
	}
	ok, err := v.store.Invalidate(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	logger.From(ctx).Debug("session signed out",
		logger.Layer("service"), logger.Component("session"), logger.Op("SignOut"))
	return ok, nil
}
