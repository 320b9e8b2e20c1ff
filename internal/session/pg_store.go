package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tokens "github.com/dropDatabas3/knockknock/internal/security/token"
)

// PGStore is a reference Store for PostgreSQL. Only the hash of the session
// id is persisted.
//
// Schema:
//
//	CREATE TABLE auth_sessions (
//	    session_id_hash TEXT PRIMARY KEY,
//	    user_id         TEXT NOT NULL,
//	    provider        TEXT NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    expires_at      TIMESTAMPTZ NOT NULL,
//	    revoked_at      TIMESTAMPTZ
//	);
type PGStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPGStore(pool *pgxpool.Pool, ttl time.Duration) *PGStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PGStore{pool: pool, ttl: ttl}
}

func (s *PGStore) Create(ctx context.Context, userID, provider string) (*Info, error) {
	sessionID := uuid.NewString()
	query := `
		INSERT INTO auth_sessions (session_id_hash, user_id, provider, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, expires_at
	`
	info := &Info{
		SessionID: sessionID,
		UserID:    userID,
		Provider:  provider,
		IsValid:   true,
	}
	err := s.pool.QueryRow(ctx, query,
		tokens.SHA256Base64URL(sessionID), userID, provider, time.Now().Add(s.ttl),
	).Scan(&info.CreatedAt, &info.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return info, nil
}

func (s *PGStore) Validate(ctx context.Context, sessionID string) (*Info, error) {
	query := `
		SELECT user_id, provider, created_at, expires_at, revoked_at
		FROM auth_sessions
		WHERE session_id_hash = $1
	`
	var info Info
	var revokedAt *time.Time
	err := s.pool.QueryRow(ctx, query, tokens.SHA256Base64URL(sessionID)).Scan(
		&info.UserID, &info.Provider, &info.CreatedAt, &info.ExpiresAt, &revokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	info.SessionID = sessionID
	info.IsValid = revokedAt == nil
	return &info, nil
}

func (s *PGStore) Invalidate(ctx context.Context, sessionID string) (bool, error) {
	query := `
		UPDATE auth_sessions SET revoked_at = NOW()
		WHERE session_id_hash = $1 AND revoked_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, tokens.SHA256Base64URL(sessionID))
	if err != nil {
		return false, fmt.Errorf("invalidate session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
