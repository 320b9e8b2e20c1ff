package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/knockknock/internal/cache"
	tokens "github.com/dropDatabas3/knockknock/internal/security/token"
)

const sidKeyPrefix = "sid:"

// CacheStore is a reference Store backed by the shared cache. Session ids are
// hashed before use as keys so raw ids never land in storage.
type CacheStore struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewCacheStore(c cache.Cache, ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CacheStore{cache: c, ttl: ttl}
}

func (s *CacheStore) Create(_ context.Context, userID, provider string) (*Info, error) {
	now := time.Now()
	info := &Info{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		IsValid:   true,
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	s.cache.Set(sidKey(info.SessionID), b, s.ttl)
	return info, nil
}

func (s *CacheStore) Validate(_ context.Context, sessionID string) (*Info, error) {
	b, ok := s.cache.Get(sidKey(sessionID))
	if !ok {
		return nil, ErrNotFound
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, ErrNotFound
	}
	return &info, nil
}

func (s *CacheStore) Invalidate(_ context.Context, sessionID string) (bool, error) {
	key := sidKey(sessionID)
	if _, ok := s.cache.Get(key); !ok {
		return false, nil
	}
	s.cache.Delete(key)
	return true, nil
}

func sidKey(sessionID string) string {
	return sidKeyPrefix + tokens.SHA256Base64URL(sessionID)
}
