// Package memory implements cache.Cache on top of patrickmn/go-cache.
package memory

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/knockknock/internal/cache"
)

type Mem struct {
	// mu serializes Take: go-cache has no atomic get+delete.
	mu sync.Mutex
	c  *gocache.Cache
}

// New creates an in-process cache. Expired entries are swept every minute.
func New(defaultTTL time.Duration) cache.Cache {
	return &Mem{c: gocache.New(defaultTTL, time.Minute)}
}

func (m *Mem) Get(k string) ([]byte, bool) {
	v, ok := m.c.Get(k)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, true
}

func (m *Mem) Set(k string, v []byte, ttl time.Duration) { m.c.Set(k, v, ttl) }

func (m *Mem) Delete(k string) { m.c.Delete(k) }

func (m *Mem) Take(k string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.c.Get(k)
	if !ok {
		return nil, false
	}
	m.c.Delete(k)
	b, _ := v.([]byte)
	return b, true
}
