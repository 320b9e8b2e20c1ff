// Package rate bounds request rates per caller identity (IP or session key).
//
// Two implementations: an in-process sliding-window limiter and a Redis-backed
// fixed-window limiter for shared deployments. Exceeding a limit yields
// autherr.ErrRateLimited, distinct from every other failure.
package rate

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// Limiter is the admission interface consumed by middleware.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Config sizes a sliding-window limiter.
type Config struct {
	// Max requests per key per window.
	Max int64
	// Window size.
	Window time.Duration
	// GlobalMax caps total requests across all keys per window, independent
	// of per-key ceilings. Zero disables the global ceiling.
	GlobalMax int64
}

// window holds the two-bucket sliding approximation for one key. The previous
// bucket is weighted by how much of it still overlaps the rolling window.
type window struct {
	mu       sync.Mutex
	start    int64 // unix nanos of current bucket start
	curr     int64
	prev     int64
	lastSeen atomic.Int64
}

// SlidingLimiter is the in-process limiter. Safe for concurrent use; stale
// key windows are swept periodically so the map stays bounded.
type SlidingLimiter struct {
	cfg     Config
	entries sync.Map // key -> *window
	global  window

	stop chan struct{}
	once sync.Once
}

// NewSlidingLimiter creates a limiter and starts its sweep loop.
func NewSlidingLimiter(cfg Config) *SlidingLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &SlidingLimiter{cfg: cfg, stop: make(chan struct{})}
	go l.sweep()
	return l
}

// Stop terminates the sweep loop.
func (l *SlidingLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow admits or rejects one request for key. The request counts against both
// the per-key window and the global ceiling; either one can reject.
func (l *SlidingLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := time.Now()

	if l.cfg.GlobalMax > 0 {
		hits, retry := l.hit(&l.global, now)
		if hits > l.cfg.GlobalMax {
			return Result{Allowed: false, RetryAfter: retry, CurrentHits: hits}, nil
		}
	}

	v, _ := l.entries.LoadOrStore(key, &window{})
	w := v.(*window)
	w.lastSeen.Store(now.UnixNano())

	hits, retry := l.hit(w, now)
	res := Result{
		Allowed:     hits <= l.cfg.Max,
		Remaining:   max64(l.cfg.Max-hits, 0),
		CurrentHits: hits,
	}
	if !res.Allowed {
		res.RetryAfter = retry
	}
	return res, nil
}

// hit records one request in w and returns the weighted hit count for the
// rolling window plus the time until the current bucket rolls over.
func (l *SlidingLimiter) hit(w *window, now time.Time) (int64, time.Duration) {
	win := l.cfg.Window.Nanoseconds()
	nowNs := now.UnixNano()
	bucket := nowNs - nowNs%win

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.start == bucket:
		// same bucket
	case w.start == bucket-win:
		w.prev = w.curr
		w.curr = 0
		w.start = bucket
	default:
		w.prev = 0
		w.curr = 0
		w.start = bucket
	}
	w.curr++

	elapsed := nowNs - bucket
	weight := float64(win-elapsed) / float64(win)
	// round the carried-over portion up so a burst straddling a bucket
	// boundary cannot sneak under the limit
	hits := w.curr + int64(math.Ceil(float64(w.prev)*weight))
	return hits, time.Duration(win - elapsed)
}

// sweep drops key windows idle for more than two windows.
func (l *SlidingLimiter) sweep() {
	interval := l.cfg.Window
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			cutoff := now.Add(-2 * l.cfg.Window).UnixNano()
			l.entries.Range(func(k, v any) bool {
				if v.(*window).lastSeen.Load() < cutoff {
					l.entries.Delete(k)
				}
				return true
			})
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
