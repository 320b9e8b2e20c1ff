package rate

import (
	"context"
	"testing"
	"time"
)

func TestSlidingLimiterAllowsUpToMax(t *testing.T) {
	l := NewSlidingLimiter(Config{Max: 5, Window: time.Hour})
	defer l.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "ip-1")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}

	res, err := l.Allow(ctx, "ip-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("request 6 allowed, want rejected")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", res.RetryAfter)
	}
}

func TestSlidingLimiterKeysAreIndependent(t *testing.T) {
	l := NewSlidingLimiter(Config{Max: 1, Window: time.Hour})
	defer l.Stop()
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "ip-1"); !res.Allowed {
		t.Fatal("first ip-1 request rejected")
	}
	if res, _ := l.Allow(ctx, "ip-1"); res.Allowed {
		t.Fatal("second ip-1 request allowed")
	}
	if res, _ := l.Allow(ctx, "ip-2"); !res.Allowed {
		t.Fatal("ip-2 must have its own budget")
	}
}

func TestSlidingLimiterRemainingCountsDown(t *testing.T) {
	l := NewSlidingLimiter(Config{Max: 3, Window: time.Hour})
	defer l.Stop()
	ctx := context.Background()

	want := []int64{2, 1, 0}
	for i, w := range want {
		res, _ := l.Allow(ctx, "k")
		if res.Remaining != w {
			t.Fatalf("request %d: Remaining = %d, want %d", i+1, res.Remaining, w)
		}
	}
}

func TestSlidingLimiterGlobalCeiling(t *testing.T) {
	l := NewSlidingLimiter(Config{Max: 100, Window: time.Hour, GlobalMax: 3})
	defer l.Stop()
	ctx := context.Background()

	// three distinct keys, each far below its per-key limit
	for _, k := range []string{"a", "b", "c"} {
		if res, _ := l.Allow(ctx, k); !res.Allowed {
			t.Fatalf("key %s rejected before global ceiling", k)
		}
	}
	if res, _ := l.Allow(ctx, "d"); res.Allowed {
		t.Fatal("global ceiling must reject even a fresh key")
	}
}

func TestSlidingLimiterWindowExpiry(t *testing.T) {
	l := NewSlidingLimiter(Config{Max: 1, Window: 50 * time.Millisecond})
	defer l.Stop()
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "k"); !res.Allowed {
		t.Fatal("first request rejected")
	}
	if res, _ := l.Allow(ctx, "k"); res.Allowed {
		t.Fatal("second request in window allowed")
	}

	// after two full windows the previous bucket carries no weight
	time.Sleep(120 * time.Millisecond)
	if res, _ := l.Allow(ctx, "k"); !res.Allowed {
		t.Fatal("request after window expiry rejected")
	}
}
