package rate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter (INCR + EXPIRE) for deployments
// where counters must be shared across instances.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration

	// GlobalMax caps total requests across all keys per window. Zero disables it.
	GlobalMax int64
}

func NewRedisLimiter(client *rdb.Client, prefix string, max int64, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{Client: client, Prefix: prefix, Max: max, Window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	if l.GlobalMax > 0 {
		hits, retry, err := l.count(ctx, "_global")
		if err != nil {
			return Result{}, err
		}
		if hits > l.GlobalMax {
			return Result{Allowed: false, RetryAfter: retry, CurrentHits: hits}, nil
		}
	}

	hits, retry, err := l.count(ctx, strings.ReplaceAll(key, " ", "_"))
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Allowed:     hits <= l.Max,
		Remaining:   max64(l.Max-hits, 0),
		CurrentHits: hits,
	}
	if !res.Allowed {
		res.RetryAfter = retry
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Duration(math.Ceil(l.Window.Seconds())) * time.Second
		}
	}
	return res, nil
}

func (l *RedisLimiter) count(ctx context.Context, key string) (int64, time.Duration, error) {
	winStart := time.Now().UTC().Truncate(l.Window)
	redisKey := fmt.Sprintf("%s%s:%d", l.Prefix, key, winStart.Unix())

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	// set expiry on first hit
	if incr.Val() == 1 {
		_ = l.Client.Expire(ctx, redisKey, l.Window).Err()
		ttl = l.Client.TTL(ctx, redisKey)
	}
	return incr.Val(), ttl.Val(), nil
}
