package middlewares

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/dropDatabas3/knockknock/internal/http/helpers"
	"github.com/dropDatabas3/knockknock/internal/metrics"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
	"github.com/dropDatabas3/knockknock/internal/rate"
)

// clientIP extracts the client IP, proxy-aware.
func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateKeyFunc derives the rate-limiting key for a request.
type RateKeyFunc func(r *http.Request) string

// IPPathRateKey keys on IP + path so each endpoint gets its own counter.
func IPPathRateKey(r *http.Request) string {
	return clientIP(r) + "|" + r.URL.Path
}

// WithRateLimit rejects requests above the configured rate with 429 and a
// Retry-After header. Limiter errors fail open: admission beats availability
// loss on a cache hiccup.
func WithRateLimit(limiter rate.Limiter, keyFn RateKeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = IPPathRateKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), keyFn(r))
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				metrics.RateLimited.Inc()
				if res.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				}
				helpers.WriteErrorJSON(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			next.ServeHTTP(w, r)
		})
	}
}
