// Package router assembles the HTTP surface.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/knockknock/internal/http/handlers"
	"github.com/dropDatabas3/knockknock/internal/http/helpers"
	"github.com/dropDatabas3/knockknock/internal/http/middlewares"
	"github.com/dropDatabas3/knockknock/internal/providers"
	"github.com/dropDatabas3/knockknock/internal/rate"
)

// Deps contains everything the router mounts.
type Deps struct {
	Auth     *handlers.Auth
	Registry *providers.Registry

	// RateLimiter guards the login endpoints when non-nil.
	RateLimiter rate.Limiter
}

// New builds the chi router with the standard middleware stack.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middlewares.WithRequestID())
	r.Use(middlewares.WithLogging())

	r.Group(func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(middlewares.WithRateLimit(d.RateLimiter, middlewares.IPPathRateKey))
		}
		r.Get("/auth/{provider}/login", d.Auth.StartLogin)
		r.Get("/auth/{provider}/callback", d.Auth.Callback)
		r.Post("/auth/{provider}/callback", d.Auth.Callback)
	})

	r.Get("/session", d.Auth.Session)
	r.Get("/csrf", d.Auth.CSRFToken)
	r.Post("/logout", d.Auth.Logout)
	r.Get("/providers", d.Auth.Providers)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		results := d.Registry.HealthCheck(req.Context())
		healthy := true
		for _, err := range results {
			if err != nil {
				healthy = false
				break
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		out := make(map[string]string, len(results))
		for name, err := range results {
			if err != nil {
				out[name] = err.Error()
			} else {
				out[name] = "ok"
			}
		}
		helpers.WriteJSON(w, status, map[string]any{"providers": out})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
