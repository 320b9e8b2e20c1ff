package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Authentication Prometheus metrics. Defined in a standalone package to avoid
// import cycles between the flow, providers and HTTP packages.

var (
	loginsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_started_total",
		Help: "Authorization requests issued, per provider",
	}, []string{"provider"})

	loginsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_completed_total",
		Help: "Logins that established a session, per provider",
	}, []string{"provider"})

	loginsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_rejected_total",
		Help: "Login attempts rejected, per provider and flow stage",
	}, []string{"provider", "stage"})

	ExchangeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auth_code_exchange_latency_ms",
		Help:    "Latency of authorization-code exchanges in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"provider"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	ProvidersSuspended = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auth_providers_suspended",
		Help: "Providers currently suspended after repeated health-check failures",
	})
)

func LoginStarted(provider string) {
	loginsStarted.WithLabelValues(provider).Inc()
}

func LoginCompleted(provider string) {
	loginsCompleted.WithLabelValues(provider).Inc()
}

func LoginRejected(provider, stage string) {
	loginsRejected.WithLabelValues(provider, stage).Inc()
}

// ObserveExchange records one code-exchange duration for provider.
func ObserveExchange(provider string, d time.Duration) {
	ExchangeLatency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
}

// RegisterAuth registers the auth metrics on the given registry (or default if nil).
func RegisterAuth(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		loginsStarted, loginsCompleted, loginsRejected,
		ExchangeLatency, RateLimited, ProvidersSuspended,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
