package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/metrics"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
)

// Factory builds a provider instance. Registered once per supported provider;
// the closure carries its configuration.
type Factory func() (Provider, error)

// healthDisableThreshold is the number of consecutive failed health checks
// after which the registry stops serving a provider until it recovers.
const healthDisableThreshold = 3

// pool is an immutable snapshot of built provider instances. Lookups read the
// current pool through an atomic pointer, so Refresh never exposes a
// half-updated view and readers take no lock.
type pool struct {
	order  []string // registration order, lowercase
	byName map[string]Provider
}

// Registry discovers, caches, health-checks and selects providers.
type Registry struct {
	mu          sync.Mutex // guards factories/order and pool rebuilds
	factories   map[string]Factory
	order       []string
	defaultName string

	// failures maps name -> *atomic.Int32 of consecutive health failures.
	// Kept lock-free so Get stays reader-lock free.
	failures sync.Map

	current atomic.Pointer[pool]
}

// NewRegistry creates an empty registry. defaultName may be empty, in which
// case the first enabled provider in registration order is the default.
func NewRegistry(defaultName string) *Registry {
	r := &Registry{
		factories:   make(map[string]Factory),
		defaultName: strings.ToLower(strings.TrimSpace(defaultName)),
	}
	r.current.Store(&pool{byName: map[string]Provider{}})
	return r
}

// RegisterFactory registers a factory under name and rebuilds the pool.
// Supports runtime registration of additional provider implementations.
func (r *Registry) RegisterFactory(name string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || f == nil {
		return fmt.Errorf("%w: factory name and func are required", autherr.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; !dup {
		r.order = append(r.order, key)
	}
	r.factories[key] = f
	return r.rebuildLocked()
}

// Refresh rebuilds every provider instance from its factory and atomically
// swaps the pool. Concurrent lookups observe either the old or the new pool,
// never a mix.
func (r *Registry) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked()
}

func (r *Registry) rebuildLocked() error {
	next := &pool{
		order:  append([]string(nil), r.order...),
		byName: make(map[string]Provider, len(r.factories)),
	}
	var errs []error
	for _, name := range r.order {
		p, err := r.factories[name]()
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
			continue
		}
		next.byName[name] = p
	}
	r.current.Store(next)
	return errors.Join(errs...)
}

// Get returns the enabled provider registered under name (case-insensitive).
// Unknown, disabled and health-suspended providers all yield ErrInvalidProvider.
func (r *Registry) Get(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	p, ok := r.current.Load().byName[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", autherr.ErrInvalidProvider, key)
	}
	if !p.Descriptor().Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", autherr.ErrInvalidProvider, key)
	}
	if r.suspended(key) {
		return nil, fmt.Errorf("%w: %s is suspended after repeated health failures", autherr.ErrInvalidProvider, key)
	}
	return p, nil
}

// Default returns the configured default provider, or the first enabled
// provider in registration order when none is configured.
func (r *Registry) Default() (Provider, error) {
	if r.defaultName != "" {
		return r.Get(r.defaultName)
	}
	snap := r.current.Load()
	for _, name := range snap.order {
		if p, ok := snap.byName[name]; ok && p.Descriptor().Enabled && !r.suspended(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no enabled provider", autherr.ErrInvalidProvider)
}

// List returns descriptors for every registered provider, in registration order.
func (r *Registry) List() []Descriptor {
	snap := r.current.Load()
	out := make([]Descriptor, 0, len(snap.order))
	for _, name := range snap.order {
		if p, ok := snap.byName[name]; ok {
			out = append(out, p.Descriptor())
		}
	}
	return out
}

// WithCapability returns every enabled provider advertising the capability.
func (r *Registry) WithCapability(c Capability) []Provider {
	snap := r.current.Load()
	var out []Provider
	for _, name := range snap.order {
		p, ok := snap.byName[name]
		if ok && p.Descriptor().Enabled && p.Descriptor().Has(c) && !r.suspended(name) {
			out = append(out, p)
		}
	}
	return out
}

// ValidateAll validates every enabled provider's configuration and aggregates
// all failures so operators see every misconfiguration at once.
func (r *Registry) ValidateAll() error {
	snap := r.current.Load()
	var errs []error
	for _, name := range snap.order {
		p, ok := snap.byName[name]
		if !ok || !p.Descriptor().Enabled {
			continue
		}
		if err := p.ValidateConfiguration(); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", autherr.ErrConfigurationInvalid, errors.Join(errs...))
	}
	return nil
}

// HealthCheck probes every enabled provider concurrently and returns the
// per-provider outcome. Repeated failures suspend a provider until it passes
// again.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	snap := r.current.Load()
	results := make(map[string]error, len(snap.order))
	var rmu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range snap.order {
		p, ok := snap.byName[name]
		if !ok || !p.Descriptor().Enabled {
			continue
		}
		name, p := name, p
		g.Go(func() error {
			err := p.HealthCheck(ctx)
			rmu.Lock()
			results[name] = err
			rmu.Unlock()
			r.recordHealth(name, err)
			return nil // individual failures are reported, not fatal
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) failureCounter(name string) *atomic.Int32 {
	v, _ := r.failures.LoadOrStore(name, new(atomic.Int32))
	return v.(*atomic.Int32)
}

func (r *Registry) recordHealth(name string, err error) {
	c := r.failureCounter(name)
	if err == nil {
		if c.Swap(0) >= healthDisableThreshold {
			metrics.ProvidersSuspended.Dec()
			logger.L().Info("provider recovered", logger.Component("providers.registry"), logger.Provider(name))
		}
		return
	}
	if c.Add(1) == healthDisableThreshold {
		metrics.ProvidersSuspended.Inc()
		logger.L().Warn("provider suspended after repeated health failures",
			logger.Component("providers.registry"), logger.Provider(name), logger.Err(err))
	}
}

func (r *Registry) suspended(name string) bool {
	v, ok := r.failures.Load(name)
	return ok && v.(*atomic.Int32).Load() >= healthDisableThreshold
}
