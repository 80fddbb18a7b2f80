package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/events"
)

type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  Config
	overrides map[string]Config
	store     Store
	events    *events.Log
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Registry)

// WithStore shares breaker records through store instead of process memory.
func WithStore(store Store) Option {
	return func(r *Registry) {
		if store != nil {
			r.store = store
		}
	}
}

func WithEventLog(log *events.Log) Option {
	return func(r *Registry) {
		if log != nil {
			r.events = log
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(defaults Config, opts ...Option) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults.normalized(),
		overrides: make(map[string]Config),
		store:     NewMemoryStore(),
		events:    events.NewLog(events.DefaultCapacity),
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegisterService sets a per-service threshold and timeout. It applies to an
// existing breaker as well as to one created later.
func (r *Registry) RegisterService(service string, cfg Config) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.overrides[service] = cfg.normalized()
	if cb, ok := r.breakers[service]; ok {
		cb.configure(cfg)
	}
}

// GetBreaker returns the breaker for service, creating it on first use. The
// same name always maps to the same instance.
func (r *Registry) GetBreaker(service string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[service]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[service]; exists {
		return cb
	}

	cfg, ok := r.overrides[service]
	if !ok {
		cfg = r.defaults
	}

	cb = NewCircuitBreaker(service, cfg, r.store, r.events, r.logger, r.now)
	r.breakers[service] = cb
	return cb
}

func (r *Registry) GetAllStatus(ctx context.Context) map[string]Status {
	r.mutex.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.RUnlock()

	stats := make(map[string]Status, len(breakers))
	for _, cb := range breakers {
		stats[cb.Service()] = cb.Status(ctx)
	}
	return stats
}

// ResetBreaker resets a known breaker; unknown names are not created.
func (r *Registry) ResetBreaker(ctx context.Context, service string) error {
	r.mutex.RLock()
	cb, exists := r.breakers[service]
	r.mutex.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrBreakerNotFound, service)
	}

	cb.Reset(ctx)
	return nil
}

func (r *Registry) ResetAll(ctx context.Context) {
	r.mutex.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.RUnlock()

	for _, cb := range breakers {
		cb.Reset(ctx)
	}
}

func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Events() *events.Log {
	return r.events
}
