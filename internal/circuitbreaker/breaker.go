package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/events"
	"github.com/angeloszaimis/query-gateway/internal/retry"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking calls
	StateHalfOpen              // Testing with one call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		*s = StateClosed
	}
	return nil
}

type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

func (c Config) normalized() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Service            string        `json:"service"`
	State              State         `json:"state"`
	Failures           int           `json:"failures"`
	Threshold          int           `json:"threshold"`
	LastFailure        time.Time     `json:"last_failure,omitzero"`
	ResetTimeout       time.Duration `json:"reset_timeout"`
	ResetTimeRemaining time.Duration `json:"reset_time_remaining"`
}

type CircuitBreaker struct {
	mutex        sync.Mutex
	service      string
	config       Config
	local        Record
	probing      bool
	probeStarted time.Time
	store        Store
	events       *events.Log
	logger       *slog.Logger
	now          func() time.Time
}

func NewCircuitBreaker(service string, cfg Config, store Store, log *events.Log, logger *slog.Logger, now func() time.Time) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		service: service,
		config:  cfg.normalized(),
		local:   Record{Service: service, State: StateClosed},
		store:   store,
		events:  log,
		logger:  logger,
		now:     now,
	}
}

func (cb *CircuitBreaker) Service() string {
	return cb.service
}

// Execute runs fn unless the circuit is open and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		return cb.RecordFailure(ctx, err)
	}

	cb.RecordSuccess(ctx)
	return nil
}

// Call is Execute for functions that produce a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Allow reports whether a call may proceed. In HALF_OPEN exactly one caller
// is admitted as the probe; the caller must report the outcome with
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	rec := cb.load(ctx)
	now := cb.now()
	state, remaining := cb.evaluate(rec, now)

	switch state {
	case StateClosed:
		return nil
	case StateOpen:
		return &OpenError{Service: cb.service, RetryIn: remaining}
	default:
		if cb.probing && now.Sub(cb.probeStarted) < cb.config.ResetTimeout {
			return &OpenError{Service: cb.service, Probing: true}
		}

		cb.probing = true
		cb.probeStarted = now
		cb.emit(events.TypeHalfOpen, map[string]any{"failures": rec.Failures})
		cb.logger.Info("Circuit half-open, admitting probe", slog.String("service", cb.service))
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	rec := cb.load(ctx)
	state, _ := cb.evaluate(rec, cb.now())
	wasProbe := cb.probing || state == StateHalfOpen
	cb.probing = false

	if rec.Failures == 0 && !wasProbe {
		return
	}

	cb.reset(ctx)

	if wasProbe {
		cb.emit(events.TypeClose, nil)
		cb.logger.Info("Circuit closed", slog.String("service", cb.service))
		return
	}

	cb.emit(events.TypeSuccess, map[string]any{"cleared_failures": rec.Failures})
}

// RecordFailure counts a failure and returns err wrapped in a FailureError.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, err error) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	rec := cb.load(ctx)
	state, _ := cb.evaluate(rec, now)
	wasProbe := cb.probing || state == StateHalfOpen
	cb.probing = false

	opened := false
	if wasProbe {
		// Held at threshold-1 during the probe, so this failure re-opens.
		rec.Failures = cb.config.FailureThreshold
		rec.LastFailure = now
		rec.State = StateOpen
		cb.persist(ctx, rec)
		opened = true
	} else {
		rec = cb.increment(ctx, now)
		if rec.Failures >= cb.config.FailureThreshold && rec.State != StateOpen {
			rec.State = StateOpen
			cb.persist(ctx, rec)
			opened = true
		}
	}

	details := map[string]any{
		"failures":  rec.Failures,
		"threshold": cb.config.FailureThreshold,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	cb.emit(events.TypeFailure, details)

	if retry.IsRateLimited(err) {
		cb.emit(events.TypeRateLimit, details)
	}

	if opened {
		cb.emit(events.TypeOpen, details)
		cb.logger.Warn("Circuit opened",
			slog.String("service", cb.service),
			slog.Int("failures", rec.Failures),
			slog.Duration("reset_timeout", cb.config.ResetTimeout))
	}

	return &FailureError{
		Service:   cb.service,
		Failures:  rec.Failures,
		Threshold: cb.config.FailureThreshold,
		Err:       err,
	}
}

// Status never mutates the record; HALF_OPEN and the remaining reset time
// are computed from the clock.
func (cb *CircuitBreaker) Status(ctx context.Context) Status {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	rec := cb.load(ctx)
	state, remaining := cb.evaluate(rec, cb.now())

	return Status{
		Service:            cb.service,
		State:              state,
		Failures:           rec.Failures,
		Threshold:          cb.config.FailureThreshold,
		LastFailure:        rec.LastFailure,
		ResetTimeout:       cb.config.ResetTimeout,
		ResetTimeRemaining: remaining,
	}
}

func (cb *CircuitBreaker) State() State {
	return cb.Status(context.Background()).State
}

// Reset forces the breaker CLOSED with zero failures.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	rec := cb.load(ctx)
	state, _ := cb.evaluate(rec, cb.now())
	cb.probing = false
	cb.reset(ctx)

	if state != StateClosed {
		cb.emit(events.TypeClose, map[string]any{"manual": true})
		cb.logger.Info("Circuit reset", slog.String("service", cb.service))
	}
}

func (cb *CircuitBreaker) configure(cfg Config) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.config = cfg.normalized()
}

func (cb *CircuitBreaker) evaluate(rec Record, now time.Time) (State, time.Duration) {
	if rec.Failures < cb.config.FailureThreshold {
		return StateClosed, 0
	}

	elapsed := now.Sub(rec.LastFailure)
	if elapsed < cb.config.ResetTimeout {
		return StateOpen, cb.config.ResetTimeout - elapsed
	}

	return StateHalfOpen, 0
}

// load refreshes the in-process copy from the store. Store errors degrade to
// the last known local record.
func (cb *CircuitBreaker) load(ctx context.Context) Record {
	if cb.store == nil {
		return cb.local
	}

	rec, ok, err := cb.store.GetState(ctx, cb.service)
	if err != nil {
		cb.logger.Warn("Breaker store read failed, using local state",
			slog.String("service", cb.service),
			slog.Any("err", err))
		return cb.local
	}
	if !ok {
		rec = Record{Service: cb.service, State: StateClosed}
	}

	cb.local = rec
	return rec
}

func (cb *CircuitBreaker) persist(ctx context.Context, rec Record) {
	rec.Service = cb.service
	cb.local = rec

	if cb.store == nil {
		return
	}
	if err := cb.store.SetState(ctx, cb.service, rec); err != nil {
		cb.logger.Warn("Breaker store write failed",
			slog.String("service", cb.service),
			slog.Any("err", err))
	}
}

func (cb *CircuitBreaker) increment(ctx context.Context, at time.Time) Record {
	local := cb.local
	local.Failures++
	local.LastFailure = at

	if cb.store == nil {
		cb.local = local
		return local
	}

	rec, err := cb.store.IncrementFailures(ctx, cb.service, at)
	if err != nil {
		cb.logger.Warn("Breaker store increment failed, using local state",
			slog.String("service", cb.service),
			slog.Any("err", err))
		cb.local = local
		return local
	}

	cb.local = rec
	return rec
}

func (cb *CircuitBreaker) reset(ctx context.Context) {
	cb.local = Record{Service: cb.service, State: StateClosed}

	if cb.store == nil {
		return
	}
	if err := cb.store.ResetState(ctx, cb.service); err != nil {
		cb.logger.Warn("Breaker store reset failed",
			slog.String("service", cb.service),
			slog.Any("err", err))
	}
}

func (cb *CircuitBreaker) emit(t events.Type, details map[string]any) {
	if cb.events == nil {
		return
	}
	cb.events.Emit(events.Event{
		Type:      t,
		Service:   cb.service,
		Timestamp: cb.now(),
		Details:   details,
	})
}
