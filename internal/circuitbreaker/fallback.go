package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/angeloszaimis/query-gateway/internal/events"
	"github.com/angeloszaimis/query-gateway/internal/retry"
)

type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

type Result[T any] struct {
	Data          T
	Source        Source
	OriginalError error
}

// Executor runs primary calls through the registry's breakers and switches
// to a fallback when they cannot be served.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	exempt   func(error) bool
}

type ExecutorOption func(*Executor)

// WithExemption sets the predicate for failures that must not count against
// the breaker. The default exempts client-side cancellation only.
func WithExemption(exempt func(error) bool) ExecutorOption {
	return func(e *Executor) {
		if exempt != nil {
			e.exempt = exempt
		}
	}
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		logger:   registry.logger,
		exempt:   retry.BreakerExemption{}.Exempt,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs fn through the breaker for service without a fallback.
func (e *Executor) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	if err := e.registry.GetBreaker(service).Allow(ctx); err != nil {
		return err
	}
	return e.Report(ctx, service, fn(ctx))
}

// Report records the outcome of a call admitted by the breaker's Allow. An
// exempt failure resets the breaker and is returned unwrapped; any other
// failure is counted and returned as a FailureError.
func (e *Executor) Report(ctx context.Context, service string, err error) error {
	cb := e.registry.GetBreaker(service)

	if err == nil {
		cb.RecordSuccess(ctx)
		return nil
	}

	if e.exempt(err) {
		cb.Reset(ctx)
		e.logger.Debug("Call aborted by client, breaker reset",
			slog.String("service", service),
			slog.Any("err", err))
		return err
	}

	return cb.RecordFailure(ctx, err)
}

// ExecuteWithFallback calls primary through the breaker for service. An open
// breaker skips primary entirely. On primary failure the fallback runs; a
// failure the executor exempts (client cancellation) resets the breaker
// instead of counting. A failing fallback is returned as the error.
func ExecuteWithFallback[T any](
	ctx context.Context,
	e *Executor,
	service string,
	primary func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
) (Result[T], error) {
	cb := e.registry.GetBreaker(service)

	if status := cb.Status(ctx); status.State == StateOpen {
		cause := &OpenError{Service: service, RetryIn: status.ResetTimeRemaining}
		return runFallback(ctx, e, cb, fallback, cause, "circuit_open")
	}

	var data T
	err := e.Execute(ctx, service, func(ctx context.Context) error {
		var err error
		data, err = primary(ctx)
		return err
	})
	if err == nil {
		return Result[T]{Data: data, Source: SourcePrimary}, nil
	}

	if errors.Is(err, ErrCircuitOpen) {
		return runFallback(ctx, e, cb, fallback, err, "circuit_open")
	}

	return runFallback(ctx, e, cb, fallback, err, "primary_failed")
}

func runFallback[T any](
	ctx context.Context,
	e *Executor,
	cb *CircuitBreaker,
	fallback func(ctx context.Context, cause error) (T, error),
	cause error,
	reason string,
) (Result[T], error) {
	cb.emit(events.TypeFailover, map[string]any{
		"reason": reason,
		"error":  cause.Error(),
	})
	e.logger.Warn("Failing over to fallback",
		slog.String("service", cb.Service()),
		slog.String("reason", reason),
		slog.Any("err", cause))

	if fallback == nil {
		return Result[T]{}, cause
	}

	data, err := fallback(ctx, cause)
	if err != nil {
		return Result[T]{}, fmt.Errorf("%s fallback: %w", cb.Service(), err)
	}

	return Result[T]{Data: data, Source: SourceFallback, OriginalError: cause}, nil
}
