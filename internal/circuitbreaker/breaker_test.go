package circuitbreaker_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/events"
)

var _ = Describe("CircuitBreaker", func() {
	var (
		cb    *circuitbreaker.CircuitBreaker
		clock *fakeClock
		log   *events.Log
		ctx   context.Context
		boom  error
	)

	fail := func(ctx context.Context) error { return boom }
	succeed := func(ctx context.Context) error { return nil }

	trip := func() {
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
	}

	eventTypes := func() []events.Type {
		var types []events.Type
		for _, e := range log.Recent(0) {
			types = append(types, e.Type)
		}
		return types
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		log = events.NewLog(50)
		boom = errors.New("backend exploded")
		cb = circuitbreaker.NewCircuitBreaker("streaming",
			circuitbreaker.Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second},
			circuitbreaker.NewMemoryStore(), log, quietLogger(), clock.Now)
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Status(ctx).Failures).To(Equal(0))
		})

		It("should work without a store", func() {
			cb = circuitbreaker.NewCircuitBreaker("bare", circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Second}, nil, nil, nil, clock.Now)
			_ = cb.Execute(ctx, fail)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Describe("Execute", func() {
		Context("when in CLOSED state", func() {
			It("should invoke the function", func() {
				calls := 0
				err := cb.Execute(ctx, func(ctx context.Context) error {
					calls++
					return nil
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(calls).To(Equal(1))
			})

			It("should wrap failures with service and failure context", func() {
				err := cb.Execute(ctx, fail)
				Expect(err).To(MatchError(ContainSubstring("streaming failed (1/3)")))
				Expect(errors.Is(err, boom)).To(BeTrue())

				var fe *circuitbreaker.FailureError
				Expect(errors.As(err, &fe)).To(BeTrue())
				Expect(fe.Failures).To(Equal(1))
				Expect(fe.Threshold).To(Equal(3))
			})

			It("should remain closed after failures below threshold", func() {
				_ = cb.Execute(ctx, fail)
				_ = cb.Execute(ctx, fail)
				Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
				Expect(cb.Status(ctx).Failures).To(Equal(2))
			})

			It("should reset the failure count on success", func() {
				_ = cb.Execute(ctx, fail)
				_ = cb.Execute(ctx, fail)
				Expect(cb.Execute(ctx, succeed)).To(Succeed())
				Expect(cb.Status(ctx).Failures).To(Equal(0))

				_ = cb.Execute(ctx, fail)
				Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			})

			It("should transition to OPEN after reaching the failure threshold", func() {
				trip()
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
				Expect(eventTypes()).To(ContainElement(events.TypeOpen))
			})
		})

		Context("when in OPEN state", func() {
			BeforeEach(func() {
				trip()
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			})

			It("should reject without invoking the function", func() {
				calls := 0
				err := cb.Execute(ctx, func(ctx context.Context) error {
					calls++
					return nil
				})
				Expect(calls).To(Equal(0))
				Expect(errors.Is(err, circuitbreaker.ErrCircuitOpen)).To(BeTrue())
				Expect(err).To(MatchError(ContainSubstring("retry in 30s")))
			})

			It("should keep rejecting a would-be success before the reset timeout", func() {
				clock.Advance(29 * time.Second)
				Expect(cb.Execute(ctx, succeed)).To(MatchError(circuitbreaker.ErrCircuitOpen))
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			})

			It("should report the remaining reset time", func() {
				clock.Advance(10 * time.Second)
				Expect(cb.Status(ctx).ResetTimeRemaining).To(Equal(20 * time.Second))
			})

			It("should be HALF_OPEN once the reset timeout elapses, without mutation", func() {
				clock.Advance(30 * time.Second)
				status := cb.Status(ctx)
				Expect(status.State).To(Equal(circuitbreaker.StateHalfOpen))
				Expect(status.Failures).To(Equal(3))
				Expect(status.ResetTimeRemaining).To(BeZero())
			})

			It("should close after a successful probe", func() {
				clock.Advance(30 * time.Second)
				Expect(cb.Execute(ctx, succeed)).To(Succeed())

				status := cb.Status(ctx)
				Expect(status.State).To(Equal(circuitbreaker.StateClosed))
				Expect(status.Failures).To(Equal(0))
				Expect(eventTypes()).To(ContainElements(events.TypeHalfOpen, events.TypeClose))
			})
		})

		Context("when in HALF_OPEN state", func() {
			BeforeEach(func() {
				trip()
				clock.Advance(31 * time.Second)
			})

			It("should admit exactly one probe", func() {
				Expect(cb.Allow(ctx)).To(Succeed())

				err := cb.Allow(ctx)
				Expect(errors.Is(err, circuitbreaker.ErrCircuitOpen)).To(BeTrue())
				Expect(err).To(MatchError(ContainSubstring("probe in progress")))
			})

			It("should re-open immediately when the probe fails", func() {
				err := cb.Execute(ctx, fail)
				Expect(err).To(MatchError(ContainSubstring("(3/3)")))
				Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
				Expect(cb.Status(ctx).ResetTimeRemaining).To(Equal(30 * time.Second))
			})

			It("should admit a new probe if the previous one never reported", func() {
				Expect(cb.Allow(ctx)).To(Succeed())
				clock.Advance(31 * time.Second)
				Expect(cb.Allow(ctx)).To(Succeed())
			})
		})
	})

	Describe("RecordFailure", func() {
		It("should emit a rate_limit event for throttling errors", func() {
			_ = cb.RecordFailure(ctx, errors.New("429 Too Many Requests"))
			Expect(eventTypes()).To(Equal([]events.Type{events.TypeFailure, events.TypeRateLimit}))
		})

		It("should carry failure details on the event", func() {
			_ = cb.RecordFailure(ctx, boom)
			event := log.Recent(1)[0]
			Expect(event.Service).To(Equal("streaming"))
			Expect(event.Details).To(HaveKeyWithValue("failures", 1))
			Expect(event.Details).To(HaveKeyWithValue("error", "backend exploded"))
			Expect(event.Timestamp).To(Equal(clock.Now()))
		})
	})

	Describe("Reset", func() {
		It("should force CLOSED with zero failures from OPEN", func() {
			trip()
			cb.Reset(ctx)

			status := cb.Status(ctx)
			Expect(status.State).To(Equal(circuitbreaker.StateClosed))
			Expect(status.Failures).To(Equal(0))
			Expect(log.Recent(1)[0].Type).To(Equal(events.TypeClose))
		})

		It("should clear partial failure counts quietly", func() {
			_ = cb.Execute(ctx, fail)
			before := log.Len()
			cb.Reset(ctx)
			Expect(cb.Status(ctx).Failures).To(Equal(0))
			Expect(log.Len()).To(Equal(before))
		})
	})

	Describe("Wall clock behaviour", func() {
		It("should transition to HALF_OPEN after a real reset timeout", func() {
			cb = circuitbreaker.NewCircuitBreaker("wall",
				circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond},
				nil, nil, quietLogger(), nil)
			_ = cb.Execute(ctx, fail)
			_ = cb.Execute(ctx, fail)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			time.Sleep(150 * time.Millisecond)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(cb.Execute(ctx, succeed)).To(Succeed())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Describe("State.String", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF_OPEN"))
		})
	})

	Describe("Call", func() {
		It("should return the function's value", func() {
			v, err := circuitbreaker.Call(ctx, cb, func(ctx context.Context) (string, error) {
				return "ok", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("ok"))
		})
	})
})
