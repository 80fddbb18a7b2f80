package circuitbreaker_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/events"
	"github.com/angeloszaimis/query-gateway/internal/retry"
)

type gatewayTimeout struct{}

func (gatewayTimeout) Error() string   { return "upstream returned 504 Gateway Timeout" }
func (gatewayTimeout) StatusCode() int { return 504 }

var _ = Describe("ExecuteWithFallback", func() {
	var (
		registry     *circuitbreaker.Registry
		executor     *circuitbreaker.Executor
		ctx          context.Context
		primaryCalls int
	)

	primaryOK := func(ctx context.Context) (string, error) {
		primaryCalls++
		return "primary", nil
	}
	primaryErr := func(err error) func(ctx context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			primaryCalls++
			return "", err
		}
	}
	fallbackOK := func(ctx context.Context, cause error) (string, error) {
		return "fallback", nil
	}

	BeforeEach(func() {
		ctx = context.Background()
		primaryCalls = 0
		registry = circuitbreaker.NewRegistry(
			circuitbreaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute},
			circuitbreaker.WithLogger(quietLogger()),
		)
		executor = circuitbreaker.NewExecutor(registry)
	})

	It("should return the primary result when it succeeds", func() {
		res, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryOK, fallbackOK)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Data).To(Equal("primary"))
		Expect(res.Source).To(Equal(circuitbreaker.SourcePrimary))
		Expect(res.OriginalError).To(BeNil())
	})

	It("should never invoke primary while the breaker is open", func() {
		cb := registry.GetBreaker("jobs")
		for i := 0; i < 3; i++ {
			_ = cb.RecordFailure(ctx, errors.New("boom"))
		}

		res, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryOK, fallbackOK)
		Expect(err).NotTo(HaveOccurred())
		Expect(primaryCalls).To(Equal(0))
		Expect(res.Source).To(Equal(circuitbreaker.SourceFallback))
		Expect(errors.Is(res.OriginalError, circuitbreaker.ErrCircuitOpen)).To(BeTrue())

		last := registry.Events().Recent(1)[0]
		Expect(last.Type).To(Equal(events.TypeFailover))
		Expect(last.Details).To(HaveKeyWithValue("reason", "circuit_open"))
	})

	It("should fall back and count the failure on a backend error", func() {
		res, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryErr(errors.New("502 bad gateway")), fallbackOK)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Data).To(Equal("fallback"))
		Expect(res.Source).To(Equal(circuitbreaker.SourceFallback))
		Expect(res.OriginalError).To(MatchError(ContainSubstring("502 bad gateway")))
		Expect(registry.GetBreaker("jobs").Status(ctx).Failures).To(Equal(1))
	})

	It("should reset the breaker when the primary was cancelled by the client", func() {
		cb := registry.GetBreaker("jobs")
		_ = cb.RecordFailure(ctx, errors.New("boom"))
		Expect(cb.Status(ctx).Failures).To(Equal(1))

		res, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs",
			primaryErr(fmt.Errorf("submit: %w", context.Canceled)), fallbackOK)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Source).To(Equal(circuitbreaker.SourceFallback))
		Expect(errors.Is(res.OriginalError, context.Canceled)).To(BeTrue())
		Expect(cb.Status(ctx).Failures).To(Equal(0))
	})

	It("should treat an explicit abort as a cancellation", func() {
		_, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryErr(retry.ErrAborted), fallbackOK)
		Expect(err).NotTo(HaveOccurred())
		Expect(registry.GetBreaker("jobs").Status(ctx).Failures).To(Equal(0))
	})

	Context("gateway timeouts", func() {
		It("should count a 504 against the breaker by default", func() {
			_, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryErr(gatewayTimeout{}), fallbackOK)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.GetBreaker("jobs").Status(ctx).Failures).To(Equal(1))
		})

		It("should exempt a 504 when configured to", func() {
			executor = circuitbreaker.NewExecutor(registry,
				circuitbreaker.WithExemption(retry.BreakerExemption{ExemptGatewayTimeouts: true}.Exempt))
			_, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryErr(gatewayTimeout{}), fallbackOK)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.GetBreaker("jobs").Status(ctx).Failures).To(Equal(0))
		})
	})

	It("should propagate a fallback failure", func() {
		fallbackErr := errors.New("fallback also down")
		_, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs",
			primaryErr(errors.New("primary down")),
			func(ctx context.Context, cause error) (string, error) { return "", fallbackErr })
		Expect(errors.Is(err, fallbackErr)).To(BeTrue())
	})

	It("should return the cause when no fallback is given", func() {
		_, err := circuitbreaker.ExecuteWithFallback[string](ctx, executor, "jobs", primaryErr(errors.New("primary down")), nil)
		Expect(err).To(MatchError(ContainSubstring("primary down")))
	})

	It("should open after repeated failures and then short-circuit", func() {
		for i := 0; i < 3; i++ {
			_, _ = circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryErr(errors.New("503")), fallbackOK)
		}
		Expect(primaryCalls).To(Equal(3))

		res, err := circuitbreaker.ExecuteWithFallback(ctx, executor, "jobs", primaryErr(errors.New("503")), fallbackOK)
		Expect(err).NotTo(HaveOccurred())
		Expect(primaryCalls).To(Equal(3))
		Expect(res.Source).To(Equal(circuitbreaker.SourceFallback))
	})
})

var _ = Describe("Executor", func() {
	var (
		registry *circuitbreaker.Registry
		executor *circuitbreaker.Executor
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = circuitbreaker.NewRegistry(
			circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute},
			circuitbreaker.WithLogger(quietLogger()),
		)
		executor = circuitbreaker.NewExecutor(registry)
	})

	It("should wrap counted failures", func() {
		err := executor.Execute(ctx, "streaming", func(ctx context.Context) error {
			return errors.New("503 service unavailable")
		})

		var fe *circuitbreaker.FailureError
		Expect(errors.As(err, &fe)).To(BeTrue())
		Expect(fe.Failures).To(Equal(1))
		Expect(fe.Threshold).To(Equal(2))
	})

	It("should return exempt failures unwrapped without counting them", func() {
		err := executor.Execute(ctx, "streaming", func(ctx context.Context) error {
			return context.Canceled
		})

		Expect(err).To(Equal(context.Canceled))
		Expect(registry.GetBreaker("streaming").Status(ctx).Failures).To(Equal(0))
		for _, e := range registry.Events().Recent(0) {
			Expect(e.Type).NotTo(Equal(events.TypeFailure))
		}
	})

	It("should reject without calling fn once open", func() {
		fail := func(ctx context.Context) error { return errors.New("boom") }
		_ = executor.Execute(ctx, "streaming", fail)
		_ = executor.Execute(ctx, "streaming", fail)

		called := false
		err := executor.Execute(ctx, "streaming", func(ctx context.Context) error {
			called = true
			return nil
		})
		Expect(called).To(BeFalse())
		Expect(errors.Is(err, circuitbreaker.ErrCircuitOpen)).To(BeTrue())
	})

	It("should record outcomes of calls admitted separately", func() {
		cb := registry.GetBreaker("streaming")
		Expect(cb.Allow(ctx)).To(Succeed())
		Expect(executor.Report(ctx, "streaming", errors.New("boom"))).To(HaveOccurred())
		Expect(cb.Status(ctx).Failures).To(Equal(1))

		Expect(cb.Allow(ctx)).To(Succeed())
		Expect(executor.Report(ctx, "streaming", nil)).To(Succeed())
		Expect(cb.Status(ctx).Failures).To(Equal(0))
	})
})
