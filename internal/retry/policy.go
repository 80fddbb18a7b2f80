package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrAborted marks a call the caller abandoned on purpose.
var ErrAborted = errors.New("request aborted")

type Kind int

const (
	KindFatal Kind = iota
	KindRetryable
	KindColdStart
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	case KindColdStart:
		return "cold_start"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	DefaultRetryablePatterns = []string{
		"econnreset",
		"connection reset",
		"connection refused",
		"socket hang up",
		"502",
		"503",
		"504",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"timeout",
		"network error",
		"unexpected eof",
	}

	DefaultColdStartPatterns = []string{
		"cold start",
		"warming up",
		"model is loading",
		"starting up",
	}

	RateLimitPatterns = []string{
		"429",
		"rate limit",
		"too many requests",
	}

	gatewayTimeoutPatterns = []string{
		"504",
		"gateway timeout",
	}
)

type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	JitterFactor      float64
	MinDelay          time.Duration
	RetryablePatterns []string
	ColdStartPatterns []string
	ColdStartDelay    time.Duration
}

// ColdStartBudget caps cold-start retries regardless of MaxRetries.
const ColdStartBudget = 1

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		JitterFactor:      0.3,
		MinDelay:          100 * time.Millisecond,
		RetryablePatterns: DefaultRetryablePatterns,
		ColdStartPatterns: DefaultColdStartPatterns,
		ColdStartDelay:    3 * time.Second,
	}
}

// IsRetryable reports whether msg contains any of the patterns, ignoring case.
func IsRetryable(msg string, patterns []string) bool {
	if msg == "" {
		return false
	}

	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}

	return false
}

// ComputeDelay returns the wait before retry attempt (0-based). rnd must
// return values in [0, 1); nil uses math/rand.
func ComputeDelay(attempt int, cfg Config, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	base := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt))
	capped := base
	if cfg.MaxDelay > 0 && capped > float64(cfg.MaxDelay) {
		capped = float64(cfg.MaxDelay)
	}

	jitter := capped * cfg.JitterFactor * (2*rnd() - 1)
	delay := time.Duration(capped + jitter)

	floor := cfg.MinDelay
	if floor <= 0 {
		floor = time.Millisecond
	}
	if delay < floor {
		delay = floor
	}

	return delay
}

// Classify maps an error onto a retry Kind. An abort wins over every
// pattern match; cold start wins over generic retryable patterns. A
// client-side timeout is retryable: the backend was too slow, nobody
// stopped the call.
func (c Config) Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if IsAbort(err) {
		return KindCancelled
	}

	msg := err.Error()
	if IsRetryable(msg, c.ColdStartPatterns) {
		return KindColdStart
	}
	if IsTimeout(err) || IsRetryable(msg, c.RetryablePatterns) {
		return KindRetryable
	}

	return KindFatal
}

// Budget is the number of retries allowed for an error of the given kind.
func (c Config) Budget(kind Kind) int {
	switch kind {
	case KindColdStart:
		return ColdStartBudget
	case KindRetryable:
		if c.MaxRetries < 0 {
			return 0
		}
		return c.MaxRetries
	default:
		return 0
	}
}

// Delay picks the wait for the given kind: fixed for cold starts, backoff otherwise.
func (c Config) Delay(kind Kind, attempt int, rnd func() float64) time.Duration {
	if kind == KindColdStart && c.ColdStartDelay > 0 {
		return c.ColdStartDelay
	}
	return ComputeDelay(attempt, c, rnd)
}

type timeout interface {
	Timeout() bool
}

// IsAbort reports a call abandoned by its caller.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted)
}

// IsTimeout reports a client-side timeout: an expired deadline or a
// transport error that says it timed out.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

// IsCancellation reports client-side aborts and client-side timeouts. A
// gateway timeout returned by the backend is not a cancellation.
func IsCancellation(err error) bool {
	return IsAbort(err) || IsTimeout(err)
}

type statusCoder interface {
	StatusCode() int
}

func IsGatewayTimeout(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() == 504
	}

	return IsRetryable(err.Error(), gatewayTimeoutPatterns)
}

func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() == 429 {
		return true
	}

	return IsRetryable(err.Error(), RateLimitPatterns)
}

// BreakerExemption decides which failures must not count against a
// circuit breaker. Gateway timeouts count unless ExemptGatewayTimeouts is set.
type BreakerExemption struct {
	ExemptGatewayTimeouts bool
}

func (b BreakerExemption) Exempt(err error) bool {
	if IsCancellation(err) {
		return true
	}
	return b.ExemptGatewayTimeouts && IsGatewayTimeout(err)
}
