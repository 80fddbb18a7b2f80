package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit open")
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// OpenError is returned when a call is rejected without reaching the service.
type OpenError struct {
	Service string
	RetryIn time.Duration
	Probing bool
}

func (e *OpenError) Error() string {
	if e.Probing {
		return fmt.Sprintf("service %s unavailable, recovery probe in progress", e.Service)
	}
	return fmt.Sprintf("service %s unavailable, retry in %ds", e.Service, int(math.Ceil(e.RetryIn.Seconds())))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// FailureError wraps a failed call with the breaker's failure context.
type FailureError struct {
	Service   string
	Failures  int
	Threshold int
	Err       error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s failed (%d/%d): %v", e.Service, e.Failures, e.Threshold, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}
