// Package circuitbreaker implements the circuit breaker pattern for the AI
// backends behind the gateway.
//
// A circuit breaker prevents cascading failures by temporarily blocking calls
// to a failing service. It has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Service failing, calls rejected with an OpenError
//   - HALF_OPEN: Reset timeout elapsed, exactly one probe call allowed
//
// Openness is evaluated lazily on every call from the failure count and the
// time of the last failure; there is no background timer.
//
// Breaker records live in a Store. The default MemoryStore keeps them in
// process, which means separate gateway instances do not share breaker state.
// RedisStore shares them across instances.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{
//	    FailureThreshold: 3,
//	    ResetTimeout:     30 * time.Second,
//	}, circuitbreaker.WithEventLog(log))
//
//	err := registry.GetBreaker("streaming").Execute(ctx, func(ctx context.Context) error {
//	    return callBackend(ctx)
//	})
//
// ExecuteWithFallback wraps a primary call with a breaker and switches to a
// fallback when the breaker is open or the primary fails.
package circuitbreaker
