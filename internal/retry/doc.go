// Package retry decides whether a failed backend call deserves another attempt
// and how long to wait before making it.
//
// Classification is driven by configurable, case-insensitive substring
// patterns so the rules can be tuned without code changes:
//
//   - Cancelled: the client gave up (context cancellation, client-side
//     timeout, explicit abort). Never retried, never counted against a
//     backend's health.
//   - ColdStart: the backend is warming up. Retried once after a fixed delay.
//   - Retryable: a transient transport or gateway failure. Retried with
//     exponential backoff and jitter up to the configured budget.
//   - Fatal: anything else. Surfaced immediately.
//
// Delays follow initial * multiplier^attempt, capped at MaxDelay, with a
// symmetric jitter of +/- JitterFactor so that many clients retrying the same
// failing backend do not stampede it in lockstep.
package retry
