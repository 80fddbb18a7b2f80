// Package orchestrator routes a user query to the streaming or the async-job
// channel and drives it to a terminal state.
//
// One Orchestrator owns one logical query at a time. Every transport attempt
// holds a CancellationToken; starting a retry, a redirect or a new query
// aborts the previous token first, and every event is checked against its
// attempt's token before it may touch the state. Within one attempt a single
// finalize guard decides whether "done" or "error" wins.
//
// Streaming failures are retried per the retry policy with the same trace id.
// A redirect event moves the query mid-flight to the async-job channel,
// resubmitting the original query text once the redirect has been committed.
// The async-job route runs behind the job service's circuit breaker and falls
// back to the streaming channel when that service cannot take the job.
package orchestrator
