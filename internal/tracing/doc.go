// Package tracing carries the correlation identity of one logical query.
//
// A Context wraps an OpenTelemetry span context. The trace id stays fixed for
// the whole query, across its retries and a redirect to the async-job channel;
// every transport attempt gets a child span. On the wire the context travels
// as a W3C traceparent header plus an X-Correlation-ID header holding the
// same trace id in UUID form, so backends that only understand plain
// correlation ids can still join their logs to ours.
package tracing
