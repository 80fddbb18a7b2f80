// Package handler exposes the gateway over HTTP: one-shot queries run through
// a fresh orchestrator per request, circuit breaker inspection and reset, the
// breaker event log and backend health.
package handler
