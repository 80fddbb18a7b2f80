// Package healthcheck periodically probes the AI backends' /health endpoints
// and records the result on each backend.Backend.
package healthcheck
