// Package config loads the gateway configuration from an optional YAML file
// and environment variables. It covers the HTTP server, logging, circuit
// breaker and retry tuning, channel routing, the streaming and job backends,
// the breaker state store, health checking and the event log.
package config
