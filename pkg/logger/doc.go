// Package logger builds the gateway's structured loggers on log/slog: JSON in
// production, human-readable text elsewhere, tagged with the service name and
// environment.
package logger
