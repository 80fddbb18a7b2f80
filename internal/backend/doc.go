// Package backend describes the AI backends the gateway talks to: the
// streaming service and the async job service. Each Backend tracks whether
// its health endpoint answers and how long the probe took.
package backend
