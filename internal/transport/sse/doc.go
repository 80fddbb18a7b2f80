// Package sse is the HTTP streaming transport. A query is POSTed to
// /v1/stream and the backend answers with server-sent events whose type is
// one of text-delta, warning, redirect, done or error and whose data is a
// small JSON object.
package sse
