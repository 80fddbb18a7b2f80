package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceparentHeader   = "traceparent"
	CorrelationIDHeader = "X-Correlation-ID"
)

var ErrInvalidTraceparent = errors.New("invalid traceparent")

var propagator = propagation.TraceContext{}

type Context struct {
	sc trace.SpanContext
}

// New starts a fresh trace with a sampled root span.
func New() Context {
	return fromTraceID(trace.TraceID(uuid.New()))
}

// Parse reads a traceparent value of the form 00-<32 hex>-<16 hex>-<2 hex>.
func Parse(traceparent string) (Context, error) {
	h := http.Header{}
	h.Set(TraceparentHeader, strings.TrimSpace(traceparent))

	sc := trace.SpanContextFromContext(propagator.Extract(context.Background(), propagation.HeaderCarrier(h)))
	if !sc.IsValid() {
		return Context{}, fmt.Errorf("%w: %q", ErrInvalidTraceparent, traceparent)
	}

	return Context{sc: sc}, nil
}

// FromCorrelationID derives a context from a plain correlation id. A UUID or
// 32 hex digits is used as the trace id directly; anything else is hashed
// into one so the same id always maps to the same trace.
func FromCorrelationID(id string) Context {
	id = strings.TrimSpace(id)

	if u, err := uuid.Parse(id); err == nil && u != uuid.Nil {
		return fromTraceID(trace.TraceID(u))
	}
	if tid, err := trace.TraceIDFromHex(strings.ToLower(id)); err == nil {
		return fromTraceID(tid)
	}

	return fromTraceID(trace.TraceID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))))
}

func fromTraceID(tid trace.TraceID) Context {
	return Context{sc: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     newSpanID(),
		TraceFlags: trace.FlagsSampled,
	})}
}

func newSpanID() trace.SpanID {
	for {
		u := uuid.New()
		var sid trace.SpanID
		copy(sid[:], u[:8])
		if sid.IsValid() {
			return sid
		}
	}
}

func (c Context) IsValid() bool {
	return c.sc.IsValid()
}

// TraceID is the 32 hex digit trace id.
func (c Context) TraceID() string {
	if !c.sc.IsValid() {
		return ""
	}
	return c.sc.TraceID().String()
}

func (c Context) SpanID() string {
	if !c.sc.IsValid() {
		return ""
	}
	return c.sc.SpanID().String()
}

// CorrelationID is the trace id formatted as a UUID.
func (c Context) CorrelationID() string {
	if !c.sc.IsValid() {
		return ""
	}
	return uuid.UUID(c.sc.TraceID()).String()
}

func (c Context) Traceparent() string {
	if !c.sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%s", c.sc.TraceID(), c.sc.SpanID(), c.sc.TraceFlags())
}

// Child keeps the trace id and issues a new span id.
func (c Context) Child() Context {
	if !c.sc.IsValid() {
		return New()
	}
	return Context{sc: c.sc.WithSpanID(newSpanID())}
}

func (c Context) SpanContext() trace.SpanContext {
	return c.sc
}

func (c Context) Inject(h http.Header) {
	if !c.sc.IsValid() {
		return
	}
	propagator.Inject(trace.ContextWithSpanContext(context.Background(), c.sc), propagation.HeaderCarrier(h))
	h.Set(CorrelationIDHeader, c.CorrelationID())
}

// Extract prefers traceparent and falls back to X-Correlation-ID.
func Extract(h http.Header) (Context, bool) {
	if v := h.Get(TraceparentHeader); v != "" {
		if c, err := Parse(v); err == nil {
			return c, true
		}
	}
	if id := h.Get(CorrelationIDHeader); id != "" {
		return FromCorrelationID(id), true
	}
	return Context{}, false
}

func NewContext(ctx context.Context, c Context) context.Context {
	if !c.sc.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, c.sc)
}

func FromContext(ctx context.Context) (Context, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return Context{}, false
	}
	return Context{sc: sc}, true
}
