package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/angeloszaimis/query-gateway/internal/tracing"
	"github.com/angeloszaimis/query-gateway/internal/transport"
)

const (
	streamPath = "/v1/stream"
	resumePath = "/v1/stream/resume"
)

// ErrIncompleteStream is reported when the body ends before a done or error event.
var ErrIncompleteStream = errors.New("stream interrupted: unexpected EOF")

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mutex       sync.Mutex
	lastTrace   tracing.Context
	lastEventID string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client for baseURL. The default HTTP client has no timeout;
// streams are bounded by the caller's context.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type streamRequest struct {
	Query       string                 `json:"query"`
	Attachments []transport.Attachment `json:"attachments,omitempty"`
	TraceID     string                 `json:"trace_id,omitempty"`
}

type payload struct {
	Text    string `json:"text"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Stream opens the stream and returns once the backend has accepted it.
// Connection failures and non-200 responses are returned as errors; anything
// that goes wrong afterwards arrives as an error event.
func (c *Client) Stream(ctx context.Context, req transport.Request) (<-chan transport.StreamEvent, error) {
	body, err := json.Marshal(streamRequest{
		Query:       req.Query,
		Attachments: req.Attachments,
		TraceID:     req.Trace.TraceID(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	req.Trace.Inject(httpReq.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, transport.ReadStatusError(resp)
	}

	c.mutex.Lock()
	c.lastTrace = req.Trace
	c.lastEventID = ""
	c.mutex.Unlock()

	out := make(chan transport.StreamEvent)
	go c.consume(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, out chan<- transport.StreamEvent) {
	defer close(out)
	defer body.Close()

	r := newReader(body)
	for {
		f, err := r.next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				err = ErrIncompleteStream
			}
			c.send(ctx, out, transport.StreamEvent{Type: transport.EventError, Message: err.Error()})
			return
		}

		if f.id != "" {
			c.mutex.Lock()
			c.lastEventID = f.id
			c.mutex.Unlock()
		}

		event, ok := c.decode(f)
		if !ok {
			continue
		}
		if !c.send(ctx, out, event) {
			return
		}
		if event.Type == transport.EventDone || event.Type == transport.EventError {
			return
		}
	}
}

func (c *Client) decode(f frame) (transport.StreamEvent, bool) {
	var p payload
	if len(bytes.TrimSpace(f.data)) > 0 {
		if err := json.Unmarshal(f.data, &p); err != nil {
			c.logger.Debug("Skipping malformed stream frame",
				slog.String("event", f.event),
				slog.Any("err", err))
			return transport.StreamEvent{}, false
		}
	}

	switch t := transport.EventType(f.event); t {
	case transport.EventTextDelta, transport.EventDone:
		return transport.StreamEvent{Type: t, Text: p.Text}, true
	case transport.EventWarning, transport.EventError:
		return transport.StreamEvent{Type: t, Message: p.Message}, true
	case transport.EventRedirect:
		return transport.StreamEvent{Type: t, Reason: p.Reason}, true
	default:
		return transport.StreamEvent{}, false
	}
}

func (c *Client) send(ctx context.Context, out chan<- transport.StreamEvent, event transport.StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// Resume asks the backend whether the last stream can be reattached. It is a
// probe: 200 and 204 both mean the backend is reachable.
func (c *Client) Resume(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+resumePath, nil)
	if err != nil {
		return fmt.Errorf("create resume request: %w", err)
	}

	c.mutex.Lock()
	trace, lastID := c.lastTrace, c.lastEventID
	c.mutex.Unlock()

	trace.Inject(httpReq.Header)
	if lastID != "" {
		httpReq.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("resume request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return transport.ReadStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var (
	_ transport.StreamingTransport = (*Client)(nil)
	_ transport.Resumer            = (*Client)(nil)
)
