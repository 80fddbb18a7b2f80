package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/tracing"
	"github.com/angeloszaimis/query-gateway/internal/transport"
)

var ErrMissingJobID = errors.New("backend accepted job without an id")

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
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

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	Query       string                 `json:"query"`
	Attachments []transport.Attachment `json:"attachments,omitempty"`
	TraceID     string                 `json:"trace_id,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (c *Client) Submit(ctx context.Context, req transport.Request) (string, error) {
	trace := req.Trace
	if !trace.IsValid() {
		trace, _ = tracing.FromContext(ctx)
	}

	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", trace, submitRequest{
		Query:       req.Query,
		Attachments: req.Attachments,
		TraceID:     trace.TraceID(),
	}, &out)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if out.JobID == "" {
		return "", ErrMissingJobID
	}

	c.logger.Debug("Job submitted",
		slog.String("job_id", out.JobID),
		slog.String("trace_id", trace.TraceID()))
	return out.JobID, nil
}

func (c *Client) Progress(ctx context.Context, jobID string) (transport.Progress, error) {
	var p transport.Progress
	if err := c.do(ctx, http.MethodGet, jobPath(jobID, "progress"), traceOf(ctx), nil, &p); err != nil {
		return transport.Progress{}, fmt.Errorf("job %s progress: %w", jobID, err)
	}
	return p, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), traceOf(ctx), nil, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func (c *Client) Result(ctx context.Context, jobID string) (transport.JobResult, error) {
	var r transport.JobResult
	if err := c.do(ctx, http.MethodGet, jobPath(jobID, "result"), traceOf(ctx), nil, &r); err != nil {
		return transport.JobResult{}, fmt.Errorf("job %s result: %w", jobID, err)
	}
	return r, nil
}

func (c *Client) do(ctx context.Context, method, path string, trace tracing.Context, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	trace.Inject(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transport.ReadStatusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func jobPath(jobID, action string) string {
	return "/v1/jobs/" + url.PathEscape(jobID) + "/" + action
}

func traceOf(ctx context.Context) tracing.Context {
	tc, _ := tracing.FromContext(ctx)
	return tc
}

var _ transport.JobTransport = (*Client)(nil)
