package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/angeloszaimis/query-gateway/internal/tracing"
)

type EventType string

const (
	EventTextDelta EventType = "text-delta"
	EventWarning   EventType = "warning"
	EventRedirect  EventType = "redirect"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

type StreamEvent struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

type Request struct {
	Query       string
	Attachments []Attachment
	Trace       tracing.Context
}

// StreamingTransport opens one streaming attempt. The returned channel is
// closed when the stream ends or ctx is cancelled.
type StreamingTransport interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Resumer is implemented by streaming transports that can reattach to a
// stream interrupted by a lost connection.
type Resumer interface {
	Resume(ctx context.Context) error
}

type Stage string

const (
	StageQueued    Stage = "queued"
	StageRunning   Stage = "running"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Terminal reports whether no further progress will be reported.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

type Progress struct {
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

type JobResult struct {
	Success  bool     `json:"success"`
	Response string   `json:"response,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type JobTransport interface {
	Submit(ctx context.Context, req Request) (string, error)
	Progress(ctx context.Context, jobID string) (Progress, error)
	Cancel(ctx context.Context, jobID string) error
	Result(ctx context.Context, jobID string) (JobResult, error)
}

// StatusError is a non-2xx response from a backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, body)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

const maxErrorBody = 4 << 10

// ReadStatusError drains up to 4KiB of resp's body into a StatusError.
func ReadStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
