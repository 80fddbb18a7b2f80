package orchestrator

import (
	"slices"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/classifier"
	"github.com/angeloszaimis/query-gateway/internal/transport"
)

type Channel string

const (
	ChannelStreaming Channel = "streaming"
	ChannelAsyncJob  Channel = "async-job"
)

type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseAwaitingClarification Phase = "awaiting-clarification"
	PhaseRouting               Phase = "routing"
	PhaseStreaming             Phase = "streaming"
	PhaseAsyncJob              Phase = "async-job"
	PhaseRetryWait             Phase = "retry-wait"
	PhaseRedirected            Phase = "redirected"
	PhaseCompleted             Phase = "completed"
	PhaseFailed                Phase = "failed"
	PhaseCancelled             Phase = "cancelled"
)

// Settled reports whether the query is waiting on nobody but the caller.
func (p Phase) Settled() bool {
	switch p {
	case PhaseIdle, PhaseAwaitingClarification, PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type QueryState struct {
	Channel         Channel               `json:"channel,omitempty"`
	ComplexityLevel classifier.Level      `json:"complexity_level,omitempty"`
	ComplexityScore int                   `json:"complexity_score"`
	JobID           string                `json:"job_id,omitempty"`
	IsLoading       bool                  `json:"is_loading"`
	TerminalError   string                `json:"terminal_error,omitempty"`
	Warning         string                `json:"warning,omitempty"`
	Clarification   *Clarification        `json:"clarification,omitempty"`
	Phase           Phase                 `json:"phase"`
	Query           string                `json:"query,omitempty"`
	Response        string                `json:"response,omitempty"`
	Sources         []transport.Source    `json:"sources,omitempty"`
	Progress        *transport.Progress   `json:"progress,omitempty"`
	RetryCount      int                   `json:"retry_count"`
	Source          circuitbreaker.Source `json:"source,omitempty"`
	TraceID         string                `json:"trace_id,omitempty"`
	Traceparent     string                `json:"traceparent,omitempty"`
}

func (s QueryState) clone() QueryState {
	s.Sources = slices.Clone(s.Sources)
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	if s.Clarification != nil {
		c := *s.Clarification
		c.Options = slices.Clone(c.Options)
		s.Clarification = &c
	}
	return s
}

type Stats struct {
	Attempts          int `json:"attempts"`
	Retries           int `json:"retries"`
	Redirects         int `json:"redirects"`
	Fallbacks         int `json:"fallbacks"`
	InvalidatedTokens int `json:"invalidated_tokens"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Cancelled         int `json:"cancelled"`
}

// Outcome describes one logical query that reached a terminal phase.
type Outcome struct {
	Channel  Channel
	Phase    Phase
	Source   circuitbreaker.Source
	Retries  int
	Duration time.Duration
	TraceID  string
}
