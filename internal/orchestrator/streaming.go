package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/angeloszaimis/query-gateway/internal/retry"
	"github.com/angeloszaimis/query-gateway/internal/transport"
)

var errStreamClosed = errors.New("stream closed unexpectedly")

func (o *Orchestrator) runStreaming(att *attempt) {
	ctx := att.token.Context()
	cb := o.executor.Registry().GetBreaker(o.cfg.StreamingService)

	if err := cb.Allow(ctx); err != nil {
		o.streamFailed(att, err)
		return
	}
	if !o.admit(att) {
		_ = o.executor.Report(context.WithoutCancel(ctx), o.cfg.StreamingService, retry.ErrAborted)
		return
	}

	events, err := o.streaming.Stream(ctx, att.req)
	if err != nil {
		o.streamFailed(att, err)
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				o.streamFailed(att, errStreamClosed)
				return
			}
			if o.handleStreamEvent(att, event) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) admit(att *attempt) bool {
	o.mutex.Lock()
	defer o.unlock()

	if !att.token.Valid() {
		return false
	}
	att.admitted = true
	return true
}

func (o *Orchestrator) streamFailed(att *attempt, err error) {
	o.mutex.Lock()
	defer o.unlock()

	if !att.token.Valid() || att.finalized {
		return
	}
	att.finalized = true
	o.reportLocked(att, err)
	o.failLocked(att, err)
}

// handleStreamEvent applies one event and reports whether the attempt is over.
func (o *Orchestrator) handleStreamEvent(att *attempt, event transport.StreamEvent) bool {
	o.mutex.Lock()

	if !att.token.Valid() || att.finalized {
		o.unlock()
		return true
	}

	switch event.Type {
	case transport.EventTextDelta:
		att.text.WriteString(event.Text)
		o.state.Response = att.text.String()
		if att.clearWarning {
			o.state.Warning = ""
			att.clearWarning = false
		}
		o.notifyLocked()
		o.unlock()
		return false

	case transport.EventWarning:
		o.state.Warning = event.Message
		o.notifyLocked()
		o.unlock()
		return false

	case transport.EventRedirect:
		next := o.redirectLocked(att, event.Reason)
		o.unlock()
		if next != nil {
			o.scheduler.AfterSettle(func() { o.submitRedirected(next) })
		}
		return true

	case transport.EventDone:
		text := event.Text
		if text == "" {
			text = att.text.String()
		}
		att.finalized = true

		if body, msg, ok := o.embeddedError(text); ok {
			o.state.Response = body
			err := errors.New(msg)
			o.reportLocked(att, err)
			o.failLocked(att, err)
			o.unlock()
			return true
		}

		o.reportLocked(att, nil)
		o.state.Response = text
		if att.clearWarning {
			o.state.Warning = ""
		}
		o.finishLocked(PhaseCompleted)
		o.logger.Info("Query completed",
			slog.String("trace_id", o.trace.TraceID()),
			slog.String("channel", string(ChannelStreaming)),
			slog.Int("chars", len(text)))
		o.unlock()
		return true

	case transport.EventError:
		msg := event.Message
		if msg == "" {
			msg = "stream reported an error"
		}
		att.finalized = true
		err := errors.New(msg)
		o.reportLocked(att, err)
		o.failLocked(att, err)
		o.unlock()
		return true

	default:
		o.unlock()
		return false
	}
}

// redirectLocked moves the query to the async-job channel. It returns the
// new attempt, or nil if this attempt may not redirect.
func (o *Orchestrator) redirectLocked(att *attempt, reason string) *attempt {
	if att.redirected || att.channel != ChannelStreaming {
		return nil
	}
	att.redirected = true
	att.finalized = true

	// The backend answered; a redirect says nothing about its health.
	o.reportLocked(att, nil)
	o.stats.Redirects++

	o.state.Channel = ChannelAsyncJob
	o.state.IsLoading = true
	o.state.Phase = PhaseRedirected
	o.state.Response = ""

	o.invalidateLocked()
	next := o.newAttemptLocked(ChannelAsyncJob, o.pendingQuery, o.pendingAttachments)
	next.redirected = true
	o.notifyLocked()

	o.logger.Info("Streaming redirected to async job",
		slog.String("trace_id", o.trace.TraceID()),
		slog.String("reason", reason))

	return next
}

// reportLocked settles the streaming breaker for an admitted attempt.
func (o *Orchestrator) reportLocked(att *attempt, err error) {
	if !att.admitted {
		return
	}
	att.admitted = false
	o.queueReportLocked(att, err)
}

// embeddedError detects a failure reported as the last line of otherwise
// complete text. It returns the text without that line and the message.
func (o *Orchestrator) embeddedError(text string) (string, string, bool) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := strings.TrimSpace(trimmed[idx+1:])

	for _, marker := range o.cfg.ErrorMarkers {
		if marker == "" || !strings.HasPrefix(last, marker) {
			continue
		}

		msg := strings.TrimSpace(strings.TrimPrefix(last, marker))
		msg = strings.TrimSpace(strings.TrimPrefix(msg, ":"))
		if msg == "" {
			msg = "stream reported an error"
		}

		body := ""
		if idx >= 0 {
			body = strings.TrimRight(trimmed[:idx], " \t\r\n")
		}
		return body, msg, true
	}

	return text, "", false
}
