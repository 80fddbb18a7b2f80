package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/retry"
	"github.com/angeloszaimis/query-gateway/internal/transport"
	"github.com/angeloszaimis/query-gateway/internal/transport/jobs"
)

// runAsync submits a routed query behind the job service breaker. When the
// job service cannot take it, the same attempt continues on the stream.
func (o *Orchestrator) runAsync(att *attempt) {
	ctx := att.token.Context()

	res, err := circuitbreaker.ExecuteWithFallback(ctx, o.executor, o.cfg.JobService,
		func(ctx context.Context) (string, error) {
			return o.jobs.Submit(ctx, att.req)
		},
		func(ctx context.Context, cause error) (string, error) {
			if retry.IsAbort(cause) {
				return "", cause
			}
			return "", nil
		},
	)
	if err != nil {
		o.asyncFailed(att, err)
		return
	}

	if res.Source == circuitbreaker.SourceFallback {
		o.fallbackToStreaming(att, res.OriginalError)
		return
	}

	if o.accept(att, res.Data) {
		o.track(att, res.Data)
	}
}

// submitRedirected resubmits the original query after a redirect. There is
// no fallback here: the stream just asked to be relieved of it.
func (o *Orchestrator) submitRedirected(att *attempt) {
	if !att.token.Valid() {
		return
	}
	ctx := att.token.Context()

	var jobID string
	err := o.executor.Execute(ctx, o.cfg.JobService, func(ctx context.Context) error {
		var err error
		jobID, err = o.jobs.Submit(ctx, att.req)
		return err
	})
	if err != nil {
		o.asyncFailed(att, fmt.Errorf("async job submission failed: %w", err))
		return
	}

	if o.accept(att, jobID) {
		o.track(att, jobID)
	}
}

// accept records the job id. A job submitted for an attempt that has since
// been invalidated is cancelled so it does not run orphaned.
func (o *Orchestrator) accept(att *attempt, jobID string) bool {
	o.mutex.Lock()
	if !att.token.Valid() || att.finalized {
		o.unlock()
		o.cancelOrphan(att, jobID)
		return false
	}

	o.state.JobID = jobID
	o.state.Phase = PhaseAsyncJob
	o.notifyLocked()
	o.unlock()

	o.logger.Info("Async job accepted",
		slog.String("trace_id", o.traceID()),
		slog.String("job_id", jobID))
	return true
}

func (o *Orchestrator) cancelOrphan(att *attempt, jobID string) {
	ctx := context.WithoutCancel(att.token.Context())
	if err := o.jobs.Cancel(ctx, jobID); err != nil {
		o.logger.Warn("Failed to cancel orphaned job",
			slog.String("job_id", jobID),
			slog.Any("err", err))
	}
}

func (o *Orchestrator) fallbackToStreaming(att *attempt, cause error) {
	o.mutex.Lock()
	if !att.token.Valid() || att.finalized {
		o.unlock()
		return
	}

	att.channel = ChannelStreaming
	o.fellBack = true
	o.stats.Fallbacks++
	o.state.Channel = ChannelStreaming
	o.state.Phase = PhaseStreaming
	o.state.Source = circuitbreaker.SourceFallback
	o.notifyLocked()
	o.unlock()

	o.logger.Warn("Job service unavailable, answering over the stream",
		slog.String("trace_id", o.traceID()),
		slog.Any("err", cause))

	o.runStreaming(att)
}

func (o *Orchestrator) track(att *attempt, jobID string) {
	ctx := att.token.Context()

	final, err := jobs.Track(ctx, o.jobs, jobID, o.cfg.Track, func(p transport.Progress) {
		o.mutex.Lock()
		defer o.unlock()

		if !att.token.Valid() || att.finalized {
			return
		}
		o.state.Progress = &p
		o.notifyLocked()
	})
	if err != nil {
		o.asyncFailed(att, err)
		return
	}

	switch final.Stage {
	case transport.StageCompleted:
		result, err := o.jobs.Result(ctx, jobID)
		if err != nil {
			o.asyncFailed(att, err)
			return
		}
		if !result.Success {
			o.asyncFailed(att, jobError(result, final))
			return
		}
		o.asyncCompleted(att, result, final)

	case transport.StageFailed:
		result, err := o.jobs.Result(ctx, jobID)
		if err != nil {
			result = transport.JobResult{}
		}
		o.asyncFailed(att, jobError(result, final))

	default:
		o.mutex.Lock()
		defer o.unlock()

		if !att.token.Valid() || att.finalized {
			return
		}
		att.finalized = true
		o.state.Progress = &final
		o.finishLocked(PhaseCancelled)
	}
}

func (o *Orchestrator) asyncCompleted(att *attempt, result transport.JobResult, final transport.Progress) {
	o.mutex.Lock()
	defer o.unlock()

	if !att.token.Valid() || att.finalized {
		return
	}
	att.finalized = true

	o.state.Response = result.Response
	o.state.Sources = result.Sources
	o.state.Progress = &final
	o.finishLocked(PhaseCompleted)

	o.logger.Info("Query completed",
		slog.String("trace_id", o.trace.TraceID()),
		slog.String("channel", string(ChannelAsyncJob)),
		slog.String("job_id", o.state.JobID))
}

// asyncFailed ends the query. Job failures are not retried.
func (o *Orchestrator) asyncFailed(att *attempt, err error) {
	o.mutex.Lock()
	defer o.unlock()

	if !att.token.Valid() || att.finalized {
		return
	}
	att.finalized = true
	o.failLocked(att, err)
}

func jobError(result transport.JobResult, final transport.Progress) error {
	switch {
	case result.Error != "":
		return errors.New(result.Error)
	case final.Message != "":
		return fmt.Errorf("async job failed: %s", final.Message)
	default:
		return errors.New("async job failed")
	}
}
