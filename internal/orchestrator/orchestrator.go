package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/classifier"
	"github.com/angeloszaimis/query-gateway/internal/retry"
	"github.com/angeloszaimis/query-gateway/internal/tracing"
	"github.com/angeloszaimis/query-gateway/internal/transport"
	"github.com/angeloszaimis/query-gateway/internal/transport/jobs"
)

var (
	ErrEmptyQuery       = errors.New("query is empty")
	ErrNoClarification  = errors.New("no clarification pending")
	ErrMissingTransport = errors.New("streaming and job transports are required")
)

var DefaultErrorMarkers = []string{"[ERROR]", "[STREAM_ERROR]"}

type Config struct {
	// AsyncThreshold is the complexity score at or above which a query goes
	// to the async-job channel.
	AsyncThreshold   int
	StreamingService string
	JobService       string
	Retry            retry.Config
	Exemption        retry.BreakerExemption
	ErrorMarkers     []string
	Track            jobs.TrackConfig
}

func DefaultConfig() Config {
	return Config{
		AsyncThreshold:   70,
		StreamingService: "streaming",
		JobService:       "jobs",
		Retry:            retry.DefaultConfig(),
		ErrorMarkers:     DefaultErrorMarkers,
		Track:            jobs.TrackConfig{Interval: time.Second, MaxFailures: 5},
	}
}

type Classifier interface {
	Analyze(query string) classifier.Analysis
	ShouldForceChannel(query string) classifier.Decision
}

// Preflight may ask the user a question before a query is executed. A nil
// clarification lets the query through.
type Preflight interface {
	Check(ctx context.Context, query string) (*Clarification, error)
}

type Observer interface {
	ObserveQuery(Outcome)
}

type Deps struct {
	Classifier Classifier
	Preflight  Preflight
	Streaming  transport.StreamingTransport
	Jobs       transport.JobTransport
	Registry   *circuitbreaker.Registry
	Observer   Observer
	Logger     *slog.Logger
	Scheduler  Scheduler
	// Rand feeds retry jitter; it must return values in [0, 1).
	Rand func() float64
}

type attempt struct {
	token      *CancellationToken
	channel    Channel
	req        transport.Request
	text       strings.Builder
	finalized  bool
	redirected bool
	// admitted is set while the streaming breaker is owed an outcome.
	admitted     bool
	clearWarning bool
}

type Orchestrator struct {
	cfg        Config
	classifier Classifier
	preflight  Preflight
	streaming  transport.StreamingTransport
	jobs       transport.JobTransport
	executor   *circuitbreaker.Executor
	observer   Observer
	logger     *slog.Logger
	scheduler  Scheduler
	rand       func() float64

	mutex              sync.Mutex
	state              QueryState
	trace              tracing.Context
	current            *attempt
	parent             context.Context
	pendingQuery       string
	pendingAttachments []transport.Attachment
	retryTimer         *time.Timer
	retrySeq           uint64
	retries            int
	startedAt          time.Time
	hasQueried         bool
	stats              Stats
	changed            chan struct{}
	subscribers        map[int]chan QueryState
	nextSubscriber     int
	// fellBack keeps retries of a query that fell back from the job
	// service on the streaming channel.
	fellBack bool
	// reports are breaker outcomes settled by unlock.
	reports []breakerReport
}

type breakerReport struct {
	ctx     context.Context
	service string
	err     error
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Streaming == nil || deps.Jobs == nil {
		return nil, ErrMissingTransport
	}

	defaults := DefaultConfig()
	if cfg.StreamingService == "" {
		cfg.StreamingService = defaults.StreamingService
	}
	if cfg.JobService == "" {
		cfg.JobService = defaults.JobService
	}
	if len(cfg.ErrorMarkers) == 0 {
		cfg.ErrorMarkers = defaults.ErrorMarkers
	}

	o := &Orchestrator{
		cfg:         cfg,
		classifier:  deps.Classifier,
		preflight:   deps.Preflight,
		streaming:   deps.Streaming,
		jobs:        deps.Jobs,
		observer:    deps.Observer,
		logger:      deps.Logger,
		scheduler:   deps.Scheduler,
		rand:        deps.Rand,
		trace:       tracing.New(),
		parent:      context.Background(),
		changed:     make(chan struct{}),
		subscribers: make(map[int]chan QueryState),
	}

	if o.classifier == nil {
		o.classifier = classifier.New(nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.scheduler == nil {
		o.scheduler = GoScheduler
	}

	registry := deps.Registry
	if registry == nil {
		registry = circuitbreaker.NewRegistry(circuitbreaker.Config{}, circuitbreaker.WithLogger(o.logger))
	}
	o.executor = circuitbreaker.NewExecutor(registry,
		circuitbreaker.WithExemption(cfg.Exemption.Exempt),
		circuitbreaker.WithExecutorLogger(o.logger))

	o.state = o.initialStateLocked()
	return o, nil
}

// UseTrace makes tc the trace of the next query, e.g. one received from an
// upstream caller. It has no effect while a query is loading.
func (o *Orchestrator) UseTrace(tc tracing.Context) {
	if !tc.IsValid() {
		return
	}

	o.mutex.Lock()
	defer o.unlock()

	if o.state.IsLoading {
		return
	}
	o.trace = tc
	o.state.TraceID = tc.TraceID()
	o.state.Traceparent = tc.Traceparent()
}

// SendQuery runs the preflight check, if any, and then executes the query.
// It returns once the query has been routed; progress is observed through
// State, Subscribe or Wait.
func (o *Orchestrator) SendQuery(ctx context.Context, query string, attachments []transport.Attachment) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrEmptyQuery
	}

	if o.preflight != nil {
		clarification, err := o.preflight.Check(ctx, query)
		switch {
		case err != nil:
			o.logger.Warn("Preflight check failed, executing query as is",
				slog.String("trace_id", o.traceID()),
				slog.Any("err", err))
		case clarification != nil:
			o.park(query, attachments, clarification)
			return nil
		}
	}

	return o.ExecuteQuery(ctx, query, attachments, false)
}

// ExecuteQuery starts a transport attempt for query. A retry keeps the retry
// count; a fresh query resets it. Either way the previous attempt is
// invalidated first.
func (o *Orchestrator) ExecuteQuery(ctx context.Context, query string, attachments []transport.Attachment, isRetry bool) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrEmptyQuery
	}

	o.mutex.Lock()
	o.parent = context.WithoutCancel(ctx)
	att := o.startLocked(query, attachments, isRetry)
	o.unlock()

	o.launch(att)
	return nil
}

// AnswerClarification resumes a parked query with the user's answer appended.
func (o *Orchestrator) AnswerClarification(ctx context.Context, answer string) error {
	o.mutex.Lock()
	if o.state.Clarification == nil {
		o.unlock()
		return ErrNoClarification
	}

	query := o.pendingQuery
	if answer = strings.TrimSpace(answer); answer != "" {
		query += "\n\n" + answer
	}
	o.parent = context.WithoutCancel(ctx)
	att := o.startLocked(query, o.pendingAttachments, false)
	o.unlock()

	o.launch(att)
	return nil
}

// Stop aborts whatever is in flight. An active async job is cancelled at
// the job service; cancellation errors are logged, not returned.
func (o *Orchestrator) Stop(ctx context.Context) {
	jobID := o.abort(false)
	if jobID == "" {
		return
	}

	if err := o.jobs.Cancel(ctx, jobID); err != nil {
		o.logger.Warn("Failed to cancel async job",
			slog.String("job_id", jobID),
			slog.String("trace_id", o.traceID()),
			slog.Any("err", err))
	}
}

// Cancel is Stop for explicit user cancellation: any job the query knows
// about is cancelled at the job service, even if the query already moved
// on from that channel, and the cancellation error is returned.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	jobID := o.abort(true)
	if jobID == "" {
		return nil
	}

	if err := o.jobs.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// Reset stops the current query and starts over with a new trace.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.Stop(ctx)

	o.mutex.Lock()
	defer o.unlock()

	o.stopRetryLocked()
	o.invalidateLocked()
	o.current = nil
	o.trace = tracing.New()
	o.pendingQuery = ""
	o.pendingAttachments = nil
	o.state = o.initialStateLocked()
	o.notifyLocked()
}

// Resume probes the streaming transport for an interrupted stream. Before
// the first query a failed probe is ignored.
func (o *Orchestrator) Resume(ctx context.Context) error {
	resumer, ok := o.streaming.(transport.Resumer)
	if !ok {
		return nil
	}

	err := resumer.Resume(ctx)
	if err == nil {
		return nil
	}

	o.mutex.Lock()
	queried := o.hasQueried
	o.unlock()

	if !queried {
		o.logger.Debug("Ignoring resume probe failure before first query", slog.Any("err", err))
		return nil
	}
	return fmt.Errorf("resume stream: %w", err)
}

func (o *Orchestrator) State() QueryState {
	o.mutex.Lock()
	defer o.unlock()
	return o.state.clone()
}

func (o *Orchestrator) Stats() Stats {
	o.mutex.Lock()
	defer o.unlock()
	return o.stats
}

// Subscribe delivers a snapshot after every state change. Slow subscribers
// miss snapshots rather than block the orchestrator.
func (o *Orchestrator) Subscribe(buffer int) (<-chan QueryState, func()) {
	if buffer < 1 {
		buffer = 1
	}

	o.mutex.Lock()
	defer o.unlock()

	id := o.nextSubscriber
	o.nextSubscriber++
	ch := make(chan QueryState, buffer)
	o.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mutex.Lock()
			defer o.unlock()
			delete(o.subscribers, id)
			close(ch)
		})
	}
}

// Wait blocks until the query settles or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (QueryState, error) {
	for {
		o.mutex.Lock()
		state := o.state.clone()
		changed := o.changed
		o.unlock()

		if state.Phase.Settled() {
			return state, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

func (o *Orchestrator) park(query string, attachments []transport.Attachment, clarification *Clarification) {
	o.mutex.Lock()
	defer o.unlock()

	o.stopRetryLocked()
	o.invalidateLocked()
	o.hasQueried = true
	o.pendingQuery = query
	o.pendingAttachments = attachments
	o.state.Query = query
	o.state.Clarification = clarification
	o.state.Phase = PhaseAwaitingClarification
	o.state.IsLoading = false
	o.state.TerminalError = ""
	o.state.Warning = ""
	o.notifyLocked()

	o.logger.Info("Query awaiting clarification",
		slog.String("trace_id", o.trace.TraceID()),
		slog.String("question", clarification.Question))
}

// abort invalidates the current attempt and returns the job that should be
// cancelled at the job service, if any.
func (o *Orchestrator) abort(explicit bool) string {
	o.mutex.Lock()
	defer o.unlock()

	o.stopRetryLocked()
	active := o.state.IsLoading
	channel, jobID := o.state.Channel, o.state.JobID
	o.invalidateLocked()

	if active {
		if o.current != nil {
			o.current.finalized = true
		}
		o.finishLocked(PhaseCancelled)
		o.logger.Info("Query stopped",
			slog.String("trace_id", o.trace.TraceID()),
			slog.String("channel", string(channel)))
	}

	if jobID == "" || channel != ChannelAsyncJob {
		return ""
	}
	if active || explicit {
		return jobID
	}
	return ""
}

func (o *Orchestrator) startLocked(query string, attachments []transport.Attachment, isRetry bool) *attempt {
	o.stopRetryLocked()
	o.invalidateLocked()

	if !isRetry {
		o.fellBack = false
		o.retries = 0
		o.state.RetryCount = 0
		o.state.Warning = ""
		o.state.Source = ""
		o.startedAt = time.Now()
	}

	o.hasQueried = true
	o.pendingQuery = query
	o.pendingAttachments = attachments

	o.state.Query = query
	o.state.Clarification = nil
	o.state.TerminalError = ""
	o.state.IsLoading = true
	o.state.Phase = PhaseRouting
	o.state.JobID = ""
	o.state.Response = ""
	o.state.Sources = nil
	o.state.Progress = nil

	channel, analysis, decision := o.route(query, attachments)
	if isRetry && o.fellBack {
		channel = ChannelStreaming
	}
	o.state.Channel = channel
	o.state.ComplexityLevel = analysis.Level
	o.state.ComplexityScore = analysis.Score

	att := o.newAttemptLocked(channel, query, attachments)
	att.clearWarning = isRetry
	o.state.Phase = phaseFor(channel)
	o.notifyLocked()

	o.logger.Info("Query routed",
		slog.String("trace_id", o.trace.TraceID()),
		slog.String("channel", string(channel)),
		slog.Int("score", analysis.Score),
		slog.String("forced_by", decision.Keyword),
		slog.Int("attachments", len(attachments)),
		slog.Bool("retry", isRetry))

	return att
}

func (o *Orchestrator) route(query string, attachments []transport.Attachment) (Channel, classifier.Analysis, classifier.Decision) {
	analysis := o.classifier.Analyze(query)
	if len(attachments) > 0 {
		return ChannelStreaming, analysis, classifier.Decision{}
	}

	decision := o.classifier.ShouldForceChannel(query)
	if decision.Force || analysis.Score >= o.cfg.AsyncThreshold {
		return ChannelAsyncJob, analysis, decision
	}
	return ChannelStreaming, analysis, decision
}

func (o *Orchestrator) newAttemptLocked(channel Channel, query string, attachments []transport.Attachment) *attempt {
	o.stats.Attempts++

	span := o.trace.Child()
	att := &attempt{
		token:   newToken(tracing.NewContext(o.parent, span)),
		channel: channel,
		req: transport.Request{
			Query:       query,
			Attachments: attachments,
			Trace:       span,
		},
	}

	o.current = att
	o.state.TraceID = o.trace.TraceID()
	o.state.Traceparent = span.Traceparent()
	return att
}

func (o *Orchestrator) launch(att *attempt) {
	if att.channel == ChannelAsyncJob {
		go o.runAsync(att)
		return
	}
	go o.runStreaming(att)
}

// invalidateLocked aborts the live token. A streaming breaker that admitted
// the attempt is told the call was abandoned.
func (o *Orchestrator) invalidateLocked() {
	att := o.current
	if att == nil {
		return
	}

	if att.token.Abort() {
		o.stats.InvalidatedTokens++
	}
	if att.admitted {
		att.admitted = false
		o.queueReportLocked(att, retry.ErrAborted)
	}
}

func (o *Orchestrator) queueReportLocked(att *attempt, err error) {
	o.reports = append(o.reports, breakerReport{
		ctx:     context.WithoutCancel(att.token.Context()),
		service: o.cfg.StreamingService,
		err:     err,
	})
}

// unlock releases the state lock and then settles the breaker outcomes
// queued while it was held, so store round-trips never block readers.
func (o *Orchestrator) unlock() {
	reports := o.reports
	o.reports = nil
	o.mutex.Unlock()

	for _, r := range reports {
		_ = o.executor.Report(r.ctx, r.service, r.err)
	}
}

// releaseLocked frees a finalized attempt's token without counting it as
// an invalidation.
func (o *Orchestrator) releaseLocked(att *attempt) {
	att.token.Abort()
}

func (o *Orchestrator) stopRetryLocked() {
	o.retrySeq++
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

func (o *Orchestrator) scheduleRetryLocked(delay time.Duration) {
	o.stopRetryLocked()
	seq := o.retrySeq
	o.retryTimer = time.AfterFunc(delay, func() { o.fireRetry(seq) })
}

func (o *Orchestrator) fireRetry(seq uint64) {
	o.mutex.Lock()
	if seq != o.retrySeq || o.retryTimer == nil {
		o.unlock()
		return
	}
	o.retryTimer = nil
	att := o.startLocked(o.pendingQuery, o.pendingAttachments, true)
	o.unlock()

	o.launch(att)
}

// failLocked handles a finalized attempt's failure: schedule a retry while
// budget remains, otherwise end the query.
func (o *Orchestrator) failLocked(att *attempt, err error) {
	aborted := !att.token.Valid()
	o.releaseLocked(att)

	kind := o.cfg.Retry.Classify(err)
	if kind == retry.KindCancelled && !aborted {
		// Only Stop, Cancel or a newer attempt end a query as cancelled.
		kind = retry.KindFatal
	}
	budget := o.cfg.Retry.Budget(kind)

	if att.channel == ChannelStreaming && o.state.RetryCount < budget {
		o.state.RetryCount++
		o.retries++
		o.stats.Retries++
		delay := o.cfg.Retry.Delay(kind, o.state.RetryCount-1, o.rand)

		o.state.Phase = PhaseRetryWait
		o.state.Warning = fmt.Sprintf("Reconnecting (%d/%d)...", o.state.RetryCount, budget)
		o.scheduleRetryLocked(delay)
		o.notifyLocked()

		o.logger.Warn("Streaming attempt failed, retrying",
			slog.String("trace_id", o.trace.TraceID()),
			slog.String("kind", kind.String()),
			slog.Int("retry", o.state.RetryCount),
			slog.Int("budget", budget),
			slog.Duration("delay", delay),
			slog.Any("err", err))
		return
	}

	if kind == retry.KindCancelled {
		o.finishLocked(PhaseCancelled)
		return
	}

	o.state.TerminalError = err.Error()
	o.finishLocked(PhaseFailed)

	o.logger.Error("Query failed",
		slog.String("trace_id", o.trace.TraceID()),
		slog.String("channel", string(att.channel)),
		slog.String("kind", kind.String()),
		slog.Int("retries", o.state.RetryCount),
		slog.Any("err", err))
}

func (o *Orchestrator) finishLocked(phase Phase) {
	if o.current != nil {
		o.releaseLocked(o.current)
	}

	o.state.Phase = phase
	o.state.IsLoading = false

	switch phase {
	case PhaseCompleted:
		o.stats.Completed++
		o.state.RetryCount = 0
		if o.state.Source == "" {
			o.state.Source = circuitbreaker.SourcePrimary
		}
	case PhaseFailed:
		o.stats.Failed++
		o.state.Warning = ""
	case PhaseCancelled:
		o.stats.Cancelled++
		o.state.Warning = ""
	}

	o.notifyLocked()

	if o.observer != nil {
		o.observer.ObserveQuery(Outcome{
			Channel:  o.state.Channel,
			Phase:    phase,
			Source:   o.state.Source,
			Retries:  o.retries,
			Duration: time.Since(o.startedAt),
			TraceID:  o.trace.TraceID(),
		})
	}
}

func (o *Orchestrator) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})

	snapshot := o.state.clone()
	for _, ch := range o.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (o *Orchestrator) initialStateLocked() QueryState {
	return QueryState{
		Phase:       PhaseIdle,
		TraceID:     o.trace.TraceID(),
		Traceparent: o.trace.Traceparent(),
	}
}

func (o *Orchestrator) traceID() string {
	o.mutex.Lock()
	defer o.unlock()
	return o.trace.TraceID()
}

func phaseFor(channel Channel) Phase {
	if channel == ChannelAsyncJob {
		return PhaseAsyncJob
	}
	return PhaseStreaming
}
