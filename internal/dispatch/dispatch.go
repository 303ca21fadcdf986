// Package dispatch runs the coordinating loop: it keeps a bounded pool of
// contact workers saturated from fill queries, arbitrates contact ownership
// through the claim store, and aggregates per-contact results into the run
// record. One Dispatcher owns one run; multiple dispatcher processes may
// share a claim store and cooperate on the same population.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/3i-Members/member-insights-processor-sub001/internal/runlog"
	"github.com/3i-Members/member-insights-processor-sub001/internal/worker"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/id"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/logger"
	"github.com/3i-Members/member-insights-processor-sub001/storage"
	"github.com/3i-Members/member-insights-processor-sub001/storage/claims"
)

// State is the run lifecycle phase.
type State int

const (
	StateInit State = iota
	StateFilling
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFilling:
		return "FILLING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Totals are the run counters. Only the loop goroutine mutates them.
type Totals struct {
	Scheduled   int
	Succeeded   int
	Failed      int
	Contended   int
	EmptyCycles int
}

// RunState is the mutable state of one run. It is owned exclusively by the
// Dispatcher's loop goroutine; workers report through the results channel
// and never touch it.
type RunState struct {
	RunID         string
	JobStartTime  time.Time
	MaxConcurrent int
	State         State
	InFlight      map[string]struct{}
	Totals        Totals
}

// ContactProcessor executes one claimed contact. *worker.Worker is the
// production implementation.
type ContactProcessor interface {
	Process(ctx context.Context, item storage.WorkItem) worker.Result
}

// Config parameterizes a run.
type Config struct {
	// RunID identifies the run. Empty means generate one at Run time.
	// Callers that create run artifacts up front pass the id here so the
	// loop and the recorder agree on it.
	RunID string
	// MaxConcurrentContacts is the hard ceiling on in-flight contacts.
	MaxConcurrentContacts int
	// FetchLimit caps how many candidates one fill query may return. The
	// effective limit each cycle is min(FetchLimit, remaining capacity).
	FetchLimit int
	// ClaimTTL must exceed the worst-case per-contact processing time.
	ClaimTTL time.Duration
	// ContentionBackoffMin/Max bound the sleep after a cycle that found
	// candidates but could not claim any of them.
	ContentionBackoffMin time.Duration
	ContentionBackoffMax time.Duration
}

// Validate applies the run guardrails.
func (c Config) Validate() error {
	if c.MaxConcurrentContacts < 1 {
		return fmt.Errorf("max concurrent contacts must be >= 1, got %d", c.MaxConcurrentContacts)
	}
	if c.FetchLimit < 1 {
		return fmt.Errorf("fetch limit must be >= 1, got %d", c.FetchLimit)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim ttl must be positive, got %s", c.ClaimTTL)
	}
	if c.ContentionBackoffMin < 0 || c.ContentionBackoffMax < c.ContentionBackoffMin {
		return fmt.Errorf("contention backoff window [%s, %s] is invalid", c.ContentionBackoffMin, c.ContentionBackoffMax)
	}
	return nil
}

// Dispatcher coordinates one run.
type Dispatcher struct {
	cfg        Config
	candidates storage.CandidateSource
	claims     claims.Store
	processor  ContactProcessor
	recorder   runlog.Recorder
	logger     logger.Logger
	metrics    *Metrics
}

type Option func(*Dispatcher)

func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

func WithRecorder(r runlog.Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func New(cfg Config, candidates storage.CandidateSource, claimStore claims.Store, processor ContactProcessor, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:        cfg,
		candidates: candidates,
		claims:     claimStore,
		processor:  processor,
		recorder:   runlog.NewNoopRecorder(),
		logger:     logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewNoopMetrics()
	}
	return d, nil
}

// Run executes the loop until the eligible population is exhausted or ctx
// is canceled. Cancellation stops further fill queries and drains in-flight
// workers to completion rather than interrupting them. The returned
// RunState is final; the final summary is written even on early error.
func (d *Dispatcher) Run(ctx context.Context) (RunState, error) {
	started := time.Now().UTC()
	runID := d.cfg.RunID
	if runID == "" {
		runID = id.MustNewRunID()
	}

	run := RunState{
		RunID:         runID,
		JobStartTime:  started,
		MaxConcurrent: d.cfg.MaxConcurrentContacts,
		State:         StateInit,
		InFlight:      make(map[string]struct{}),
	}
	log := d.logger.With(zap.String("run_id", runID))

	// Workers outlive a canceled run context while they drain.
	workerCtx := context.WithoutCancel(ctx)
	results := make(chan worker.Result, d.cfg.MaxConcurrentContacts)

	var runErr error
	defer func() {
		d.writeFinalSummary(workerCtx, &run, started, runErr, ctx.Err() != nil)
	}()

	d.appendEvent(workerCtx, log, runlog.Event{RunID: runID, Kind: "run_started"})
	log.Info("run started",
		zap.Int("max_concurrent_contacts", d.cfg.MaxConcurrentContacts),
		zap.Int("fetch_limit", d.cfg.FetchLimit))

	contentionBackoff := d.newContentionBackoff()
	run.State = StateFilling

	for {
		if ctx.Err() != nil {
			log.Info("stop requested, draining in-flight workers",
				zap.Int("in_flight", len(run.InFlight)))
			d.drain(workerCtx, log, &run, results)
			run.State = StateDone
			return run, nil
		}

		capacity := run.MaxConcurrent - len(run.InFlight)
		if capacity == 0 {
			d.handleResult(workerCtx, log, &run, <-results)
			continue
		}

		limit := capacity
		if d.cfg.FetchLimit < limit {
			limit = d.cfg.FetchLimit
		}

		d.metrics.fillCycles.Inc()
		items, err := d.candidates.NextPage(ctx, len(run.InFlight), limit)
		switch {
		case errors.Is(err, storage.ErrConnectivity):
			// Not a terminal empty result. Log, back off, re-query.
			run.Totals.EmptyCycles++
			d.metrics.connectivityErrors.Inc()
			log.Warn("fill query unreachable, retrying next cycle", zap.Error(err))
			d.appendEvent(workerCtx, log, runlog.Event{RunID: runID, Kind: "cycle_empty", Detail: err.Error()})
			d.sleep(ctx, contentionBackoff.NextBackOff())
			continue
		case err != nil:
			// Malformed selection configuration. Fatal for the run, but
			// in-flight contacts still finish and get recorded.
			runErr = fmt.Errorf("fill query failed: %w", err)
			log.Error("fatal fill query failure, draining", zap.Error(err))
			d.drain(workerCtx, log, &run, results)
			run.State = StateDone
			return run, runErr
		}

		if len(items) == 0 {
			if len(run.InFlight) == 0 {
				run.State = StateDone
				log.Info("eligible population exhausted",
					zap.Int("succeeded", run.Totals.Succeeded),
					zap.Int("failed", run.Totals.Failed))
				return run, nil
			}
			run.State = StateDraining
			d.handleResult(workerCtx, log, &run, <-results)
			run.State = StateFilling
			continue
		}

		scheduled := 0
		for _, item := range items {
			if _, dup := run.InFlight[item.ContactID]; dup {
				// The offset contract makes this unreachable unless the
				// ranking shifted mid-cycle. Never double-schedule.
				continue
			}
			ok, err := d.claims.Acquire(ctx, item.ContactID, d.cfg.ClaimTTL, runID)
			if err != nil {
				log.Warn("claim acquire failed, skipping contact",
					zap.String("contact_id", item.ContactID), zap.Error(err))
				run.Totals.Contended++
				d.metrics.contention.Inc()
				continue
			}
			if !ok {
				run.Totals.Contended++
				d.metrics.contention.Inc()
				continue
			}

			run.InFlight[item.ContactID] = struct{}{}
			run.Totals.Scheduled++
			scheduled++
			d.metrics.scheduled.Inc()
			d.metrics.inFlight.Inc()
			d.appendEvent(workerCtx, log, runlog.Event{RunID: runID, Kind: "contact_scheduled", ContactID: item.ContactID})
			d.launch(workerCtx, item, results)
		}

		if scheduled == 0 {
			// Every candidate is claimed by a cooperating dispatcher.
			// Sleep before re-querying so contention does not spin.
			d.sleep(ctx, contentionBackoff.NextBackOff())
			continue
		}
		contentionBackoff.Reset()

		// Pick up any completions before the next fill so the offset
		// reflects reality as closely as possible.
		for drained := false; !drained; {
			select {
			case res := <-results:
				d.handleResult(workerCtx, log, &run, res)
			default:
				drained = true
			}
		}
	}
}

// launch runs the processor in its own goroutine. A panic becomes a failed
// Result; it never takes down the run.
func (d *Dispatcher) launch(ctx context.Context, item storage.WorkItem, results chan<- worker.Result) {
	go func() {
		var res worker.Result
		var catcher panics.Catcher
		catcher.Try(func() {
			res = d.processor.Process(ctx, item)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			res = worker.Result{
				ContactID: item.ContactID,
				Err:       fmt.Errorf("worker panic: %v", recovered.Value),
			}
		}
		results <- res
	}()
}

// handleResult is called only from the loop goroutine.
func (d *Dispatcher) handleResult(ctx context.Context, log logger.Logger, run *RunState, res worker.Result) {
	if err := d.claims.Release(ctx, res.ContactID); err != nil {
		// The claim will expire on its own; the contact stays excluded
		// until then.
		log.Warn("claim release failed",
			zap.String("contact_id", res.ContactID), zap.Error(err))
	}
	delete(run.InFlight, res.ContactID)
	d.metrics.inFlight.Dec()

	kind := "contact_completed"
	status := "success"
	if res.Success {
		run.Totals.Succeeded++
	} else {
		run.Totals.Failed++
		kind = "contact_failed"
		status = "failure"
		log.Warn("contact processing failed",
			zap.String("contact_id", res.ContactID), zap.Error(res.Err))
	}
	d.metrics.results.WithLabelValues(status).Inc()

	ev := runlog.Event{RunID: run.RunID, Kind: kind, ContactID: res.ContactID}
	if res.Err != nil {
		ev.Detail = res.Err.Error()
	}
	d.appendEvent(ctx, log, ev)
}

func (d *Dispatcher) drain(ctx context.Context, log logger.Logger, run *RunState, results <-chan worker.Result) {
	run.State = StateDraining
	for len(run.InFlight) > 0 {
		d.handleResult(ctx, log, run, <-results)
	}
}

func (d *Dispatcher) writeFinalSummary(ctx context.Context, run *RunState, started time.Time, runErr error, interrupted bool) {
	s := runlog.Summary{
		RunID:       run.RunID,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		State:       run.State.String(),
		Scheduled:   run.Totals.Scheduled,
		Succeeded:   run.Totals.Succeeded,
		Failed:      run.Totals.Failed,
		Contended:   run.Totals.Contended,
		EmptyCycles: run.Totals.EmptyCycles,
		Interrupted: interrupted || runErr != nil,
	}
	if err := d.recorder.WriteFinalSummary(ctx, s); err != nil {
		d.logger.Warn("final summary write failed", zap.Error(err))
	}
	d.appendEvent(ctx, d.logger, runlog.Event{RunID: run.RunID, Kind: "run_finished", Detail: run.State.String()})
}

func (d *Dispatcher) appendEvent(ctx context.Context, log logger.Logger, ev runlog.Event) {
	if err := d.recorder.AppendEvent(ctx, ev); err != nil {
		log.Warn("event append failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

func (d *Dispatcher) newContentionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.ContentionBackoffMin > 0 {
		b.InitialInterval = d.cfg.ContentionBackoffMin
	}
	if d.cfg.ContentionBackoffMax > 0 {
		b.MaxInterval = d.cfg.ContentionBackoffMax
	}
	b.MaxElapsedTime = 0 // the loop, not the policy, decides termination
	b.Reset()
	return b
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
