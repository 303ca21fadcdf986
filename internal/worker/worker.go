// Package worker executes one claimed contact end to end: load its eligible
// evidence, cut it into budget-admitted batches, hand each batch to the
// downstream processor and mark the processed ENIs in the log.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/3i-Members/member-insights-processor-sub001/internal/runlog"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/logger"
	"github.com/3i-Members/member-insights-processor-sub001/pkg/tokens"
	"github.com/3i-Members/member-insights-processor-sub001/storage"
)

// BatchProcessor is the downstream step a batch of evidence is handed to.
// Its internals are opaque here; the worker only needs success or failure.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, contactID string, batchID string, records []storage.EvidenceRecord) error
}

// BatchProcessorFunc adapts a function to BatchProcessor.
type BatchProcessorFunc func(ctx context.Context, contactID string, batchID string, records []storage.EvidenceRecord) error

func (f BatchProcessorFunc) ProcessBatch(ctx context.Context, contactID string, batchID string, records []storage.EvidenceRecord) error {
	return f(ctx, contactID, batchID, records)
}

// Result is what one contact's processing amounted to. Success means every
// eligible ENI was either processed or deliberately skipped as over budget
// with no batch failures.
type Result struct {
	ContactID       string
	Success         bool
	Batches         int
	ProcessedENIs   int
	SkippedENIs     int
	TokensEstimated int
	Duration        time.Duration
	Err             error
}

// Worker processes claimed contacts. It is stateless across contacts and
// safe for concurrent use.
type Worker struct {
	evidence  storage.EvidenceSource
	processed storage.ProcessedLog
	processor BatchProcessor
	budget    tokens.Budget
	recorder  runlog.Recorder
	logger    logger.Logger
	generator string
}

type Option func(*Worker)

func WithLogger(l logger.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

func WithRecorder(r runlog.Recorder) Option {
	return func(w *Worker) {
		w.recorder = r
	}
}

func New(evidence storage.EvidenceSource, processed storage.ProcessedLog, processor BatchProcessor, budget tokens.Budget, generator string, opts ...Option) *Worker {
	w := &Worker{
		evidence:  evidence,
		processed: processed,
		processor: processor,
		budget:    budget,
		generator: generator,
		recorder:  runlog.NewNoopRecorder(),
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process handles one contact. Failures are reported in the Result, never
// panicked or escalated; an exhausted contact with nothing eligible is a
// success with zero batches.
func (w *Worker) Process(ctx context.Context, item storage.WorkItem) Result {
	started := time.Now()
	res := Result{ContactID: item.ContactID}

	records, err := w.evidence.LoadContactEvidence(ctx, item.ContactID)
	if err != nil {
		res.Err = fmt.Errorf("load evidence for %s: %w", item.ContactID, err)
		res.Duration = time.Since(started)
		w.writeSummary(ctx, res)
		return res
	}

	var errs *multierror.Error
	i := 0
	for i < len(records) {
		batch, estimate := w.admitPrefix(records[i:])
		if len(batch) == 0 {
			// A single record over budget can never be admitted.
			// Record it and move on rather than stalling the contact.
			w.logger.Warn("evidence record exceeds token budget, skipping",
				zap.String("contact_id", item.ContactID),
				zap.String("eni_id", records[i].ENIID),
				zap.Int("estimate", tokens.Estimate(records[i].Description)))
			errs = multierror.Append(errs, fmt.Errorf("eni %s: %w", records[i].ENIID, tokens.ErrBudgetExceeded))
			res.SkippedENIs++
			i++
			continue
		}

		batchID := uuid.NewString()
		res.Batches++
		res.TokensEstimated += estimate

		if err := w.processor.ProcessBatch(ctx, item.ContactID, batchID, batch); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("batch %s: %w", batchID, err))
			i += len(batch)
			continue
		}

		entries := make([]storage.ProcessedEntry, 0, len(batch))
		for _, rec := range batch {
			entries = append(entries, storage.ProcessedEntry{
				ENIID:     rec.ENIID,
				ContactID: rec.ContactID,
				Generator: w.generator,
				BatchID:   batchID,
			})
		}
		written, err := w.processed.MarkProcessed(ctx, entries)
		res.ProcessedENIs += written
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mark batch %s processed: %w", batchID, err))
		}
		i += len(batch)
	}

	res.Err = errs.ErrorOrNil()
	res.Success = res.Err == nil
	res.Duration = time.Since(started)
	w.writeSummary(ctx, res)
	return res
}

// admitPrefix returns the longest prefix of records the budget admits, with
// its estimate. An empty result means the first record alone is over budget.
func (w *Worker) admitPrefix(records []storage.EvidenceRecord) ([]storage.EvidenceRecord, int) {
	estimate := 0
	n := 0
	for _, rec := range records {
		next := estimate + tokens.Estimate(rec.Description)
		if !w.budget.Admit(next) {
			break
		}
		estimate = next
		n++
	}
	return records[:n], estimate
}

func (w *Worker) writeSummary(ctx context.Context, res Result) {
	payload := map[string]any{
		"contact_id":       res.ContactID,
		"success":          res.Success,
		"batches":          res.Batches,
		"processed_enis":   res.ProcessedENIs,
		"skipped_enis":     res.SkippedENIs,
		"tokens_estimated": res.TokensEstimated,
		"duration_ms":      res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	if err := w.recorder.WriteContactSummary(ctx, res.ContactID, payload); err != nil {
		w.logger.Warn("contact summary write failed",
			zap.String("contact_id", res.ContactID), zap.Error(err))
	}
}
