// Package orchestrator drives the wave loop: service active batches, submit
// new ones, wait, repeat until quiescence. All durable state lives in the
// store; the orchestrator itself can be killed at any point and resumed.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/registrarlab/pageflow/internal/catalog"
	"github.com/registrarlab/pageflow/internal/gateway"
	"github.com/registrarlab/pageflow/internal/ingest"
	"github.com/registrarlab/pageflow/internal/pageid"
	"github.com/registrarlab/pageflow/internal/prompts"
	"github.com/registrarlab/pageflow/internal/scanner"
	"github.com/registrarlab/pageflow/internal/store"
	"github.com/registrarlab/pageflow/internal/track"
)

// Error kinds produced by the orchestrator itself.
const (
	KindBatchTerminalFailure = "batch_terminal_failure"
	KindSubmissionFailure    = "submission_failure"
)

// Options wires the orchestrator's collaborators and policy knobs.
type Options struct {
	Store    *store.Store
	Gateway  gateway.Gateway
	Ingestor *ingest.Ingestor
	Prompt   *prompts.Template
	Sink     track.Sink
	Logger   *slog.Logger

	LabelRoot  string
	ImageRoot  string
	OutputRoot string

	TargetStates []string
	YearStart    int
	YearEnd      int

	MaxRetries           int
	BatchSizeLimit       int
	MaxConcurrentBatches int
	DryRun               bool

	PollInterval      time.Duration
	MaxPollAttempts   int
	DisplayNamePrefix string

	Meta ingest.Metadata
}

// Orchestrator is the wave-loop state machine.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	sink   track.Sink
}

// New validates collaborators and returns an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Gateway == nil || opts.Ingestor == nil || opts.Prompt == nil {
		return nil, fmt.Errorf("store, gateway, ingestor and prompt are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = 360
	}
	if opts.MaxConcurrentBatches <= 0 {
		opts.MaxConcurrentBatches = 1
	}
	if opts.BatchSizeLimit <= 0 {
		opts.BatchSizeLimit = 100
	}
	if opts.DisplayNamePrefix == "" {
		opts.DisplayNamePrefix = "ocr-batch-job"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = track.Noop{}
	}
	return &Orchestrator{opts: opts, logger: logger, sink: sink}, nil
}

// Run executes the state machine until no active batches remain and the
// scanner finds nothing runnable. It returns a report either way; the error
// reflects cancellation, a poll budget overrun, or a store failure.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC(), DryRun: o.opts.DryRun}
	defer func() {
		report.FinishedAt = time.Now().UTC()
	}()

	o.sink.Emit(ctx, "run_started", map[string]any{"dry_run": o.opts.DryRun})

	if o.opts.DryRun {
		err := o.dryRunPass(ctx, report)
		return report, err
	}

	idleWaits := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Waves++

		ingested, err := o.serviceActiveBatches(ctx, report)
		if err != nil {
			return report, err
		}

		submitted, scannerEmpty, err := o.submitBatches(ctx, report)
		if err != nil {
			return report, err
		}

		active, err := o.opts.Store.ListActiveBatches(ctx)
		if err != nil {
			return report, err
		}
		if len(active) == 0 && scannerEmpty {
			break
		}

		if ingested == 0 && submitted == 0 {
			idleWaits++
			if idleWaits > o.opts.MaxPollAttempts {
				return report, fmt.Errorf("gave up after %d poll intervals with no progress (%d batches still active)",
					idleWaits-1, len(active))
			}
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(o.opts.PollInterval):
			}
		} else {
			idleWaits = 0
		}
	}

	o.sink.Emit(ctx, "run_finished", map[string]any{
		"waves":             report.Waves,
		"batches_submitted": report.BatchesSubmitted,
		"batches_completed": report.BatchesCompleted,
		"batches_failed":    report.BatchesFailed,
		"records_written":   report.Ingest.Written,
	})
	return report, nil
}

// serviceActiveBatches polls every active batch in id-ascending order and
// resolves the terminal ones. The returned count is the number of records
// ingested or logged this pass.
func (o *Orchestrator) serviceActiveBatches(ctx context.Context, report *Report) (int, error) {
	ids, err := o.opts.Store.ListActiveBatches(ctx)
	if err != nil {
		return 0, err
	}

	progressed := 0
	for _, id := range ids {
		state, err := o.opts.Gateway.Poll(ctx, id)
		if err != nil {
			// Transient: the batch stays active and is re-polled next pass.
			o.logger.Warn("poll failed", "batch_id", id, "error", err)
			continue
		}
		if !state.Terminal() {
			o.logger.Debug("batch still running", "batch_id", id, "state", state)
			continue
		}

		keys, err := o.opts.Store.BatchRecordKeys(ctx, id)
		if err != nil {
			return progressed, err
		}

		if state.Succeeded() {
			n, err := o.resolveSucceeded(ctx, id, keys, report)
			if err != nil {
				return progressed, err
			}
			progressed += n
		} else {
			if err := o.resolveFailed(ctx, id, string(state), keys, report); err != nil {
				return progressed, err
			}
			progressed += len(keys)
		}
	}
	return progressed, nil
}

func (o *Orchestrator) resolveSucceeded(ctx context.Context, batchID string, keys []string, report *Report) (int, error) {
	results, err := o.opts.Gateway.Download(ctx, batchID)
	if err != nil {
		// Transient: leave the batch active so the next pass retries.
		o.logger.Warn("download failed", "batch_id", batchID, "error", err)
		return 0, nil
	}

	summary, err := o.opts.Ingestor.Ingest(ctx, batchID, keys, results)
	if err != nil {
		return 0, err
	}
	report.Ingest.Add(summary)

	// The output files are durable before the batch rows go away; a crash in
	// between re-ingests on restart and the existing-file check keeps that
	// idempotent.
	if err := o.finalize(ctx, batchID, store.StatusCompleted); err != nil {
		return 0, err
	}
	report.BatchesCompleted++

	o.logger.Info("batch completed", "batch_id", batchID,
		"written", summary.Written, "already_done", summary.AlreadyDone, "failed", summary.Failed())
	o.sink.Emit(ctx, "batch_completed", map[string]any{
		"batch_id": batchID, "written": summary.Written, "failed": summary.Failed(),
	})
	return summary.Succeeded() + summary.Failed() + summary.Mismatched, nil
}

// resolveFailed logs a batch-level terminal failure for every member without
// bumping failure counters; the records become eligible again next wave.
func (o *Orchestrator) resolveFailed(ctx context.Context, batchID, state string, keys []string, report *Report) error {
	for _, key := range keys {
		if err := o.opts.Store.AppendFailureLog(ctx, o.failureRow(batchID, key, KindBatchTerminalFailure,
			fmt.Sprintf("batch ended in state %s", state))); err != nil {
			return err
		}
	}
	if err := o.finalize(ctx, batchID, store.StatusFailed); err != nil {
		return err
	}
	report.BatchesFailed++

	o.logger.Warn("batch failed", "batch_id", batchID, "state", state, "records", len(keys))
	o.sink.Emit(ctx, "batch_failed", map[string]any{"batch_id": batchID, "state": state})
	return nil
}

// finalize tolerates replays: a batch already finalized by a previous pass
// (or a previous process) is a no-op.
func (o *Orchestrator) finalize(ctx context.Context, batchID string, status store.Status) error {
	err := o.opts.Store.FinalizeBatch(ctx, batchID, status)
	if errors.Is(err, store.ErrBatchNotActive) {
		o.logger.Debug("batch already finalized", "batch_id", batchID)
		return nil
	}
	return err
}

// submitBatches fills the concurrency budget, re-running the scanner before
// each submission so successive bundles never contend for the same keys.
func (o *Orchestrator) submitBatches(ctx context.Context, report *Report) (int, bool, error) {
	submitted := 0
	scannerEmpty := false

	for {
		active, err := o.opts.Store.ListActiveBatches(ctx)
		if err != nil {
			return submitted, scannerEmpty, err
		}
		if len(active) >= o.opts.MaxConcurrentBatches {
			break
		}

		result, err := o.scan(ctx)
		if err != nil {
			return submitted, scannerEmpty, err
		}
		if len(result.Runnable) == 0 {
			scannerEmpty = true
			break
		}

		payloads, err := o.buildPayloads(result.Runnable)
		if err != nil {
			return submitted, scannerEmpty, err
		}

		displayName := fmt.Sprintf("%s-%s", o.opts.DisplayNamePrefix, uuid.NewString()[:8])
		subResult, err := o.opts.Gateway.Submit(ctx, displayName, payloads)

		dropped := make(map[string]bool, len(subResult.Failed))
		for _, f := range subResult.Failed {
			dropped[f.Key] = true
			if logErr := o.opts.Store.AppendFailureLog(ctx,
				o.failureRow("", f.Key, KindSubmissionFailure, f.Reason)); logErr != nil {
				return submitted, scannerEmpty, logErr
			}
		}

		if err != nil {
			// Whole-bundle failure: nothing was submitted, nothing goes in
			// flight, every key gets a log row and stays eligible.
			for _, p := range payloads {
				if dropped[p.Key] {
					continue
				}
				if logErr := o.opts.Store.AppendFailureLog(ctx,
					o.failureRow("", p.Key, KindSubmissionFailure, err.Error())); logErr != nil {
					return submitted, scannerEmpty, logErr
				}
			}
			report.SubmissionFailures++
			o.logger.Error("bundle submission failed", "display_name", displayName, "error", err)
			break
		}

		if err := o.opts.Store.AddBatch(ctx, subResult.BatchID, subResult.Submitted); err != nil {
			return submitted, scannerEmpty, err
		}
		submitted++
		report.BatchesSubmitted++
		report.RecordsSubmitted += len(subResult.Submitted)

		o.logger.Info("batch submitted", "batch_id", subResult.BatchID,
			"display_name", displayName, "records", len(subResult.Submitted))
		o.sink.Emit(ctx, "batch_submitted", map[string]any{
			"batch_id": subResult.BatchID, "records": len(subResult.Submitted),
		})
	}

	return submitted, scannerEmpty, nil
}

// dryRunPass reports what the first submission wave would contain without
// touching the gateway or the store.
func (o *Orchestrator) dryRunPass(ctx context.Context, report *Report) error {
	result, err := o.scan(ctx)
	if err != nil {
		return err
	}
	for _, id := range result.Runnable {
		o.logger.Info("would submit", "record_key", id.Key())
	}
	report.Waves = 1
	report.RecordsPlanned = len(result.Runnable)
	o.logger.Info("dry run complete", "runnable", len(result.Runnable), "candidates", result.TotalCandidates)
	return nil
}

// scan snapshots the store and runs the scanner against the filesystem.
func (o *Orchestrator) scan(ctx context.Context) (scanner.Result, error) {
	counts, err := o.opts.Store.FailureCounts(ctx)
	if err != nil {
		return scanner.Result{}, err
	}
	inflight, err := o.opts.Store.Inflight(ctx)
	if err != nil {
		return scanner.Result{}, err
	}
	return scanner.Scan(scanner.Input{
		LabelRoot:      o.opts.LabelRoot,
		OutputRoot:     o.opts.OutputRoot,
		TargetStates:   o.opts.TargetStates,
		YearStart:      o.opts.YearStart,
		YearEnd:        o.opts.YearEnd,
		MaxRetries:     o.opts.MaxRetries,
		BatchSizeLimit: o.opts.BatchSizeLimit,
		FailureCounts:  counts,
		Inflight:       inflight,
		Logger:         o.logger,
	})
}

// buildPayloads renders one prompt per runnable page, threading in the
// previous page's validated output where one exists.
func (o *Orchestrator) buildPayloads(runnable []pageid.PageID) ([]gateway.RecordPayload, error) {
	payloads := make([]gateway.RecordPayload, 0, len(runnable))
	for _, id := range runnable {
		prevContext := o.previousContext(id)
		prompt, err := o.opts.Prompt.Render(prevContext)
		if err != nil {
			return nil, fmt.Errorf("failed to render prompt for %s: %w", id.Key(), err)
		}
		payloads = append(payloads, gateway.RecordPayload{
			Key:       id.Key(),
			Prompt:    prompt,
			ImagePath: id.ImagePath(o.opts.ImageRoot),
		})
	}
	return payloads, nil
}

// previousContext finds the highest-numbered done page below id in the same
// book and summarizes it. A missing or unreadable predecessor yields empty
// context rather than an error; the page still runs, just without carryover.
func (o *Orchestrator) previousContext(id pageid.PageID) string {
	dir := filepath.Dir(id.OutputPath(o.opts.OutputRoot))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	best := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		page, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if page < id.Page && page > best {
			best = page
		}
	}
	if best == 0 {
		return ""
	}

	prev := pageid.PageID{State: id.State, School: id.School, Year: id.Year, Page: best}
	data, err := os.ReadFile(prev.OutputPath(o.opts.OutputRoot))
	if err != nil {
		o.logger.Warn("failed to read previous page output", "record_key", prev.Key(), "error", err)
		return ""
	}
	var page catalog.CatalogPage
	if err := json.Unmarshal(data, &page); err != nil {
		o.logger.Warn("failed to decode previous page output", "record_key", prev.Key(), "error", err)
		return ""
	}
	return prompts.FormatPreviousContext(&page)
}

func (o *Orchestrator) failureRow(batchID, key, kind, message string) store.FailureLogRow {
	return store.FailureLogRow{
		RecordKey:        key,
		BatchID:          batchID,
		ErrorKind:        kind,
		ErrorMessage:     message,
		ModelName:        o.opts.Meta.ModelName,
		PromptName:       o.opts.Meta.PromptName,
		PromptTemplate:   o.opts.Meta.PromptTemplate,
		GenerationConfig: o.opts.Meta.GenerationConfig,
	}
}
