// Package ingest applies a downloaded result set: validated artifacts are
// written atomically under the output root, everything else becomes a failure
// count bump plus an append-only failure log row.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/registrarlab/pageflow/internal/catalog"
	"github.com/registrarlab/pageflow/internal/gateway"
	"github.com/registrarlab/pageflow/internal/pageid"
	"github.com/registrarlab/pageflow/internal/store"
)

// Error kinds produced by the ingestor itself. Validation kinds come from the
// catalog package.
const (
	KindServiceError      = "service_error"
	KindMissingInResult   = "missing_in_result"
	KindResultKeyMismatch = "result_key_mismatch"
)

// Metadata is attached to every failure log row so a logged failure can be
// traced back to the exact model and prompt that produced it.
type Metadata struct {
	ModelName        string
	PromptName       string
	PromptTemplate   string
	GenerationConfig string
}

// Ingestor reconciles one batch's downloaded results against its expected
// record keys.
type Ingestor struct {
	store      *store.Store
	outputRoot string
	meta       Metadata
	logger     *slog.Logger
}

// New builds an ingestor writing artifacts under outputRoot.
func New(st *store.Store, outputRoot string, meta Metadata, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: st, outputRoot: outputRoot, meta: meta, logger: logger}
}

// Summary reports what one ingestion pass did.
type Summary struct {
	Written            int `json:"written" yaml:"written"`
	AlreadyDone        int `json:"already_done" yaml:"already_done"`
	ServiceErrors      int `json:"service_errors" yaml:"service_errors"`
	ValidationFailures int `json:"validation_failures" yaml:"validation_failures"`
	Missing            int `json:"missing" yaml:"missing"`
	Mismatched         int `json:"mismatched" yaml:"mismatched"`
}

// Add accumulates another summary into this one.
func (s *Summary) Add(other Summary) {
	s.Written += other.Written
	s.AlreadyDone += other.AlreadyDone
	s.ServiceErrors += other.ServiceErrors
	s.ValidationFailures += other.ValidationFailures
	s.Missing += other.Missing
	s.Mismatched += other.Mismatched
}

// Succeeded counts records that ended with an artifact on disk.
func (s Summary) Succeeded() int { return s.Written + s.AlreadyDone }

// Failed counts records that took a failure-count bump.
func (s Summary) Failed() int { return s.ServiceErrors + s.ValidationFailures + s.Missing }

// Ingest processes the results for batchID. Output-file writes and database
// updates run in independent transactions; re-running against a partially
// ingested batch is safe because existing output files are left alone and
// take no counter bump.
func (ing *Ingestor) Ingest(ctx context.Context, batchID string, expected []string, results []gateway.RecordResult) (Summary, error) {
	expectedSet := make(map[string]bool, len(expected))
	for _, key := range expected {
		expectedSet[key] = false
	}

	var summary Summary
	for _, result := range results {
		if _, ok := expectedSet[result.Key]; !ok {
			summary.Mismatched++
			ing.logger.Warn("result key not in batch membership",
				"batch_id", batchID, "record_key", result.Key)
			if err := ing.logFailure(ctx, batchID, result.Key, 0, KindResultKeyMismatch,
				fmt.Sprintf("result key %q is not a member of batch %s", result.Key, batchID),
				result.Text, "", result.RawBody); err != nil {
				return summary, err
			}
			continue
		}
		expectedSet[result.Key] = true

		if err := ing.ingestOne(ctx, batchID, result, &summary); err != nil {
			return summary, err
		}
	}

	for _, key := range expected {
		if expectedSet[key] {
			continue
		}
		summary.Missing++
		attempt, err := ing.store.BumpFailure(ctx, key)
		if err != nil {
			return summary, err
		}
		if err := ing.logFailure(ctx, batchID, key, attempt, KindMissingInResult,
			"record missing from downloaded result set", "", "", nil); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

func (ing *Ingestor) ingestOne(ctx context.Context, batchID string, result gateway.RecordResult, summary *Summary) error {
	id, err := pageid.ParseKey(result.Key)
	if err != nil {
		// Membership rows only hold canonical keys, so this is unreachable in
		// practice; treat it like a mismatch rather than aborting the batch.
		summary.Mismatched++
		return ing.logFailure(ctx, batchID, result.Key, 0, KindResultKeyMismatch, err.Error(), result.Text, "", result.RawBody)
	}

	outputPath := id.OutputPath(ing.outputRoot)
	if _, err := os.Stat(outputPath); err == nil {
		summary.AlreadyDone++
		ing.logger.Debug("output already present, skipping", "record_key", result.Key)
		return nil
	}

	if result.Err != nil {
		summary.ServiceErrors++
		attempt, err := ing.store.BumpFailure(ctx, result.Key)
		if err != nil {
			return err
		}
		return ing.logFailure(ctx, batchID, result.Key, attempt, KindServiceError,
			result.Err.Error(), result.Text, "", result.RawBody)
	}

	page, vErr := catalog.Validate(result.Text)
	if vErr != nil {
		summary.ValidationFailures++
		attempt, err := ing.store.BumpFailure(ctx, result.Key)
		if err != nil {
			return err
		}
		return ing.logFailure(ctx, batchID, result.Key, attempt, vErr.Kind,
			vErr.Message, result.Text, vErr.ExtractedText, result.RawBody)
	}

	if err := writeArtifact(outputPath, page); err != nil {
		return fmt.Errorf("failed to write artifact for %s: %w", result.Key, err)
	}
	summary.Written++
	ing.logger.Info("artifact written", "record_key", result.Key, "path", outputPath)
	return nil
}

func (ing *Ingestor) logFailure(ctx context.Context, batchID, key string, attempt int, kind, message, rawText, extracted string, rawBody json.RawMessage) error {
	return ing.store.AppendFailureLog(ctx, store.FailureLogRow{
		RecordKey:        key,
		BatchID:          batchID,
		AttemptNumber:    attempt,
		ErrorKind:        kind,
		ErrorMessage:     message,
		RawResponseText:  rawText,
		ExtractedText:    extracted,
		RawResponseBlob:  string(rawBody),
		ModelName:        ing.meta.ModelName,
		PromptName:       ing.meta.PromptName,
		PromptTemplate:   ing.meta.PromptTemplate,
		GenerationConfig: ing.meta.GenerationConfig,
	})
}

// writeArtifact persists the validated page via write-to-temp then rename, so
// readers never observe a partial file.
func writeArtifact(path string, page *catalog.CatalogPage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pageflow-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
