package store

import (
	"context"
	"fmt"
	"time"
)

// FailureLogRow is one append-only failure record. Raw and extracted text are
// preserved verbatim so bad model output can be analyzed offline.
type FailureLogRow struct {
	RecordKey        string
	BatchID          string
	AttemptNumber    int
	ErrorKind        string
	ErrorMessage     string
	ErrorTrace       string
	RawResponseText  string
	ExtractedText    string
	RawResponseBlob  string
	ModelName        string
	PromptName       string
	PromptTemplate   string
	GenerationConfig string
	CreatedAt        time.Time
}

// AppendFailureLog inserts a failure log row.
func (s *Store) AppendFailureLog(ctx context.Context, row FailureLogRow) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_logs (
			record_key, batch_id, attempt_number, error_kind, error_message,
			error_trace, raw_response_text, extracted_text, raw_response_blob,
			model_name, prompt_name, prompt_template, generation_config, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RecordKey, row.BatchID, row.AttemptNumber, row.ErrorKind, row.ErrorMessage,
		row.ErrorTrace, row.RawResponseText, row.ExtractedText, row.RawResponseBlob,
		row.ModelName, row.PromptName, row.PromptTemplate, row.GenerationConfig, createdAt)
	if err != nil {
		return classify(fmt.Errorf("failed to append failure log for %s: %w", row.RecordKey, err))
	}
	return nil
}

// KindCount is an error-kind histogram entry.
type KindCount struct {
	ErrorKind string `json:"error_kind" yaml:"error_kind"`
	Count     int    `json:"count" yaml:"count"`
}

// CountByErrorKind aggregates failure log rows per error kind, most frequent
// first.
func (s *Store) CountByErrorKind(ctx context.Context) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(error_kind, ''), COUNT(*)
		FROM failure_logs
		GROUP BY error_kind
		ORDER BY COUNT(*) DESC, error_kind`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var counts []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.ErrorKind, &kc.Count); err != nil {
			return nil, classify(err)
		}
		counts = append(counts, kc)
	}
	return counts, classify(rows.Err())
}

// FailingRecord summarizes a record's failure history.
type FailingRecord struct {
	RecordKey string    `json:"record_key" yaml:"record_key"`
	Count     int       `json:"count" yaml:"count"`
	LastKind  string    `json:"last_error_kind" yaml:"last_error_kind"`
	LastError string    `json:"last_error_message" yaml:"last_error_message"`
	LastSeen  time.Time `json:"last_seen" yaml:"last_seen"`
}

// TopFailingRecords returns up to limit records ordered by failure count
// descending, each with its most recent logged error.
func (s *Store) TopFailingRecords(ctx context.Context, limit int) ([]FailingRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fc.record_key, fc.count,
		       COALESCE(fl.error_kind, ''), COALESCE(fl.error_message, ''), fc.last_updated
		FROM failure_counts fc
		LEFT JOIN failure_logs fl ON fl.id = (
			SELECT id FROM failure_logs
			WHERE record_key = fc.record_key
			ORDER BY created_at DESC, id DESC LIMIT 1
		)
		ORDER BY fc.count DESC, fc.record_key
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []FailingRecord
	for rows.Next() {
		var fr FailingRecord
		if err := rows.Scan(&fr.RecordKey, &fr.Count, &fr.LastKind, &fr.LastError, &fr.LastSeen); err != nil {
			return nil, classify(err)
		}
		records = append(records, fr)
	}
	return records, classify(rows.Err())
}
