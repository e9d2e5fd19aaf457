// Package store provides the durable state shared between waves: the active
// batch set, batch membership, in-flight record keys, per-record failure
// counters and the append-only failure log. All mutations are transactional;
// a crash between any two operations leaves the database consistent.
//
// The store assumes a single owning process. Within that process operations
// serialize through database/sql; cross-process locking is out of scope.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Status is the lifecycle state of a tracked batch.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrBatchExists is returned by AddBatch for a duplicate batch id.
	ErrBatchExists = errors.New("batch id already tracked")

	// ErrRecordInflight is returned by AddBatch when any key is already in flight.
	ErrRecordInflight = errors.New("record key already in flight")

	// ErrBatchNotActive is returned by FinalizeBatch for unknown or already
	// finalized batch ids.
	ErrBatchNotActive = errors.New("batch is not active")

	// ErrCorrupt marks unrecoverable database corruption. Callers exit with a
	// dedicated code rather than retrying.
	ErrCorrupt = errors.New("state store corrupt")
)

// Store wraps the sqlite state database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the state database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_time_format=sqlite"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Serialize writers; sqlite allows one anyway and this keeps
	// database/sql from queueing on the driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("failed to apply schema: %w", err))
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// classify maps sqlite corruption signatures onto ErrCorrupt so callers can
// distinguish fatal store damage from ordinary operational errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// ListActiveBatches returns ids of batches with status active, id-ascending.
func (s *Store) ListActiveBatches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id FROM active_batches WHERE status = ? ORDER BY batch_id`, StatusActive)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list active batches: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// AddBatch records a newly submitted batch and marks its record keys in
// flight. The insert is all-or-nothing: a duplicate batch id or an already
// in-flight key rolls everything back.
func (s *Store) AddBatch(ctx context.Context, batchID string, recordKeys []string) error {
	if batchID == "" {
		return fmt.Errorf("batch id must be non-empty")
	}
	if len(recordKeys) == 0 {
		return fmt.Errorf("batch %s has no record keys", batchID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_batches WHERE batch_id = ?`, batchID).Scan(&exists)
	if err != nil {
		return classify(err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrBatchExists, batchID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO active_batches (batch_id, status) VALUES (?, ?)`,
		batchID, StatusActive); err != nil {
		return classify(fmt.Errorf("failed to insert batch %s: %w", batchID, err))
	}

	for _, key := range recordKeys {
		var inflight int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM inflight_records WHERE record_key = ?`, key).Scan(&inflight)
		if err != nil {
			return classify(err)
		}
		if inflight > 0 {
			return fmt.Errorf("%w: %s", ErrRecordInflight, key)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_record_keys (batch_id, record_key) VALUES (?, ?)`,
			batchID, key); err != nil {
			return classify(fmt.Errorf("failed to insert membership for %s: %w", key, err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inflight_records (record_key, batch_id) VALUES (?, ?)`,
			key, batchID); err != nil {
			return classify(fmt.Errorf("failed to mark %s in flight: %w", key, err))
		}
	}

	return classify(tx.Commit())
}

// FinalizeBatch transitions an active batch to a terminal status and clears
// its membership and in-flight rows in the same transaction.
func (s *Store) FinalizeBatch(ctx context.Context, batchID string, status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q for batch %s", status, batchID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE active_batches SET status = ?, updated_at = ? WHERE batch_id = ? AND status = ?`,
		status, time.Now().UTC(), batchID, StatusActive)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrBatchNotActive, batchID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM batch_record_keys WHERE batch_id = ?`, batchID); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM inflight_records WHERE batch_id = ?`, batchID); err != nil {
		return classify(err)
	}

	return classify(tx.Commit())
}

// BatchRecordKeys returns the membership of a batch, key-ascending.
func (s *Store) BatchRecordKeys(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key FROM batch_record_keys WHERE batch_id = ? ORDER BY record_key`, batchID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classify(err)
		}
		keys = append(keys, key)
	}
	return keys, classify(rows.Err())
}

// Inflight returns the set of record keys currently in an active batch.
func (s *Store) Inflight(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key, batch_id FROM inflight_records`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	inflight := make(map[string]string)
	for rows.Next() {
		var key, batchID string
		if err := rows.Scan(&key, &batchID); err != nil {
			return nil, classify(err)
		}
		inflight[key] = batchID
	}
	return inflight, classify(rows.Err())
}

// FailureCounts returns a snapshot of all failure counters.
func (s *Store) FailureCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key, count FROM failure_counts`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, classify(err)
		}
		counts[key] = count
	}
	return counts, classify(rows.Err())
}

// BumpFailure increments the failure counter for a record key and returns
// the new value.
func (s *Store) BumpFailure(ctx context.Context, recordKey string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failure_counts (record_key, count, last_updated) VALUES (?, 1, ?)
		ON CONFLICT(record_key) DO UPDATE SET count = count + 1, last_updated = excluded.last_updated`,
		recordKey, time.Now().UTC()); err != nil {
		return 0, classify(fmt.Errorf("failed to bump failure count for %s: %w", recordKey, err))
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count FROM failure_counts WHERE record_key = ?`, recordKey).Scan(&count); err != nil {
		return 0, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

// ResetFilter selects failure counters to delete. Empty fields match all,
// but narrower fields require the broader ones: School needs State, Year
// needs School.
type ResetFilter struct {
	State  string
	School string
	Year   int
}

func (f ResetFilter) validate() error {
	if f.School != "" && f.State == "" {
		return fmt.Errorf("reset filter: school %q requires a state", f.School)
	}
	if f.Year > 0 && f.School == "" {
		return fmt.Errorf("reset filter: year %d requires a school", f.Year)
	}
	return nil
}

// matchPrefix builds the record-key LIKE pattern for the filter. Keys are
// "state:school:year:page"; the filter constrains a prefix of that tuple.
func (f ResetFilter) matchPrefix() (string, bool) {
	if f.State == "" {
		return "", false
	}
	prefix := f.State + ":"
	if f.School != "" {
		prefix += f.School + ":"
		if f.Year > 0 {
			prefix += fmt.Sprintf("%d:", f.Year)
		}
	}
	return prefix, true
}

// ResetFailures deletes failure counters matching the filter and returns the
// number of rows removed. An empty filter clears every counter.
func (s *Store) ResetFailures(ctx context.Context, filter ResetFilter) (int64, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}
	var (
		res sql.Result
		err error
	)
	if prefix, ok := filter.matchPrefix(); ok {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM failure_counts WHERE record_key LIKE ? ESCAPE '\'`,
			escapeLike(prefix)+"%")
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM failure_counts`)
	}
	if err != nil {
		return 0, classify(fmt.Errorf("failed to reset failure counts: %w", err))
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// Nuke clears every table. Operator tool; there is no undo.
func (s *Store) Nuke(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"inflight_records", "batch_record_keys", "active_batches",
		"failure_counts", "failure_logs",
	} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return classify(fmt.Errorf("failed to clear %s: %w", table, err))
		}
	}
	return classify(tx.Commit())
}
