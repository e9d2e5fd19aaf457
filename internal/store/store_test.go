package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddBatchAndListActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"AL:Howard:1849:1", "AL:Howard:1849:2"}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	active, err := s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatalf("ListActiveBatches: %v", err)
	}
	if len(active) != 1 || active[0] != "b1" {
		t.Errorf("active batches: got %v", active)
	}

	inflight, err := s.Inflight(ctx)
	if err != nil {
		t.Fatalf("Inflight: %v", err)
	}
	if len(inflight) != 2 {
		t.Errorf("inflight: got %d keys", len(inflight))
	}
	if inflight["AL:Howard:1849:1"] != "b1" {
		t.Errorf("inflight mapping: got %q", inflight["AL:Howard:1849:1"])
	}

	keys, err := s.BatchRecordKeys(ctx, "b1")
	if err != nil {
		t.Fatalf("BatchRecordKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("membership: got %v", keys)
	}
}

func TestAddBatchDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"k1"}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	err := s.AddBatch(ctx, "b1", []string{"k2"})
	if !errors.Is(err, ErrBatchExists) {
		t.Fatalf("expected ErrBatchExists, got %v", err)
	}

	// k2 must not have leaked in.
	inflight, err := s.Inflight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inflight["k2"]; ok {
		t.Error("rolled-back key leaked into inflight_records")
	}
}

func TestAddBatchInflightConflictRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"k1"}); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	err := s.AddBatch(ctx, "b2", []string{"k2", "k1"})
	if !errors.Is(err, ErrRecordInflight) {
		t.Fatalf("expected ErrRecordInflight, got %v", err)
	}

	active, err := s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("b2 should not exist after rollback, active: %v", active)
	}
	inflight, err := s.Inflight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inflight["k2"]; ok {
		t.Error("k2 should have been rolled back")
	}
}

func TestFinalizeBatchClearsRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"k1", "k2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeBatch(ctx, "b1", StatusCompleted); err != nil {
		t.Fatalf("FinalizeBatch: %v", err)
	}

	active, err := s.ListActiveBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("finalized batch still active: %v", active)
	}
	inflight, err := s.Inflight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(inflight) != 0 {
		t.Errorf("inflight rows remain after finalize: %v", inflight)
	}
	keys, err := s.BatchRecordKeys(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("membership rows remain after finalize: %v", keys)
	}

	// Replaying finalization must fail, not silently succeed.
	if err := s.FinalizeBatch(ctx, "b1", StatusCompleted); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("expected ErrBatchNotActive on replay, got %v", err)
	}
}

func TestFinalizeBatchRejectsNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"k1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeBatch(ctx, "b1", StatusActive); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestBumpFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := s.BumpFailure(ctx, "k1")
		if err != nil {
			t.Fatalf("BumpFailure: %v", err)
		}
		if got != want {
			t.Errorf("bump %d: got %d", want, got)
		}
	}

	counts, err := s.FailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["k1"] != 3 {
		t.Errorf("FailureCounts: got %d", counts["k1"])
	}
}

func TestResetFailuresByFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{
		"CA:Lincoln:2023:4",
		"CA:Lincoln:2024:1",
		"CA:Washington:2023:1",
		"AL:Howard:1849:1",
	} {
		if _, err := s.BumpFailure(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ResetFailures(ctx, ResetFilter{State: "CA", School: "Lincoln", Year: 2023})
	if err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}
	if n != 1 {
		t.Errorf("year-scoped reset: got %d rows", n)
	}

	n, err = s.ResetFailures(ctx, ResetFilter{State: "CA"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("state-scoped reset: got %d rows", n)
	}

	counts, err := s.FailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts["AL:Howard:1849:1"] != 1 {
		t.Errorf("remaining counts: %v", counts)
	}

	// A school or year without its broader fields must not fall through to
	// a full reset.
	if _, err := s.ResetFailures(ctx, ResetFilter{School: "Howard"}); err == nil {
		t.Error("school without state should be rejected")
	}
	if _, err := s.ResetFailures(ctx, ResetFilter{State: "AL", Year: 1849}); err == nil {
		t.Error("year without school should be rejected")
	}
	counts, err = s.FailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 {
		t.Errorf("rejected filters must not delete rows: %v", counts)
	}

	// Empty filter clears everything.
	if _, err := s.ResetFailures(ctx, ResetFilter{}); err != nil {
		t.Fatal(err)
	}
	counts, err = s.FailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Errorf("counts after full reset: %v", counts)
	}
}

func TestFailureLogAnalysis(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []FailureLogRow{
		{RecordKey: "k1", BatchID: "b1", AttemptNumber: 1, ErrorKind: "service_error", ErrorMessage: "boom"},
		{RecordKey: "k1", BatchID: "b2", AttemptNumber: 2, ErrorKind: "schema_validation_error", ErrorMessage: "bad shape"},
		{RecordKey: "k2", BatchID: "b1", AttemptNumber: 1, ErrorKind: "service_error", ErrorMessage: "boom again"},
	}
	for _, row := range rows {
		if err := s.AppendFailureLog(ctx, row); err != nil {
			t.Fatalf("AppendFailureLog: %v", err)
		}
	}
	for _, key := range []string{"k1", "k1", "k2"} {
		if _, err := s.BumpFailure(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	kinds, err := s.CountByErrorKind(ctx)
	if err != nil {
		t.Fatalf("CountByErrorKind: %v", err)
	}
	if len(kinds) != 2 || kinds[0].ErrorKind != "service_error" || kinds[0].Count != 2 {
		t.Errorf("kind histogram: %+v", kinds)
	}

	top, err := s.TopFailingRecords(ctx, 5)
	if err != nil {
		t.Fatalf("TopFailingRecords: %v", err)
	}
	if len(top) != 2 || top[0].RecordKey != "k1" || top[0].Count != 2 {
		t.Errorf("top failing: %+v", top)
	}
	if top[0].LastKind != "schema_validation_error" {
		t.Errorf("last kind for k1: got %q", top[0].LastKind)
	}
}

func TestNukeClearsEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddBatch(ctx, "b1", []string{"k1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BumpFailure(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFailureLog(ctx, FailureLogRow{RecordKey: "k2", BatchID: "b0", AttemptNumber: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.Nuke(ctx); err != nil {
		t.Fatalf("Nuke: %v", err)
	}

	active, _ := s.ListActiveBatches(ctx)
	inflight, _ := s.Inflight(ctx)
	counts, _ := s.FailureCounts(ctx)
	kinds, _ := s.CountByErrorKind(ctx)
	if len(active)+len(inflight)+len(counts)+len(kinds) != 0 {
		t.Errorf("state remains after nuke: %v %v %v %v", active, inflight, counts, kinds)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddBatch(ctx, "b1", []string{"k1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	active, err := s2.ListActiveBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != "b1" {
		t.Errorf("batch lost across reopen: %v", active)
	}
}
