package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/registrarlab/pageflow/internal/gateway"
	"github.com/registrarlab/pageflow/internal/ingest"
	"github.com/registrarlab/pageflow/internal/prompts"
	"github.com/registrarlab/pageflow/internal/store"
	"github.com/registrarlab/pageflow/internal/track"
)

const validPage = `{
  "raw_ocr": {
    "text_blocks": [
      {"block_id": 1, "position": "top", "text": "GREEK. Advanced reading.", "font_style": "roman"}
    ],
    "layout_description": "single column"
  },
  "page_info": {"page_number": "1", "is_complete_page": true, "content_type": "course_listings"},
  "school_name": "Howard College",
  "catalog_year": "1849",
  "academic_year": "1849-50",
  "courses": [
    {"course_name": "Greek", "department": "Classics", "level": "3", "term": "Fall"}
  ]
}`

// fakeGateway runs batches in memory. By default a submitted batch is
// immediately pollable as succeeded, with a valid page for every key.
type fakeGateway struct {
	mu          sync.Mutex
	nextID      int
	states      map[string]gateway.State
	results     map[string][]gateway.RecordResult
	submissions [][]string
	promptByKey map[string]string

	submitErr        error
	failNextTerminal bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		states:      make(map[string]gateway.State),
		results:     make(map[string][]gateway.RecordResult),
		promptByKey: make(map[string]string),
	}
}

func (f *fakeGateway) Submit(_ context.Context, _ string, payloads []gateway.RecordPayload) (gateway.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return gateway.SubmitResult{}, f.submitErr
	}

	f.nextID++
	id := fmt.Sprintf("batch-%03d", f.nextID)

	keys := make([]string, 0, len(payloads))
	var results []gateway.RecordResult
	for _, p := range payloads {
		keys = append(keys, p.Key)
		f.promptByKey[p.Key] = p.Prompt
		results = append(results, gateway.RecordResult{Key: p.Key, Text: validPage})
	}
	f.submissions = append(f.submissions, keys)

	if f.failNextTerminal {
		f.failNextTerminal = false
		f.states[id] = gateway.StateFailed
	} else {
		f.states[id] = gateway.StateSucceeded
		f.results[id] = results
	}
	return gateway.SubmitResult{BatchID: id, Submitted: keys}, nil
}

func (f *fakeGateway) Poll(_ context.Context, batchID string) (gateway.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[batchID]
	if !ok {
		return "", fmt.Errorf("unknown batch %s", batchID)
	}
	return state, nil
}

func (f *fakeGateway) Download(_ context.Context, batchID string) ([]gateway.RecordResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[batchID], nil
}

type harness struct {
	store      *store.Store
	gw         *fakeGateway
	labelRoot  string
	outputRoot string
	opts       Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	labelRoot := filepath.Join(dir, "labels")
	imageRoot := filepath.Join(dir, "images")
	outputRoot := filepath.Join(dir, "output")
	for _, d := range []string{labelRoot, imageRoot, outputRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	registry := filepath.Join(dir, "registry")
	promptDir := filepath.Join(registry, "catalog-ocr")
	if err := os.MkdirAll(promptDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "Extract the page.\n{{if .PreviousContext}}CONTEXT:\n{{.PreviousContext}}{{end}}"
	if err := os.WriteFile(filepath.Join(promptDir, "extract.tmpl"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	tmpl, err := prompts.Load(registry, "catalog-ocr", "extract.tmpl")
	if err != nil {
		t.Fatal(err)
	}

	gw := newFakeGateway()
	return &harness{
		store:      st,
		gw:         gw,
		labelRoot:  labelRoot,
		outputRoot: outputRoot,
		opts: Options{
			Store:                st,
			Gateway:              gw,
			Ingestor:             ingest.New(st, outputRoot, ingest.Metadata{ModelName: "gpt-4o"}, nil),
			Prompt:               tmpl,
			Sink:                 track.Noop{},
			LabelRoot:            labelRoot,
			ImageRoot:            imageRoot,
			OutputRoot:           outputRoot,
			MaxRetries:           3,
			BatchSizeLimit:       100,
			MaxConcurrentBatches: 1,
			PollInterval:         time.Millisecond,
			MaxPollAttempts:      5,
		},
	}
}

func (h *harness) addLabel(t *testing.T, state, school string, year, page int) {
	t.Helper()
	dir := filepath.Join(h.labelRoot, state, school, fmt.Sprint(year))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.json", page)), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) run(t *testing.T) *Report {
	t.Helper()
	orch, err := New(h.opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return report
}

func (h *harness) outputExists(state, school string, year, page int) bool {
	_, err := os.Stat(filepath.Join(h.outputRoot, state, school, fmt.Sprint(year), fmt.Sprintf("%d.json", page)))
	return err == nil
}

func TestRunDrainsDependentBooks(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	h.addLabel(t, "AL", "Howard", 1849, 2)
	h.addLabel(t, "CA", "Lincoln", 2023, 1)
	h.addLabel(t, "CA", "Lincoln", 2023, 2)
	h.opts.MaxConcurrentBatches = 2
	h.opts.BatchSizeLimit = 1

	report := h.run(t)

	for _, p := range []struct {
		state, school string
		year, page    int
	}{
		{"AL", "Howard", 1849, 1}, {"AL", "Howard", 1849, 2},
		{"CA", "Lincoln", 2023, 1}, {"CA", "Lincoln", 2023, 2},
	} {
		if !h.outputExists(p.state, p.school, p.year, p.page) {
			t.Errorf("missing output for %s:%s:%d:%d", p.state, p.school, p.year, p.page)
		}
	}
	if report.BatchesSubmitted != 4 || report.BatchesCompleted != 4 {
		t.Errorf("report = %+v", report)
	}

	// First two bundles are the first page of each book; second pages wait on
	// their predecessors.
	if len(h.gw.submissions) < 2 {
		t.Fatalf("submissions = %v", h.gw.submissions)
	}
	first := strings.Join(append(h.gw.submissions[0], h.gw.submissions[1]...), ",")
	if !strings.Contains(first, "AL:Howard:1849:1") || !strings.Contains(first, "CA:Lincoln:2023:1") {
		t.Errorf("first wave = %v", h.gw.submissions[:2])
	}

	active, _ := h.store.ListActiveBatches(context.Background())
	if len(active) != 0 {
		t.Errorf("active batches remain: %v", active)
	}
	inflight, _ := h.store.Inflight(context.Background())
	if len(inflight) != 0 {
		t.Errorf("inflight remain: %v", inflight)
	}
}

func TestPreviousPageContextIsThreaded(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	h.addLabel(t, "AL", "Howard", 1849, 2)

	h.run(t)

	first := h.gw.promptByKey["AL:Howard:1849:1"]
	if strings.Contains(first, "CONTEXT:") {
		t.Errorf("first page should have no previous context: %q", first)
	}
	second := h.gw.promptByKey["AL:Howard:1849:2"]
	if !strings.Contains(second, "LAST_500_CHARS:") || !strings.Contains(second, "Advanced reading") {
		t.Errorf("second page missing previous context: %q", second)
	}
}

func TestBatchTerminalFailureDoesNotBumpCounters(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	h.gw.failNextTerminal = true

	report := h.run(t)

	// The failed batch is resubmitted on the next wave and succeeds.
	if !h.outputExists("AL", "Howard", 1849, 1) {
		t.Error("output missing after resubmission")
	}
	if report.BatchesFailed != 1 || report.BatchesCompleted != 1 {
		t.Errorf("report = %+v", report)
	}

	ctx := context.Background()
	counts, _ := h.store.FailureCounts(ctx)
	if len(counts) != 0 {
		t.Errorf("batch-level failure must not bump counters: %v", counts)
	}
	kinds, err := h.store.CountByErrorKind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, kc := range kinds {
		if kc.ErrorKind == KindBatchTerminalFailure {
			found = true
		}
	}
	if !found {
		t.Errorf("expected batch_terminal_failure log row, got %v", kinds)
	}
}

func TestCrashRecoveryResumesCommittedBatch(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	ctx := context.Background()

	// Simulate a previous process that committed the batch rows and died
	// before servicing it. The remote side reports success.
	key := "AL:Howard:1849:1"
	if err := h.store.AddBatch(ctx, "b-orphan", []string{key}); err != nil {
		t.Fatal(err)
	}
	h.gw.states["b-orphan"] = gateway.StateSucceeded
	h.gw.results["b-orphan"] = []gateway.RecordResult{{Key: key, Text: validPage}}

	report := h.run(t)

	if !h.outputExists("AL", "Howard", 1849, 1) {
		t.Error("recovered batch should produce output")
	}
	if report.BatchesCompleted != 1 || report.BatchesSubmitted != 0 {
		t.Errorf("report = %+v", report)
	}
	counts, _ := h.store.FailureCounts(ctx)
	if len(counts) != 0 {
		t.Errorf("unexpected counter bumps: %v", counts)
	}
}

func TestCrashRecoveryRemoteFailure(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	ctx := context.Background()

	key := "AL:Howard:1849:1"
	if err := h.store.AddBatch(ctx, "b-orphan", []string{key}); err != nil {
		t.Fatal(err)
	}
	h.gw.states["b-orphan"] = gateway.StateExpired

	report := h.run(t)

	// No counter bump for the batch-level failure; the key was eligible again
	// and the resubmission succeeded.
	if !h.outputExists("AL", "Howard", 1849, 1) {
		t.Error("output missing after recovery resubmission")
	}
	if report.BatchesFailed != 1 {
		t.Errorf("report = %+v", report)
	}
	counts, _ := h.store.FailureCounts(ctx)
	if len(counts) != 0 {
		t.Errorf("unexpected counter bumps: %v", counts)
	}
}

func TestWholeBundleSubmissionFailure(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	h.gw.submitErr = fmt.Errorf("upload rejected")
	h.opts.MaxPollAttempts = 2

	orch, err := New(h.opts)
	if err != nil {
		t.Fatal(err)
	}
	report, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("persistent submission failure should surface as a run error")
	}
	if report.SubmissionFailures == 0 {
		t.Errorf("report = %+v", report)
	}

	ctx := context.Background()
	inflight, _ := h.store.Inflight(ctx)
	if len(inflight) != 0 {
		t.Errorf("failed submission must not mark records in flight: %v", inflight)
	}
	counts, _ := h.store.FailureCounts(ctx)
	if len(counts) != 0 {
		t.Errorf("failed submission must not bump counters: %v", counts)
	}
	kinds, _ := h.store.CountByErrorKind(ctx)
	found := false
	for _, kc := range kinds {
		if kc.ErrorKind == KindSubmissionFailure {
			found = true
		}
	}
	if !found {
		t.Errorf("expected submission_failure rows, got %v", kinds)
	}
}

func TestZeroBatchSizeLimitDefaults(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	h.addLabel(t, "CA", "Lincoln", 2023, 1)
	h.opts.BatchSizeLimit = 0

	report := h.run(t)

	// Both independent first pages fit one bundle; a zero limit must not
	// degrade to one-record batches.
	if report.BatchesSubmitted != 1 {
		t.Errorf("batches submitted: got %d, want 1", report.BatchesSubmitted)
	}
	if len(h.gw.submissions) != 1 || len(h.gw.submissions[0]) != 2 {
		t.Errorf("submissions = %v", h.gw.submissions)
	}
}

func TestDryRunSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)
	h.addLabel(t, "AL", "Howard", 1849, 2)
	h.opts.DryRun = true

	report := h.run(t)

	if report.RecordsPlanned != 1 {
		t.Errorf("planned = %d, want 1", report.RecordsPlanned)
	}
	if len(h.gw.submissions) != 0 {
		t.Errorf("dry run must not submit: %v", h.gw.submissions)
	}
	active, _ := h.store.ListActiveBatches(context.Background())
	if len(active) != 0 {
		t.Errorf("dry run must not mutate the store: %v", active)
	}
}

func TestDeadLetterExcludedUntilReset(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "CA", "Lincoln", 2023, 4)
	ctx := context.Background()

	key := "CA:Lincoln:2023:4"
	for i := 0; i < 4; i++ {
		if _, err := h.store.BumpFailure(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	report := h.run(t)
	if len(h.gw.submissions) != 0 || report.BatchesSubmitted != 0 {
		t.Errorf("dead-lettered key must not be submitted: %v", h.gw.submissions)
	}

	if _, err := h.store.ResetFailures(ctx, store.ResetFilter{State: "CA"}); err != nil {
		t.Fatal(err)
	}
	report = h.run(t)
	if report.BatchesSubmitted != 1 || !h.outputExists("CA", "Lincoln", 2023, 4) {
		t.Errorf("reset key should run: %+v", report)
	}
}

func TestReportArtifact(t *testing.T) {
	h := newHarness(t)
	h.addLabel(t, "AL", "Howard", 1849, 1)

	report := h.run(t)
	path, err := report.WriteArtifact(h.outputRoot)
	if err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "batches_submitted: 1") {
		t.Errorf("artifact content: %s", data)
	}
}
