package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/registrarlab/pageflow/internal/ingest"
)

// Report summarizes one orchestrator run. It is returned to the CLI and
// archived as a YAML artifact next to the output tree.
type Report struct {
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	DryRun     bool      `json:"dry_run" yaml:"dry_run"`

	Waves              int `json:"waves" yaml:"waves"`
	BatchesSubmitted   int `json:"batches_submitted" yaml:"batches_submitted"`
	BatchesCompleted   int `json:"batches_completed" yaml:"batches_completed"`
	BatchesFailed      int `json:"batches_failed" yaml:"batches_failed"`
	RecordsSubmitted   int `json:"records_submitted" yaml:"records_submitted"`
	RecordsPlanned     int `json:"records_planned,omitempty" yaml:"records_planned,omitempty"`
	SubmissionFailures int `json:"submission_failures" yaml:"submission_failures"`

	Ingest ingest.Summary `json:"ingest" yaml:"ingest"`
}

// WriteArtifact archives the report under outputRoot/_waves and returns the
// written path.
func (r *Report) WriteArtifact(outputRoot string) (string, error) {
	dir := filepath.Join(outputRoot, "_waves")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create wave archive directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}

	path := filepath.Join(dir, "run-"+r.StartedAt.Format("20060102-150405")+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write run report: %w", err)
	}
	return path, nil
}
