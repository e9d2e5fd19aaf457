// Package config loads and validates pageflow configuration from a YAML file
// with PAGEFLOW_-prefixed environment overrides. Remote-service credentials
// are never part of the file; they come from the environment only.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for a pageflow run.
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Model     ModelConfig     `mapstructure:"model"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Files     FilesConfig     `mapstructure:"files"`
	Prompt    PromptConfig    `mapstructure:"prompt"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// PathsConfig locates the filesystem roots the orchestrator works over.
// Label and image roots are read-only; only output_dir is ever written.
type PathsConfig struct {
	LabelSourceDir string `mapstructure:"label_source_dir"`
	ImageSourceDir string `mapstructure:"image_source_dir"`
	OutputDir      string `mapstructure:"output_dir"`
}

// FiltersConfig restricts the workload by state and year.
type FiltersConfig struct {
	TargetStates []string     `mapstructure:"target_states"`
	TargetYears  *TargetYears `mapstructure:"target_years"`
}

// TargetYears is an inclusive year range.
type TargetYears struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// ExecutionConfig bounds scheduling.
type ExecutionConfig struct {
	MaxRetries           int  `mapstructure:"max_retries"`
	BatchSizeLimit       int  `mapstructure:"batch_size_limit"`
	MaxConcurrentBatches int  `mapstructure:"max_concurrent_batches"`
	DryRun               bool `mapstructure:"dry_run"`
}

// GenerationConfig tunes model sampling. Zero values mean "provider default".
type GenerationConfig struct {
	Temperature      float64 `mapstructure:"temperature"`
	MaxOutputTokens  int     `mapstructure:"max_output_tokens"`
	ResponseMIMEType string  `mapstructure:"response_mime_type"`
}

// ModelConfig names the remote model.
type ModelConfig struct {
	Name             string           `mapstructure:"name"`
	GenerationConfig GenerationConfig `mapstructure:"generation_config"`
}

// BatchConfig tunes the remote batch lifecycle.
type BatchConfig struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxPollAttempts     int    `mapstructure:"max_poll_attempts"`
	DisplayNamePrefix   string `mapstructure:"display_name_prefix"`
	RequestTimeout      int    `mapstructure:"request_timeout_seconds"`
}

// FilesConfig tunes upload behavior.
type FilesConfig struct {
	UploadRetryAttempts       int     `mapstructure:"upload_retry_attempts"`
	UploadRetryBackoffSeconds float64 `mapstructure:"upload_retry_backoff_seconds"`
	UploadConcurrency         int     `mapstructure:"upload_concurrency"`
}

// PromptConfig locates the prompt template in the registry.
type PromptConfig struct {
	RegistryDir  string `mapstructure:"registry_dir"`
	Name         string `mapstructure:"name"`
	TemplateFile string `mapstructure:"template_file"`
}

// LoggingConfig optionally routes the structured log stream to a rotating file.
type LoggingConfig struct {
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	Level     string `mapstructure:"level"`
}

// TrackingConfig configures the optional observability sink. An empty
// endpoint disables tracking entirely.
type TrackingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Project  string `mapstructure:"project"`
}

// DatabaseConfig locates the state-store file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PollInterval returns the poll interval as a duration.
func (b BatchConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// RequestTimeoutDuration bounds a single gateway network operation.
func (b BatchConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// UploadBackoff returns the base backoff as a duration.
func (f FilesConfig) UploadBackoff() time.Duration {
	return time.Duration(f.UploadRetryBackoffSeconds * float64(time.Second))
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. Configuration errors are fatal at startup.
func (c *Config) Validate() error {
	if c.Paths.LabelSourceDir == "" || c.Paths.ImageSourceDir == "" || c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.label_source_dir, paths.image_source_dir and paths.output_dir are required")
	}
	for _, dir := range []string{c.Paths.LabelSourceDir, c.Paths.ImageSourceDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		if !info.IsDir() {
			return fmt.Errorf("not a directory: %s", dir)
		}
	}
	if c.Filters.TargetYears != nil && c.Filters.TargetYears.End < c.Filters.TargetYears.Start {
		return fmt.Errorf("filters.target_years.end must be >= filters.target_years.start")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must be >= 0")
	}
	if c.Execution.BatchSizeLimit < 1 {
		return fmt.Errorf("execution.batch_size_limit must be >= 1")
	}
	if c.Execution.MaxConcurrentBatches < 1 {
		return fmt.Errorf("execution.max_concurrent_batches must be >= 1")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Batch.PollIntervalSeconds < 1 {
		return fmt.Errorf("batch.poll_interval_seconds must be >= 1")
	}
	if c.Batch.MaxPollAttempts < 1 {
		return fmt.Errorf("batch.max_poll_attempts must be >= 1")
	}
	if c.Files.UploadRetryAttempts < 1 {
		return fmt.Errorf("files.upload_retry_attempts must be >= 1")
	}
	if c.Files.UploadRetryBackoffSeconds < 0 {
		return fmt.Errorf("files.upload_retry_backoff_seconds must be >= 0")
	}
	if c.Files.UploadConcurrency < 1 {
		return fmt.Errorf("files.upload_concurrency must be >= 1")
	}
	if c.Prompt.Name == "" || c.Prompt.TemplateFile == "" {
		return fmt.Errorf("prompt.name and prompt.template_file are required")
	}
	return nil
}
