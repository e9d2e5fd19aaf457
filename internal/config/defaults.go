package config

// DefaultConfig returns the built-in defaults. Paths, filters, model and
// prompt settings have no sensible defaults and must come from the file.
func DefaultConfig() Config {
	return Config{
		Execution: ExecutionConfig{
			MaxRetries:           3,
			BatchSizeLimit:       100,
			MaxConcurrentBatches: 1,
		},
		Batch: BatchConfig{
			PollIntervalSeconds: 10,
			MaxPollAttempts:     360,
			DisplayNamePrefix:   "ocr-batch-job",
			RequestTimeout:      120,
		},
		Files: FilesConfig{
			UploadRetryAttempts:       3,
			UploadRetryBackoffSeconds: 2.0,
			UploadConcurrency:         4,
		},
		Prompt: PromptConfig{
			RegistryDir: "prompts",
		},
		Logging: LoggingConfig{
			MaxSizeMB: 50,
			Level:     "info",
		},
		Database: DatabaseConfig{
			Path: "data/pageflow.db",
		},
	}
}
