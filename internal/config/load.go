package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads configuration from cfgFile (or the default search path when
// empty), applies defaults and environment overrides, validates, and ensures
// the output directory exists.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("execution", map[string]any{
		"max_retries":            defaults.Execution.MaxRetries,
		"batch_size_limit":       defaults.Execution.BatchSizeLimit,
		"max_concurrent_batches": defaults.Execution.MaxConcurrentBatches,
		"dry_run":                defaults.Execution.DryRun,
	})
	v.SetDefault("batch", map[string]any{
		"poll_interval_seconds":   defaults.Batch.PollIntervalSeconds,
		"max_poll_attempts":       defaults.Batch.MaxPollAttempts,
		"display_name_prefix":     defaults.Batch.DisplayNamePrefix,
		"request_timeout_seconds": defaults.Batch.RequestTimeout,
	})
	v.SetDefault("files", map[string]any{
		"upload_retry_attempts":        defaults.Files.UploadRetryAttempts,
		"upload_retry_backoff_seconds": defaults.Files.UploadRetryBackoffSeconds,
		"upload_concurrency":           defaults.Files.UploadConcurrency,
	})
	v.SetDefault("prompt.registry_dir", defaults.Prompt.RegistryDir)
	v.SetDefault("logging", map[string]any{
		"max_size_mb": defaults.Logging.MaxSizeMB,
		"level":       defaults.Logging.Level,
	})
	v.SetDefault("database.path", defaults.Database.Path)

	v.SetEnvPrefix("PAGEFLOW")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pageflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile != "" {
			return nil, fmt.Errorf("config file not found: %s", cfgFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &cfg, nil
}

// APIKey returns the remote-service credential from the environment.
func APIKey() (string, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return "", fmt.Errorf("missing OPENAI_API_KEY in environment")
	}
	return key, nil
}
