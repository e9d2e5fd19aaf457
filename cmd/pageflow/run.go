package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/registrarlab/pageflow/internal/cliout"
	"github.com/registrarlab/pageflow/internal/config"
	"github.com/registrarlab/pageflow/internal/gateway"
	"github.com/registrarlab/pageflow/internal/ingest"
	"github.com/registrarlab/pageflow/internal/logging"
	"github.com/registrarlab/pageflow/internal/orchestrator"
	"github.com/registrarlab/pageflow/internal/prompts"
	"github.com/registrarlab/pageflow/internal/store"
	"github.com/registrarlab/pageflow/internal/track"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run the orchestrator until all runnable pages are processed",
	Long: `Run one full orchestration: resume any batches left active by a previous
process, then submit, poll and ingest waves of new batches until no active
batches remain and nothing else is runnable.

The run is safe to kill at any point; state lives in the sqlite store and the
output tree, and the next run-once picks up from there.

Examples:
  pageflow run-once
  pageflow run-once --dry-run          # report the first wave without submitting
  pageflow run-once --config prod.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if runDryRun {
			cfg.Execution.DryRun = true
		}

		logger := logging.New(cfg.Logging)

		var apiKey string
		if !cfg.Execution.DryRun {
			apiKey, err = config.APIKey()
			if err != nil {
				return err
			}
		}

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		tmpl, err := prompts.Load(cfg.Prompt.RegistryDir, cfg.Prompt.Name, cfg.Prompt.TemplateFile)
		if err != nil {
			return err
		}

		genJSON, err := json.Marshal(cfg.Model.GenerationConfig)
		if err != nil {
			return fmt.Errorf("failed to encode generation config: %w", err)
		}
		meta := ingest.Metadata{
			ModelName:        cfg.Model.Name,
			PromptName:       cfg.Prompt.Name,
			PromptTemplate:   cfg.Prompt.TemplateFile,
			GenerationConfig: string(genJSON),
		}

		gw := gateway.NewOpenAIGateway(gateway.OpenAIConfig{
			APIKey: apiKey,
			Generation: gateway.GenerationSettings{
				Model:            cfg.Model.Name,
				Temperature:      cfg.Model.GenerationConfig.Temperature,
				MaxOutputTokens:  cfg.Model.GenerationConfig.MaxOutputTokens,
				ResponseMIMEType: cfg.Model.GenerationConfig.ResponseMIMEType,
			},
			UploadRetryAttempts: cfg.Files.UploadRetryAttempts,
			UploadBackoff:       cfg.Files.UploadBackoff(),
			UploadConcurrency:   cfg.Files.UploadConcurrency,
			RequestTimeout:      cfg.Batch.RequestTimeoutDuration(),
			Logger:              logger,
		})

		var yearStart, yearEnd int
		if cfg.Filters.TargetYears != nil {
			yearStart, yearEnd = cfg.Filters.TargetYears.Start, cfg.Filters.TargetYears.End
		}

		orch, err := orchestrator.New(orchestrator.Options{
			Store:                st,
			Gateway:              gw,
			Ingestor:             ingest.New(st, cfg.Paths.OutputDir, meta, logger),
			Prompt:               tmpl,
			Sink:                 track.New(cfg.Tracking.Endpoint, cfg.Tracking.Project, logger),
			Logger:               logger,
			LabelRoot:            cfg.Paths.LabelSourceDir,
			ImageRoot:            cfg.Paths.ImageSourceDir,
			OutputRoot:           cfg.Paths.OutputDir,
			TargetStates:         cfg.Filters.TargetStates,
			YearStart:            yearStart,
			YearEnd:              yearEnd,
			MaxRetries:           cfg.Execution.MaxRetries,
			BatchSizeLimit:       cfg.Execution.BatchSizeLimit,
			MaxConcurrentBatches: cfg.Execution.MaxConcurrentBatches,
			DryRun:               cfg.Execution.DryRun,
			PollInterval:         cfg.Batch.PollInterval(),
			MaxPollAttempts:      cfg.Batch.MaxPollAttempts,
			DisplayNamePrefix:    cfg.Batch.DisplayNamePrefix,
			Meta:                 meta,
		})
		if err != nil {
			return err
		}

		report, runErr := orch.Run(cmd.Context())
		if report != nil {
			if path, err := report.WriteArtifact(cfg.Paths.OutputDir); err != nil {
				logger.Warn("failed to archive run report", "error", err)
			} else {
				logger.Info("run report archived", "path", path)
			}
			if err := cliout.Output(report); err != nil {
				logger.Warn("failed to render run report", "error", err)
			}
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "scan and report the first wave without submitting anything")
}
