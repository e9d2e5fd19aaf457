package main

import (
	"github.com/spf13/cobra"

	"github.com/registrarlab/pageflow/internal/cliout"
	"github.com/registrarlab/pageflow/internal/config"
	"github.com/registrarlab/pageflow/internal/store"
)

type statusReport struct {
	DatabasePath    string   `json:"database_path" yaml:"database_path"`
	ActiveBatches   []string `json:"active_batches" yaml:"active_batches"`
	InflightRecords int      `json:"inflight_records" yaml:"inflight_records"`
	FailureCounters int      `json:"failure_counters" yaml:"failure_counters"`
	DeadLetters     int      `json:"dead_letters" yaml:"dead_letters"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show state-store status: active batches, in-flight records, dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		active, err := st.ListActiveBatches(ctx)
		if err != nil {
			return err
		}
		inflight, err := st.Inflight(ctx)
		if err != nil {
			return err
		}
		counts, err := st.FailureCounts(ctx)
		if err != nil {
			return err
		}

		dead := 0
		for _, count := range counts {
			if count > cfg.Execution.MaxRetries {
				dead++
			}
		}

		if active == nil {
			active = []string{}
		}
		return cliout.Output(statusReport{
			DatabasePath:    st.Path(),
			ActiveBatches:   active,
			InflightRecords: len(inflight),
			FailureCounters: len(counts),
			DeadLetters:     dead,
		})
	},
}
