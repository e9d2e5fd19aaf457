package main

import (
	"github.com/spf13/cobra"

	"github.com/registrarlab/pageflow/internal/cliout"
	"github.com/registrarlab/pageflow/internal/config"
	"github.com/registrarlab/pageflow/internal/store"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and manage failure counters and the failure log",
}

var (
	resetState  string
	resetSchool string
	resetYear   int
)

var failuresResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset failure counters, releasing dead-lettered pages",
	Long: `Reset failure counters so dead-lettered pages become eligible again.

The filter narrows by prefix: --state alone resets a whole state, adding
--school narrows to one school, adding --year to one book. With no flags
every counter is cleared.

Examples:
  pageflow failures reset --state CA
  pageflow failures reset --state AL --school Howard --year 1849`,
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

		removed, err := st.ResetFailures(cmd.Context(), store.ResetFilter{
			State:  resetState,
			School: resetSchool,
			Year:   resetYear,
		})
		if err != nil {
			return err
		}
		return cliout.Output(map[string]any{"counters_reset": removed})
	},
}

var analyzeLimit int

type failureAnalysis struct {
	ByKind     []store.KindCount     `json:"by_kind" yaml:"by_kind"`
	TopRecords []store.FailingRecord `json:"top_records" yaml:"top_records"`
}

var failuresAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize the failure log by error kind and worst records",
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
		kinds, err := st.CountByErrorKind(ctx)
		if err != nil {
			return err
		}
		top, err := st.TopFailingRecords(ctx, analyzeLimit)
		if err != nil {
			return err
		}

		if kinds == nil {
			kinds = []store.KindCount{}
		}
		if top == nil {
			top = []store.FailingRecord{}
		}
		return cliout.Output(failureAnalysis{ByKind: kinds, TopRecords: top})
	},
}

func init() {
	failuresResetCmd.Flags().StringVar(&resetState, "state", "", "limit the reset to one state")
	failuresResetCmd.Flags().StringVar(&resetSchool, "school", "", "limit the reset to one school (requires --state)")
	failuresResetCmd.Flags().IntVar(&resetYear, "year", 0, "limit the reset to one year (requires --school)")

	failuresAnalyzeCmd.Flags().IntVar(&analyzeLimit, "limit", 10, "number of worst records to show")

	failuresCmd.AddCommand(failuresResetCmd)
	failuresCmd.AddCommand(failuresAnalyzeCmd)
}
