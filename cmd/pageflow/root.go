package main

import (
	"github.com/spf13/cobra"

	"github.com/registrarlab/pageflow/internal/cliout"
	"github.com/registrarlab/pageflow/version"
)

var (
	cfgFile      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pageflow",
	Short: "Crash-safe orchestrator for batched catalog-page extraction",
	Long: `Pageflow turns scanned course-catalog pages into structured JSON using a
remote batch-inference service.

Pages are grouped into books (state/school/year); each page depends on its
predecessor's validated output. Pageflow scans the label tree for runnable
pages, submits them in batches, polls until they finish, validates the
results, and records every failure in a local sqlite state store so a killed
run resumes exactly where it left off.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.pageflow/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cliout.SetFormat(outputFormat)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)
}
