package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/registrarlab/pageflow/internal/cliout"
	"github.com/registrarlab/pageflow/internal/config"
	"github.com/registrarlab/pageflow/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "State database maintenance",
}

var nukeConfirmed bool

var dbNukeCmd = &cobra.Command{
	Use:   "nuke",
	Short: "Erase all orchestration state (batches, counters, failure log)",
	Long: `Erase every row in the state database. Output files are untouched, so the
next run re-derives Done pages from the output tree; everything else starts
over. There is no undo.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !nukeConfirmed {
			return fmt.Errorf("refusing to erase state without --yes")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Nuke(cmd.Context()); err != nil {
			return err
		}
		return cliout.Output(map[string]any{"nuked": st.Path()})
	},
}

func init() {
	dbNukeCmd.Flags().BoolVar(&nukeConfirmed, "yes", false, "confirm the erase")
	dbCmd.AddCommand(dbNukeCmd)
}
