package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/crahn-simulator/internal/logging"
	"github.com/signalsfoundry/crahn-simulator/internal/sim"
)

func newValidateCmd(log logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Check a scenario and its datasets without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args[0], nil)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, warnings := cfg.SpectrumManagerWithWarnings()
			for _, w := range warnings {
				log.Warn(cmd.Context(), "spectrum policy fallback", logging.Err(w))
			}
			ds, err := sim.LoadDatasets(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d primary users, %d channels with spectral data)\n",
				args[0], len(cfg.Nodes), len(ds.PrimaryUsers), len(ds.Spectral))
			return nil
		},
	}
}
