package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/runnerfleet/jobgate/internal/broker"
)

func newCredentialsCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "credentials",
		Short: "Mint short-lived registry credentials and install a local credential store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.With("hook", "job-prepare")
			cfg, err := broker.ConfigFromEnv()
			if err != nil {
				return &exitError{code: exitConfig, msg: err.Error()}
			}
			if err := broker.New(cfg, log).Run(cmd.Context()); err != nil {
				return fmt.Errorf("credential pipeline: %w", err)
			}
			return nil
		},
	}
}
