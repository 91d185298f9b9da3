// jobgate is the pre-job security gate and credential-provisioning hook for
// the self-hosted runner fleet. The runner invokes one subcommand per
// lifecycle event; the process exit status is the whole contract: 0 lets
// the job proceed, anything else cancels it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/runnerfleet/jobgate/internal/platform/env"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

// exitError carries a specific exit code through cobra's RunE plumbing.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).
		With("invocation_id", uuid.NewString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "jobgate",
		Short:         "Pre-job security gate and registry credential broker for CI runners",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if path := env.String("JOBGATE_ENV_FILE", ""); path != "" {
				if err := env.LoadFile(path); err != nil {
					return &exitError{code: exitConfig, msg: err.Error()}
				}
			}
			return nil
		},
	}
	rootCmd.AddCommand(newScanCmd(logger))
	rootCmd.AddCommand(newCredentialsCmd(logger))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := exitRuntime
		if exitErr, ok := err.(*exitError); ok {
			code = exitErr.code
		}
		logger.Error("jobgate failed", "error", err)
		os.Exit(code)
	}
}
