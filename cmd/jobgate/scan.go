package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/runnerfleet/jobgate/internal/alert"
	"github.com/runnerfleet/jobgate/internal/evidence"
	"github.com/runnerfleet/jobgate/internal/githubapp"
	"github.com/runnerfleet/jobgate/internal/platform/env"
	"github.com/runnerfleet/jobgate/internal/runctx"
	"github.com/runnerfleet/jobgate/internal/scan"
	"github.com/runnerfleet/jobgate/internal/workflow"
)

func newScanCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the run's workflow files for suspicious patterns before the first step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), logger.With("hook", "job-started"))
		},
	}
}

func runScan(ctx context.Context, logger *slog.Logger) error {
	identity := runctx.FromEnv()
	if err := identity.Validate(); err != nil {
		return &exitError{code: exitConfig, msg: err.Error()}
	}
	logger = logger.With("repository", identity.Repository, "run_id", identity.RunID)

	appCfg, err := githubapp.ConfigFromEnv()
	if err != nil {
		return &exitError{code: exitConfig, msg: err.Error()}
	}
	minter, err := githubapp.NewMinter(appCfg)
	if err != nil {
		return &exitError{code: exitConfig, msg: err.Error()}
	}

	rules := scan.DefaultRules()
	if path := strings.TrimSpace(env.String("JOBGATE_RULES_FILE", "")); path != "" {
		rules, err = scan.LoadRules(path)
		if err != nil {
			return &exitError{code: exitConfig, msg: err.Error()}
		}
		logger.Info("loaded rule policy", "path", path, "rules", len(rules))
	}
	concurrency, err := env.Int("JOBGATE_SCAN_CONCURRENCY", 0)
	if err != nil {
		return &exitError{code: exitConfig, msg: err.Error()}
	}

	// Everything past this point is a runtime failure: the configuration is
	// sound and the gate is on the job's critical path.
	token, err := minter.InstallationToken(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("mint installation token: %w", err)
	}

	dir, err := os.MkdirTemp("", "jobgate-workflows-")
	if err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	resolver := workflow.NewResolver(ctx, appCfg.APIBaseURL, identity.Repository, token, logger)
	if concurrency > 0 {
		resolver.SetConcurrency(concurrency)
	}
	res, err := resolver.Resolve(ctx, identity.RunID, identity.SHA, dir)
	if err != nil {
		return fmt.Errorf("resolve workflows: %w", err)
	}
	logger.Info("workflows resolved",
		"downloaded", len(res.Provenance), "failed", len(res.Failures))

	findings, err := scan.Scan(res.Dir, rules, res.Provenance)
	if err != nil {
		return fmt.Errorf("scan workflows: %w", err)
	}

	uploadEvidence(ctx, logger, identity, res, findings)

	if len(findings) == 0 {
		logger.Info("scan clean, job may proceed")
		return nil
	}

	for _, f := range findings {
		logger.Warn("suspicious pattern", "rule", f.Rule, "file", f.File,
			"source_repo", f.SourceRepo, "lines", f.Lines)
	}
	notifier := alert.NewNotifier(ctx, appCfg.APIBaseURL, identity.Repository, token,
		splitList(env.String("JOBGATE_ALERT_LABELS", "")),
		splitList(env.String("JOBGATE_ALERT_ASSIGNEES", "")))
	if err := notifier.Post(ctx, identity.RefName(), findings); err != nil {
		// The abort stands with or without the alert.
		logger.Error("alert delivery failed", "error", err)
	}
	return fmt.Errorf("aborting job: %d suspicious pattern(s) in workflow files", len(findings))
}

// uploadEvidence captures the scanned files when an evidence store is
// configured. Any failure here is logged and swallowed; evidence never
// changes the verdict.
func uploadEvidence(ctx context.Context, logger *slog.Logger, identity runctx.Identity, res workflow.Resolution, findings []scan.Finding) {
	cfg, err := evidence.ConfigFromEnv()
	if err != nil {
		logger.Warn("evidence store misconfigured, skipping capture", "error", err)
		return
	}
	if !cfg.Enabled() {
		return
	}
	manifest, err := evidence.BuildManifest(res.Dir, identity.Repository, identity.RunID,
		identity.SHA, res.Provenance, findings, time.Time{})
	if err != nil {
		logger.Warn("evidence manifest build failed", "error", err)
		return
	}
	store, err := evidence.NewStore(cfg)
	if err != nil {
		logger.Warn("evidence store unavailable", "error", err)
		return
	}
	if err := store.Upload(ctx, res.Dir, manifest); err != nil {
		logger.Warn("evidence upload failed", "error", err)
		return
	}
	logger.Info("evidence bundle uploaded", "bundle_id", manifest.BundleID)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
