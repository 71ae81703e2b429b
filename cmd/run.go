package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"compose-guardian/internal/config"
	"compose-guardian/internal/dashboard"
	"compose-guardian/internal/engine"
	"compose-guardian/internal/history"
	"compose-guardian/internal/logx"
	"compose-guardian/internal/notification"
	"compose-guardian/internal/orchestrator"
	"compose-guardian/internal/report"
	"compose-guardian/internal/scheduler"
	"compose-guardian/internal/verifier"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover compose stacks and run the update-and-verify pipeline",
	Long: `run discovers compose files under COMPOSE_ROOT and, for each one, runs
the update-and-verify pipeline: diff images, back up, recreate changed
services, verify health, and roll back on failure. Scheduling (one-shot,
cron, or interval) is controlled by SCHEDULE_CRON / SCHEDULE_EVERY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), AppConfig, Log)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline(ctx context.Context, cfg *config.Config, log *logx.DefaultLogger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hist *history.Store
	if cfg.HistoryDBPath != "" {
		h, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			log.Warn("history store unavailable, continuing without it: %v", err)
		} else {
			hist = h
			defer hist.Close()
		}
	}

	// hist is a *history.Store that may be nil; assigning a nil pointer
	// directly to the report.History interface would produce a non-nil
	// interface wrapping a nil receiver, so only wire it in when present.
	var historyForReport report.History
	if hist != nil {
		historyForReport = hist
	}
	writer := report.NewWriter(cfg.ReportDir, historyForReport, log)

	var notifiers []notification.Notifier
	if wh := notification.NewWebhookNotifier(cfg.DingTalkWebhook); wh != nil {
		notifiers = append(notifiers, wh)
	}
	if sl := notification.NewSlackNotifier(cfg.SlackWebhook); sl != nil {
		notifiers = append(notifiers, sl)
	}

	if cfg.DashboardEnabled {
		dash := dashboard.New(*cfg, hist, cfg.ReportDir, log)
		go func() {
			if err := dash.Start(ctx); err != nil {
				log.Error("dashboard exited: %v", err)
			}
		}()
	}

	eng := engine.New()
	verifierCfg := verifier.NewConfig(cfg.HealthTimeoutSeconds, cfg.StableSeconds, cfg.VerifyPollSeconds)
	orch := orchestrator.New(eng, verifierCfg, writer, notifiers, log)

	sched := scheduler.New(cfg.ScheduleCron, cfg.ScheduleEvery, log)

	var runErr error
	err := sched.Run(ctx, func(runCtx context.Context) {
		opts := orchestrator.RunOpts{ComposeRoot: cfg.ComposeRoot, IgnoreRaw: cfg.IgnoreServices}
		reports := orch.Run(runCtx, opts, func() string { return time.Now().UTC().Format("20060102T150405") })
		log.Info("run complete: %d report(s) written", len(reports))

		if hist != nil && cfg.HistoryRetentionDays > 0 {
			if n, pruneErr := hist.PruneOlderThan(runCtx, cfg.HistoryRetentionDays); pruneErr != nil {
				log.Warn("history pruning failed: %v", pruneErr)
			} else if n > 0 {
				log.Info("pruned %d stale history row(s)", n)
			}
		}
	})
	if err != nil {
		runErr = fmt.Errorf("scheduler error: %w", err)
	}

	return runErr
}
