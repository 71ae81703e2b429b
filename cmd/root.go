package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"compose-guardian/internal/config"
	"compose-guardian/internal/logx"
)

var (
	// AppConfig is populated by PersistentPreRunE before any subcommand runs.
	AppConfig *config.Config
	// Log is the process-wide logger, configured once root resolves flags.
	Log *logx.DefaultLogger
)

var rootCmd = &cobra.Command{
	Use:   "compose-guardian",
	Short: "A safe, unattended updater for container stacks defined by compose files",
	Long: `compose-guardian discovers docker compose stacks under a root directory,
detects image changes, performs a backup-then-recreate update for changed
services only, verifies post-update health, and rolls back automatically if
verification fails. Results are persisted as structured run reports and
optionally summarised to a chat webhook.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		AppConfig = cfg

		Log = logx.New()
		Log.Info("loaded config: compose_root=%s report_dir=%s", cfg.ComposeRoot, cfg.ReportDir)
		return nil
	},
}

// Execute runs the root command, exiting the process on any top-level
// configuration or scheduler error (spec.md §7: only those affect exit
// status, operational outcomes live in reports).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}
