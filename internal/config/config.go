// Package config loads compose-guardian's environment-variable contract
// (spec.md §6, expanded by SPEC_FULL.md §6) via viper, with pflag-backed
// CLI overrides and an optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	ComposeRoot     string
	IgnoreServices  string
	ReportDir       string

	HealthTimeoutSeconds int
	StableSeconds        int
	VerifyPollSeconds    int

	DingTalkWebhook string
	SlackWebhook    string

	ScheduleCron  string
	ScheduleEvery string

	HistoryDBPath        string
	HistoryRetentionDays int

	DashboardEnabled     bool
	DashboardPort        int
	DashboardUser        string
	DashboardPassword    string
	DashboardIPWhitelist string
}

// Load reads an optional .env file (ENV_FILE, or ".env" if present), binds
// every documented environment variable, applies defaults, and returns a
// validated Config. Unparseable values are a configuration error — fail
// fast at startup, per spec.md §7.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	envFile := ".env"
	if f := os.Getenv("ENV_FILE"); f != "" {
		envFile = f
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
		if f, err := flags.GetString("env-file"); err == nil && f != "" {
			envFile = f
		}
	}
	_ = godotenv.Load(envFile) // best-effort; absence is normal

	v.SetDefault("compose_root", "/compose/projects")
	v.SetDefault("report_dir", "/reports")
	v.SetDefault("health_timeout_seconds", 180)
	v.SetDefault("stable_seconds", 30)
	v.SetDefault("verify_poll_seconds", 3)
	v.SetDefault("history_db_path", filepath.Join(v.GetString("report_dir"), "history.db"))
	v.SetDefault("history_retention_days", 90)
	v.SetDefault("dashboard_enabled", false)
	v.SetDefault("dashboard_port", 8080)

	cfg := &Config{
		ComposeRoot:          v.GetString("compose_root"),
		IgnoreServices:       v.GetString("ignore_services"),
		ReportDir:            v.GetString("report_dir"),
		HealthTimeoutSeconds: v.GetInt("health_timeout_seconds"),
		StableSeconds:        v.GetInt("stable_seconds"),
		VerifyPollSeconds:    v.GetInt("verify_poll_seconds"),
		DingTalkWebhook:      v.GetString("dingtalk_webhook"),
		SlackWebhook:         v.GetString("slack_webhook"),
		ScheduleCron:         v.GetString("schedule_cron"),
		ScheduleEvery:        v.GetString("schedule_every"),
		HistoryDBPath:        v.GetString("history_db_path"),
		HistoryRetentionDays: v.GetInt("history_retention_days"),
		DashboardEnabled:     v.GetBool("dashboard_enabled"),
		DashboardPort:        v.GetInt("dashboard_port"),
		DashboardUser:        v.GetString("dashboard_user"),
		DashboardPassword:    v.GetString("dashboard_pass"),
		DashboardIPWhitelist: v.GetString("dashboard_ip_whitelist"),
	}

	if cfg.ScheduleCron != "" && cfg.ScheduleEvery != "" {
		return nil, fmt.Errorf("SCHEDULE_CRON and SCHEDULE_EVERY are mutually exclusive")
	}
	if cfg.HealthTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("HEALTH_TIMEOUT_SECONDS must be positive, got %d", cfg.HealthTimeoutSeconds)
	}
	if cfg.StableSeconds <= 0 {
		return nil, fmt.Errorf("STABLE_SECONDS must be positive, got %d", cfg.StableSeconds)
	}
	if cfg.VerifyPollSeconds <= 0 {
		return nil, fmt.Errorf("VERIFY_POLL_SECONDS must be positive, got %d", cfg.VerifyPollSeconds)
	}

	return cfg, nil
}

// RegisterFlags wires the CLI overrides accepted by cmd/root.go onto flags.
// Flag names match the viper keys they override (underscored, matching the
// environment-variable names lower-cased) so BindPFlags needs no extra
// key-replacer configuration.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("env-file", "", "path to a .env file (default: ./.env if present)")
	flags.String("compose_root", "", "override COMPOSE_ROOT")
	flags.String("report_dir", "", "override the report output directory")
}
