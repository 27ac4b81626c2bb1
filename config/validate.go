package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database: dsn must be configured")
	}

	for name, raw := range map[string]string{
		"security.max_daily_volume": cfg.Security.MaxDailyVolume,
		"security.max_single_trade": cfg.Security.MaxSingleTrade,
		"risk.large_amount":         cfg.Risk.LargeAmount,
	} {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Security.FlagThreshold >= cfg.Security.BlockThreshold {
		return fmt.Errorf("security: flag_threshold must be below block_threshold")
	}
	if cfg.Security.BlockThreshold > 100 {
		return fmt.Errorf("security: block_threshold must be at most 100")
	}
	if _, err := time.LoadLocation(cfg.Risk.Timezone); err != nil {
		return fmt.Errorf("risk: timezone: %w", err)
	}

	e := cfg.Escrow
	if e.ReleaseHoldThreshold > 100 {
		return fmt.Errorf("escrow: release_hold_threshold must be at most 100")
	}
	if e.PollInterval.Duration >= e.ConfirmationTimeout.Duration {
		return fmt.Errorf("escrow: poll_interval must be shorter than confirmation_timeout")
	}
	for name, d := range map[string]Duration{
		"escrow.default_timeout":       e.DefaultTimeout,
		"escrow.release_hold_delay":    e.ReleaseHoldDelay,
		"escrow.dispute_window":        e.DisputeWindow,
		"escrow.proof_max_age":         e.ProofMaxAge,
		"escrow.expiry_sweep_interval": e.ExpirySweepInterval,
		"audit.verify_interval":        cfg.Audit.VerifyInterval,
		"security.velocity_window":     cfg.Security.VelocityWindow,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" && cfg.Production() {
		return fmt.Errorf("ledger: endpoint must be configured in production")
	}
	if cfg.Ledger.RequestsPerSecond < 0 {
		return fmt.Errorf("ledger: requests_per_second must not be negative")
	}
	if cfg.Profiles.Endpoint != "" && cfg.Profiles.StaticFile != "" {
		return fmt.Errorf("profiles: endpoint and static_file are mutually exclusive")
	}
	if cfg.Production() && cfg.Profiles.Endpoint == "" && cfg.Profiles.StaticFile == "" {
		return fmt.Errorf("profiles: a profile source must be configured in production")
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: endpoint must be configured when enabled")
	}
	return nil
}
