package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvConfigPath  = "TRADEGUARD_CONFIG"
	EnvDatabaseDSN = "TRADEGUARD_DATABASE_DSN"
	EnvLedgerToken = "TRADEGUARD_LEDGER_TOKEN"
	EnvEnvironment = "TRADEGUARD_ENV"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of escrowd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	Database      DatabaseConfig  `yaml:"database"`
	Security      SecurityConfig  `yaml:"security"`
	Risk          RiskConfig      `yaml:"risk"`
	Escrow        EscrowConfig    `yaml:"escrow"`
	Audit         AuditConfig     `yaml:"audit"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Profiles      ProfilesConfig  `yaml:"profiles"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SecurityConfig holds the gate thresholds. Amounts are decimal strings.
type SecurityConfig struct {
	MaxDailyVolume   string   `yaml:"max_daily_volume"`
	MaxSingleTrade   string   `yaml:"max_single_trade"`
	VelocityWindow   Duration `yaml:"velocity_window"`
	VelocityMaxCount int      `yaml:"velocity_max_count"`
	BlockThreshold   int      `yaml:"block_threshold"`
	FlagThreshold    int      `yaml:"flag_threshold"`
}

// RiskConfig tunes the scoring engine.
type RiskConfig struct {
	Timezone    string `yaml:"timezone"`
	LargeAmount string `yaml:"large_amount"`
}

// EscrowConfig holds the lifecycle policy.
type EscrowConfig struct {
	DefaultTimeout       Duration `yaml:"default_timeout"`
	ReleaseHoldThreshold int      `yaml:"release_hold_threshold"`
	ReleaseHoldDelay     Duration `yaml:"release_hold_delay"`
	DisputeWindow        Duration `yaml:"dispute_window"`
	ProofMaxAge          Duration `yaml:"proof_max_age"`
	Confirmations        int      `yaml:"confirmations"`
	ConfirmationTimeout  Duration `yaml:"confirmation_timeout"`
	PollInterval         Duration `yaml:"poll_interval"`
	ExpirySweepInterval  Duration `yaml:"expiry_sweep_interval"`
	ExpiryBatch          int      `yaml:"expiry_batch"`
}

// AuditConfig controls segmenting and the background integrity check.
type AuditConfig struct {
	MaxEntriesPerSegment int      `yaml:"max_entries_per_segment"`
	VerifyInterval       Duration `yaml:"verify_interval"`
	ExportDir            string   `yaml:"export_dir"`
}

// LedgerConfig points at the settlement node. An empty endpoint selects the
// dry-run adapter, which is refused in production.
type LedgerConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	AuthToken         string   `yaml:"auth_token"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	MaxAttempts       int      `yaml:"max_attempts"`
	Timeout           Duration `yaml:"timeout"`
}

// ProfilesConfig selects the risk profile source: an HTTP endpoint or a
// static YAML file.
type ProfilesConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	Token      string   `yaml:"token"`
	Timeout    Duration `yaml:"timeout"`
	StaticFile string   `yaml:"static_file"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// LoadDotEnv loads the given .env files, or ./.env when none are named.
// Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads configuration from path, falling back to $TRADEGUARD_CONFIG.
// With neither set the defaults apply. Environment overrides are applied
// before validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Production reports whether the service runs in production.
func (c Config) Production() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLedgerToken)); v != "" {
		cfg.Ledger.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		cfg.Environment = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverSQLite {
		cfg.Database.DSN = "tradeguard.db"
	}

	if cfg.Security.MaxDailyVolume == "" {
		cfg.Security.MaxDailyVolume = "50000"
	}
	if cfg.Security.MaxSingleTrade == "" {
		cfg.Security.MaxSingleTrade = "25000"
	}
	if cfg.Security.VelocityWindow.Duration == 0 {
		cfg.Security.VelocityWindow.Duration = time.Hour
	}
	if cfg.Security.VelocityMaxCount <= 0 {
		cfg.Security.VelocityMaxCount = 5
	}
	if cfg.Security.BlockThreshold <= 0 {
		cfg.Security.BlockThreshold = 80
	}
	if cfg.Security.FlagThreshold <= 0 {
		cfg.Security.FlagThreshold = 50
	}

	if cfg.Risk.Timezone == "" {
		cfg.Risk.Timezone = "UTC"
	}
	if cfg.Risk.LargeAmount == "" {
		cfg.Risk.LargeAmount = "10000"
	}

	e := &cfg.Escrow
	if e.DefaultTimeout.Duration == 0 {
		e.DefaultTimeout.Duration = 72 * time.Hour
	}
	if e.ReleaseHoldThreshold <= 0 {
		e.ReleaseHoldThreshold = 70
	}
	if e.ReleaseHoldDelay.Duration == 0 {
		e.ReleaseHoldDelay.Duration = 2 * time.Hour
	}
	if e.DisputeWindow.Duration == 0 {
		e.DisputeWindow.Duration = 7 * 24 * time.Hour
	}
	if e.ProofMaxAge.Duration == 0 {
		e.ProofMaxAge.Duration = 15 * time.Minute
	}
	if e.Confirmations <= 0 {
		e.Confirmations = 3
	}
	if e.ConfirmationTimeout.Duration == 0 {
		e.ConfirmationTimeout.Duration = 5 * time.Minute
	}
	if e.PollInterval.Duration == 0 {
		e.PollInterval.Duration = 2 * time.Second
	}
	if e.ExpirySweepInterval.Duration == 0 {
		e.ExpirySweepInterval.Duration = time.Minute
	}
	if e.ExpiryBatch <= 0 {
		e.ExpiryBatch = 100
	}

	if cfg.Audit.MaxEntriesPerSegment <= 0 {
		cfg.Audit.MaxEntriesPerSegment = 10000
	}
	if cfg.Audit.VerifyInterval.Duration == 0 {
		cfg.Audit.VerifyInterval.Duration = 15 * time.Minute
	}

	if cfg.Ledger.MaxAttempts <= 0 {
		cfg.Ledger.MaxAttempts = 3
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 10 * time.Second
	}
	if cfg.Profiles.Timeout.Duration == 0 {
		cfg.Profiles.Timeout.Duration = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 30
		}
	}
	if cfg.Telemetry.Enabled && !cfg.Telemetry.Metrics && !cfg.Telemetry.Traces {
		cfg.Telemetry.Metrics = true
		cfg.Telemetry.Traces = true
	}
}
