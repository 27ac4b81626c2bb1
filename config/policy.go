package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/native/escrow"
	"tradeguard/native/risk"
	"tradeguard/native/security"
)

// Location resolves the configured time zone.
func (r RiskConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid risk.timezone: %w", err)
	}
	return loc, nil
}

// Options converts the section into risk engine options.
func (r RiskConfig) Options() ([]risk.Option, error) {
	loc, err := r.Location()
	if err != nil {
		return nil, err
	}
	large, err := decimal.NewFromString(r.LargeAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid risk.large_amount: %w", err)
	}
	return []risk.Option{risk.WithLocation(loc), risk.WithLargeAmount(large)}, nil
}

// Limits parses the gate thresholds into runtime values. Daily volume is
// bucketed by calendar day in loc.
func (s SecurityConfig) Limits(loc *time.Location) (security.Limits, error) {
	limits := security.Limits{
		VelocityWindow: s.VelocityWindow.Duration,
		VelocityMax:    s.VelocityMaxCount,
		BlockThreshold: s.BlockThreshold,
		FlagThreshold:  s.FlagThreshold,
		Location:       loc,
	}
	var err error
	if limits.MaxDailyVolume, err = decimal.NewFromString(s.MaxDailyVolume); err != nil {
		return limits, fmt.Errorf("invalid security.max_daily_volume: %w", err)
	}
	if limits.MaxSingleTrade, err = decimal.NewFromString(s.MaxSingleTrade); err != nil {
		return limits, fmt.Errorf("invalid security.max_single_trade: %w", err)
	}
	return limits, nil
}

// Policy converts the section into the escrow engine configuration.
func (e EscrowConfig) Policy() escrow.Config {
	return escrow.Config{
		DefaultTimeout:       e.DefaultTimeout.Duration,
		ReleaseHoldThreshold: e.ReleaseHoldThreshold,
		ReleaseHoldDelay:     e.ReleaseHoldDelay.Duration,
		DisputeWindow:        e.DisputeWindow.Duration,
		ProofMaxAge:          e.ProofMaxAge.Duration,
		Confirmations:        e.Confirmations,
		ConfirmationTimeout:  e.ConfirmationTimeout.Duration,
		PollInterval:         e.PollInterval.Duration,
	}
}
