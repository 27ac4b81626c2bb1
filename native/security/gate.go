package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/audit"
	coreerrors "tradeguard/core/errors"
	"tradeguard/native/risk"
	"tradeguard/observability"
	"tradeguard/observability/logging"
)

// Action names the escrow operation being gated.
type Action string

const (
	ActionCreate   Action = "create"
	ActionFund     Action = "fund"
	ActionActivate Action = "activate"
	ActionRelease  Action = "release"
	ActionRefund   Action = "refund"
	ActionDispute  Action = "dispute"
	ActionResolve  Action = "resolve"
	ActionExpire   Action = "expire"
)

// Check names, used in logs and metrics.
const (
	CheckBlacklist   = "blacklist"
	CheckDailyVolume = "daily_volume"
	CheckSingleTrade = "single_trade"
	CheckVelocity    = "velocity"
	CheckRisk        = "risk"
)

const EventTypeMediumRisk = "security.medium_risk_flagged"

// Limits are the configurable gate thresholds.
type Limits struct {
	MaxDailyVolume decimal.Decimal
	MaxSingleTrade decimal.Decimal
	VelocityWindow time.Duration
	VelocityMax    int
	// Scores above BlockThreshold are rejected; scores above FlagThreshold
	// are accepted and flagged.
	BlockThreshold int
	FlagThreshold  int
	Location       *time.Location
}

// DefaultLimits returns the stock thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyVolume: decimal.NewFromInt(50000),
		MaxSingleTrade: decimal.NewFromInt(25000),
		VelocityWindow: time.Hour,
		VelocityMax:    5,
		BlockThreshold: 80,
		FlagThreshold:  50,
		Location:       time.UTC,
	}
}

// History exposes the escrow creation history of a party.
type History interface {
	VolumeSince(ctx context.Context, party string, since time.Time) (decimal.Decimal, error)
	CountSince(ctx context.Context, party string, since time.Time) (int64, error)
}

// Auditor records flagged requests.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (string, error)
}

// Request is a gated escrow action.
type Request struct {
	Action       Action
	Initiator    string
	Counterparty string
	Amount       decimal.Decimal
	At           time.Time
	TradeID      string
}

// Result is the outcome of a passing check.
type Result struct {
	Flags      []string
	Assessment risk.Assessment
}

// Score is the computed risk score (zero for actions other than create).
func (r Result) Score() int { return r.Assessment.Score }

// HasFlag reports whether flag was raised.
func (r Result) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Option customises the gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAuditor records medium-risk requests in the audit log.
func WithAuditor(a Auditor) Option {
	return func(g *Gate) {
		if a != nil {
			g.auditor = a
		}
	}
}

// Gate runs the precondition checks in front of every escrow mutation.
type Gate struct {
	profiles risk.ProfileProvider
	scorer   risk.Scorer
	history  History
	limits   Limits
	logger   *slog.Logger
	auditor  Auditor
	metrics  *observability.GateMetrics
}

// NewGate wires a gate. Zero-valued limits fall back to DefaultLimits.
func NewGate(profiles risk.ProfileProvider, scorer risk.Scorer, history History, limits Limits, opts ...Option) *Gate {
	defaults := DefaultLimits()
	if limits.MaxDailyVolume.IsZero() {
		limits.MaxDailyVolume = defaults.MaxDailyVolume
	}
	if limits.MaxSingleTrade.IsZero() {
		limits.MaxSingleTrade = defaults.MaxSingleTrade
	}
	if limits.VelocityWindow <= 0 {
		limits.VelocityWindow = defaults.VelocityWindow
	}
	if limits.VelocityMax <= 0 {
		limits.VelocityMax = defaults.VelocityMax
	}
	if limits.BlockThreshold <= 0 {
		limits.BlockThreshold = defaults.BlockThreshold
	}
	if limits.FlagThreshold <= 0 {
		limits.FlagThreshold = defaults.FlagThreshold
	}
	if limits.Location == nil {
		limits.Location = defaults.Location
	}
	g := &Gate{
		profiles: profiles,
		scorer:   scorer,
		history:  history,
		limits:   limits,
		logger:   slog.Default(),
		metrics:  observability.Gate(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits returns the effective thresholds.
func (g *Gate) Limits() Limits { return g.limits }

type verdict int

const (
	pass verdict = iota
	flag
	reject
)

func (v verdict) String() string {
	switch v {
	case flag:
		return "flag"
	case reject:
		return "reject"
	}
	return "pass"
}

// Check evaluates every applicable check. All checks run even after a
// rejection so the full flag set is available; the returned error carries the
// first rejection code together with every flag raised.
func (g *Gate) Check(ctx context.Context, req Request) (Result, error) {
	if req.At.IsZero() {
		req.At = time.Now()
	}
	var (
		result    Result
		firstCode string
		firstMsg  string
	)
	record := func(check string, v verdict, code, msg string) {
		g.metrics.RecordCheck(check, v.String())
		level := slog.LevelInfo
		if v != pass {
			level = slog.LevelWarn
			result.Flags = append(result.Flags, code)
		}
		g.logger.Log(ctx, level, "security gate check",
			slog.String("check", check),
			slog.String("result", v.String()),
			slog.String("action", string(req.Action)),
			slog.String("tradeId", req.TradeID),
			slog.String("party", logging.ShortRef(req.Initiator)),
			slog.String("code", code))
		if v == reject && firstCode == "" {
			firstCode, firstMsg = code, msg
		}
	}

	initiator, err := g.lookup(ctx, req.Initiator)
	if err != nil {
		return Result{}, err
	}

	blacklisted := initiator.IsBlacklisted
	if req.Counterparty != "" {
		counterparty, err := g.lookup(ctx, req.Counterparty)
		if err != nil {
			return Result{}, err
		}
		blacklisted = blacklisted || counterparty.IsBlacklisted
	}
	if blacklisted {
		record(CheckBlacklist, reject, coreerrors.CodeBlacklisted, "a counterparty is blacklisted")
	} else {
		record(CheckBlacklist, pass, "", "")
	}

	if req.Action == ActionCreate {
		if err := g.checkCreate(ctx, req, initiator, &result, record); err != nil {
			return Result{}, err
		}
	}

	if firstCode != "" {
		return result, coreerrors.Rejected(firstCode, result.Flags, "%s", firstMsg)
	}
	if result.HasFlag(coreerrors.CodeMediumRiskFlagged) {
		g.recordMediumRisk(ctx, req, result)
	}
	return result, nil
}

func (g *Gate) checkCreate(ctx context.Context, req Request, initiator risk.Profile, result *Result, record func(string, verdict, string, string)) error {
	dayStart := startOfDay(req.At, g.limits.Location)
	volume, err := g.history.VolumeSince(ctx, req.Initiator, dayStart)
	if err != nil {
		return fmt.Errorf("security: load daily volume: %w", err)
	}
	if volume.Add(req.Amount).GreaterThan(g.limits.MaxDailyVolume) {
		record(CheckDailyVolume, reject, coreerrors.CodeVolumeLimit,
			fmt.Sprintf("daily volume %s plus %s exceeds %s", volume, req.Amount, g.limits.MaxDailyVolume))
	} else {
		record(CheckDailyVolume, pass, "", "")
	}

	if req.Amount.GreaterThan(g.limits.MaxSingleTrade) {
		record(CheckSingleTrade, reject, coreerrors.CodeTradeLimit,
			fmt.Sprintf("amount %s exceeds single trade cap %s", req.Amount, g.limits.MaxSingleTrade))
	} else {
		record(CheckSingleTrade, pass, "", "")
	}

	count, err := g.history.CountSince(ctx, req.Initiator, req.At.Add(-g.limits.VelocityWindow))
	if err != nil {
		return fmt.Errorf("security: load velocity: %w", err)
	}
	if count > int64(g.limits.VelocityMax) {
		record(CheckVelocity, reject, coreerrors.CodeHighVelocity,
			fmt.Sprintf("%d escrows created in the last %s", count, g.limits.VelocityWindow))
	} else {
		record(CheckVelocity, pass, "", "")
	}

	result.Assessment = g.scorer.Assess(initiator, risk.Request{Amount: req.Amount, At: req.At})
	score := result.Assessment.Score
	g.metrics.ObserveRiskScore(score)
	switch {
	case score > g.limits.BlockThreshold:
		record(CheckRisk, reject, coreerrors.CodeHighRiskBlocked, fmt.Sprintf("risk score %d exceeds %d", score, g.limits.BlockThreshold))
	case score > g.limits.FlagThreshold:
		record(CheckRisk, flag, coreerrors.CodeMediumRiskFlagged, "")
	default:
		record(CheckRisk, pass, "", "")
	}
	return nil
}

// lookup treats an unknown party as a brand new account so the scoring is
// as strict as possible; provider outages fail closed.
func (g *Gate) lookup(ctx context.Context, ref string) (risk.Profile, error) {
	if strings.TrimSpace(ref) == "" {
		return risk.Profile{}, coreerrors.Validation(coreerrors.CodeInvalidInput, "party reference required")
	}
	profile, err := g.profiles.Profile(ctx, ref)
	if errors.Is(err, coreerrors.ErrNotFound) {
		return risk.Profile{}, nil
	}
	if err != nil {
		return risk.Profile{}, fmt.Errorf("security: load profile: %w", err)
	}
	return profile, nil
}

func (g *Gate) recordMediumRisk(ctx context.Context, req Request, result Result) {
	if g.auditor == nil {
		return
	}
	factors := make(map[string]any, len(result.Assessment.Factors))
	for k, v := range result.Assessment.Factors {
		factors[k] = v
	}
	_, err := g.auditor.Append(ctx, audit.Record{
		EventType: EventTypeMediumRisk,
		Severity:  audit.SeverityWarning,
		ActorRef:  req.Initiator,
		Resource:  "trade:" + req.TradeID,
		Action:    string(req.Action),
		Details: map[string]any{
			"flag":      coreerrors.CodeMediumRiskFlagged,
			"riskScore": result.Assessment.Score,
			"factors":   factors,
			"amount":    req.Amount.String(),
		},
	})
	if err != nil {
		g.logger.Error("security: record medium risk flag failed", slog.String("tradeId", req.TradeID), slog.Any("error", err))
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
