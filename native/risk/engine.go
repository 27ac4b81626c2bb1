package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Factor names reported in an Assessment.
const (
	FactorAccountAge  = "account_age"
	FactorTradeCount  = "trade_count"
	FactorReputation  = "reputation"
	FactorLargeAmount = "large_amount"
	FactorOffHours    = "off_hours"
)

const (
	MaxScore = 100

	newAccountDays    = 7
	youngAccountDays  = 30
	minTradeCount     = 5
	minReputation     = 3.0
	offHoursStartHour = 6
	offHoursEndHour   = 22

	newAccountPoints   = 20
	youngAccountPoints = 10
	tradeCountPoints   = 15
	reputationPoints   = 20
	largeAmountPoints  = 15
	offHoursPoints     = 5
)

// DefaultLargeAmount is the quote-currency amount above which a trade counts
// as large.
var DefaultLargeAmount = decimal.NewFromInt(10000)

// Profile is the read-only trading history of a party.
type Profile struct {
	AccountAgeDays  int     `json:"accountAgeDays" yaml:"accountAgeDays"`
	TradeCount      int     `json:"tradeCount" yaml:"tradeCount"`
	ReputationScore float64 `json:"reputationScore" yaml:"reputationScore"`
	DisputeRatio    float64 `json:"disputeRatio" yaml:"disputeRatio"`
	IsBlacklisted   bool    `json:"isBlacklisted" yaml:"isBlacklisted"`
}

// Request carries the trade parameters that influence the score.
type Request struct {
	Amount decimal.Decimal
	At     time.Time
}

// Assessment is a score together with the points each factor contributed.
type Assessment struct {
	Score   int
	Factors map[string]int
}

// Scorer computes a risk assessment. Implementations must be deterministic
// and free of side effects.
type Scorer interface {
	Assess(profile Profile, req Request) Assessment
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(profile Profile, req Request) Assessment

// Assess implements Scorer.
func (f ScorerFunc) Assess(profile Profile, req Request) Assessment { return f(profile, req) }

// Option customises the engine.
type Option func(*Engine)

// WithLocation sets the zone used to evaluate the local hour of a request.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithLargeAmount overrides the large trade threshold.
func WithLargeAmount(amount decimal.Decimal) Option {
	return func(e *Engine) {
		if amount.IsPositive() {
			e.largeAmount = amount
		}
	}
}

// Engine is the additive risk model.
type Engine struct {
	loc         *time.Location
	largeAmount decimal.Decimal
}

// NewEngine constructs the default engine evaluating hours in UTC.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{loc: time.UTC, largeAmount: DefaultLargeAmount}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assess implements Scorer.
func (e *Engine) Assess(profile Profile, req Request) Assessment {
	factors := make(map[string]int, 5)

	switch {
	case profile.AccountAgeDays < newAccountDays:
		factors[FactorAccountAge] = newAccountPoints
	case profile.AccountAgeDays <= youngAccountDays:
		factors[FactorAccountAge] = youngAccountPoints
	}
	if profile.TradeCount < minTradeCount {
		factors[FactorTradeCount] = tradeCountPoints
	}
	if profile.ReputationScore < minReputation {
		factors[FactorReputation] = reputationPoints
	}
	if req.Amount.GreaterThan(e.largeAmount) {
		factors[FactorLargeAmount] = largeAmountPoints
	}
	if !req.At.IsZero() {
		hour := req.At.In(e.loc).Hour()
		if hour < offHoursStartHour || hour > offHoursEndHour {
			factors[FactorOffHours] = offHoursPoints
		}
	}

	score := 0
	for _, points := range factors {
		score += points
	}
	if score > MaxScore {
		score = MaxScore
	}
	return Assessment{Score: score, Factors: factors}
}
