package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeguard/audit"
	coreerrors "tradeguard/core/errors"
	"tradeguard/native/risk"
)

const (
	buyer  = "0x1111111111111111111111111111111111111111"
	seller = "0x2222222222222222222222222222222222222222"
)

var at = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type fakeHistory struct {
	volume   decimal.Decimal
	count    int64
	err      error
	sinceVol time.Time
	sinceCnt time.Time
}

func (h *fakeHistory) VolumeSince(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	h.sinceVol = since
	return h.volume, h.err
}

func (h *fakeHistory) CountSince(_ context.Context, _ string, since time.Time) (int64, error) {
	h.sinceCnt = since
	return h.count, h.err
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *recordingAuditor) Append(_ context.Context, rec audit.Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return uuid.NewString(), nil
}

func fixedScore(score int) risk.Scorer {
	return risk.ScorerFunc(func(risk.Profile, risk.Request) risk.Assessment {
		return risk.Assessment{Score: score, Factors: map[string]int{"simulated": score}}
	})
}

func profiles() *risk.StaticProvider {
	return risk.NewStaticProvider(map[string]risk.Profile{
		buyer:  {AccountAgeDays: 365, TradeCount: 50, ReputationScore: 4.5},
		seller: {AccountAgeDays: 365, TradeCount: 50, ReputationScore: 4.5},
	})
}

func createRequest(amount int64) Request {
	return Request{Action: ActionCreate, Initiator: buyer, Counterparty: seller, Amount: decimal.NewFromInt(amount), At: at, TradeID: "trade-1"}
}

func TestGatePassesCleanRequest(t *testing.T) {
	gate := NewGate(profiles(), risk.NewEngine(), &fakeHistory{}, Limits{})
	res, err := gate.Check(context.Background(), createRequest(1000))
	require.NoError(t, err)
	require.Empty(t, res.Flags)
	require.Equal(t, 0, res.Score())
}

func TestGateRejectsHighRiskRegardlessOfOtherFields(t *testing.T) {
	gate := NewGate(profiles(), fixedScore(85), &fakeHistory{}, Limits{})
	for _, amount := range []int64{1, 100, 1000, 20000} {
		_, err := gate.Check(context.Background(), createRequest(amount))
		require.ErrorIs(t, err, coreerrors.ErrSecurityRejection)
		require.Equal(t, coreerrors.CodeHighRiskBlocked, coreerrors.CodeOf(err))
	}
}

func TestGateFlagsMediumRiskAndAudits(t *testing.T) {
	auditor := &recordingAuditor{}
	gate := NewGate(profiles(), fixedScore(60), &fakeHistory{}, Limits{}, WithAuditor(auditor))
	res, err := gate.Check(context.Background(), createRequest(1000))
	require.NoError(t, err)
	require.Equal(t, []string{coreerrors.CodeMediumRiskFlagged}, res.Flags)
	require.Equal(t, 60, res.Score())

	require.Len(t, auditor.records, 1)
	rec := auditor.records[0]
	require.Equal(t, EventTypeMediumRisk, rec.EventType)
	require.Equal(t, audit.SeverityWarning, rec.Severity)
	require.Equal(t, coreerrors.CodeMediumRiskFlagged, rec.Details["flag"])
	require.Equal(t, 60, rec.Details["riskScore"])
}

func TestGateRiskBoundaries(t *testing.T) {
	cases := []struct {
		score   int
		flagged bool
		blocked bool
	}{
		{50, false, false},
		{51, true, false},
		{80, true, false},
		{81, false, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.score), func(t *testing.T) {
			gate := NewGate(profiles(), fixedScore(tc.score), &fakeHistory{}, Limits{})
			res, err := gate.Check(context.Background(), createRequest(100))
			if tc.blocked {
				require.Equal(t, coreerrors.CodeHighRiskBlocked, coreerrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.flagged, res.HasFlag(coreerrors.CodeMediumRiskFlagged))
		})
	}
}

func TestGateRunsAllChecksAndReportsFirstRejection(t *testing.T) {
	provider := profiles()
	provider.Set(seller, risk.Profile{IsBlacklisted: true})
	history := &fakeHistory{volume: decimal.NewFromInt(49000), count: 6}
	gate := NewGate(provider, fixedScore(90), history, Limits{})

	_, err := gate.Check(context.Background(), createRequest(30000))
	typed, ok := coreerrors.As(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.CodeBlacklisted, typed.Code)
	require.Equal(t, []string{
		coreerrors.CodeBlacklisted,
		coreerrors.CodeVolumeLimit,
		coreerrors.CodeTradeLimit,
		coreerrors.CodeHighVelocity,
		coreerrors.CodeHighRiskBlocked,
	}, typed.Flags)
}

func TestGateLimits(t *testing.T) {
	t.Run("daily volume", func(t *testing.T) {
		history := &fakeHistory{volume: decimal.NewFromInt(45000)}
		gate := NewGate(profiles(), risk.NewEngine(), history, Limits{})
		_, err := gate.Check(context.Background(), createRequest(5000))
		require.NoError(t, err)
		_, err = gate.Check(context.Background(), createRequest(5001))
		require.Equal(t, coreerrors.CodeVolumeLimit, coreerrors.CodeOf(err))
		require.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), history.sinceVol)
	})
	t.Run("single trade", func(t *testing.T) {
		gate := NewGate(profiles(), risk.NewEngine(), &fakeHistory{}, Limits{MaxSingleTrade: decimal.NewFromInt(500)})
		_, err := gate.Check(context.Background(), createRequest(500))
		require.NoError(t, err)
		_, err = gate.Check(context.Background(), createRequest(501))
		require.Equal(t, coreerrors.CodeTradeLimit, coreerrors.CodeOf(err))
	})
	t.Run("velocity", func(t *testing.T) {
		history := &fakeHistory{count: 5}
		gate := NewGate(profiles(), risk.NewEngine(), history, Limits{})
		_, err := gate.Check(context.Background(), createRequest(10))
		require.NoError(t, err)
		require.Equal(t, at.Add(-time.Hour), history.sinceCnt)
		history.count = 6
		_, err = gate.Check(context.Background(), createRequest(10))
		require.Equal(t, coreerrors.CodeHighVelocity, coreerrors.CodeOf(err))
	})
}

func TestGateNonCreateActionsOnlyCheckBlacklist(t *testing.T) {
	provider := profiles()
	history := &fakeHistory{volume: decimal.NewFromInt(1_000_000), count: 100}
	gate := NewGate(provider, fixedScore(99), history, Limits{})

	res, err := gate.Check(context.Background(), Request{Action: ActionRelease, Initiator: buyer, At: at, TradeID: "trade-1"})
	require.NoError(t, err)
	require.Empty(t, res.Flags)

	provider.Set(buyer, risk.Profile{IsBlacklisted: true})
	_, err = gate.Check(context.Background(), Request{Action: ActionRelease, Initiator: buyer, At: at})
	require.Equal(t, coreerrors.CodeBlacklisted, coreerrors.CodeOf(err))
}

func TestGateUnknownPartyScoredAsNewAccount(t *testing.T) {
	gate := NewGate(risk.NewStaticProvider(nil), risk.NewEngine(), &fakeHistory{}, Limits{})
	res, err := gate.Check(context.Background(), createRequest(100))
	require.NoError(t, err)
	require.Equal(t, 55, res.Score())
	require.True(t, res.HasFlag(coreerrors.CodeMediumRiskFlagged))
}

func TestGateFailsClosedOnHistoryError(t *testing.T) {
	boom := errors.New("db down")
	gate := NewGate(profiles(), risk.NewEngine(), &fakeHistory{err: boom}, Limits{})
	_, err := gate.Check(context.Background(), createRequest(100))
	require.ErrorIs(t, err, boom)
}

func TestGateLogsEveryCheck(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	gate := NewGate(profiles(), risk.NewEngine(), &fakeHistory{}, Limits{}, WithLogger(log))
	_, err := gate.Check(context.Background(), createRequest(100))
	require.NoError(t, err)
	for _, check := range []string{CheckBlacklist, CheckDailyVolume, CheckSingleTrade, CheckVelocity, CheckRisk} {
		require.Contains(t, buf.String(), `"check":"`+check+`"`)
	}
	require.Equal(t, 5, strings.Count(buf.String(), "security gate check"))
}

func TestGateMediumRiskWritesAuditEntry(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	log := audit.New(db)
	require.NoError(t, log.Migrate(context.Background()))

	gate := NewGate(profiles(), fixedScore(60), &fakeHistory{}, Limits{}, WithAuditor(log))
	_, err = gate.Check(context.Background(), createRequest(100))
	require.NoError(t, err)

	entries, err := log.Export(context.Background(), audit.Filter{EventTypePrefix: "security."})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Details, coreerrors.CodeMediumRiskFlagged)
	require.Contains(t, entries[0].Tags(), audit.TagSecurity)
}
