package escrow

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeguard/audit"
	"tradeguard/core/events"
	"tradeguard/crypto"
	"tradeguard/ledger"
	"tradeguard/native/risk"
	"tradeguard/native/security"
)

var start = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLedger records calls and can fail or block individual methods.
// "confirm" fails the confirmation wait; context.DeadlineExceeded makes it
// wait for the bound to elapse.
type fakeLedger struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	block map[string]chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fail: map[string]error{}, block: map[string]chan struct{}{}}
}

func (f *fakeLedger) setFailure(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

func (f *fakeLedger) hold(method string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block[method] = ch
	return ch
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeLedger) submit(ctx context.Context, method string) (ledger.TxRef, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	n := len(f.calls)
	err := f.fail[method]
	wait := f.block[method]
	f.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return ledger.TxRef(fmt.Sprintf("0xtx%02d", n)), nil
}

func (f *fakeLedger) adapter() ledger.FuncAdapter {
	return ledger.FuncAdapter{
		CreateTradeFunc: func(ctx context.Context, _, _, _ string, _ decimal.Decimal) (ledger.TxRef, error) {
			return f.submit(ctx, "create")
		},
		FundEscrowFunc: func(ctx context.Context, _ string, _ decimal.Decimal) (ledger.TxRef, error) {
			return f.submit(ctx, "fund")
		},
		ReleaseEscrowFunc: func(ctx context.Context, _ string, _ *decimal.Decimal) (ledger.TxRef, error) {
			return f.submit(ctx, "release")
		},
		RefundEscrowFunc: func(ctx context.Context, _ string) (ledger.TxRef, error) {
			return f.submit(ctx, "refund")
		},
		DisputeEscrowFunc: func(ctx context.Context, _ string, _ common.Hash) (ledger.TxRef, error) {
			return f.submit(ctx, "dispute")
		},
		ConfirmFunc: func(ctx context.Context, _ ledger.TxRef, _ int, _ time.Duration) error {
			f.mu.Lock()
			err := f.fail["confirm"]
			f.mu.Unlock()
			if errors.Is(err, context.DeadlineExceeded) {
				<-ctx.Done()
				return ctx.Err()
			}
			return err
		},
	}
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	log      *audit.Log
	store    *Store
	engine   *Engine
	disputes *DisputeManager
	ledger   *fakeLedger
	bus      *events.Bus
	profiles *risk.StaticProvider

	buyerKey      *ecdsa.PrivateKey
	arbitratorKey *ecdsa.PrivateKey
	buyer         string
	seller        string
	arbitrator    string
}

type harnessConfig struct {
	scorer risk.Scorer
	cfg    Config
	logger *slog.Logger
}

func withScore(score int) func(*harnessConfig) {
	return func(hc *harnessConfig) {
		hc.scorer = risk.ScorerFunc(func(risk.Profile, risk.Request) risk.Assessment {
			return risk.Assessment{Score: score, Factors: map[string]int{"fixed": score}}
		})
	}
}

func withLogger(logger *slog.Logger) func(*harnessConfig) {
	return func(hc *harnessConfig) { hc.logger = logger }
}

func withConfirmationTimeout(d time.Duration) func(*harnessConfig) {
	return func(hc *harnessConfig) { hc.cfg.ConfirmationTimeout = d }
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	ctx := context.Background()
	hc := harnessConfig{
		scorer: risk.NewEngine(),
		cfg:    Config{Confirmations: 2, ConfirmationTimeout: 2 * time.Second, PollInterval: time.Millisecond},
	}
	for _, opt := range opts {
		opt(&hc)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &testClock{now: start}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	log := audit.New(db, audit.WithClock(clock.Now), audit.WithEmitter(bus))
	require.NoError(t, log.Migrate(ctx))
	store := NewStore(db)
	require.NoError(t, store.Migrate(ctx))

	buyerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	sellerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	arbitratorKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	h := &harness{
		t:             t,
		ctx:           ctx,
		clock:         clock,
		log:           log,
		store:         store,
		ledger:        newFakeLedger(),
		bus:           bus,
		buyerKey:      buyerKey,
		arbitratorKey: arbitratorKey,
		buyer:         crypto.AddressOf(buyerKey),
		seller:        crypto.AddressOf(sellerKey),
		arbitrator:    crypto.AddressOf(arbitratorKey),
	}
	h.profiles = risk.NewStaticProvider(map[string]risk.Profile{
		h.buyer:      {AccountAgeDays: 20, TradeCount: 40, ReputationScore: 4.6},
		h.seller:     {AccountAgeDays: 400, TradeCount: 120, ReputationScore: 4.9},
		h.arbitrator: {AccountAgeDays: 900, TradeCount: 0, ReputationScore: 5},
	})
	gate := security.NewGate(h.profiles, hc.scorer, store, security.Limits{}, security.WithAuditor(log))
	h.engine = NewEngine(store, log, gate, h.ledger.adapter(), hc.cfg, WithClock(clock.Now), WithEmitter(bus), WithLogger(hc.logger))
	h.disputes = NewDisputeManager(h.engine)
	return h
}

func (h *harness) createRequest(tradeID string, amount int64) CreateRequest {
	return CreateRequest{
		TradeID:    tradeID,
		Buyer:      h.buyer,
		Seller:     h.seller,
		Arbitrator: h.arbitrator,
		Amount:     decimal.NewFromInt(amount),
		Token:      "usdt",
		ChainID:    1,
	}
}

func (h *harness) create(tradeID string, amount int64) string {
	h.t.Helper()
	res, err := h.engine.Create(h.ctx, h.createRequest(tradeID, amount))
	require.NoError(h.t, err)
	return res.EscrowID
}

func (h *harness) funded(tradeID string, amount int64) string {
	h.t.Helper()
	id := h.create(tradeID, amount)
	_, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	require.NoError(h.t, err)
	return id
}

func (h *harness) proof(key *ecdsa.PrivateKey, tradeID string, at time.Time) ReleaseProof {
	h.t.Helper()
	sig, err := crypto.SignPersonal(key, crypto.ReleaseMessage(tradeID, at.Unix()))
	require.NoError(h.t, err)
	return ReleaseProof{Signature: "0x" + hex.EncodeToString(sig), Timestamp: at.Unix()}
}

func (h *harness) release(id, tradeID string, partial *decimal.Decimal) (*Escrow, error) {
	return h.engine.Release(h.ctx, ReleaseRequest{
		EscrowID: id,
		Proof:    h.proof(h.buyerKey, tradeID, h.clock.Now()),
		Partial:  partial,
	})
}

func (h *harness) status(id string) View {
	h.t.Helper()
	view, err := h.engine.Status(h.ctx, id)
	require.NoError(h.t, err)
	return view
}

func (h *harness) entries() []audit.Entry {
	h.t.Helper()
	entries, err := h.log.Export(h.ctx, audit.Filter{})
	require.NoError(h.t, err)
	return entries
}

func (h *harness) lastEntry() audit.Entry {
	h.t.Helper()
	entries := h.entries()
	require.NotEmpty(h.t, entries)
	return entries[len(entries)-1]
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, e := range h.entries() {
		out = append(out, e.EventType)
	}
	return out
}

func (h *harness) published(eventType string) []events.Event {
	var out []events.Event
	for _, evt := range h.bus.Recent() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
