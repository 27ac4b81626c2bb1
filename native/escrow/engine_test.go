package escrow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeguard/audit"
	coreerrors "tradeguard/core/errors"
	"tradeguard/ledger"
	"tradeguard/native/risk"
)

func TestCreateFundReleaseEndToEnd(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Create(h.ctx, h.createRequest("trade-e2e", 1000))
	require.NoError(t, err)
	require.Equal(t, 10, res.RiskScore)
	require.Empty(t, res.Flags)
	require.Equal(t, StatusCreated, h.status(res.EscrowID).Status)

	funded, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: res.EscrowID, Source: h.seller})
	require.NoError(t, err)
	require.Equal(t, StatusFunded, funded.Status)
	require.NotNil(t, funded.FundedAt)

	h.clock.Advance(time.Minute)
	released, err := h.release(res.EscrowID, "trade-e2e", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, released.Status)
	require.True(t, released.ReleasedAmount.Equal(decimal.NewFromInt(1000)))
	require.NotNil(t, released.ReleasedAt)

	require.Equal(t, []string{EventTypeEscrowCreated, EventTypeEscrowFunded, EventTypeEscrowReleased}, h.eventTypes())
	entries := h.entries()
	require.Equal(t, []string{ActionCreate, ActionFund, ActionRelease},
		[]string{entries[0].Action, entries[1].Action, entries[2].Action})
	require.Equal(t, audit.GenesisHash, entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].Hash, entries[i].PreviousHash)
	}
	report, err := h.log.VerifyAll(h.ctx)
	require.NoError(t, err)
	require.True(t, report.IsValid)

	require.Len(t, h.published(EventTypeEscrowCreated), 1)
	require.Len(t, h.published(EventTypeEscrowFunded), 1)
	released1 := h.published(EventTypeEscrowReleased)
	require.Len(t, released1, 1)
	require.Equal(t, "trade-e2e", released1[0].Attribute("tradeId"))
	require.Equal(t, string(StatusCompleted), released1[0].Attribute("status"))
	require.Equal(t, 1, h.ledger.count("create"))
	require.Equal(t, 1, h.ledger.count("fund"))
	require.Equal(t, 1, h.ledger.count("release"))
}

func TestCreateRejectsDuplicateTrade(t *testing.T) {
	h := newHarness(t)
	h.create("trade-dup", 500)

	_, err := h.engine.Create(h.ctx, h.createRequest("trade-dup", 700))
	require.ErrorIs(t, err, coreerrors.ErrStateConflict)
	require.Equal(t, coreerrors.CodeDuplicateEscrow, coreerrors.CodeOf(err))
	require.Equal(t, 1, h.ledger.count("create"))

	last := h.lastEntry()
	require.Equal(t, "escrow.create_rejected", last.EventType)
	require.Equal(t, audit.SeverityWarning, last.Severity)
	require.Contains(t, last.Details, coreerrors.CodeDuplicateEscrow)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*CreateRequest){
		"missing trade id":    func(r *CreateRequest) { r.TradeID = " " },
		"bad buyer":           func(r *CreateRequest) { r.Buyer = "not-an-address" },
		"same parties":        func(r *CreateRequest) { r.Seller = r.Buyer },
		"arbitrator is party": func(r *CreateRequest) { r.Arbitrator = r.Seller },
		"zero amount":         func(r *CreateRequest) { r.Amount = decimal.Zero },
		"negative amount":     func(r *CreateRequest) { r.Amount = decimal.NewFromInt(-5) },
		"missing token":       func(r *CreateRequest) { r.Token = "" },
		"stranger initiator":  func(r *CreateRequest) { r.Initiator = r.Arbitrator },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := h.createRequest("trade-invalid", 100)
			mutate(&req)
			_, err := h.engine.Create(h.ctx, req)
			require.ErrorIs(t, err, coreerrors.ErrValidation)
		})
	}
	require.Zero(t, h.ledger.count("create"))
	require.Len(t, h.entries(), len(cases))
}

func TestCreateBlockedBySecurityGate(t *testing.T) {
	h := newHarness(t)
	h.profiles.Set(h.seller, risk.Profile{IsBlacklisted: true})

	_, err := h.engine.Create(h.ctx, h.createRequest("trade-blocked", 100))
	require.ErrorIs(t, err, coreerrors.ErrSecurityRejection)
	require.Equal(t, coreerrors.CodeBlacklisted, coreerrors.CodeOf(err))

	_, err = h.store.GetByTradeID(h.ctx, "trade-blocked")
	require.ErrorIs(t, err, coreerrors.ErrNotFound)
	require.Zero(t, h.ledger.count("create"))

	last := h.lastEntry()
	require.Equal(t, "escrow.create_rejected", last.EventType)
	require.Contains(t, last.Tags(), audit.TagSecurity)
}

func TestCreateWithMediumRiskIsFlagged(t *testing.T) {
	h := newHarness(t, withScore(60))
	res, err := h.engine.Create(h.ctx, h.createRequest("trade-medium", 100))
	require.NoError(t, err)
	require.Equal(t, 60, res.RiskScore)
	require.Equal(t, []string{coreerrors.CodeMediumRiskFlagged}, res.Flags)
	require.Equal(t, []string{"security.medium_risk_flagged", EventTypeEscrowCreated}, h.eventTypes())
	require.Equal(t, []string{coreerrors.CodeMediumRiskFlagged}, h.status(res.EscrowID).SecurityFlags)
}

func TestCreateWithHighRiskIsBlocked(t *testing.T) {
	h := newHarness(t, withScore(85))
	_, err := h.engine.Create(h.ctx, h.createRequest("trade-high", 100))
	require.Equal(t, coreerrors.CodeHighRiskBlocked, coreerrors.CodeOf(err))
	require.Equal(t, []string{"escrow.create_rejected"}, h.eventTypes())
}

func TestFundRequiresSeller(t *testing.T) {
	h := newHarness(t)
	id := h.create("trade-fund", 100)

	_, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.buyer})
	require.ErrorIs(t, err, coreerrors.ErrSecurityRejection)
	require.Equal(t, coreerrors.CodeUnauthorizedActor, coreerrors.CodeOf(err))
	require.Equal(t, StatusCreated, h.status(id).Status)

	_, err = h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: "garbage"})
	require.ErrorIs(t, err, coreerrors.ErrValidation)

	_, err = h.engine.Fund(h.ctx, FundRequest{EscrowID: "not-a-uuid", Source: h.seller})
	require.ErrorIs(t, err, coreerrors.ErrValidation)
	require.Zero(t, h.ledger.count("fund"))
}

func TestActivate(t *testing.T) {
	h := newHarness(t)
	id := h.create("trade-activate", 100)

	_, err := h.engine.Activate(h.ctx, ActivateRequest{EscrowID: id, Actor: h.buyer})
	require.Equal(t, coreerrors.CodeInvalidState, coreerrors.CodeOf(err))

	_, err = h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	require.NoError(t, err)
	active, err := h.engine.Activate(h.ctx, ActivateRequest{EscrowID: id, Actor: h.buyer})
	require.NoError(t, err)
	require.Equal(t, StatusActive, active.Status)

	released, err := h.release(id, "trade-activate", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, released.Status)
}

func TestReleaseRejectsForeignSignature(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-sig", 100)
	stranger, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: h.proof(stranger, "trade-sig", h.clock.Now())})
	require.ErrorIs(t, err, coreerrors.ErrSignatureInvalid)
	require.Equal(t, StatusFunded, h.status(id).Status)
	require.Zero(t, h.ledger.count("release"))

	last := h.lastEntry()
	require.Equal(t, "escrow.release_rejected", last.EventType)
	require.Equal(t, audit.SeverityWarning, last.Severity)
	require.Contains(t, last.Tags(), audit.TagSecurity)

	// A valid signature over another trade's message fails the same way.
	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: h.proof(h.buyerKey, "trade-other", h.clock.Now())})
	require.ErrorIs(t, err, coreerrors.ErrSignatureInvalid)

	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: ReleaseProof{Signature: "0xzz", Timestamp: h.clock.Now().Unix()}})
	require.ErrorIs(t, err, coreerrors.ErrValidation)
}

func TestReleaseByArbitrator(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-arb", 100)
	released, err := h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: h.proof(h.arbitratorKey, "trade-arb", h.clock.Now())})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, released.Status)
	require.Equal(t, h.arbitrator, h.lastEntry().ActorRef)
}

func TestReleaseProofFreshness(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-stale", 100)
	now := h.clock.Now()

	_, err := h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: h.proof(h.buyerKey, "trade-stale", now.Add(-16*time.Minute))})
	require.Equal(t, coreerrors.CodeProofExpired, coreerrors.CodeOf(err))

	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: h.proof(h.buyerKey, "trade-stale", now.Add(10*time.Minute))})
	require.Equal(t, coreerrors.CodeProofExpired, coreerrors.CodeOf(err))

	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: h.proof(h.buyerKey, "trade-stale", now.Add(-14*time.Minute))})
	require.NoError(t, err)
}

func TestHighRiskReleaseIsHeld(t *testing.T) {
	h := newHarness(t, withScore(75))
	id := h.create("trade-hold", 100)
	h.clock.Advance(10 * time.Minute)
	_, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	require.NoError(t, err)
	fundedAt := h.clock.Now()

	h.clock.Advance(time.Hour)
	_, err = h.release(id, "trade-hold", nil)
	require.ErrorIs(t, err, coreerrors.ErrSecurityRejection)
	typed, ok := coreerrors.As(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.CodeReleaseCoolingOff, typed.Code)
	require.True(t, typed.RetryAfter.Equal(fundedAt.Add(2*time.Hour)), "retry after %s", typed.RetryAfter)
	require.True(t, typed.Retryable())
	require.Equal(t, StatusFunded, h.status(id).Status)

	h.clock.Set(fundedAt.Add(2 * time.Hour))
	released, err := h.release(id, "trade-hold", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, released.Status)
}

func TestPartialRelease(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-partial", 1000)

	partial, err := h.release(id, "trade-partial", dec(400))
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyReleased, partial.Status)
	view := h.status(id)
	require.Equal(t, "400", view.ReleasedAmount)
	require.Equal(t, "600", view.Remaining)

	h.clock.Advance(time.Second)
	_, err = h.release(id, "trade-partial", dec(600))
	require.Equal(t, coreerrors.CodeInvalidPartialAmount, coreerrors.CodeOf(err))
	_, err = h.release(id, "trade-partial", dec(0))
	require.Equal(t, coreerrors.CodeInvalidPartialAmount, coreerrors.CodeOf(err))

	done, err := h.release(id, "trade-partial", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, "0", h.status(id).Remaining)
	require.Equal(t, 2, h.ledger.count("release"))
	require.Len(t, h.published(EventTypeEscrowPartiallyReleased), 1)
}

func TestReleaseProofCannotBeReused(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-replay", 1000)
	proof := h.proof(h.buyerKey, "trade-replay", h.clock.Now())

	_, err := h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: proof, Partial: dec(100)})
	require.NoError(t, err)
	stored, err := h.store.Get(h.ctx, uuid.MustParse(id))
	require.NoError(t, err)
	require.Equal(t, proof.Timestamp, stored.LastProofAt)

	h.clock.Advance(time.Minute)
	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: proof})
	require.ErrorIs(t, err, coreerrors.ErrValidation)
	require.Equal(t, coreerrors.CodeProofReplayed, coreerrors.CodeOf(err))
	older := h.proof(h.buyerKey, "trade-replay", h.clock.Now().Add(-2*time.Minute))
	_, err = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: older})
	require.Equal(t, coreerrors.CodeProofReplayed, coreerrors.CodeOf(err))
	require.Equal(t, "900", h.status(id).Remaining)
	require.Equal(t, 1, h.ledger.count("release"))

	done, err := h.release(id, "trade-replay", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
}

func TestRefundAuthorization(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-refund", 100)

	_, err := h.engine.Refund(h.ctx, RefundRequest{EscrowID: id, Initiator: h.buyer})
	require.Equal(t, coreerrors.CodeUnauthorizedActor, coreerrors.CodeOf(err))

	refunded, err := h.engine.Refund(h.ctx, RefundRequest{EscrowID: id, Initiator: h.seller})
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, refunded.Status)

	id2 := h.funded("trade-refund-arb", 100)
	refunded, err = h.engine.Refund(h.ctx, RefundRequest{EscrowID: id2, Initiator: h.arbitrator})
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, refunded.Status)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	h := newHarness(t)
	completed := h.funded("trade-final", 100)
	_, err := h.release(completed, "trade-final", nil)
	require.NoError(t, err)
	refunded := h.funded("trade-final-refund", 100)
	_, err = h.engine.Refund(h.ctx, RefundRequest{EscrowID: refunded, Initiator: h.seller})
	require.NoError(t, err)
	expired := h.create("trade-final-expired", 100)
	h.clock.Advance(73 * time.Hour)
	_, err = h.engine.Expire(h.ctx, ExpireRequest{EscrowID: expired})
	require.NoError(t, err)

	for id, want := range map[string]Status{completed: StatusCompleted, refunded: StatusRefunded, expired: StatusExpired} {
		trade := h.status(id).TradeID
		attempts := []error{}
		_, err = h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
		attempts = append(attempts, err)
		_, err = h.engine.Activate(h.ctx, ActivateRequest{EscrowID: id, Actor: h.buyer})
		attempts = append(attempts, err)
		_, err = h.release(id, trade, nil)
		attempts = append(attempts, err)
		_, err = h.engine.Refund(h.ctx, RefundRequest{EscrowID: id, Initiator: h.seller})
		attempts = append(attempts, err)
		_, err = h.engine.Expire(h.ctx, ExpireRequest{EscrowID: id})
		attempts = append(attempts, err)
		_, err = h.disputes.Open(h.ctx, OpenRequest{TradeID: trade, Initiator: h.buyer, Reason: "goods never arrived"})
		attempts = append(attempts, err)
		for _, err := range attempts {
			require.ErrorIs(t, err, coreerrors.ErrStateConflict)
		}
		require.Equal(t, want, h.status(id).Status)
	}
}

func TestConcurrentReleasesCommitOnce(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-race", 100)

	var (
		wg      sync.WaitGroup
		ready   = make(chan struct{})
		results = make([]error, 2)
	)
	for i := range results {
		proof := h.proof(h.buyerKey, "trade-race", h.clock.Now())
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, results[i] = h.engine.Release(h.ctx, ReleaseRequest{EscrowID: id, Proof: proof})
		}(i)
	}
	close(ready)
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, coreerrors.ErrStateConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicted)
	require.Equal(t, StatusCompleted, h.status(id).Status)
	require.Equal(t, 1, h.ledger.count("release"))
	require.Len(t, h.published(EventTypeEscrowReleased), 1)
	require.Zero(t, h.engine.locks.size())
}

func TestPendingSubmissionBlocksOtherActions(t *testing.T) {
	h := newHarness(t)
	id := h.create("trade-pending", 100)
	proceed := h.ledger.hold("fund")

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return h.status(id).PendingAction == ActionFund
	}, time.Second, 5*time.Millisecond)

	_, err := h.engine.Refund(h.ctx, RefundRequest{EscrowID: id, Initiator: h.seller})
	require.ErrorIs(t, err, coreerrors.ErrStateConflict)
	require.Equal(t, coreerrors.CodeSubmissionPending, coreerrors.CodeOf(err))

	close(proceed)
	require.NoError(t, <-done)
	view := h.status(id)
	require.Equal(t, StatusFunded, view.Status)
	require.Empty(t, view.PendingAction)
}

func TestLedgerFailureKeepsLastGoodState(t *testing.T) {
	h := newHarness(t)
	id := h.create("trade-ledger", 100)

	h.ledger.setFailure("fund", errors.New("node unreachable"))
	_, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	require.ErrorIs(t, err, coreerrors.ErrLedgerFailure)
	require.Equal(t, coreerrors.CodeLedgerUnavailable, coreerrors.CodeOf(err))
	typed, _ := coreerrors.As(err)
	require.True(t, typed.Retryable())

	view := h.status(id)
	require.Equal(t, StatusCreated, view.Status)
	require.Empty(t, view.PendingAction)
	last := h.lastEntry()
	require.Equal(t, EventTypeEscrowLedgerFailed, last.EventType)
	require.Equal(t, audit.SeverityError, last.Severity)
	failed := h.published(EventTypeEscrowLedgerFailed)
	require.Len(t, failed, 1)
	require.Equal(t, ActionFund, failed[0].Attribute("action"))

	h.ledger.setFailure("fund", &ledger.RPCError{Method: ledger.MethodFund, Code: -32000, Message: "insufficient balance"})
	_, err = h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	require.Equal(t, coreerrors.CodeLedgerRejected, coreerrors.CodeOf(err))

	h.ledger.setFailure("fund", nil)
	funded, err := h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	require.NoError(t, err)
	require.Equal(t, StatusFunded, funded.Status)
	require.Equal(t, []string{
		EventTypeEscrowCreated,
		EventTypeEscrowLedgerFailed,
		EventTypeEscrowLedgerFailed,
		EventTypeEscrowFunded,
	}, h.eventTypes())
}

func TestConfirmationTimeoutIsLedgerFailure(t *testing.T) {
	h := newHarness(t, withConfirmationTimeout(50*time.Millisecond))
	id := h.funded("trade-timeout", 100)

	h.ledger.setFailure("confirm", context.DeadlineExceeded)
	_, err := h.release(id, "trade-timeout", nil)
	require.ErrorIs(t, err, coreerrors.ErrLedgerFailure)
	require.Equal(t, coreerrors.CodeLedgerTimeout, coreerrors.CodeOf(err))
	require.Equal(t, StatusFunded, h.status(id).Status)
}

func TestCreateLedgerFailureDiscardsReservation(t *testing.T) {
	h := newHarness(t)
	h.ledger.setFailure("create", errors.New("connection refused"))

	_, err := h.engine.Create(h.ctx, h.createRequest("trade-reserve", 100))
	require.ErrorIs(t, err, coreerrors.ErrLedgerFailure)
	_, err = h.store.GetByTradeID(h.ctx, "trade-reserve")
	require.ErrorIs(t, err, coreerrors.ErrNotFound)
	require.Equal(t, []string{EventTypeEscrowLedgerFailed}, h.eventTypes())

	h.ledger.setFailure("create", nil)
	h.create("trade-reserve", 100)
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	unfunded := h.create("trade-exp-1", 100)
	funded := h.funded("trade-exp-2", 100)

	_, err := h.engine.Expire(h.ctx, ExpireRequest{EscrowID: unfunded})
	require.Equal(t, coreerrors.CodeEscrowNotExpired, coreerrors.CodeOf(err))

	h.clock.Advance(72*time.Hour + time.Second)
	expired, err := h.engine.Expire(h.ctx, ExpireRequest{EscrowID: unfunded})
	require.NoError(t, err)
	require.Equal(t, StatusExpired, expired.Status)
	require.Zero(t, h.ledger.count("refund"))

	expired, err = h.engine.Expire(h.ctx, ExpireRequest{EscrowID: funded, Actor: h.seller})
	require.NoError(t, err)
	require.Equal(t, StatusExpired, expired.Status)
	require.Equal(t, 1, h.ledger.count("refund"))
	require.Equal(t, h.seller, h.lastEntry().ActorRef)
}

func TestExpireOverdueSweep(t *testing.T) {
	h := newHarness(t)
	unfunded := h.create("trade-sweep-1", 100)
	funded := h.funded("trade-sweep-2", 100)
	disputed := h.funded("trade-sweep-3", 100)
	_, err := h.disputes.Open(h.ctx, OpenRequest{TradeID: "trade-sweep-3", Initiator: h.buyer, Reason: "seller stopped responding"})
	require.NoError(t, err)

	h.clock.Advance(73 * time.Hour)
	n, err := h.engine.ExpireOverdue(h.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StatusExpired, h.status(unfunded).Status)
	require.Equal(t, StatusFunded, h.status(funded).Status)

	h.clock.Advance(7 * 24 * time.Hour)
	n, err = h.engine.ExpireOverdue(h.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StatusExpired, h.status(funded).Status)
	require.Equal(t, StatusDisputed, h.status(disputed).Status)

	n, err = h.engine.ExpireOverdue(h.ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEveryAttemptWritesOneEntry(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-count", 100)
	before := len(h.entries())

	_, _ = h.engine.Refund(h.ctx, RefundRequest{EscrowID: id, Initiator: h.buyer})
	_, _ = h.engine.Fund(h.ctx, FundRequest{EscrowID: id, Source: h.seller})
	_, _ = h.engine.Activate(h.ctx, ActivateRequest{EscrowID: id, Actor: h.seller})
	_, _ = h.release(id, "trade-count", dec(1000))

	require.Len(t, h.entries(), before+4)
	report, err := h.log.VerifyAll(h.ctx)
	require.NoError(t, err)
	require.True(t, report.IsValid)
}

func TestLogsMaskSessionAndSource(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, withLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	origin := Origin{SessionRef: "sess-7f3a9c", SourceAddress: "203.0.113.9"}

	req := h.createRequest("trade-masked", 100)
	req.Origin = origin
	res, err := h.engine.Create(h.ctx, req)
	require.NoError(t, err)
	_, err = h.engine.Fund(h.ctx, FundRequest{EscrowID: res.EscrowID, Source: h.buyer, Origin: origin})
	require.Error(t, err)

	out := buf.String()
	require.Contains(t, out, "escrow transition committed")
	require.Contains(t, out, "escrow action rejected")
	require.Contains(t, out, `"sessionRef":"[REDACTED]"`)
	require.Contains(t, out, `"sourceAddr":"[REDACTED]"`)
	require.NotContains(t, out, "sess-7f3a9c")
	require.NotContains(t, out, "203.0.113.9")

	entries := h.entries()
	require.Equal(t, "sess-7f3a9c", entries[len(entries)-1].SessionRef)
}

func TestStatusView(t *testing.T) {
	h := newHarness(t)
	id := h.funded("trade-view", 250)
	view := h.status(id)
	require.Equal(t, id, view.ID)
	require.Equal(t, "trade-view", view.TradeID)
	require.Equal(t, h.buyer, view.Buyer)
	require.Equal(t, "USDT", view.Token)
	require.Equal(t, "250", view.Amount)
	require.Equal(t, "250", view.Remaining)
	require.Equal(t, start.Add(72*time.Hour), view.TimeoutAt.UTC())
	require.NotEmpty(t, view.LedgerTxRef)
	require.Empty(t, view.OpenDisputeID)

	_, err := h.engine.Status(h.ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, coreerrors.ErrNotFound)
}
