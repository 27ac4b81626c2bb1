package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradeguard/audit"
	coreerrors "tradeguard/core/errors"
	"tradeguard/core/events"
	"tradeguard/crypto"
	"tradeguard/ledger"
	"tradeguard/native/security"
	"tradeguard/observability"
	"tradeguard/observability/logging"
)

// Attempted actions as recorded in the audit trail.
const (
	ActionCreate   = "create"
	ActionFund     = "fund"
	ActionActivate = "activate"
	ActionRelease  = "release"
	ActionRefund   = "refund"
	ActionExpire   = "expire"
	ActionDispute  = "dispute"
	ActionResolve  = "resolve"
)

// SystemActor is recorded for transitions the service performs on its own.
const SystemActor = "system"

// maxProofSkew bounds how far in the future a release proof may be dated.
const maxProofSkew = 5 * time.Minute

// Config holds the escrow policy knobs.
type Config struct {
	DefaultTimeout       time.Duration
	ReleaseHoldThreshold int
	ReleaseHoldDelay     time.Duration
	DisputeWindow        time.Duration
	ProofMaxAge          time.Duration
	Confirmations        int
	ConfirmationTimeout  time.Duration
	PollInterval         time.Duration
}

// DefaultConfig returns the stock escrow policy.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:       72 * time.Hour,
		ReleaseHoldThreshold: 70,
		ReleaseHoldDelay:     2 * time.Hour,
		DisputeWindow:        7 * 24 * time.Hour,
		ProofMaxAge:          15 * time.Minute,
		Confirmations:        3,
		ConfirmationTimeout:  5 * time.Minute,
		PollInterval:         2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.ReleaseHoldThreshold <= 0 {
		c.ReleaseHoldThreshold = d.ReleaseHoldThreshold
	}
	if c.ReleaseHoldDelay <= 0 {
		c.ReleaseHoldDelay = d.ReleaseHoldDelay
	}
	if c.DisputeWindow <= 0 {
		c.DisputeWindow = d.DisputeWindow
	}
	if c.ProofMaxAge <= 0 {
		c.ProofMaxAge = d.ProofMaxAge
	}
	if c.Confirmations < 0 {
		c.Confirmations = 0
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Auditor is the slice of the audit log the engine writes through. Every
// state change commits in the same transaction as its audit entry.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (string, error)
	AppendWith(ctx context.Context, rec audit.Record, fn func(tx *gorm.DB) error) (string, error)
}

// Gate screens every state-changing action.
type Gate interface {
	Check(ctx context.Context, req security.Request) (security.Result, error)
}

// Option customises the engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithEmitter publishes committed transitions.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithVerifier replaces the release proof verifier.
func WithVerifier(v crypto.Verifier) Option {
	return func(e *Engine) {
		if v != nil {
			e.verifier = v
		}
	}
}

// Engine owns the escrow lifecycle. Mutations of one escrow are serialised by
// an in-process lock and guarded by an optimistic version column, so a stale
// writer observes a StateConflict instead of overwriting a newer state.
type Engine struct {
	store    *Store
	audit    Auditor
	gate     Gate
	ledger   ledger.Adapter
	verifier crypto.Verifier
	cfg      Config
	locks    *keyedMutex
	nowFn    func() time.Time
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
}

// NewEngine wires the state machine. store and auditor must share the same
// database so transitions and their audit entries commit atomically.
func NewEngine(store *Store, auditor Auditor, gate Gate, adapter ledger.Adapter, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		audit:    auditor,
		gate:     gate,
		ledger:   adapter,
		verifier: crypto.NewPersonalSignVerifier(),
		cfg:      cfg.withDefaults(),
		locks:    newKeyedMutex(),
		nowFn:    time.Now,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		metrics:  observability.Escrow(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective policy.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// Origin describes where a request came from. It is recorded in the audit
// trail and never influences a decision.
type Origin struct {
	SessionRef    string
	SourceAddress string
}

// CreateRequest opens an escrow for a trade.
type CreateRequest struct {
	TradeID    string
	Buyer      string
	Seller     string
	Arbitrator string
	// Initiator is the party requesting the escrow; it defaults to Buyer and
	// is the party whose volume and velocity are checked.
	Initiator string
	Amount    decimal.Decimal
	Token     string
	ChainID   int64
	// Timeout overrides the default deadline measured from creation.
	Timeout time.Duration
	Origin
}

// CreateResult reports the created escrow.
type CreateResult struct {
	EscrowID  string
	RiskScore int
	Flags     []string
}

// FundRequest records the seller's deposit.
type FundRequest struct {
	EscrowID string
	Source   string
	Origin
}

// ActivateRequest moves a funded escrow to Active.
type ActivateRequest struct {
	EscrowID string
	Actor    string
	Origin
}

// ReleaseProof is the signed payment confirmation. Signature is the 65-byte
// hex signature over "<tradeId>:PAYMENT_CONFIRMED:<timestamp>".
type ReleaseProof struct {
	Signature string
	Timestamp int64
}

// ReleaseRequest pays out the escrow, or part of it when Partial is set.
type ReleaseRequest struct {
	EscrowID string
	Proof    ReleaseProof
	Partial  *decimal.Decimal
	Origin
}

// RefundRequest returns the held balance to the seller.
type RefundRequest struct {
	EscrowID  string
	Initiator string
	Origin
}

// ExpireRequest expires an escrow past its deadline.
type ExpireRequest struct {
	EscrowID string
	Actor    string
	Origin
}

// transition is a validated, not yet committed state change.
type transition struct {
	target    Status
	eventType string
	// submit performs the ledger call; nil for local-only transitions.
	submit func(ctx context.Context) (ledger.TxRef, error)
	// columns returns the extra column updates, computed against the escrow
	// as reloaded right before commit.
	columns func(esc *Escrow, now time.Time) map[string]any
	// within runs inside the commit transaction.
	within  func(tx *gorm.DB, esc *Escrow, now time.Time) error
	details map[string]any
	attrs   map[string]string
}

// operation is one attempted action against an existing escrow.
type operation struct {
	action   string
	escrowID string
	actor    string
	origin   Origin
	resource string
	details  map[string]any
	validate func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error)
}

// Create screens the request, records the escrow on the ledger and persists
// it in Created.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	op := &operation{
		action:   ActionCreate,
		actor:    req.Initiator,
		origin:   req.Origin,
		resource: "trade:" + strings.TrimSpace(req.TradeID),
		details:  map[string]any{"tradeId": req.TradeID, "amount": req.Amount.String()},
	}
	req, err := e.normalizeCreate(req)
	if err != nil {
		return CreateResult{}, e.reject(ctx, op, nil, err)
	}
	op.actor = req.Initiator

	unlock := e.locks.Lock(op.resource)
	esc, err := e.reserve(ctx, req)
	unlock()
	if err != nil {
		return CreateResult{}, e.reject(ctx, op, nil, err)
	}
	op.escrowID = esc.ID.String()
	op.resource = "escrow:" + op.escrowID

	e.metrics.PendingInc()
	ref, ledgerErr := e.settle(ctx, func(ctx context.Context) (ledger.TxRef, error) {
		return e.ledger.CreateTrade(ctx, req.TradeID, req.Buyer, req.Seller, req.Amount)
	})
	e.metrics.PendingDec()

	ctx = context.WithoutCancel(ctx)
	unlock = e.locks.Lock(esc.ID.String())
	defer unlock()
	esc, err = e.store.Get(ctx, esc.ID)
	if err != nil {
		return CreateResult{}, err
	}
	if ledgerErr != nil {
		return CreateResult{}, e.ledgerFailed(ctx, op, esc, ledgerErr, func(tx *gorm.DB) error {
			res := tx.Where("id = ? AND version = ?", esc.ID, esc.Version).Delete(&Escrow{})
			if res.Error != nil {
				return fmt.Errorf("escrow: discard reservation: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return coreerrors.Conflict(coreerrors.CodeConcurrentUpdate, "escrow %s was modified concurrently", esc.ID)
			}
			return nil
		})
	}
	committed, err := e.commit(ctx, op, esc, &transition{
		target:    StatusCreated,
		eventType: EventTypeEscrowCreated,
		details: map[string]any{
			"tradeId":    esc.TradeID,
			"buyer":      esc.Buyer,
			"seller":     esc.Seller,
			"arbitrator": esc.Arbitrator,
			"amount":     esc.Amount.String(),
			"token":      esc.Token,
			"chainId":    esc.ChainID,
			"riskScore":  esc.RiskScore,
			"flags":      esc.Flags(),
			"timeoutAt":  esc.TimeoutAt.Format(time.RFC3339),
		},
	}, ref)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{EscrowID: committed.ID.String(), RiskScore: committed.RiskScore, Flags: committed.Flags()}, nil
}

func (e *Engine) normalizeCreate(req CreateRequest) (CreateRequest, error) {
	req.TradeID = strings.TrimSpace(req.TradeID)
	if req.TradeID == "" || len(req.TradeID) > 128 {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "trade id must be 1..128 characters")
	}
	var err error
	if req.Buyer, err = crypto.NormalizeAddress(req.Buyer); err != nil {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "buyer: %v", err)
	}
	if req.Seller, err = crypto.NormalizeAddress(req.Seller); err != nil {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "seller: %v", err)
	}
	if req.Buyer == req.Seller {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "buyer and seller must differ")
	}
	if strings.TrimSpace(req.Arbitrator) != "" {
		if req.Arbitrator, err = crypto.NormalizeAddress(req.Arbitrator); err != nil {
			return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "arbitrator: %v", err)
		}
		if req.Arbitrator == req.Buyer || req.Arbitrator == req.Seller {
			return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "arbitrator must not be a trading party")
		}
	} else {
		req.Arbitrator = ""
	}
	if strings.TrimSpace(req.Initiator) == "" {
		req.Initiator = req.Buyer
	} else if req.Initiator, err = crypto.NormalizeAddress(req.Initiator); err != nil {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "initiator: %v", err)
	}
	if req.Initiator != req.Buyer && req.Initiator != req.Seller {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "initiator must be the buyer or the seller")
	}
	if !req.Amount.IsPositive() {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "amount must be positive")
	}
	req.Token = strings.ToUpper(strings.TrimSpace(req.Token))
	if req.Token == "" {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "token required")
	}
	if req.ChainID <= 0 {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "chain id must be positive")
	}
	if req.Timeout < 0 {
		return req, coreerrors.Validation(coreerrors.CodeInvalidInput, "timeout must not be negative")
	}
	if req.Timeout == 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}
	return req, nil
}

// reserve runs the duplicate check and the security gate, then inserts the
// escrow in Created with the create submission pending.
func (e *Engine) reserve(ctx context.Context, req CreateRequest) (*Escrow, error) {
	_, err := e.store.GetByTradeID(ctx, req.TradeID)
	switch {
	case err == nil:
		return nil, coreerrors.Conflict(coreerrors.CodeDuplicateEscrow, "trade %s already has an escrow", req.TradeID)
	case !errors.Is(err, coreerrors.ErrNotFound):
		return nil, err
	}

	now := e.now()
	counterparty := req.Seller
	if req.Initiator == req.Seller {
		counterparty = req.Buyer
	}
	result, err := e.gate.Check(ctx, security.Request{
		Action:       security.ActionCreate,
		Initiator:    req.Initiator,
		Counterparty: counterparty,
		Amount:       req.Amount,
		At:           now,
		TradeID:      req.TradeID,
	})
	if err != nil {
		return nil, err
	}

	esc := &Escrow{
		ID:               uuid.New(),
		TradeID:          req.TradeID,
		Buyer:            req.Buyer,
		Seller:           req.Seller,
		Arbitrator:       req.Arbitrator,
		Amount:           req.Amount,
		ReleasedAmount:   decimal.Zero,
		Token:            req.Token,
		ChainID:          req.ChainID,
		Status:           StatusCreated,
		RiskScore:        result.Score(),
		SecurityFlags:    strings.Join(result.Flags, ","),
		InitiatorRef:     req.Initiator,
		TimeoutAt:        now.Add(req.Timeout),
		CreatedAt:        now,
		PendingAction:    ActionCreate,
		PendingSince:     &now,
		LastTransitionAt: now,
		Version:          1,
	}
	if err := e.store.insert(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// Fund records the seller's deposit once the ledger confirms it.
func (e *Engine) Fund(ctx context.Context, req FundRequest) (*Escrow, error) {
	return e.execute(ctx, &operation{
		action:   ActionFund,
		escrowID: req.EscrowID,
		actor:    req.Source,
		origin:   req.Origin,
		validate: func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error) {
			if esc.Status != StatusCreated {
				return nil, invalidState(esc, ActionFund)
			}
			source, err := e.authorize(op.actor, esc, RoleSeller)
			if err != nil {
				return nil, err
			}
			op.actor = source
			if err := e.screen(ctx, security.ActionFund, source, esc, now); err != nil {
				return nil, err
			}
			return &transition{
				target:    StatusFunded,
				eventType: EventTypeEscrowFunded,
				submit: func(ctx context.Context) (ledger.TxRef, error) {
					return e.ledger.FundEscrow(ctx, esc.ID.String(), esc.Amount)
				},
				columns: func(_ *Escrow, now time.Time) map[string]any {
					return map[string]any{"funded_at": now}
				},
				details: map[string]any{"amount": esc.Amount.String()},
			}, nil
		},
	})
}

// Activate moves a funded escrow to Active. Any party may activate.
func (e *Engine) Activate(ctx context.Context, req ActivateRequest) (*Escrow, error) {
	return e.execute(ctx, &operation{
		action:   ActionActivate,
		escrowID: req.EscrowID,
		actor:    req.Actor,
		origin:   req.Origin,
		validate: func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error) {
			if esc.Status != StatusFunded {
				return nil, invalidState(esc, ActionActivate)
			}
			actor, err := e.authorize(op.actor, esc, RoleBuyer, RoleSeller, RoleArbitrator)
			if err != nil {
				return nil, err
			}
			op.actor = actor
			if err := e.screen(ctx, security.ActionActivate, actor, esc, now); err != nil {
				return nil, err
			}
			return &transition{target: StatusActive, eventType: EventTypeEscrowActivated}, nil
		},
	})
}

// Release verifies the payment confirmation and pays out the escrow. The
// guards run in order: state, signature, gate, high-risk hold, proof age,
// amount.
func (e *Engine) Release(ctx context.Context, req ReleaseRequest) (*Escrow, error) {
	return e.execute(ctx, &operation{
		action:   ActionRelease,
		escrowID: req.EscrowID,
		origin:   req.Origin,
		validate: func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error) {
			if !esc.Status.Holding() {
				return nil, invalidState(esc, ActionRelease)
			}
			signer, role, err := e.verifyProof(esc, req.Proof)
			if err != nil {
				return nil, err
			}
			op.actor = signer
			if err := e.screen(ctx, security.ActionRelease, signer, esc, now); err != nil {
				return nil, err
			}
			if esc.RiskScore > e.cfg.ReleaseHoldThreshold {
				until := esc.LastTransitionAt.Add(e.cfg.ReleaseHoldDelay)
				if now.Before(until) {
					hold := coreerrors.Rejected(coreerrors.CodeReleaseCoolingOff, nil,
						"risk score %d holds release until %s", esc.RiskScore, until.Format(time.RFC3339))
					hold.RetryAfter = until
					return nil, hold
				}
			}
			signedAt := time.Unix(req.Proof.Timestamp, 0).UTC()
			if now.Sub(signedAt) > e.cfg.ProofMaxAge {
				return nil, coreerrors.Validation(coreerrors.CodeProofExpired, "release proof older than %s", e.cfg.ProofMaxAge)
			}
			if signedAt.Sub(now) > maxProofSkew {
				return nil, coreerrors.Validation(coreerrors.CodeProofExpired, "release proof dated in the future")
			}
			if req.Proof.Timestamp <= esc.LastProofAt {
				return nil, coreerrors.Validation(coreerrors.CodeProofReplayed, "release proof not newer than the last accepted proof")
			}
			proofAt := req.Proof.Timestamp

			remaining := esc.Remaining()
			details := map[string]any{"signerRole": role, "proofTimestamp": req.Proof.Timestamp}
			if req.Partial != nil {
				partial := *req.Partial
				if !partial.IsPositive() || !partial.LessThan(remaining) {
					return nil, coreerrors.Validation(coreerrors.CodeInvalidPartialAmount,
						"partial amount %s must be above zero and below the remaining %s", partial, remaining)
				}
				details["amount"] = partial.String()
				return &transition{
					target:    StatusPartiallyReleased,
					eventType: EventTypeEscrowPartiallyReleased,
					submit: func(ctx context.Context) (ledger.TxRef, error) {
						return e.ledger.ReleaseEscrow(ctx, esc.ID.String(), &partial)
					},
					columns: func(current *Escrow, _ time.Time) map[string]any {
						return map[string]any{"released_amount": current.ReleasedAmount.Add(partial), "last_proof_at": proofAt}
					},
					details: details,
					attrs:   map[string]string{"releasedNow": partial.String()},
				}, nil
			}
			details["amount"] = remaining.String()
			return &transition{
				target:    StatusCompleted,
				eventType: EventTypeEscrowReleased,
				submit: func(ctx context.Context) (ledger.TxRef, error) {
					return e.ledger.ReleaseEscrow(ctx, esc.ID.String(), nil)
				},
				columns: func(current *Escrow, now time.Time) map[string]any {
					cols := releaseAll(current, now)
					cols["last_proof_at"] = proofAt
					return cols
				},
				details: details,
				attrs:   map[string]string{"releasedNow": remaining.String()},
			}, nil
		},
	})
}

// Refund returns the held balance to the seller on the seller's or the
// arbitrator's authorization.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (*Escrow, error) {
	return e.execute(ctx, &operation{
		action:   ActionRefund,
		escrowID: req.EscrowID,
		actor:    req.Initiator,
		origin:   req.Origin,
		validate: func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error) {
			if !esc.Status.Holding() {
				return nil, invalidState(esc, ActionRefund)
			}
			initiator, err := e.authorize(op.actor, esc, RoleSeller, RoleArbitrator)
			if err != nil {
				return nil, err
			}
			op.actor = initiator
			if err := e.screen(ctx, security.ActionRefund, initiator, esc, now); err != nil {
				return nil, err
			}
			return &transition{
				target:    StatusRefunded,
				eventType: EventTypeEscrowRefunded,
				submit: func(ctx context.Context) (ledger.TxRef, error) {
					return e.ledger.RefundEscrow(ctx, esc.ID.String())
				},
				details: map[string]any{"amount": esc.Remaining().String()},
			}, nil
		},
	})
}

// Expire closes a non-terminal escrow past its deadline. A held balance is
// refunded through the ledger first.
func (e *Engine) Expire(ctx context.Context, req ExpireRequest) (*Escrow, error) {
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = SystemActor
	}
	return e.execute(ctx, &operation{
		action:   ActionExpire,
		escrowID: req.EscrowID,
		actor:    actor,
		origin:   req.Origin,
		validate: func(_ context.Context, _ *operation, esc *Escrow, now time.Time) (*transition, error) {
			if !now.After(esc.TimeoutAt) {
				return nil, coreerrors.Conflict(coreerrors.CodeEscrowNotExpired,
					"escrow %s is due at %s", esc.ID, esc.TimeoutAt.Format(time.RFC3339))
			}
			tr := &transition{
				target:    StatusExpired,
				eventType: EventTypeEscrowExpired,
				details:   map[string]any{"from": string(esc.Status), "timeoutAt": esc.TimeoutAt.Format(time.RFC3339)},
			}
			if esc.Status != StatusCreated {
				tr.details["refunded"] = esc.Remaining().String()
				tr.submit = func(ctx context.Context) (ledger.TxRef, error) {
					return e.ledger.RefundEscrow(ctx, esc.ID.String())
				}
			}
			return tr, nil
		},
	})
}

// Status returns the read projection of an escrow.
func (e *Engine) Status(ctx context.Context, escrowID string) (View, error) {
	id, err := parseID(escrowID)
	if err != nil {
		return View{}, err
	}
	esc, err := e.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	var open *Dispute
	if esc.Status == StatusDisputed {
		if open, err = e.store.OpenDispute(ctx, esc.ID); err != nil {
			return View{}, err
		}
	}
	return newView(esc, open), nil
}

// ExpireOverdue expires up to limit escrows: unfunded ones past their
// deadline, funded ones once the dispute window after the deadline closed.
// Disputed escrows are left to arbitration. Failures are logged and skipped.
func (e *Engine) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := e.now()
	due, err := e.store.Overdue(ctx, now, now.Add(-e.cfg.DisputeWindow), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, esc := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if _, err := e.Expire(ctx, ExpireRequest{EscrowID: esc.ID.String(), Actor: SystemActor}); err != nil {
			e.logger.Warn("escrow expiry failed",
				slog.String("escrowId", esc.ID.String()),
				slog.String("tradeId", esc.TradeID),
				slog.Any("error", err))
			continue
		}
		e.metrics.RecordExpired()
		expired++
	}
	return expired, nil
}

func releaseAll(current *Escrow, now time.Time) map[string]any {
	return map[string]any{"released_amount": current.Amount, "released_at": now}
}

// execute runs op under the escrow's lock. Ledger-bound transitions mark the
// escrow pending, drop the lock for the confirmation wait and re-acquire it to
// commit or roll back. Exactly one audit entry is written per attempt.
func (e *Engine) execute(ctx context.Context, op *operation) (*Escrow, error) {
	id, err := parseID(op.escrowID)
	if err != nil {
		op.resource = "escrow:" + strings.TrimSpace(op.escrowID)
		return nil, e.reject(ctx, op, nil, err)
	}
	op.escrowID = id.String()
	op.resource = "escrow:" + op.escrowID

	unlock := e.locks.Lock(op.escrowID)
	esc, tr, err := e.plan(ctx, id, op)
	if err != nil {
		unlock()
		return nil, e.reject(ctx, op, esc, err)
	}
	if tr.submit == nil {
		defer unlock()
		return e.commit(ctx, op, esc, tr, "")
	}
	if err := e.store.markPending(ctx, esc, op.action, e.now()); err != nil {
		unlock()
		return nil, e.reject(ctx, op, esc, err)
	}
	unlock()

	e.metrics.PendingInc()
	ref, ledgerErr := e.settle(ctx, tr.submit)
	e.metrics.PendingDec()

	// The submission cannot be withdrawn; finish the bookkeeping even if the
	// caller went away.
	ctx = context.WithoutCancel(ctx)
	unlock = e.locks.Lock(op.escrowID)
	defer unlock()
	esc, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ledgerErr != nil {
		return nil, e.ledgerFailed(ctx, op, esc, ledgerErr, func(tx *gorm.DB) error {
			return e.store.versioned(tx, esc, map[string]any{"pending_action": "", "pending_since": nil})
		})
	}
	return e.commit(ctx, op, esc, tr, ref)
}

func (e *Engine) plan(ctx context.Context, id uuid.UUID, op *operation) (*Escrow, *transition, error) {
	esc, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if esc.Pending() {
		return esc, nil, coreerrors.Conflict(coreerrors.CodeSubmissionPending,
			"escrow %s has a pending %s submission", esc.ID, esc.PendingAction)
	}
	if esc.Status.Terminal() {
		return esc, nil, invalidState(esc, op.action)
	}
	tr, err := op.validate(ctx, op, esc, e.now())
	if err != nil {
		return esc, nil, err
	}
	return esc, tr, nil
}

// settle submits and awaits confirmations within the configured bound. It is
// detached from the caller's cancellation.
func (e *Engine) settle(ctx context.Context, submit func(context.Context) (ledger.TxRef, error)) (ledger.TxRef, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmationTimeout)
	defer cancel()
	ref, err := submit(ctx)
	if err != nil {
		return "", err
	}
	if err := e.ledger.WaitForConfirmations(ctx, ref, e.cfg.Confirmations, e.cfg.PollInterval); err != nil {
		return ref, err
	}
	return ref, nil
}

// commit applies tr and its audit entry in one transaction.
func (e *Engine) commit(ctx context.Context, op *operation, esc *Escrow, tr *transition, ref ledger.TxRef) (*Escrow, error) {
	now := e.now()
	from := esc.Status
	columns := map[string]any{
		"status":             tr.target,
		"pending_action":     "",
		"pending_since":      nil,
		"last_transition_at": now,
	}
	if tr.columns != nil {
		for k, v := range tr.columns(esc, now) {
			columns[k] = v
		}
	}
	if ref != "" {
		columns["ledger_tx_ref"] = string(ref)
	}
	details := map[string]any{"from": string(from), "to": string(tr.target)}
	for k, v := range tr.details {
		details[k] = v
	}
	if ref != "" {
		details["txRef"] = string(ref)
	}
	if op.action == ActionCreate {
		details["from"] = ""
	}

	_, err := e.audit.AppendWith(ctx, audit.Record{
		EventType:     tr.eventType,
		Severity:      audit.SeverityInfo,
		ActorRef:      op.actor,
		SessionRef:    op.origin.SessionRef,
		SourceAddress: op.origin.SourceAddress,
		Resource:      op.resource,
		Action:        op.action,
		Details:       details,
	}, func(tx *gorm.DB) error {
		if err := e.store.versioned(tx, esc, columns); err != nil {
			return err
		}
		if tr.within != nil {
			return tr.within(tx, esc, now)
		}
		return nil
	})
	if err != nil {
		return nil, e.reject(ctx, op, esc, err)
	}

	updated, err := e.store.Get(ctx, esc.ID)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(newEscrowEvent(tr.eventType, updated, now, tr.attrs))
	e.metrics.RecordTransition(op.action, "committed")
	e.logger.Info("escrow transition committed",
		slog.String("escrowId", updated.ID.String()),
		slog.String("tradeId", updated.TradeID),
		slog.String("action", op.action),
		slog.String("from", string(from)),
		slog.String("to", string(updated.Status)),
		slog.String("actor", logging.ShortRef(op.actor)),
		logging.MaskField("sessionRef", op.origin.SessionRef),
		logging.MaskField("sourceAddr", op.origin.SourceAddress),
		slog.String("txRef", string(ref)))
	return updated, nil
}

// reject records a refused attempt and returns cause unchanged.
func (e *Engine) reject(ctx context.Context, op *operation, esc *Escrow, cause error) error {
	severity := audit.SeverityWarning
	details := map[string]any{"error": cause.Error()}
	for k, v := range op.details {
		details[k] = v
	}
	if typed, ok := coreerrors.As(cause); ok {
		details["kind"] = string(typed.Kind)
		details["code"] = typed.Code
		if len(typed.Flags) > 0 {
			details["flags"] = typed.Flags
		}
		if !typed.RetryAfter.IsZero() {
			details["retryAfter"] = typed.RetryAfter.UTC().Format(time.RFC3339)
		}
	} else {
		severity = audit.SeverityError
	}
	if esc != nil {
		details["status"] = string(esc.Status)
	}
	resource := op.resource
	if resource == "" {
		resource = "escrow:" + op.escrowID
	}

	if _, err := e.audit.Append(ctx, audit.Record{
		EventType:     rejectedEventType(op.action),
		Severity:      severity,
		ActorRef:      op.actor,
		SessionRef:    op.origin.SessionRef,
		SourceAddress: op.origin.SourceAddress,
		Resource:      resource,
		Action:        op.action,
		Details:       details,
	}); err != nil {
		e.logger.Error("escrow: audit rejected attempt failed",
			slog.String("action", op.action),
			slog.String("resource", resource),
			slog.Any("error", err))
	}
	e.metrics.RecordTransition(op.action, "rejected")
	level := slog.LevelWarn
	if severity == audit.SeverityError {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "escrow action rejected",
		slog.String("action", op.action),
		slog.String("resource", resource),
		slog.String("actor", logging.ShortRef(op.actor)),
		logging.MaskField("sessionRef", op.origin.SessionRef),
		logging.MaskField("sourceAddr", op.origin.SourceAddress),
		slog.String("code", coreerrors.CodeOf(cause)),
		slog.Any("error", cause))
	return cause
}

// ledgerFailed rolls the pending submission back with rollback, records an
// Error entry and publishes escrow.ledger_failed.
func (e *Engine) ledgerFailed(ctx context.Context, op *operation, esc *Escrow, cause error, rollback func(tx *gorm.DB) error) error {
	code := ledgerCode(cause)
	failure := coreerrors.Ledger(code, cause, "ledger %s for escrow %s failed", op.action, esc.ID)
	now := e.now()
	_, err := e.audit.AppendWith(ctx, audit.Record{
		EventType:     EventTypeEscrowLedgerFailed,
		Severity:      audit.SeverityError,
		ActorRef:      op.actor,
		SessionRef:    op.origin.SessionRef,
		SourceAddress: op.origin.SourceAddress,
		Resource:      op.resource,
		Action:        op.action,
		Details: map[string]any{
			"code":   code,
			"error":  cause.Error(),
			"status": string(esc.Status),
		},
	}, rollback)
	if err != nil {
		e.logger.Error("escrow: record ledger failure failed",
			slog.String("escrowId", esc.ID.String()),
			slog.Any("error", err))
	}
	e.emitter.Emit(newEscrowEvent(EventTypeEscrowLedgerFailed, esc, now, map[string]string{
		"action": op.action,
		"code":   code,
	}))
	e.metrics.RecordTransition(op.action, "ledger_failed")
	e.logger.Error("escrow ledger submission failed",
		slog.String("escrowId", esc.ID.String()),
		slog.String("tradeId", esc.TradeID),
		slog.String("action", op.action),
		slog.String("code", code),
		slog.Any("error", cause))
	return failure
}

func ledgerCode(err error) string {
	var rpcErr *ledger.RPCError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return coreerrors.CodeLedgerTimeout
	case errors.As(err, &rpcErr), errors.Is(err, ledger.ErrTxFailed):
		return coreerrors.CodeLedgerRejected
	}
	return coreerrors.CodeLedgerUnavailable
}

// authorize normalises actor and checks it holds one of roles in esc.
func (e *Engine) authorize(actor string, esc *Escrow, roles ...string) (string, error) {
	addr, err := crypto.NormalizeAddress(actor)
	if err != nil {
		return actor, coreerrors.Validation(coreerrors.CodeInvalidInput, "actor: %v", err)
	}
	role := esc.roleOf(addr)
	for _, allowed := range roles {
		if role == allowed {
			return addr, nil
		}
	}
	return addr, coreerrors.Rejected(coreerrors.CodeUnauthorizedActor, nil,
		"%s may not act on escrow %s as %s", logging.ShortRef(addr), esc.ID, strings.Join(roles, " or "))
}

// screen runs the security gate for a non-create action.
func (e *Engine) screen(ctx context.Context, action security.Action, actor string, esc *Escrow, now time.Time) error {
	_, err := e.gate.Check(ctx, security.Request{
		Action:    action,
		Initiator: actor,
		Amount:    esc.Remaining(),
		At:        now,
		TradeID:   esc.TradeID,
	})
	return err
}

// verifyProof returns the proof signer, who must be the buyer or the
// arbitrator.
func (e *Engine) verifyProof(esc *Escrow, proof ReleaseProof) (string, string, error) {
	sig, err := crypto.DecodeSignature(proof.Signature)
	if err != nil {
		return "", "", coreerrors.Validation(coreerrors.CodeInvalidInput, "release proof: %v", err)
	}
	message := crypto.ReleaseMessage(esc.TradeID, proof.Timestamp)
	candidates := []struct{ role, addr string }{{RoleBuyer, esc.Buyer}, {RoleArbitrator, esc.Arbitrator}}
	for _, c := range candidates {
		if c.addr == "" {
			continue
		}
		ok, err := e.verifier.Verify(message, sig, c.addr)
		if err != nil {
			return "", "", coreerrors.SignatureInvalid("release proof: %v", err)
		}
		if ok {
			return c.addr, c.role, nil
		}
	}
	return "", "", coreerrors.SignatureInvalid("release proof for trade %s is not signed by the buyer or the arbitrator", esc.TradeID)
}

func invalidState(esc *Escrow, action string) error {
	return coreerrors.Conflict(coreerrors.CodeInvalidState, "cannot %s escrow %s in status %s", action, esc.ID, esc.Status)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, coreerrors.Validation(coreerrors.CodeInvalidInput, "invalid id %q", raw)
	}
	return id, nil
}
