package escrow

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	coreerrors "tradeguard/core/errors"
	"tradeguard/crypto"
	"tradeguard/ledger"
	"tradeguard/native/security"
)

const (
	MinReasonLength = 10
	MaxReasonLength = 1000
	MaxEvidenceRefs = 10
)

// OpenRequest contests a trade.
type OpenRequest struct {
	TradeID   string
	Initiator string
	Reason    string
	Evidence  []string
	Origin
}

// ResolveRequest settles a dispute. RefundAmount is the part of the remaining
// balance returned to the seller; it is required for PartialRefund and
// Arbitration.
type ResolveRequest struct {
	DisputeID    string
	Arbitrator   string
	Resolution   Resolution
	RefundAmount *decimal.Decimal
	Origin
}

// DisputeManager handles contested escrows on top of the engine's
// transition machinery.
type DisputeManager struct {
	engine *Engine
}

// NewDisputeManager binds a dispute manager to engine.
func NewDisputeManager(engine *Engine) *DisputeManager {
	return &DisputeManager{engine: engine}
}

// Open moves a funded escrow to Disputed and returns the dispute id. Only the
// reason and evidence digests reach the ledger and the audit trail.
func (m *DisputeManager) Open(ctx context.Context, req OpenRequest) (string, error) {
	e := m.engine
	op := &operation{
		action:   ActionDispute,
		actor:    req.Initiator,
		origin:   req.Origin,
		resource: "trade:" + strings.TrimSpace(req.TradeID),
	}
	reason := strings.TrimSpace(req.Reason)
	if n := utf8.RuneCountInString(reason); n < MinReasonLength || n > MaxReasonLength {
		return "", e.reject(ctx, op, nil, coreerrors.Validation(coreerrors.CodeInvalidInput,
			"reason must be %d..%d characters", MinReasonLength, MaxReasonLength))
	}
	if len(req.Evidence) > MaxEvidenceRefs {
		return "", e.reject(ctx, op, nil, coreerrors.Validation(coreerrors.CodeInvalidInput,
			"at most %d evidence references", MaxEvidenceRefs))
	}
	evidence := make([]string, 0, len(req.Evidence))
	for _, ref := range req.Evidence {
		if ref = strings.TrimSpace(ref); ref == "" || strings.Contains(ref, "\n") {
			return "", e.reject(ctx, op, nil, coreerrors.Validation(coreerrors.CodeInvalidInput, "malformed evidence reference"))
		}
		evidence = append(evidence, ref)
	}
	esc, err := e.store.GetByTradeID(ctx, strings.TrimSpace(req.TradeID))
	if err != nil {
		return "", e.reject(ctx, op, nil, err)
	}

	disputeID := uuid.New()
	reasonHash := crypto.Keccak256([]byte(reason))
	evidenceHash := crypto.HashStrings(evidence)
	op.escrowID = esc.ID.String()
	op.validate = func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error) {
		if !esc.Status.Holding() {
			return nil, invalidState(esc, ActionDispute)
		}
		initiator, err := e.authorize(op.actor, esc, RoleBuyer, RoleSeller)
		if err != nil {
			return nil, err
		}
		op.actor = initiator
		if deadline := esc.TimeoutAt.Add(e.cfg.DisputeWindow); now.After(deadline) {
			return nil, coreerrors.Conflict(coreerrors.CodeDisputeWindowExpired,
				"dispute window for trade %s closed at %s", esc.TradeID, deadline.Format(time.RFC3339))
		}
		if err := e.screen(ctx, security.ActionDispute, initiator, esc, now); err != nil {
			return nil, err
		}
		role := esc.roleOf(initiator)
		return &transition{
			target:    StatusDisputed,
			eventType: EventTypeEscrowDisputed,
			submit: func(ctx context.Context) (ledger.TxRef, error) {
				return e.ledger.DisputeEscrow(ctx, esc.ID.String(), reasonHash)
			},
			columns: func(_ *Escrow, now time.Time) map[string]any {
				return map[string]any{"disputed_at": now}
			},
			within: func(tx *gorm.DB, esc *Escrow, now time.Time) error {
				return tx.Create(&Dispute{
					ID:           disputeID,
					EscrowID:     esc.ID,
					TradeID:      esc.TradeID,
					InitiatedBy:  role,
					Initiator:    initiator,
					Reason:       reason,
					EvidenceRefs: strings.Join(evidence, "\n"),
					EvidenceHash: evidenceHash.Hex(),
					CreatedAt:    now,
				}).Error
			},
			details: map[string]any{
				"disputeId":     disputeID.String(),
				"initiatedBy":   role,
				"reasonHash":    reasonHash.Hex(),
				"evidenceHash":  evidenceHash.Hex(),
				"evidenceCount": len(evidence),
			},
			attrs: map[string]string{"disputeId": disputeID.String(), "initiatedBy": role},
		}, nil
	}
	if _, err := e.execute(ctx, op); err != nil {
		return "", err
	}
	return disputeID.String(), nil
}

// Resolve applies the arbitrator's decision:
//   - BuyerWins releases the remaining balance (Completed)
//   - SellerWins refunds it (Refunded)
//   - PartialRefund keeps RefundAmount escrowed for the seller and releases
//     the rest (PartiallyReleased)
//   - Arbitration splits by RefundAmount, collapsing to one of the above at
//     zero or the full remaining balance
func (m *DisputeManager) Resolve(ctx context.Context, req ResolveRequest) (*Escrow, error) {
	e := m.engine
	op := &operation{
		action:   ActionResolve,
		actor:    req.Arbitrator,
		origin:   req.Origin,
		resource: "dispute:" + strings.TrimSpace(req.DisputeID),
		details:  map[string]any{"disputeId": req.DisputeID, "resolution": string(req.Resolution)},
	}
	id, err := parseID(req.DisputeID)
	if err != nil {
		return nil, e.reject(ctx, op, nil, err)
	}
	if !req.Resolution.Valid() {
		return nil, e.reject(ctx, op, nil, coreerrors.Validation(coreerrors.CodeInvalidResolution, "unknown resolution %q", req.Resolution))
	}
	dispute, err := e.store.GetDispute(ctx, id)
	if err != nil {
		return nil, e.reject(ctx, op, nil, err)
	}
	if dispute.Resolved() {
		return nil, e.reject(ctx, op, nil, coreerrors.Conflict(coreerrors.CodeInvalidState, "dispute %s already resolved", id))
	}

	op.escrowID = dispute.EscrowID.String()
	op.validate = func(ctx context.Context, op *operation, esc *Escrow, now time.Time) (*transition, error) {
		if esc.Status != StatusDisputed {
			return nil, invalidState(esc, ActionResolve)
		}
		arbitrator, err := e.authorize(op.actor, esc, RoleArbitrator)
		if err != nil {
			return nil, err
		}
		op.actor = arbitrator
		if err := e.screen(ctx, security.ActionResolve, arbitrator, esc, now); err != nil {
			return nil, err
		}
		remaining := esc.Remaining()
		refund, err := refundShare(req.Resolution, req.RefundAmount, remaining)
		if err != nil {
			return nil, err
		}

		tr := &transition{
			eventType: EventTypeEscrowResolved,
			details: map[string]any{
				"disputeId":    dispute.ID.String(),
				"resolution":   string(req.Resolution),
				"refundAmount": refund.String(),
				"released":     remaining.Sub(refund).String(),
			},
			attrs: map[string]string{"disputeId": dispute.ID.String(), "resolution": string(req.Resolution)},
			within: func(tx *gorm.DB, _ *Escrow, now time.Time) error {
				res := tx.Model(&Dispute{}).
					Where("id = ? AND resolved_at IS NULL", dispute.ID).
					Updates(map[string]any{
						"resolution":    req.Resolution,
						"resolved_by":   arbitrator,
						"resolved_at":   now,
						"refund_amount": refund,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return coreerrors.Conflict(coreerrors.CodeInvalidState, "dispute %s already resolved", dispute.ID)
				}
				return nil
			},
		}
		switch {
		case refund.IsZero():
			tr.target = StatusCompleted
			tr.columns = releaseAll
			tr.submit = func(ctx context.Context) (ledger.TxRef, error) {
				return e.ledger.ReleaseEscrow(ctx, esc.ID.String(), nil)
			}
		case refund.Equal(remaining):
			tr.target = StatusRefunded
			tr.submit = func(ctx context.Context) (ledger.TxRef, error) {
				return e.ledger.RefundEscrow(ctx, esc.ID.String())
			}
		default:
			payout := remaining.Sub(refund)
			tr.target = StatusPartiallyReleased
			tr.columns = func(current *Escrow, _ time.Time) map[string]any {
				return map[string]any{"released_amount": current.ReleasedAmount.Add(payout)}
			}
			tr.submit = func(ctx context.Context) (ledger.TxRef, error) {
				return e.ledger.ReleaseEscrow(ctx, esc.ID.String(), &payout)
			}
		}
		return tr, nil
	}
	return e.execute(ctx, op)
}

// Get returns a dispute by id.
func (m *DisputeManager) Get(ctx context.Context, disputeID string) (*Dispute, error) {
	id, err := parseID(disputeID)
	if err != nil {
		return nil, err
	}
	return m.engine.store.GetDispute(ctx, id)
}

// refundShare maps a resolution to the amount returned to the seller.
func refundShare(resolution Resolution, requested *decimal.Decimal, remaining decimal.Decimal) (decimal.Decimal, error) {
	switch resolution {
	case ResolutionBuyerWins:
		return decimal.Zero, nil
	case ResolutionSellerWins:
		return remaining, nil
	}
	if requested == nil {
		return decimal.Zero, coreerrors.Validation(coreerrors.CodeInvalidPartialAmount, "%s requires a refund amount", resolution)
	}
	refund := *requested
	if resolution == ResolutionPartialRefund {
		if !refund.IsPositive() || !refund.LessThan(remaining) {
			return decimal.Zero, coreerrors.Validation(coreerrors.CodeInvalidPartialAmount,
				"refund %s must be above zero and below the remaining %s", refund, remaining)
		}
		return refund, nil
	}
	if refund.IsNegative() || refund.GreaterThan(remaining) {
		return decimal.Zero, coreerrors.Validation(coreerrors.CodeInvalidPartialAmount,
			"refund %s must be between zero and the remaining %s", refund, remaining)
	}
	return refund, nil
}
