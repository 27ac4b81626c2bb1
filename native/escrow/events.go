package escrow

import (
	"strconv"
	"time"

	"tradeguard/core/events"
)

const (
	EventTypeEscrowCreated           = "escrow.created"
	EventTypeEscrowFunded            = "escrow.funded"
	EventTypeEscrowActivated         = "escrow.activated"
	EventTypeEscrowReleased          = "escrow.released"
	EventTypeEscrowPartiallyReleased = "escrow.partially_released"
	EventTypeEscrowRefunded          = "escrow.refunded"
	EventTypeEscrowExpired           = "escrow.expired"
	EventTypeEscrowDisputed          = "escrow.disputed"
	EventTypeEscrowResolved          = "escrow.resolved"
	EventTypeEscrowLedgerFailed      = "escrow.ledger_failed"
)

// rejectedEventType names the audit event of a refused attempt.
func rejectedEventType(action string) string {
	return "escrow." + action + "_rejected"
}

func newEscrowEvent(eventType string, e *Escrow, at time.Time, extra map[string]string) events.Event {
	attrs := map[string]string{
		"escrowId":  e.ID.String(),
		"tradeId":   e.TradeID,
		"status":    string(e.Status),
		"amount":    e.Amount.String(),
		"released":  e.ReleasedAmount.String(),
		"token":     e.Token,
		"riskScore": strconv.Itoa(e.RiskScore),
	}
	if e.LedgerTxRef != "" {
		attrs["txRef"] = e.LedgerTxRef
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return events.Event{Type: eventType, Attributes: attrs, OccurredAt: at}
}
