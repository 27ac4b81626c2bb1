package escrow

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusCreated           Status = "Created"
	StatusFunded            Status = "Funded"
	StatusActive            Status = "Active"
	StatusDisputed          Status = "Disputed"
	StatusPartiallyReleased Status = "PartiallyReleased"
	StatusCompleted         Status = "Completed"
	StatusRefunded          Status = "Refunded"
	StatusExpired           Status = "Expired"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Holding reports whether the escrow holds a funded, undisputed balance.
// PartiallyReleased is subject to the same guards as Funded and Active.
func (s Status) Holding() bool {
	switch s {
	case StatusFunded, StatusActive, StatusPartiallyReleased:
		return true
	}
	return false
}

// Escrow is the persisted escrow row. Parties are identified by their
// checksummed wallet address, which doubles as the risk profile reference.
type Escrow struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TradeID          string          `gorm:"size:128;not null;uniqueIndex"`
	Buyer            string          `gorm:"size:42;not null"`
	Seller           string          `gorm:"size:42;not null"`
	Arbitrator       string          `gorm:"size:42"`
	Amount           decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	ReleasedAmount   decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	Token            string          `gorm:"size:32;not null"`
	ChainID          int64           `gorm:"not null"`
	Status           Status          `gorm:"size:24;not null;index"`
	RiskScore        int             `gorm:"not null"`
	SecurityFlags    string          `gorm:"size:255"`
	InitiatorRef     string          `gorm:"size:42;not null;index:idx_escrow_initiator_created,priority:1"`
	TimeoutAt        time.Time       `gorm:"not null;index"`
	CreatedAt        time.Time       `gorm:"not null;index:idx_escrow_initiator_created,priority:2"`
	FundedAt         *time.Time
	ReleasedAt       *time.Time
	DisputedAt       *time.Time
	LedgerTxRef      string `gorm:"size:128"`
	PendingAction    string `gorm:"size:24"`
	PendingSince     *time.Time
	LastTransitionAt time.Time `gorm:"not null"`
	// LastProofAt is the timestamp of the last release proof that paid out.
	LastProofAt      int64     `gorm:"not null;default:0"`
	Version          int64     `gorm:"not null"`
}

// TableName pins the table name.
func (Escrow) TableName() string { return "escrows" }

// Remaining is the balance still held.
func (e *Escrow) Remaining() decimal.Decimal {
	return e.Amount.Sub(e.ReleasedAmount)
}

// Flags returns the security flags recorded at creation.
func (e *Escrow) Flags() []string {
	if strings.TrimSpace(e.SecurityFlags) == "" {
		return nil
	}
	return strings.Split(e.SecurityFlags, ",")
}

// Pending reports whether a ledger submission is in flight.
func (e *Escrow) Pending() bool { return e.PendingAction != "" }

// Party roles.
const (
	RoleBuyer      = "buyer"
	RoleSeller     = "seller"
	RoleArbitrator = "arbitrator"
)

// roleOf returns the role address plays in e, or "".
func (e *Escrow) roleOf(address string) string {
	switch {
	case address == "":
		return ""
	case strings.EqualFold(address, e.Buyer):
		return RoleBuyer
	case strings.EqualFold(address, e.Seller):
		return RoleSeller
	case e.Arbitrator != "" && strings.EqualFold(address, e.Arbitrator):
		return RoleArbitrator
	}
	return ""
}

// Resolution is the arbitrated outcome of a dispute.
type Resolution string

const (
	ResolutionBuyerWins     Resolution = "BuyerWins"
	ResolutionSellerWins    Resolution = "SellerWins"
	ResolutionPartialRefund Resolution = "PartialRefund"
	ResolutionArbitration   Resolution = "Arbitration"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyerWins, ResolutionSellerWins, ResolutionPartialRefund, ResolutionArbitration:
		return true
	}
	return false
}

// Dispute is the persisted dispute row.
type Dispute struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EscrowID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Escrow       *Escrow    `gorm:"foreignKey:EscrowID;constraint:OnDelete:RESTRICT" json:"-"`
	TradeID      string     `gorm:"size:128;not null;index"`
	InitiatedBy  string     `gorm:"size:16;not null"`
	Initiator    string     `gorm:"size:42;not null"`
	Reason       string     `gorm:"type:text;not null"`
	EvidenceRefs string     `gorm:"type:text"`
	EvidenceHash string     `gorm:"size:66;not null"`
	Resolution   Resolution `gorm:"size:24"`
	ResolvedBy   string     `gorm:"size:42"`
	ResolvedAt   *time.Time
	RefundAmount *decimal.Decimal `gorm:"type:decimal(36,18)"`
	CreatedAt    time.Time        `gorm:"not null"`
}

// TableName pins the table name.
func (Dispute) TableName() string { return "disputes" }

// Evidence returns the evidence references in submission order.
func (d *Dispute) Evidence() []string {
	if strings.TrimSpace(d.EvidenceRefs) == "" {
		return nil
	}
	return strings.Split(d.EvidenceRefs, "\n")
}

// Resolved reports whether the dispute has an outcome.
func (d *Dispute) Resolved() bool { return d.ResolvedAt != nil }

// Models lists the tables owned by this package for AutoMigrate.
func Models() []any {
	return []any{&Escrow{}, &Dispute{}}
}

// View is the read projection returned by Status.
type View struct {
	ID             string     `json:"id"`
	TradeID        string     `json:"tradeId"`
	Buyer          string     `json:"buyer"`
	Seller         string     `json:"seller"`
	Arbitrator     string     `json:"arbitrator,omitempty"`
	Amount         string     `json:"amount"`
	ReleasedAmount string     `json:"releasedAmount"`
	Remaining      string     `json:"remaining"`
	Token          string     `json:"token"`
	ChainID        int64      `json:"chainId"`
	Status         Status     `json:"status"`
	RiskScore      int        `json:"riskScore"`
	SecurityFlags  []string   `json:"securityFlags"`
	TimeoutAt      time.Time  `json:"timeoutAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	DisputedAt     *time.Time `json:"disputedAt,omitempty"`
	LedgerTxRef    string     `json:"ledgerTxRef,omitempty"`
	PendingAction  string     `json:"pendingAction,omitempty"`
	OpenDisputeID  string     `json:"openDisputeId,omitempty"`
}

func newView(e *Escrow, openDispute *Dispute) View {
	v := View{
		ID:             e.ID.String(),
		TradeID:        e.TradeID,
		Buyer:          e.Buyer,
		Seller:         e.Seller,
		Arbitrator:     e.Arbitrator,
		Amount:         e.Amount.String(),
		ReleasedAmount: e.ReleasedAmount.String(),
		Remaining:      e.Remaining().String(),
		Token:          e.Token,
		ChainID:        e.ChainID,
		Status:         e.Status,
		RiskScore:      e.RiskScore,
		SecurityFlags:  e.Flags(),
		TimeoutAt:      e.TimeoutAt,
		CreatedAt:      e.CreatedAt,
		FundedAt:       e.FundedAt,
		ReleasedAt:     e.ReleasedAt,
		DisputedAt:     e.DisputedAt,
		LedgerTxRef:    e.LedgerTxRef,
		PendingAction:  e.PendingAction,
	}
	if v.SecurityFlags == nil {
		v.SecurityFlags = []string{}
	}
	if openDispute != nil {
		v.OpenDisputeID = openDispute.ID.String()
	}
	return v
}
