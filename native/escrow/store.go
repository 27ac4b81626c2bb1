package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	coreerrors "tradeguard/core/errors"
)

// Store persists escrows and disputes. It also serves the creation history
// the security gate needs for volume and velocity checks.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the escrow and dispute tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models()...)
}

// Get loads an escrow by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var esc Escrow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&esc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerrors.NotFound(coreerrors.CodeEscrowNotFound, "escrow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: load %s: %w", id, err)
	}
	return &esc, nil
}

// GetByTradeID loads the escrow of a trade.
func (s *Store) GetByTradeID(ctx context.Context, tradeID string) (*Escrow, error) {
	var esc Escrow
	err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).Take(&esc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerrors.NotFound(coreerrors.CodeEscrowNotFound, "no escrow for trade %s", tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: load trade %s: %w", tradeID, err)
	}
	return &esc, nil
}

// VolumeSince sums the amounts of escrows party created at or after since.
// Amounts are summed in decimal to avoid float rounding in the database.
func (s *Store) VolumeSince(ctx context.Context, party string, since time.Time) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := s.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("initiator_ref = ? AND created_at >= ?", party, since.UTC()).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: volume since: %w", err)
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total, nil
}

// CountSince counts the escrows party created at or after since.
func (s *Store) CountSince(ctx context.Context, party string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("initiator_ref = ? AND created_at >= ?", party, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("escrow: count since: %w", err)
	}
	return count, nil
}

// Overdue lists escrows the sweeper may expire: unfunded escrows past their
// deadline and funded ones past fundedCutoff. Disputed and pending escrows
// are never returned.
func (s *Store) Overdue(ctx context.Context, now, fundedCutoff time.Time, limit int) ([]Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Escrow
	err := s.db.WithContext(ctx).
		Where("pending_action = ''").
		Where(s.db.Where("status = ? AND timeout_at < ?", StatusCreated, now.UTC()).
			Or("status IN ? AND timeout_at < ?",
				[]Status{StatusFunded, StatusActive, StatusPartiallyReleased}, fundedCutoff.UTC())).
		Order("timeout_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("escrow: list overdue: %w", err)
	}
	return out, nil
}

// GetDispute loads a dispute by id.
func (s *Store) GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	var d Dispute
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerrors.NotFound(coreerrors.CodeDisputeNotFound, "dispute %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: load dispute %s: %w", id, err)
	}
	return &d, nil
}

// OpenDispute returns the unresolved dispute of an escrow, or nil.
func (s *Store) OpenDispute(ctx context.Context, escrowID uuid.UUID) (*Dispute, error) {
	var d Dispute
	err := s.db.WithContext(ctx).
		Where("escrow_id = ? AND resolved_at IS NULL", escrowID).
		Order("created_at DESC").
		Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: load open dispute: %w", err)
	}
	return &d, nil
}

func (s *Store) insert(ctx context.Context, esc *Escrow) error {
	if err := s.db.WithContext(ctx).Create(esc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return coreerrors.Conflict(coreerrors.CodeDuplicateEscrow, "trade %s already has an escrow", esc.TradeID)
		}
		return fmt.Errorf("escrow: insert: %w", err)
	}
	return nil
}

// markPending records an in-flight ledger submission outside the audit
// chain; the attempt is audited once it settles.
func (s *Store) markPending(ctx context.Context, esc *Escrow, action string, now time.Time) error {
	return s.versioned(s.db.WithContext(ctx), esc, map[string]any{
		"pending_action": action,
		"pending_since":  now.UTC(),
	})
}

// versioned applies updates only when the row still carries esc.Version and
// bumps the version. esc is refreshed in memory on success.
func (s *Store) versioned(tx *gorm.DB, esc *Escrow, updates map[string]any) error {
	updates["version"] = esc.Version + 1
	res := tx.Model(&Escrow{}).
		Where("id = ? AND version = ?", esc.ID, esc.Version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("escrow: update %s: %w", esc.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return coreerrors.Conflict(coreerrors.CodeConcurrentUpdate, "escrow %s was modified concurrently", esc.ID)
	}
	esc.Version++
	return nil
}
