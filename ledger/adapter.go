package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TxRef is an opaque reference to a settlement transaction.
type TxRef string

var (
	// ErrTxFailed is returned when the ledger reports a submitted transaction
	// as reverted or dropped.
	ErrTxFailed = errors.New("ledger: transaction failed")
	// ErrNotConfigured is returned by FuncAdapter for callbacks left nil.
	ErrNotConfigured = errors.New("ledger: operation not configured")
)

// Adapter is the boundary to the external settlement ledger. Submissions
// return once the ledger accepted the transaction; callers then await the
// confirmation depth with WaitForConfirmations.
type Adapter interface {
	CreateTrade(ctx context.Context, orderID, buyer, seller string, amount decimal.Decimal) (TxRef, error)
	FundEscrow(ctx context.Context, escrowID string, amount decimal.Decimal) (TxRef, error)
	ReleaseEscrow(ctx context.Context, escrowID string, partial *decimal.Decimal) (TxRef, error)
	RefundEscrow(ctx context.Context, escrowID string) (TxRef, error)
	DisputeEscrow(ctx context.Context, escrowID string, reasonHash common.Hash) (TxRef, error)
	WaitForConfirmations(ctx context.Context, ref TxRef, confirmations int, pollInterval time.Duration) error
}

// FuncAdapter adapts callback functions to the Adapter interface.
type FuncAdapter struct {
	CreateTradeFunc   func(ctx context.Context, orderID, buyer, seller string, amount decimal.Decimal) (TxRef, error)
	FundEscrowFunc    func(ctx context.Context, escrowID string, amount decimal.Decimal) (TxRef, error)
	ReleaseEscrowFunc func(ctx context.Context, escrowID string, partial *decimal.Decimal) (TxRef, error)
	RefundEscrowFunc  func(ctx context.Context, escrowID string) (TxRef, error)
	DisputeEscrowFunc func(ctx context.Context, escrowID string, reasonHash common.Hash) (TxRef, error)
	ConfirmFunc       func(ctx context.Context, ref TxRef, confirmations int, pollInterval time.Duration) error
}

// CreateTrade delegates to the configured callback.
func (a FuncAdapter) CreateTrade(ctx context.Context, orderID, buyer, seller string, amount decimal.Decimal) (TxRef, error) {
	if a.CreateTradeFunc == nil {
		return "", fmt.Errorf("%w: createTrade", ErrNotConfigured)
	}
	return a.CreateTradeFunc(ctx, orderID, buyer, seller, amount)
}

// FundEscrow delegates to the configured callback.
func (a FuncAdapter) FundEscrow(ctx context.Context, escrowID string, amount decimal.Decimal) (TxRef, error) {
	if a.FundEscrowFunc == nil {
		return "", fmt.Errorf("%w: fundEscrow", ErrNotConfigured)
	}
	return a.FundEscrowFunc(ctx, escrowID, amount)
}

// ReleaseEscrow delegates to the configured callback.
func (a FuncAdapter) ReleaseEscrow(ctx context.Context, escrowID string, partial *decimal.Decimal) (TxRef, error) {
	if a.ReleaseEscrowFunc == nil {
		return "", fmt.Errorf("%w: releaseEscrow", ErrNotConfigured)
	}
	return a.ReleaseEscrowFunc(ctx, escrowID, partial)
}

// RefundEscrow delegates to the configured callback.
func (a FuncAdapter) RefundEscrow(ctx context.Context, escrowID string) (TxRef, error) {
	if a.RefundEscrowFunc == nil {
		return "", fmt.Errorf("%w: refundEscrow", ErrNotConfigured)
	}
	return a.RefundEscrowFunc(ctx, escrowID)
}

// DisputeEscrow delegates to the configured callback.
func (a FuncAdapter) DisputeEscrow(ctx context.Context, escrowID string, reasonHash common.Hash) (TxRef, error) {
	if a.DisputeEscrowFunc == nil {
		return "", fmt.Errorf("%w: disputeEscrow", ErrNotConfigured)
	}
	return a.DisputeEscrowFunc(ctx, escrowID, reasonHash)
}

// WaitForConfirmations delegates to the configured callback.
func (a FuncAdapter) WaitForConfirmations(ctx context.Context, ref TxRef, confirmations int, pollInterval time.Duration) error {
	if a.ConfirmFunc == nil {
		return fmt.Errorf("%w: confirmations", ErrNotConfigured)
	}
	return a.ConfirmFunc(ctx, ref, confirmations, pollInterval)
}

// NewDryRun returns an adapter that accepts every submission and confirms it
// immediately. escrowd uses it when no ledger endpoint is configured.
func NewDryRun() FuncAdapter {
	var seq atomic.Int64
	next := func(kind string) TxRef {
		return TxRef(fmt.Sprintf("dryrun-%s-%d", kind, seq.Add(1)))
	}
	return FuncAdapter{
		CreateTradeFunc: func(context.Context, string, string, string, decimal.Decimal) (TxRef, error) {
			return next("create"), nil
		},
		FundEscrowFunc: func(context.Context, string, decimal.Decimal) (TxRef, error) {
			return next("fund"), nil
		},
		ReleaseEscrowFunc: func(context.Context, string, *decimal.Decimal) (TxRef, error) {
			return next("release"), nil
		},
		RefundEscrowFunc: func(context.Context, string) (TxRef, error) {
			return next("refund"), nil
		},
		DisputeEscrowFunc: func(context.Context, string, common.Hash) (TxRef, error) {
			return next("dispute"), nil
		},
		ConfirmFunc: func(ctx context.Context, _ TxRef, _ int, _ time.Duration) error {
			return ctx.Err()
		},
	}
}
