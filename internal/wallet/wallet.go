// Package wallet exposes user USD balances on top of the ledger. The
// trade-execution paths debit and credit atomically inside store
// transactions; this service covers prechecks, standalone adjustments, and
// balance reads.
package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
	"github.com/babylon-markets/trading-engine/internal/store"
)

// Service reads and adjusts user balances.
type Service interface {
	// GetBalance returns the user's USD balance.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// HasSufficientBalance reports whether the user can cover amount.
	HasSufficientBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)

	// Credit adds funds with an audit transaction.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, txn model.Transaction) error

	// Debit removes funds with an audit transaction. Overdrafts are
	// rejected by the ledger.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, txn model.Transaction) error
}

// LedgerWallet implements Service against the durable store.
type LedgerWallet struct {
	store store.Store
}

// NewLedgerWallet creates a wallet backed by the given store.
func NewLedgerWallet(s store.Store) *LedgerWallet {
	return &LedgerWallet{store: s}
}

func (w *LedgerWallet) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return w.store.GetBalance(ctx, userID)
}

func (w *LedgerWallet) HasSufficientBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	balance, err := w.store.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

func (w *LedgerWallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, txn model.Transaction) error {
	if !amount.IsPositive() {
		return fmt.Errorf("wallet: credit amount must be positive, got %s", amount)
	}
	return w.store.AdjustBalance(ctx, userID, amount, txn)
}

func (w *LedgerWallet) Debit(ctx context.Context, userID string, amount decimal.Decimal, txn model.Transaction) error {
	if !amount.IsPositive() {
		return fmt.Errorf("wallet: debit amount must be positive, got %s", amount)
	}
	return w.store.AdjustBalance(ctx, userID, amount.Neg(), txn)
}
