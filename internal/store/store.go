// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (the durable ledger and source of
// truth), Redis (read-through cache), and in-memory (for testing).
//
// The multi-step trade operations (ExecOpen, ExecClose, ExecPredictionBuy,
// ResolvePredictionMarket) are atomic: either every write in the operation
// lands or none do. The orchestrator relies on that to compensate the
// in-memory engine on failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientBalance is returned when a debit would take a user's
	// balance below zero.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrPositionSettled is returned when a close targets a position the
	// ledger already marked closed or liquidated.
	ErrPositionSettled = errors.New("store: position already settled")

	// ErrAlreadyResolved is returned when resolving a prediction market a
	// second time.
	ErrAlreadyResolved = errors.New("store: market already resolved")
)

// PredictionBuy carries every write of a prediction-market share purchase so
// implementations can apply them in one transaction.
type PredictionBuy struct {
	MarketID     string
	UserID       string
	Side         model.PredictionSide
	Shares       decimal.Decimal
	Cost         decimal.Decimal
	NewYesShares decimal.Decimal
	NewNoShares  decimal.Decimal
	NewYesPrice  decimal.Decimal
	NewNoPrice   decimal.Decimal
	Txn          model.Transaction
}

// PredictionPayout credits one user at market resolution.
type PredictionPayout struct {
	UserID string
	Amount decimal.Decimal
	Txn    model.Transaction
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Balances ---

	// GetBalance returns a user's USD balance. Unknown users hold zero.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// AdjustBalance applies a signed delta to a user's balance and appends
	// the audit transaction atomically. A negative delta that would
	// overdraw returns ErrInsufficientBalance.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, txn model.Transaction) error

	// --- Perpetual markets ---

	// LoadMarkets returns all perpetual market definitions.
	LoadMarkets(ctx context.Context) ([]model.Market, error)

	// SaveMarket upserts a market definition and its funding state.
	SaveMarket(ctx context.Context, m *model.Market) error

	// --- Perpetual positions ---

	// LoadOpenPositions returns every position the ledger considers open.
	// The engine restores from this snapshot at startup.
	LoadOpenPositions(ctx context.Context) ([]model.Position, error)

	// GetPosition retrieves one position by id, open or settled.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// SyncOpenPosition writes a position's live fields onto its existing
	// open ledger row. Rows ExecOpen has not created yet are left alone —
	// a sync racing an in-flight open must never seed a row whose margin
	// was not debited. Rows the ledger already settled are left untouched:
	// a stale engine snapshot can never reopen a closed position.
	SyncOpenPosition(ctx context.Context, p *model.Position) error

	// ExecOpen atomically debits the margin, inserts the position row, and
	// appends the audit transaction.
	ExecOpen(ctx context.Context, p *model.Position, txn model.Transaction) error

	// ExecClose atomically settles an open position: marks it with the
	// terminal status, records realized PnL, credits the user, and appends
	// the audit transaction. Returns ErrPositionSettled if the ledger row
	// is already terminal — the credit never happens twice.
	ExecClose(ctx context.Context, positionID string, status model.PositionStatus, closedAt time.Time, realizedPnL, credit decimal.Decimal, txn model.Transaction) error

	// --- Prediction markets ---

	// CreatePredictionMarket persists a new prediction market.
	CreatePredictionMarket(ctx context.Context, m *model.PredictionMarket) error

	// GetPredictionMarket retrieves a prediction market by id.
	GetPredictionMarket(ctx context.Context, id string) (*model.PredictionMarket, error)

	// ListPredictionMarkets returns all prediction markets.
	ListPredictionMarkets(ctx context.Context) ([]model.PredictionMarket, error)

	// GetPredictionPositions returns every user position on a market.
	GetPredictionPositions(ctx context.Context, marketID string) ([]model.PredictionPosition, error)

	// GetUserPredictionPositions returns a user's prediction positions.
	GetUserPredictionPositions(ctx context.Context, userID string) ([]model.PredictionPosition, error)

	// ExecPredictionBuy atomically debits the cost, updates the market's
	// reserves and prices, folds the shares into the user's position at
	// volume-weighted average price, and appends the audit transaction.
	ExecPredictionBuy(ctx context.Context, buy PredictionBuy) error

	// ResolvePredictionMarket atomically fixes the outcome and credits
	// every payout. Resolving twice returns ErrAlreadyResolved and pays
	// nothing.
	ResolvePredictionMarket(ctx context.Context, marketID string, outcome bool, payouts []PredictionPayout) error

	// --- Audit ---

	// InsertTransaction appends a standalone audit record (funding
	// settlements, reconciliation corrections).
	InsertTransaction(ctx context.Context, txn model.Transaction) error

	// TransactionsByUser returns a user's audit trail, newest first.
	TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
}
