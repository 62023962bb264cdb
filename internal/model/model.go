// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long, -1 for short as a decimal multiplier.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PredictionSide is the outcome side of a binary prediction market.
type PredictionSide string

const (
	PredictionYes PredictionSide = "yes"
	PredictionNo  PredictionSide = "no"
)

// PositionStatus is the lifecycle state of a perpetual position.
// Transitions: open → closed (manual) or open → liquidated (forced).
// Terminal states are immutable once reached.
type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether the status is closed or liquidated.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// FundingRate holds the current and predicted funding rate for a market.
type FundingRate struct {
	Rate            decimal.Decimal `json:"rate"`
	PredictedRate   decimal.Decimal `json:"predicted_rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
}

// Market is a synthetic perpetual-futures market. Mutated only by the engine
// in response to price ticks and funding settlement.
type Market struct {
	Ticker       string          `json:"ticker" db:"ticker"`
	EntityID     string          `json:"entity_id" db:"entity_id"` // external entity the ticker derives from
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	MarkPrice    decimal.Decimal `json:"mark_price" db:"mark_price"`
	IndexPrice   decimal.Decimal `json:"index_price" db:"index_price"`
	MaxLeverage  int             `json:"max_leverage" db:"max_leverage"`
	MinOrderSize decimal.Decimal `json:"min_order_size" db:"min_order_size"`
	OpenInterest decimal.Decimal `json:"open_interest" db:"open_interest"` // Σ size×leverage across open positions
	FundingRate  FundingRate     `json:"funding_rate"`
}

// Position is an open or settled leveraged position.
// Invariant while open: size == margin × leverage exactly.
// LiquidationPrice is fixed at open time and only recomputed when funding
// settlement adjusts margin.
type Position struct {
	ID                   string          `json:"id" db:"id"`
	UserID               string          `json:"user_id" db:"user_id"`
	Ticker               string          `json:"ticker" db:"ticker"`
	Side                 Side            `json:"side" db:"side"`
	EntryPrice           decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice         decimal.Decimal `json:"current_price" db:"current_price"`
	Size                 decimal.Decimal `json:"size" db:"size"` // notional USD
	Leverage             int             `json:"leverage" db:"leverage"`
	Margin               decimal.Decimal `json:"margin" db:"margin"`
	LiquidationPrice     decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	FundingPaid          decimal.Decimal `json:"funding_paid" db:"funding_paid"`
	Status               PositionStatus  `json:"status" db:"status"`
	OpenedAt             time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// PredictionMarket is a binary prediction market priced by the AMM.
// Invariant: YesShares > 0 and NoShares > 0 at all times.
type PredictionMarket struct {
	ID         string          `json:"id" db:"id"`
	Question   string          `json:"question" db:"question"`
	YesShares  decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares   decimal.Decimal `json:"no_shares" db:"no_shares"`
	Liquidity  decimal.Decimal `json:"liquidity" db:"liquidity"` // cumulative USD injected
	YesPrice   decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice    decimal.Decimal `json:"no_price" db:"no_price"`
	Resolved   bool            `json:"resolved" db:"resolved"`
	Resolution *bool           `json:"resolution,omitempty" db:"resolution"`
	EndDate    time.Time       `json:"end_date" db:"end_date"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// PredictionPosition is a user's aggregate holding on one side of one market.
// Multiple buys average into a single row (volume-weighted AvgPrice), never
// duplicate rows.
type PredictionPosition struct {
	UserID   string          `json:"user_id" db:"user_id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Side     PredictionSide  `json:"side" db:"side"`
	Shares   decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice decimal.Decimal `json:"avg_price" db:"avg_price"`
}

// Transaction types recorded in the audit log.
const (
	TxnPerpOpen         = "perp_open"
	TxnPerpClose        = "perp_close"
	TxnPerpLiquidation  = "perp_liquidation"
	TxnPredictionBuy    = "prediction_buy"
	TxnPredictionPayout = "prediction_payout"
	TxnFunding          = "funding"
)

// Transaction is an immutable record in the append-only audit log.
// Amount is the signed balance delta applied to the user.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        string          `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Description string          `json:"description" db:"description"`
	RelatedID   string          `json:"related_id" db:"related_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
