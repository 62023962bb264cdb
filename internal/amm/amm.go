// Package amm implements the automated market maker for binary prediction
// markets. Prices derive from the two share reserves with complementary
// probabilities: priceYes + priceNo = 1 always.
//
// A buy injects USD into the pool and keeps the reserve product constant,
// so neither reserve can ever reach zero — the chosen side's implied
// probability rises monotonically with the amount spent.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every function here is pure: no state, no side effects, no randomness.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned when the buy amount is zero or negative.
	ErrInvalidAmount = errors.New("amm: amount must be positive")

	// ErrBelowMinimum is returned when the buy amount is under the market's
	// minimum order size.
	ErrBelowMinimum = errors.New("amm: amount below minimum order size")

	// ErrEmptyReserves is returned when either share reserve is not strictly
	// positive. A market in this state is corrupt and must not be priced.
	ErrEmptyReserves = errors.New("amm: share reserves must be positive")

	// ErrInvalidSide is returned for a side other than yes/no.
	ErrInvalidSide = errors.New("amm: side must be yes or no")

	// PriceScale is the number of decimal places for reported prices.
	PriceScale int32 = 8
)

// Quote is the result of pricing a buy against the pool.
type Quote struct {
	SharesBought decimal.Decimal `json:"shares_bought"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	NewYesShares decimal.Decimal `json:"new_yes_shares"`
	NewNoShares  decimal.Decimal `json:"new_no_shares"`
	NewYesPrice  decimal.Decimal `json:"new_yes_price"`
	NewNoPrice   decimal.Decimal `json:"new_no_price"`
	PriceImpact  decimal.Decimal `json:"price_impact"` // fractional change in implied probability
}

// Prices returns the implied probabilities for both outcomes.
// The YES price is the NO reserve's share of the pool: buying YES shrinks
// the YES reserve and grows the NO reserve, pushing the YES price up.
func Prices(yesShares, noShares decimal.Decimal) (yesPrice, noPrice decimal.Decimal) {
	total := yesShares.Add(noShares)
	yesPrice = noShares.Div(total).Round(PriceScale)
	noPrice = decimal.NewFromInt(1).Sub(yesPrice)
	return yesPrice, noPrice
}

// Buy prices a purchase of amountUSD worth of the given side against the
// current reserves. The amount is added to the pool and the buyer receives
// shares such that the reserve product stays constant:
//
//	k = yes · no
//	buying YES: no' = no + amount, yesAfter = k / no'
//	sharesBought = yes + amount − yesAfter
//
// Both reserves stay strictly positive for any positive amount, and the
// price impact is strictly increasing in amount for fixed reserves.
func Buy(yesShares, noShares decimal.Decimal, side model.PredictionSide, amountUSD, minOrder decimal.Decimal) (*Quote, error) {
	if yesShares.LessThanOrEqual(decimal.Zero) || noShares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrEmptyReserves
	}
	if amountUSD.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if amountUSD.LessThan(minOrder) {
		return nil, ErrBelowMinimum
	}
	if side != model.PredictionYes && side != model.PredictionNo {
		return nil, ErrInvalidSide
	}

	oldYesPrice, oldNoPrice := Prices(yesShares, noShares)
	k := yesShares.Mul(noShares)

	var newYes, newNo, bought decimal.Decimal
	if side == model.PredictionYes {
		newNo = noShares.Add(amountUSD)
		newYes = k.Div(newNo)
		bought = yesShares.Add(amountUSD).Sub(newYes)
	} else {
		newYes = yesShares.Add(amountUSD)
		newNo = k.Div(newYes)
		bought = noShares.Add(amountUSD).Sub(newNo)
	}

	newYesPrice, newNoPrice := Prices(newYes, newNo)

	impact := newYesPrice.Sub(oldYesPrice)
	if side == model.PredictionNo {
		impact = newNoPrice.Sub(oldNoPrice)
	}

	return &Quote{
		SharesBought: bought.Round(PriceScale),
		AvgPrice:     amountUSD.Div(bought).Round(PriceScale),
		NewYesShares: newYes,
		NewNoShares:  newNo,
		NewYesPrice:  newYesPrice,
		NewNoPrice:   newNoPrice,
		PriceImpact:  impact,
	}, nil
}

// Payout computes the resolution payout for a position once the market's
// outcome is fixed: shares × $1 if the side matches the outcome, else $0.
// RealizedPnL = payout − (avgPrice × shares).
func Payout(shares, avgPrice decimal.Decimal, side model.PredictionSide, outcome bool) (payout, realizedPnL decimal.Decimal) {
	won := (outcome && side == model.PredictionYes) || (!outcome && side == model.PredictionNo)
	if won {
		payout = shares
	} else {
		payout = decimal.Zero
	}
	realizedPnL = payout.Sub(avgPrice.Mul(shares))
	return payout, realizedPnL
}
