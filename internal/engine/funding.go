package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

// FundingResult reports one market's funding settlement.
type FundingResult struct {
	Ticker    string
	Rate      decimal.Decimal
	Positions int
	SettledAt time.Time
}

// fundingRateLocked derives the rate from the book's long/short imbalance:
//
//	rate = base + k × (longNotional − shortNotional) / totalNotional
//
// clamped to ±FundingClamp. Zero total notional yields the base rate
// (numeric guard: never divide by zero). Caller must hold b.mu.
func (e *Engine) fundingRateLocked(b *book) decimal.Decimal {
	longNotional := decimal.Zero
	shortNotional := decimal.Zero
	for _, p := range b.positions {
		if p.Side == model.SideLong {
			longNotional = longNotional.Add(p.Size)
		} else {
			shortNotional = shortNotional.Add(p.Size)
		}
	}

	total := longNotional.Add(shortNotional)
	if total.IsZero() {
		return e.cfg.FundingBaseRate
	}

	imbalance := longNotional.Sub(shortNotional).Div(total)
	rate := e.cfg.FundingBaseRate.Add(e.cfg.FundingSensitivity.Mul(imbalance))

	if rate.GreaterThan(e.cfg.FundingClamp) {
		return e.cfg.FundingClamp
	}
	if rate.LessThan(e.cfg.FundingClamp.Neg()) {
		return e.cfg.FundingClamp.Neg()
	}
	return rate
}

// SettleFunding applies one funding payment to every open position on the
// ticker. Longs pay when the rate is positive, shorts receive, and vice
// versa. The payment accrues against margin, so the liquidation price is
// recomputed from the adjusted margin fraction.
//
// The whole settlement runs under the book lock: a concurrent liquidation
// check can never observe a half-settled market.
func (e *Engine) SettleFunding(ticker string, now time.Time) (FundingResult, error) {
	b := e.book(ticker)
	if b == nil {
		return FundingResult{}, fmt.Errorf("%w: %s", ErrMarketNotFound, ticker)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rate := e.fundingRateLocked(b)

	for _, p := range b.positions {
		// payment > 0 means this position pays.
		payment := rate.Mul(p.Size).Mul(p.Side.Sign()).Round(MoneyScale)
		p.FundingPaid = p.FundingPaid.Add(payment)
		p.Margin = p.Margin.Sub(payment)

		if p.Size.IsPositive() {
			marginFraction := p.Margin.Div(p.Size)
			p.LiquidationPrice = liquidationPrice(p.Side, p.EntryPrice, marginFraction, e.cfg.MaintenanceMarginRate)
		}
	}

	b.market.FundingRate.Rate = rate
	b.market.FundingRate.PredictedRate = rate
	b.market.FundingRate.NextFundingTime = now.Add(e.cfg.FundingInterval)

	return FundingResult{
		Ticker:    ticker,
		Rate:      rate,
		Positions: len(b.positions),
		SettledAt: now,
	}, nil
}

// SettleAllFunding settles every market whose NextFundingTime has passed.
func (e *Engine) SettleAllFunding(now time.Time) []FundingResult {
	var due []string
	for _, m := range e.Markets() {
		if !m.FundingRate.NextFundingTime.After(now) {
			due = append(due, m.Ticker)
		}
	}

	results := make([]FundingResult, 0, len(due))
	for _, ticker := range due {
		res, err := e.SettleFunding(ticker, now)
		if err != nil {
			continue // market deregistered between snapshot and settle
		}
		results = append(results, res)
	}
	return results
}
