// Package engine is the authoritative in-memory registry of open leveraged
// positions and per-ticker market parameters for synthetic perpetual futures.
//
// Each ticker owns a book with its own mutex, so a price tick on one ticker
// never blocks an open on another. No operation here performs I/O; durable
// writes are the orchestrator's job and happen outside any engine lock.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

var (
	// ErrMarketNotFound is returned for an unknown ticker.
	ErrMarketNotFound = errors.New("engine: market not found")

	// ErrMarketExists is returned when registering a duplicate ticker.
	ErrMarketExists = errors.New("engine: market already exists")

	// ErrLeverageOutOfRange is returned when leverage is outside
	// [1, market.MaxLeverage].
	ErrLeverageOutOfRange = errors.New("engine: leverage out of range")

	// ErrPositionTooSmall is returned when size is below the market's
	// minimum order size.
	ErrPositionTooSmall = errors.New("engine: position below minimum order size")

	// ErrPositionTooLarge is returned when size exceeds the anti-concentration
	// cap (10% of open interest).
	ErrPositionTooLarge = errors.New("engine: position exceeds open interest cap")

	// ErrPositionNotFound is returned for an unknown or already-settled
	// position id. Closing twice yields this on the second call.
	ErrPositionNotFound = errors.New("engine: position not found")
)

// MoneyScale is the number of decimal places for reported monetary values.
const MoneyScale int32 = 8

// HardLeverageCap bounds leverage regardless of market configuration.
const HardLeverageCap = 100

// Config holds the engine's risk and funding parameters.
type Config struct {
	// MaintenanceMarginRate is the maintenance buffer subtracted from the
	// margin fraction when fixing the liquidation price.
	MaintenanceMarginRate decimal.Decimal

	// FundingBaseRate is the funding rate applied when a market's long and
	// short notionals balance (or when total notional is zero).
	FundingBaseRate decimal.Decimal

	// FundingSensitivity scales the long/short imbalance into the rate.
	FundingSensitivity decimal.Decimal

	// FundingClamp bounds the funding rate to ±FundingClamp per interval.
	FundingClamp decimal.Decimal

	// FundingInterval is the settlement cadence (typically 8h).
	FundingInterval time.Duration

	// MaxOpenInterestShare caps a single position's size relative to the
	// market's open interest (anti-concentration).
	MaxOpenInterestShare decimal.Decimal
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaintenanceMarginRate: decimal.NewFromFloat(0.005),
		FundingBaseRate:       decimal.NewFromFloat(0.0001),
		FundingSensitivity:    decimal.NewFromFloat(0.005),
		FundingClamp:          decimal.NewFromFloat(0.0075),
		FundingInterval:       8 * time.Hour,
		MaxOpenInterestShare:  decimal.NewFromFloat(0.10),
	}
}

// book holds one market and its open positions. All mutation of the market
// or its positions happens under mu.
type book struct {
	mu        sync.Mutex
	market    model.Market
	positions map[string]*model.Position
}

// Engine is the perpetuals engine. Construct with New, register markets,
// then Restore the open-position snapshot loaded from the ledger.
type Engine struct {
	cfg Config

	mu    sync.RWMutex // guards books map itself, not book contents
	books map[string]*book

	indexMu sync.RWMutex
	index   map[string]string // positionID → ticker
}

// New creates an engine with no markets. The caller registers markets and
// restores positions from the ledger snapshot before serving traffic.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		books: make(map[string]*book),
		index: make(map[string]string),
	}
}

// RegisterMarket adds a market to the engine. OpenInterest is recomputed
// from restored positions, not trusted from the input.
func (e *Engine) RegisterMarket(m model.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.books[m.Ticker]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.Ticker)
	}
	m.OpenInterest = decimal.Zero
	if m.FundingRate.NextFundingTime.IsZero() {
		m.FundingRate.NextFundingTime = time.Now().UTC().Add(e.cfg.FundingInterval)
	}
	e.books[m.Ticker] = &book{
		market:    m,
		positions: make(map[string]*model.Position),
	}
	return nil
}

// Restore loads open positions from a ledger snapshot at startup.
// Positions on unknown tickers or in terminal state are skipped.
func (e *Engine) Restore(positions []model.Position) int {
	restored := 0
	for _, p := range positions {
		if p.Status.Terminal() {
			continue
		}
		b := e.book(p.Ticker)
		if b == nil {
			continue
		}
		pos := p
		b.mu.Lock()
		b.positions[pos.ID] = &pos
		b.market.OpenInterest = b.market.OpenInterest.Add(notionalWeight(&pos))
		b.mu.Unlock()

		e.indexMu.Lock()
		e.index[pos.ID] = pos.Ticker
		e.indexMu.Unlock()
		restored++
	}
	return restored
}

func (e *Engine) book(ticker string) *book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[ticker]
}

// notionalWeight is a position's open-interest contribution: size × leverage.
func notionalWeight(p *model.Position) decimal.Decimal {
	return p.Size.Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// OpenRequest describes a position to open. Only market orders are
// supported; OrderType is carried for the wire contract.
type OpenRequest struct {
	Ticker    string          `json:"ticker"`
	Side      model.Side      `json:"side"`
	Size      decimal.Decimal `json:"size"` // notional USD
	Leverage  int             `json:"leverage"`
	OrderType string          `json:"order_type,omitempty"`
}

// OpenPosition validates the request, computes entry/margin/liquidation
// fields at the market's current price, and inserts the position.
func (e *Engine) OpenPosition(userID string, req OpenRequest) (model.Position, error) {
	if req.Side != model.SideLong && req.Side != model.SideShort {
		return model.Position{}, fmt.Errorf("engine: invalid side %q", req.Side)
	}

	b := e.book(req.Ticker)
	if b == nil {
		return model.Position{}, fmt.Errorf("%w: %s", ErrMarketNotFound, req.Ticker)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	maxLev := b.market.MaxLeverage
	if maxLev > HardLeverageCap {
		maxLev = HardLeverageCap
	}
	if req.Leverage < 1 || req.Leverage > maxLev {
		return model.Position{}, fmt.Errorf("%w: %d (max %d)", ErrLeverageOutOfRange, req.Leverage, maxLev)
	}
	if req.Size.LessThan(b.market.MinOrderSize) {
		return model.Position{}, fmt.Errorf("%w: %s < %s", ErrPositionTooSmall, req.Size, b.market.MinOrderSize)
	}
	if b.market.OpenInterest.IsPositive() {
		maxSize := b.market.OpenInterest.Mul(e.cfg.MaxOpenInterestShare)
		if req.Size.GreaterThan(maxSize) {
			return model.Position{}, fmt.Errorf("%w: %s > %s", ErrPositionTooLarge, req.Size, maxSize)
		}
	}

	lev := decimal.NewFromInt(int64(req.Leverage))
	entry := b.market.CurrentPrice
	margin := req.Size.Div(lev)
	marginFraction := decimal.NewFromInt(1).Div(lev)

	now := time.Now().UTC()
	pos := &model.Position{
		ID:               uuid.New().String(),
		UserID:           userID,
		Ticker:           req.Ticker,
		Side:             req.Side,
		EntryPrice:       entry,
		CurrentPrice:     entry,
		Size:             req.Size,
		Leverage:         req.Leverage,
		Margin:           margin,
		LiquidationPrice: liquidationPrice(req.Side, entry, marginFraction, e.cfg.MaintenanceMarginRate),
		UnrealizedPnL:    decimal.Zero,
		FundingPaid:      decimal.Zero,
		Status:           model.StatusOpen,
		OpenedAt:         now,
	}

	b.positions[pos.ID] = pos
	b.market.OpenInterest = b.market.OpenInterest.Add(notionalWeight(pos))
	b.market.FundingRate.PredictedRate = e.fundingRateLocked(b)

	e.indexMu.Lock()
	e.index[pos.ID] = req.Ticker
	e.indexMu.Unlock()

	return *pos, nil
}

// CloseResult is the outcome of a manual close.
type CloseResult struct {
	Position    model.Position
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}

// ClosePosition settles a position at the latest applied price and removes
// it from the open map. Closing an unknown or already-settled id returns
// ErrPositionNotFound — never a double credit.
func (e *Engine) ClosePosition(positionID string) (CloseResult, error) {
	b, _, err := e.lookup(positionID)
	if err != nil {
		return CloseResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[positionID]
	if !ok {
		return CloseResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	now := time.Now().UTC()
	pos.Status = model.StatusClosed
	pos.ClosedAt = &now
	realized := pos.UnrealizedPnL

	delete(b.positions, positionID)
	b.market.OpenInterest = b.market.OpenInterest.Sub(notionalWeight(pos))
	b.market.FundingRate.PredictedRate = e.fundingRateLocked(b)

	e.indexMu.Lock()
	delete(e.index, positionID)
	e.indexMu.Unlock()

	return CloseResult{Position: *pos, RealizedPnL: realized, ClosedAt: now}, nil
}

// RemovePosition evicts a just-opened position without settlement. Used by
// the orchestrator to compensate a failed ledger write after OpenPosition.
func (e *Engine) RemovePosition(positionID string) (model.Position, error) {
	b, _, err := e.lookup(positionID)
	if err != nil {
		return model.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[positionID]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	delete(b.positions, positionID)
	b.market.OpenInterest = b.market.OpenInterest.Sub(notionalWeight(pos))

	e.indexMu.Lock()
	delete(e.index, positionID)
	e.indexMu.Unlock()

	return *pos, nil
}

// RestorePosition reinserts a position removed by ClosePosition. Used by
// the orchestrator to compensate a failed ledger write on close: the copy
// passed in is reverted to open state.
func (e *Engine) RestorePosition(p model.Position) error {
	b := e.book(p.Ticker)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, p.Ticker)
	}

	p.Status = model.StatusOpen
	p.ClosedAt = nil

	b.mu.Lock()
	pos := p
	b.positions[p.ID] = &pos
	b.market.OpenInterest = b.market.OpenInterest.Add(notionalWeight(&pos))
	b.mu.Unlock()

	e.indexMu.Lock()
	e.index[p.ID] = p.Ticker
	e.indexMu.Unlock()
	return nil
}

// Liquidation reports a force-closed position to the caller so the
// orchestrator can settle the ledger.
type Liquidation struct {
	Position    model.Position
	RealizedPnL decimal.Decimal
}

// TickResult is the outcome of applying one price update.
type TickResult struct {
	Updated    []model.Position
	Liquidated []Liquidation
}

// ApplyPriceUpdate recomputes mark-to-market state for every open position
// on the ticker and force-closes breached positions. Liquidation PnL is
// floored at −margin: the user never owes more than posted margin.
//
// Safe to call repeatedly with the same price — liquidated positions leave
// the open map, so a second tick cannot liquidate them again.
func (e *Engine) ApplyPriceUpdate(ticker string, newPrice decimal.Decimal) (TickResult, error) {
	if newPrice.LessThanOrEqual(decimal.Zero) {
		return TickResult{}, fmt.Errorf("engine: non-positive price %s for %s", newPrice, ticker)
	}
	b := e.book(ticker)
	if b == nil {
		return TickResult{}, fmt.Errorf("%w: %s", ErrMarketNotFound, ticker)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.market.CurrentPrice = newPrice
	b.market.MarkPrice = newPrice
	b.market.IndexPrice = newPrice

	var res TickResult
	now := time.Now().UTC()

	for id, pos := range b.positions {
		pos.CurrentPrice = newPrice
		pos.UnrealizedPnL = unrealizedPnL(pos, newPrice)
		if pos.Margin.IsPositive() {
			pos.UnrealizedPnLPercent = pos.UnrealizedPnL.Div(pos.Margin).Mul(decimal.NewFromInt(100)).Round(MoneyScale)
		}

		if breached(pos, newPrice) {
			realized := pos.UnrealizedPnL
			if realized.LessThan(pos.Margin.Neg()) {
				realized = pos.Margin.Neg()
			}
			ts := now
			pos.Status = model.StatusLiquidated
			pos.ClosedAt = &ts
			pos.UnrealizedPnL = realized

			delete(b.positions, id)
			b.market.OpenInterest = b.market.OpenInterest.Sub(notionalWeight(pos))

			e.indexMu.Lock()
			delete(e.index, id)
			e.indexMu.Unlock()

			res.Liquidated = append(res.Liquidated, Liquidation{Position: *pos, RealizedPnL: realized})
			continue
		}
		res.Updated = append(res.Updated, *pos)
	}

	b.market.FundingRate.PredictedRate = e.fundingRateLocked(b)
	return res, nil
}

// --- Read accessors: snapshots only, never live references ---

// Markets returns a snapshot of all registered markets.
func (e *Engine) Markets() []model.Market {
	e.mu.RLock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.RUnlock()

	markets := make([]model.Market, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		markets = append(markets, b.market)
		b.mu.Unlock()
	}
	return markets
}

// Market returns a snapshot of one market.
func (e *Engine) Market(ticker string) (model.Market, bool) {
	b := e.book(ticker)
	if b == nil {
		return model.Market{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.market, true
}

// UserPositions returns snapshots of a user's open positions across all
// tickers.
func (e *Engine) UserPositions(userID string) []model.Position {
	e.mu.RLock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.RUnlock()

	var out []model.Position
	for _, b := range books {
		b.mu.Lock()
		for _, p := range b.positions {
			if p.UserID == userID {
				out = append(out, *p)
			}
		}
		b.mu.Unlock()
	}
	return out
}

// Position returns a snapshot of one open position.
func (e *Engine) Position(positionID string) (model.Position, bool) {
	b, _, err := e.lookup(positionID)
	if err != nil {
		return model.Position{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[positionID]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// HasPosition reports whether the id is an open position.
func (e *Engine) HasPosition(positionID string) bool {
	_, ok := e.Position(positionID)
	return ok
}

// SnapshotOpenPositions returns a copy of every open position. Each book is
// read under its own lock, so the snapshot never interleaves with an
// in-flight open or close on the same ticker.
func (e *Engine) SnapshotOpenPositions() []model.Position {
	e.mu.RLock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.RUnlock()

	var out []model.Position
	for _, b := range books {
		b.mu.Lock()
		for _, p := range b.positions {
			out = append(out, *p)
		}
		b.mu.Unlock()
	}
	return out
}

// lookup resolves a position id to its book via the index. The book lock is
// NOT held on return; callers re-check membership under the lock.
func (e *Engine) lookup(positionID string) (*book, string, error) {
	e.indexMu.RLock()
	ticker, ok := e.index[positionID]
	e.indexMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	b := e.book(ticker)
	if b == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrMarketNotFound, ticker)
	}
	return b, ticker, nil
}

// --- Pricing math ---

// unrealizedPnL = (price − entry) × (size/entry) × sideSign.
func unrealizedPnL(p *model.Position, price decimal.Decimal) decimal.Decimal {
	units := p.Size.Div(p.EntryPrice)
	return price.Sub(p.EntryPrice).Mul(units).Mul(p.Side.Sign()).Round(MoneyScale)
}

// liquidationPrice fixes the price at which margin is fully eroded net of
// the maintenance buffer. marginFraction is margin/size (1/leverage at open;
// funding settlement passes the adjusted fraction).
//
//	long:  entry × (1 − marginFraction + mmr)
//	short: entry × (1 + marginFraction − mmr)
func liquidationPrice(side model.Side, entry, marginFraction, mmr decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == model.SideLong {
		return entry.Mul(one.Sub(marginFraction).Add(mmr)).Round(MoneyScale)
	}
	return entry.Mul(one.Add(marginFraction).Sub(mmr)).Round(MoneyScale)
}

// breached reports whether the price crossed the liquidation threshold.
func breached(p *model.Position, price decimal.Decimal) bool {
	if p.Side == model.SideLong {
		return price.LessThanOrEqual(p.LiquidationPrice)
	}
	return price.GreaterThanOrEqual(p.LiquidationPrice)
}
