package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	balances    map[string]decimal.Decimal
	markets     map[string]*model.Market
	positions   map[string]*model.Position
	predMarkets map[string]*model.PredictionMarket
	predPos     map[string]*model.PredictionPosition // userID|marketID|side
	txns        []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]decimal.Decimal),
		markets:     make(map[string]*model.Market),
		positions:   make(map[string]*model.Position),
		predMarkets: make(map[string]*model.PredictionMarket),
		predPos:     make(map[string]*model.PredictionPosition),
	}
}

// SeedBalance sets a user's starting balance. Test helper, not part of the
// Store interface.
func (s *MemoryStore) SeedBalance(userID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = amount
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal, txn model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustBalanceLocked(userID, delta, txn)
}

func (s *MemoryStore) adjustBalanceLocked(userID string, delta decimal.Decimal, txn model.Transaction) error {
	next := s.balances[userID].Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: user %s", ErrInsufficientBalance, userID)
	}
	s.balances[userID] = next
	s.txns = append(s.txns, txn)
	return nil
}

// --- Perpetual markets ---

func (s *MemoryStore) LoadMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Ticker < markets[j].Ticker })
	return markets, nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.Ticker] = &cp
	return nil
}

// --- Perpetual positions ---

func (s *MemoryStore) LoadOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []model.Position
	for _, p := range s.positions {
		if !p.Status.Terminal() {
			open = append(open, *p)
		}
	}
	return open, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SyncOpenPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[p.ID]
	if !ok {
		return nil // creation belongs to ExecOpen
	}
	if existing.Status.Terminal() {
		return nil // settled rows are immutable
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ExecOpen(_ context.Context, p *model.Position, txn model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.adjustBalanceLocked(p.UserID, p.Margin.Neg(), txn); err != nil {
		return err
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ExecClose(_ context.Context, positionID string, status model.PositionStatus, closedAt time.Time, realizedPnL, credit decimal.Decimal, txn model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("%w: position %s", ErrPositionSettled, positionID)
	}

	ts := closedAt
	p.Status = status
	p.ClosedAt = &ts
	p.UnrealizedPnL = realizedPnL

	if credit.IsPositive() {
		if err := s.adjustBalanceLocked(p.UserID, credit, txn); err != nil {
			return err
		}
	} else {
		s.txns = append(s.txns, txn)
	}
	return nil
}

// --- Prediction markets ---

func (s *MemoryStore) CreatePredictionMarket(_ context.Context, m *model.PredictionMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.predMarkets[m.ID]; ok {
		return fmt.Errorf("prediction market %s already exists", m.ID)
	}
	cp := *m
	s.predMarkets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPredictionMarket(_ context.Context, id string) (*model.PredictionMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.predMarkets[id]
	if !ok {
		return nil, fmt.Errorf("%w: prediction market %s", ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListPredictionMarkets(_ context.Context) ([]model.PredictionMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.PredictionMarket, 0, len(s.predMarkets))
	for _, m := range s.predMarkets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.Before(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetPredictionPositions(_ context.Context, marketID string) ([]model.PredictionPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PredictionPosition
	for _, p := range s.predPos {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetUserPredictionPositions(_ context.Context, userID string) ([]model.PredictionPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PredictionPosition
	for _, p := range s.predPos {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ExecPredictionBuy(_ context.Context, buy PredictionBuy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.predMarkets[buy.MarketID]
	if !ok {
		return fmt.Errorf("%w: prediction market %s", ErrNotFound, buy.MarketID)
	}
	if m.Resolved {
		return fmt.Errorf("%w: prediction market %s", ErrAlreadyResolved, buy.MarketID)
	}

	if err := s.adjustBalanceLocked(buy.UserID, buy.Cost.Neg(), buy.Txn); err != nil {
		return err
	}

	m.YesShares = buy.NewYesShares
	m.NoShares = buy.NewNoShares
	m.YesPrice = buy.NewYesPrice
	m.NoPrice = buy.NewNoPrice
	m.Liquidity = m.Liquidity.Add(buy.Cost)

	key := predPosKey(buy.UserID, buy.MarketID, buy.Side)
	if pos, ok := s.predPos[key]; ok {
		// Volume-weighted average entry price across buys.
		totalCost := pos.AvgPrice.Mul(pos.Shares).Add(buy.Cost)
		pos.Shares = pos.Shares.Add(buy.Shares)
		pos.AvgPrice = totalCost.Div(pos.Shares)
	} else {
		s.predPos[key] = &model.PredictionPosition{
			UserID:   buy.UserID,
			MarketID: buy.MarketID,
			Side:     buy.Side,
			Shares:   buy.Shares,
			AvgPrice: buy.Cost.Div(buy.Shares),
		}
	}
	return nil
}

func (s *MemoryStore) ResolvePredictionMarket(_ context.Context, marketID string, outcome bool, payouts []PredictionPayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.predMarkets[marketID]
	if !ok {
		return fmt.Errorf("%w: prediction market %s", ErrNotFound, marketID)
	}
	if m.Resolved {
		return fmt.Errorf("%w: prediction market %s", ErrAlreadyResolved, marketID)
	}

	m.Resolved = true
	res := outcome
	m.Resolution = &res

	for _, payout := range payouts {
		if payout.Amount.IsPositive() {
			if err := s.adjustBalanceLocked(payout.UserID, payout.Amount, payout.Txn); err != nil {
				return err
			}
		} else {
			s.txns = append(s.txns, payout.Txn)
		}
	}
	return nil
}

// --- Audit ---

func (s *MemoryStore) InsertTransaction(_ context.Context, txn model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns = append(s.txns, txn)
	return nil
}

func (s *MemoryStore) TransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == userID {
			out = append(out, s.txns[i])
		}
	}
	return out, nil
}

func predPosKey(userID, marketID string, side model.PredictionSide) string {
	return userID + "|" + marketID + "|" + string(side)
}
