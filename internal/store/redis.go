package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Balances are deliberately NOT cached: a stale balance could let a debit
// precheck pass that the ledger would reject.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Balances (never cached) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, txn model.Transaction) error {
	return s.primary.AdjustBalance(ctx, userID, delta, txn)
}

// --- Perpetual markets ---

func (s *CachedStore) LoadMarkets(ctx context.Context) ([]model.Market, error) {
	data, err := s.rdb.Get(ctx, marketsKey).Bytes()
	if err == nil {
		var markets []model.Market
		if json.Unmarshal(data, &markets) == nil {
			return markets, nil
		}
	}

	markets, err := s.primary.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(markets); err == nil {
		s.rdb.Set(ctx, marketsKey, data, s.ttl)
	}
	return markets, nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketsKey)
	return nil
}

// --- Perpetual positions (passthrough: the engine is the live view) ---

func (s *CachedStore) LoadOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.LoadOpenPositions(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) SyncOpenPosition(ctx context.Context, p *model.Position) error {
	return s.primary.SyncOpenPosition(ctx, p)
}

func (s *CachedStore) ExecOpen(ctx context.Context, p *model.Position, txn model.Transaction) error {
	return s.primary.ExecOpen(ctx, p, txn)
}

func (s *CachedStore) ExecClose(ctx context.Context, positionID string, status model.PositionStatus, closedAt time.Time, realizedPnL, credit decimal.Decimal, txn model.Transaction) error {
	return s.primary.ExecClose(ctx, positionID, status, closedAt, realizedPnL, credit, txn)
}

// --- Prediction markets ---

func (s *CachedStore) CreatePredictionMarket(ctx context.Context, m *model.PredictionMarket) error {
	if err := s.primary.CreatePredictionMarket(ctx, m); err != nil {
		return err
	}
	s.cachePredictionMarket(ctx, m)
	s.rdb.Del(ctx, predictionMarketsKey)
	return nil
}

func (s *CachedStore) GetPredictionMarket(ctx context.Context, id string) (*model.PredictionMarket, error) {
	data, err := s.rdb.Get(ctx, predictionMarketKey(id)).Bytes()
	if err == nil {
		var m model.PredictionMarket
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetPredictionMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePredictionMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListPredictionMarkets(ctx context.Context) ([]model.PredictionMarket, error) {
	data, err := s.rdb.Get(ctx, predictionMarketsKey).Bytes()
	if err == nil {
		var markets []model.PredictionMarket
		if json.Unmarshal(data, &markets) == nil {
			return markets, nil
		}
	}

	markets, err := s.primary.ListPredictionMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(markets); err == nil {
		s.rdb.Set(ctx, predictionMarketsKey, data, s.ttl)
	}
	return markets, nil
}

func (s *CachedStore) GetPredictionPositions(ctx context.Context, marketID string) ([]model.PredictionPosition, error) {
	return s.primary.GetPredictionPositions(ctx, marketID)
}

func (s *CachedStore) GetUserPredictionPositions(ctx context.Context, userID string) ([]model.PredictionPosition, error) {
	return s.primary.GetUserPredictionPositions(ctx, userID)
}

func (s *CachedStore) ExecPredictionBuy(ctx context.Context, buy PredictionBuy) error {
	if err := s.primary.ExecPredictionBuy(ctx, buy); err != nil {
		return err
	}
	s.rdb.Del(ctx, predictionMarketKey(buy.MarketID), predictionMarketsKey)
	return nil
}

func (s *CachedStore) ResolvePredictionMarket(ctx context.Context, marketID string, outcome bool, payouts []PredictionPayout) error {
	if err := s.primary.ResolvePredictionMarket(ctx, marketID, outcome, payouts); err != nil {
		return err
	}
	s.rdb.Del(ctx, predictionMarketKey(marketID), predictionMarketsKey)
	return nil
}

// --- Audit (passthrough) ---

func (s *CachedStore) InsertTransaction(ctx context.Context, txn model.Transaction) error {
	return s.primary.InsertTransaction(ctx, txn)
}

func (s *CachedStore) TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.TransactionsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePredictionMarket(ctx context.Context, m *model.PredictionMarket) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, predictionMarketKey(m.ID), data, s.ttl)
	}
}

const (
	marketsKey           = "markets:perp"
	predictionMarketsKey = "markets:prediction"
)

func predictionMarketKey(id string) string { return fmt.Sprintf("prediction:%s", id) }
