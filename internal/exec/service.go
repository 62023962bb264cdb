// Package exec orchestrates trades across the in-memory engine and the
// durable ledger. The engine mutates first, the ledger commits second, and
// a failed ledger write triggers a compensating engine mutation so the two
// never drift. A background reconciliation loop is the safety net for the
// compensations themselves.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/amm"
	"github.com/babylon-markets/trading-engine/internal/engine"
	"github.com/babylon-markets/trading-engine/internal/metrics"
	"github.com/babylon-markets/trading-engine/internal/model"
	"github.com/babylon-markets/trading-engine/internal/store"
	"github.com/babylon-markets/trading-engine/internal/wallet"
)

var (
	// ErrInsufficientFunds is returned when the user cannot cover the
	// margin or purchase cost.
	ErrInsufficientFunds = errors.New("exec: insufficient funds")

	// ErrMarketResolved is returned for trades on a resolved prediction
	// market.
	ErrMarketResolved = errors.New("exec: market already resolved")

	// ErrMarketExpired is returned for trades past the market's end date.
	ErrMarketExpired = errors.New("exec: market has ended")
)

// minPredictionOrder is the smallest accepted prediction-market purchase.
var minPredictionOrder = decimal.NewFromInt(1)

// ConsistencyError reports a trade whose ledger write failed after the
// engine was already mutated. The compensation has run by the time the
// caller sees this; the wrapped error is the ledger failure.
type ConsistencyError struct {
	PositionID string
	Stage      string
	Err        error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("exec: ledger write failed at %s for position %s: %v", e.Stage, e.PositionID, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Service coordinates the engine, the ledger, and user balances.
//
// Prediction-market buys serialize on predMu: the read-quote-write cycle
// against the stored reserves must not interleave (single-instance; for
// horizontal scaling, replace with database-level optimistic concurrency).
type Service struct {
	engine *engine.Engine
	store  store.Store
	wallet wallet.Service

	predMu sync.Mutex

	pendingMu sync.Mutex
	pending   []engine.Liquidation // liquidations awaiting ledger settlement
}

// NewService creates the orchestrator.
func NewService(eng *engine.Engine, st store.Store, w wallet.Service) *Service {
	return &Service{
		engine: eng,
		store:  st,
		wallet: w,
	}
}

// --- Perpetual positions ---

// OpenPerpPosition opens a leveraged position: margin precheck, engine
// insert, then a single ledger transaction (debit + position row + audit).
// If the ledger write fails the position is evicted from the engine and the
// user is charged nothing.
func (s *Service) OpenPerpPosition(ctx context.Context, userID string, req engine.OpenRequest) (model.Position, error) {
	if req.Leverage > 0 {
		margin := req.Size.Div(decimal.NewFromInt(int64(req.Leverage)))
		ok, err := s.wallet.HasSufficientBalance(ctx, userID, margin)
		if err != nil {
			return model.Position{}, fmt.Errorf("exec: balance check: %w", err)
		}
		if !ok {
			return model.Position{}, fmt.Errorf("%w: need %s margin", ErrInsufficientFunds, margin)
		}
	}

	pos, err := s.engine.OpenPosition(userID, req)
	if err != nil {
		return model.Position{}, err
	}

	txn := model.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        model.TxnPerpOpen,
		Amount:      pos.Margin.Neg(),
		Description: fmt.Sprintf("Opened %s %dx %s", pos.Side, pos.Leverage, pos.Ticker),
		RelatedID:   pos.ID,
		CreatedAt:   pos.OpenedAt,
	}

	if err := s.store.ExecOpen(ctx, &pos, txn); err != nil {
		// Compensate: the engine accepted a position the ledger rejected.
		if _, rmErr := s.engine.RemovePosition(pos.ID); rmErr != nil {
			slog.Error("compensation failed after open",
				"position", pos.ID, "error", rmErr)
		}
		metrics.LedgerFailuresTotal.WithLabelValues("open").Inc()

		if errors.Is(err, store.ErrInsufficientBalance) {
			return model.Position{}, fmt.Errorf("%w: need %s margin", ErrInsufficientFunds, pos.Margin)
		}
		return model.Position{}, &ConsistencyError{PositionID: pos.ID, Stage: "open", Err: err}
	}

	metrics.PerpTradesTotal.WithLabelValues("open", string(pos.Side)).Inc()
	s.refreshMarketGauges(pos.Ticker)

	slog.Info("position opened",
		"position", pos.ID,
		"user", userID,
		"ticker", pos.Ticker,
		"side", pos.Side,
		"size", pos.Size.String(),
		"leverage", pos.Leverage,
		"margin", pos.Margin.String(),
		"liquidation_price", pos.LiquidationPrice.String(),
	)
	return pos, nil
}

// ClosePerpPosition settles a position at the latest applied price and
// credits margin plus realized PnL. A failed ledger write restores the
// position in the engine — the user keeps the position rather than losing
// the funds.
func (s *Service) ClosePerpPosition(ctx context.Context, positionID string) (engine.CloseResult, error) {
	res, err := s.engine.ClosePosition(positionID)
	if err != nil {
		return engine.CloseResult{}, err
	}

	credit := settlementCredit(res.Position.Margin, res.RealizedPnL)
	txn := model.Transaction{
		ID:          uuid.New().String(),
		UserID:      res.Position.UserID,
		Type:        model.TxnPerpClose,
		Amount:      credit,
		Description: fmt.Sprintf("Closed %s %dx %s, PnL %s", res.Position.Side, res.Position.Leverage, res.Position.Ticker, res.RealizedPnL),
		RelatedID:   positionID,
		CreatedAt:   res.ClosedAt,
	}

	if err := s.store.ExecClose(ctx, positionID, model.StatusClosed, res.ClosedAt, res.RealizedPnL, credit, txn); err != nil {
		if restoreErr := s.engine.RestorePosition(res.Position); restoreErr != nil {
			slog.Error("compensation failed after close",
				"position", positionID, "error", restoreErr)
		}
		metrics.LedgerFailuresTotal.WithLabelValues("close").Inc()
		return engine.CloseResult{}, &ConsistencyError{PositionID: positionID, Stage: "close", Err: err}
	}

	metrics.PerpTradesTotal.WithLabelValues("close", string(res.Position.Side)).Inc()
	s.refreshMarketGauges(res.Position.Ticker)

	slog.Info("position closed",
		"position", positionID,
		"user", res.Position.UserID,
		"ticker", res.Position.Ticker,
		"realized_pnl", res.RealizedPnL.String(),
		"credit", credit.String(),
	)
	return res, nil
}

// SettleLiquidations writes liquidation outcomes to the ledger. The engine
// already removed the positions, so a failed write here cannot be
// compensated by reinsertion — failures queue for the reconciliation loop
// to retry instead.
func (s *Service) SettleLiquidations(ctx context.Context, liquidations []engine.Liquidation) {
	for _, liq := range liquidations {
		if err := s.settleLiquidation(ctx, liq); err != nil {
			slog.Error("liquidation settlement failed, queued for retry",
				"position", liq.Position.ID, "error", err)
			metrics.LedgerFailuresTotal.WithLabelValues("liquidation").Inc()

			s.pendingMu.Lock()
			s.pending = append(s.pending, liq)
			s.pendingMu.Unlock()
			continue
		}

		metrics.LiquidationsTotal.WithLabelValues(liq.Position.Ticker).Inc()
		s.refreshMarketGauges(liq.Position.Ticker)

		slog.Info("position liquidated",
			"position", liq.Position.ID,
			"user", liq.Position.UserID,
			"ticker", liq.Position.Ticker,
			"realized_pnl", liq.RealizedPnL.String(),
		)
	}
}

func (s *Service) settleLiquidation(ctx context.Context, liq engine.Liquidation) error {
	closedAt := time.Now().UTC()
	if liq.Position.ClosedAt != nil {
		closedAt = *liq.Position.ClosedAt
	}

	credit := settlementCredit(liq.Position.Margin, liq.RealizedPnL)
	txn := model.Transaction{
		ID:          uuid.New().String(),
		UserID:      liq.Position.UserID,
		Type:        model.TxnPerpLiquidation,
		Amount:      credit,
		Description: fmt.Sprintf("Liquidated %s %dx %s at %s", liq.Position.Side, liq.Position.Leverage, liq.Position.Ticker, liq.Position.CurrentPrice),
		RelatedID:   liq.Position.ID,
		CreatedAt:   closedAt,
	}

	err := s.store.ExecClose(ctx, liq.Position.ID, model.StatusLiquidated, closedAt, liq.RealizedPnL, credit, txn)
	if errors.Is(err, store.ErrPositionSettled) {
		return nil // a previous attempt landed
	}
	return err
}

// settlementCredit is the balance returned to the user: margin plus
// realized PnL, never negative. Liquidation PnL is already floored at
// −margin, so the floor here only guards manual closes past the threshold.
func settlementCredit(margin, realizedPnL decimal.Decimal) decimal.Decimal {
	credit := margin.Add(realizedPnL)
	if credit.IsNegative() {
		return decimal.Zero
	}
	return credit
}

func (s *Service) refreshMarketGauges(ticker string) {
	m, ok := s.engine.Market(ticker)
	if !ok {
		return
	}
	oi, _ := m.OpenInterest.Float64()
	metrics.OpenInterest.WithLabelValues(ticker).Set(oi)

	count := 0
	for _, p := range s.engine.SnapshotOpenPositions() {
		if p.Ticker == ticker {
			count++
		}
	}
	metrics.OpenPositions.WithLabelValues(ticker).Set(float64(count))
}

// --- Queries ---

// Markets returns the live perpetual markets.
func (s *Service) Markets() []model.Market {
	return s.engine.Markets()
}

// UserPositions returns the user's open perpetual positions.
func (s *Service) UserPositions(userID string) []model.Position {
	return s.engine.UserPositions(userID)
}

// Transactions returns the user's audit trail.
func (s *Service) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.store.TransactionsByUser(ctx, userID)
}

// --- Prediction markets ---

// CreatePredictionMarket seeds a market with symmetric reserves so both
// outcomes start at 0.5.
func (s *Service) CreatePredictionMarket(ctx context.Context, question string, liquidity decimal.Decimal, endDate time.Time) (*model.PredictionMarket, error) {
	if !liquidity.IsPositive() {
		return nil, fmt.Errorf("exec: liquidity must be positive, got %s", liquidity)
	}

	half := decimal.NewFromFloat(0.5)
	m := &model.PredictionMarket{
		ID:        uuid.New().String(),
		Question:  question,
		YesShares: liquidity,
		NoShares:  liquidity,
		Liquidity: liquidity,
		YesPrice:  half,
		NoPrice:   half,
		EndDate:   endDate,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePredictionMarket(ctx, m); err != nil {
		return nil, err
	}

	slog.Info("prediction market created",
		"market", m.ID, "question", question, "liquidity", liquidity.String())
	return m, nil
}

// BuyPredictionShares quotes the purchase against the pool, checks funds,
// and commits the buy in one ledger transaction.
func (s *Service) BuyPredictionShares(ctx context.Context, userID, marketID string, side model.PredictionSide, amount decimal.Decimal) (*amm.Quote, error) {
	s.predMu.Lock()
	defer s.predMu.Unlock()

	m, err := s.store.GetPredictionMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrMarketResolved, marketID)
	}
	if !m.EndDate.IsZero() && time.Now().UTC().After(m.EndDate) {
		return nil, fmt.Errorf("%w: %s", ErrMarketExpired, marketID)
	}

	quote, err := amm.Buy(m.YesShares, m.NoShares, side, amount, minPredictionOrder)
	if err != nil {
		return nil, err
	}

	ok, err := s.wallet.HasSufficientBalance(ctx, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("exec: balance check: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: need %s", ErrInsufficientFunds, amount)
	}

	buy := store.PredictionBuy{
		MarketID:     marketID,
		UserID:       userID,
		Side:         side,
		Shares:       quote.SharesBought,
		Cost:         amount,
		NewYesShares: quote.NewYesShares,
		NewNoShares:  quote.NewNoShares,
		NewYesPrice:  quote.NewYesPrice,
		NewNoPrice:   quote.NewNoPrice,
		Txn: model.Transaction{
			ID:          uuid.New().String(),
			UserID:      userID,
			Type:        model.TxnPredictionBuy,
			Amount:      amount.Neg(),
			Description: fmt.Sprintf("Bought %s %s shares", quote.SharesBought, side),
			RelatedID:   marketID,
			CreatedAt:   time.Now().UTC(),
		},
	}
	if err := s.store.ExecPredictionBuy(ctx, buy); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, fmt.Errorf("%w: need %s", ErrInsufficientFunds, amount)
		}
		return nil, err
	}

	metrics.PredictionTradesTotal.WithLabelValues(string(side)).Inc()

	slog.Info("prediction shares bought",
		"market", marketID,
		"user", userID,
		"side", side,
		"amount", amount.String(),
		"shares", quote.SharesBought.String(),
		"new_yes_price", quote.NewYesPrice.String(),
	)
	return quote, nil
}

// ResolveMarket fixes the outcome, pays every winning position exactly
// once, and returns the payouts. The ledger's resolved flag is the
// idempotency guard: a second call returns ErrMarketResolved and credits
// nothing.
func (s *Service) ResolveMarket(ctx context.Context, marketID string, outcome bool) ([]store.PredictionPayout, error) {
	s.predMu.Lock()
	defer s.predMu.Unlock()

	positions, err := s.store.GetPredictionPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payouts := make([]store.PredictionPayout, 0, len(positions))
	for _, p := range positions {
		amount, pnl := amm.Payout(p.Shares, p.AvgPrice, p.Side, outcome)
		payouts = append(payouts, store.PredictionPayout{
			UserID: p.UserID,
			Amount: amount,
			Txn: model.Transaction{
				ID:          uuid.New().String(),
				UserID:      p.UserID,
				Type:        model.TxnPredictionPayout,
				Amount:      amount,
				Description: fmt.Sprintf("Market resolved %s, PnL %s", outcomeLabel(outcome), pnl),
				RelatedID:   marketID,
				CreatedAt:   now,
			},
		})
	}

	if err := s.store.ResolvePredictionMarket(ctx, marketID, outcome, payouts); err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			return nil, fmt.Errorf("%w: %s", ErrMarketResolved, marketID)
		}
		return nil, err
	}

	slog.Info("prediction market resolved",
		"market", marketID, "outcome", outcomeLabel(outcome), "payouts", len(payouts))
	return payouts, nil
}

func outcomeLabel(outcome bool) string {
	if outcome {
		return "YES"
	}
	return "NO"
}

// --- Background loops ---

// RunReconciliation periodically re-syncs the ledger with the engine until
// the context is cancelled.
func (s *Service) RunReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile is the safety net behind the compensating transactions. It
// retries queued liquidation settlements, pushes the engine's live position
// state into the ledger, and settles ledger rows whose positions the engine
// no longer tracks. Settled ledger rows are never touched.
func (s *Service) Reconcile(ctx context.Context) {
	// Retry liquidations whose settlement failed.
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for _, liq := range pending {
		if err := s.settleLiquidation(ctx, liq); err != nil {
			slog.Error("liquidation retry failed", "position", liq.Position.ID, "error", err)
			s.pendingMu.Lock()
			s.pending = append(s.pending, liq)
			s.pendingMu.Unlock()
			continue
		}
		metrics.ReconciliationRepairsTotal.Inc()
	}

	// Push live engine state (mark price, PnL, funding-adjusted margin)
	// into the ledger's open rows.
	live := make(map[string]bool)
	for _, p := range s.engine.SnapshotOpenPositions() {
		live[p.ID] = true
		pos := p
		if err := s.store.SyncOpenPosition(ctx, &pos); err != nil {
			slog.Error("position sync failed", "position", p.ID, "error", err)
		}
	}

	// Ledger rows still open for positions the engine dropped: a close or
	// liquidation landed in memory but its ledger write never did.
	open, err := s.store.LoadOpenPositions(ctx)
	if err != nil {
		slog.Error("reconciliation load failed", "error", err)
		return
	}
	for _, p := range open {
		if live[p.ID] {
			continue
		}
		credit := settlementCredit(p.Margin, p.UnrealizedPnL)
		txn := model.Transaction{
			ID:          uuid.New().String(),
			UserID:      p.UserID,
			Type:        model.TxnPerpClose,
			Amount:      credit,
			Description: fmt.Sprintf("Reconciled close of %s %s", p.Side, p.Ticker),
			RelatedID:   p.ID,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.ExecClose(ctx, p.ID, model.StatusClosed, time.Now().UTC(), p.UnrealizedPnL, credit, txn); err != nil {
			if !errors.Is(err, store.ErrPositionSettled) {
				slog.Error("reconciled close failed", "position", p.ID, "error", err)
			}
			continue
		}
		metrics.ReconciliationRepairsTotal.Inc()
		slog.Warn("reconciled orphaned ledger position",
			"position", p.ID, "user", p.UserID, "ticker", p.Ticker)
	}
}

// RunFunding periodically settles funding on due markets and persists the
// adjusted positions until the context is cancelled. The check interval is
// short; the per-market cadence comes from the engine's funding schedule.
func (s *Service) RunFunding(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SettleDueFunding(ctx)
		}
	}
}

// SettleDueFunding settles funding on every market whose interval has
// elapsed, persists the adjusted positions, and audits each payment.
func (s *Service) SettleDueFunding(ctx context.Context) {
	results := s.engine.SettleAllFunding(time.Now().UTC())
	if len(results) == 0 {
		return
	}

	settled := make(map[string]engine.FundingResult, len(results))
	for _, res := range results {
		settled[res.Ticker] = res
		metrics.FundingSettlementsTotal.WithLabelValues(res.Ticker).Inc()

		if m, ok := s.engine.Market(res.Ticker); ok {
			market := m
			if err := s.store.SaveMarket(ctx, &market); err != nil {
				slog.Error("funding market save failed", "ticker", res.Ticker, "error", err)
			}
		}
		slog.Info("funding settled",
			"ticker", res.Ticker,
			"rate", res.Rate.String(),
			"positions", res.Positions,
		)
	}

	// Persist the funding-adjusted margins and audit each payment.
	for _, p := range s.engine.SnapshotOpenPositions() {
		res, ok := settled[p.Ticker]
		if !ok {
			continue
		}
		pos := p
		if err := s.store.SyncOpenPosition(ctx, &pos); err != nil {
			slog.Error("funding position sync failed", "position", p.ID, "error", err)
			continue
		}
		// Same rounding as the engine applied against margin, so the audit
		// row always equals the charged amount.
		payment := res.Rate.Mul(p.Size).Mul(p.Side.Sign()).Round(engine.MoneyScale)
		txn := model.Transaction{
			ID:          uuid.New().String(),
			UserID:      p.UserID,
			Type:        model.TxnFunding,
			Amount:      payment.Neg(), // positive payment costs the user
			Description: fmt.Sprintf("Funding on %s %s at rate %s", p.Side, p.Ticker, res.Rate),
			RelatedID:   p.ID,
			CreatedAt:   res.SettledAt,
		}
		if err := s.store.InsertTransaction(ctx, txn); err != nil {
			slog.Error("funding audit failed", "position", p.ID, "error", err)
		}
	}
}
