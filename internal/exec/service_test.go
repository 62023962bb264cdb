package exec_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/engine"
	"github.com/babylon-markets/trading-engine/internal/exec"
	"github.com/babylon-markets/trading-engine/internal/model"
	"github.com/babylon-markets/trading-engine/internal/store"
	"github.com/babylon-markets/trading-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var errLedgerDown = errors.New("ledger down")

// failingStore wraps a Store and fails the trade writes on demand.
type failingStore struct {
	store.Store
	failOpen  bool
	failClose bool
}

func (f *failingStore) ExecOpen(ctx context.Context, p *model.Position, txn model.Transaction) error {
	if f.failOpen {
		return errLedgerDown
	}
	return f.Store.ExecOpen(ctx, p, txn)
}

func (f *failingStore) ExecClose(ctx context.Context, positionID string, status model.PositionStatus, closedAt time.Time, realizedPnL, credit decimal.Decimal, txn model.Transaction) error {
	if f.failClose {
		return errLedgerDown
	}
	return f.Store.ExecClose(ctx, positionID, status, closedAt, realizedPnL, credit, txn)
}

func newTestEnv(t *testing.T) (*exec.Service, *engine.Engine, *store.MemoryStore, *failingStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	fs := &failingStore{Store: ms}

	cfg := engine.DefaultConfig()
	cfg.MaintenanceMarginRate = decimal.Zero
	eng := engine.New(cfg)
	if err := eng.RegisterMarket(model.Market{
		Ticker:       "TECH",
		EntityID:     "entity-tech",
		CurrentPrice: d(100),
		MarkPrice:    d(100),
		IndexPrice:   d(100),
		MaxLeverage:  100,
		MinOrderSize: d(10),
	}); err != nil {
		t.Fatalf("failed to register market: %v", err)
	}

	svc := exec.NewService(eng, fs, wallet.NewLedgerWallet(fs))
	return svc, eng, ms, fs
}

func balance(t *testing.T, ms *store.MemoryStore, userID string) decimal.Decimal {
	t.Helper()
	b, err := ms.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

func openReq() engine.OpenRequest {
	return engine.OpenRequest{
		Ticker:   "TECH",
		Side:     model.SideLong,
		Size:     d(1000),
		Leverage: 10,
	}
}

// --- Perpetual flow ---

func TestOpenPerpPosition_DebitsMarginAndPersists(t *testing.T) {
	svc, eng, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("expected balance 900 after margin debit, got %s", balance(t, ms, "user1"))
	}
	if !eng.HasPosition(pos.ID) {
		t.Error("engine should track the open position")
	}
	stored, err := ms.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if stored.Status != model.StatusOpen {
		t.Errorf("expected open ledger row, got %s", stored.Status)
	}

	txns, _ := ms.TransactionsByUser(ctx, "user1")
	if len(txns) != 1 || txns[0].Type != model.TxnPerpOpen {
		t.Fatalf("expected one perp_open transaction, got %+v", txns)
	}
	if !txns[0].Amount.Equal(d(-100)) {
		t.Errorf("audit amount should be -100, got %s", txns[0].Amount)
	}
}

func TestOpenPerpPosition_InsufficientFunds(t *testing.T) {
	svc, eng, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(50)) // margin would be 100
	ctx := context.Background()

	_, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if !errors.Is(err, exec.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(eng.UserPositions("user1")) != 0 {
		t.Error("no position should exist after a rejected open")
	}
	if !balance(t, ms, "user1").Equal(d(50)) {
		t.Errorf("balance should be untouched, got %s", balance(t, ms, "user1"))
	}
}

func TestOpenPerpPosition_LedgerFailureCompensates(t *testing.T) {
	svc, eng, ms, fs := newTestEnv(t)
	ms.SeedBalance("user1", d(1000))
	fs.failOpen = true
	ctx := context.Background()

	_, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	var cerr *exec.ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}
	if !errors.Is(err, errLedgerDown) {
		t.Errorf("wrapped cause should be the ledger error, got %v", err)
	}

	// Compensation: the engine must not keep a position the user never
	// paid margin for.
	if len(eng.UserPositions("user1")) != 0 {
		t.Error("engine position should be evicted after ledger failure")
	}
	if !balance(t, ms, "user1").Equal(d(1000)) {
		t.Errorf("balance should be untouched, got %s", balance(t, ms, "user1"))
	}
}

func TestClosePerpPosition_CreditsMarginPlusPnL(t *testing.T) {
	svc, eng, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := eng.ApplyPriceUpdate("TECH", d(110)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	res, err := svc.ClosePerpPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !res.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized PnL 100, got %s", res.RealizedPnL)
	}
	// 1000 − 100 margin + (100 margin + 100 profit) = 1100.
	if !balance(t, ms, "user1").Equal(d(1100)) {
		t.Errorf("expected balance 1100, got %s", balance(t, ms, "user1"))
	}

	stored, _ := ms.GetPosition(ctx, pos.ID)
	if stored.Status != model.StatusClosed {
		t.Errorf("ledger row should be closed, got %s", stored.Status)
	}
}

func TestClosePerpPosition_LedgerFailureRestores(t *testing.T) {
	svc, eng, ms, fs := newTestEnv(t)
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	fs.failClose = true
	_, err = svc.ClosePerpPosition(ctx, pos.ID)
	var cerr *exec.ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}

	// Compensation: the user keeps the position, not the loss.
	got, ok := eng.Position(pos.ID)
	if !ok {
		t.Fatal("position should be restored in the engine")
	}
	if got.Status != model.StatusOpen {
		t.Errorf("restored position should be open, got %s", got.Status)
	}
	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("no credit should land, got balance %s", balance(t, ms, "user1"))
	}

	// The ledger never saw the close; a later retry succeeds.
	fs.failClose = false
	if _, err := svc.ClosePerpPosition(ctx, pos.ID); err != nil {
		t.Fatalf("retried close failed: %v", err)
	}
	if !balance(t, ms, "user1").Equal(d(1000)) {
		t.Errorf("expected balance 1000 after retried close, got %s", balance(t, ms, "user1"))
	}
}

func TestSettleLiquidations_WritesTerminalRow(t *testing.T) {
	svc, eng, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	res, err := eng.ApplyPriceUpdate("TECH", d(50))
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(res.Liquidated) != 1 {
		t.Fatalf("expected a liquidation, got %d", len(res.Liquidated))
	}

	svc.SettleLiquidations(ctx, res.Liquidated)

	stored, _ := ms.GetPosition(ctx, pos.ID)
	if stored.Status != model.StatusLiquidated {
		t.Errorf("ledger row should be liquidated, got %s", stored.Status)
	}
	// Full margin lost: no credit.
	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", balance(t, ms, "user1"))
	}

	// Settling again is harmless — the terminal row rejects the rewrite.
	svc.SettleLiquidations(ctx, res.Liquidated)
	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("double settlement must not move the balance, got %s", balance(t, ms, "user1"))
	}
}

func TestReconcile_RetriesFailedLiquidationSettlement(t *testing.T) {
	svc, eng, ms, fs := newTestEnv(t)
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	res, err := eng.ApplyPriceUpdate("TECH", d(50))
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	fs.failClose = true
	svc.SettleLiquidations(ctx, res.Liquidated)

	stored, _ := ms.GetPosition(ctx, pos.ID)
	if stored.Status != model.StatusOpen {
		t.Fatalf("settlement should not have landed yet, got %s", stored.Status)
	}

	fs.failClose = false
	svc.Reconcile(ctx)

	stored, _ = ms.GetPosition(ctx, pos.ID)
	if stored.Status != model.StatusLiquidated {
		t.Errorf("reconciliation should settle the liquidation, got %s", stored.Status)
	}
}

func TestReconcile_ClosesOrphanedLedgerRows(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(100))
	ctx := context.Background()

	// A ledger row the engine knows nothing about: its close landed in
	// memory but the durable write was lost.
	orphan := model.Position{
		ID: "orphan-1", UserID: "user1", Ticker: "TECH", Side: model.SideLong,
		EntryPrice: d(100), CurrentPrice: d(105), Size: d(1000), Leverage: 10,
		Margin: d(100), UnrealizedPnL: d(50),
		Status: model.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	txn := model.Transaction{
		ID: "txn-orphan-1", UserID: "user1", Type: model.TxnPerpOpen,
		Amount: d(-100), RelatedID: orphan.ID, CreatedAt: time.Now().UTC(),
	}
	if err := ms.ExecOpen(ctx, &orphan, txn); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	svc.Reconcile(ctx)

	stored, _ := ms.GetPosition(ctx, "orphan-1")
	if stored.Status != model.StatusClosed {
		t.Errorf("orphan should be closed, got %s", stored.Status)
	}
	// Credit = margin + last known PnL.
	if !balance(t, ms, "user1").Equal(d(150)) {
		t.Errorf("expected balance 150, got %s", balance(t, ms, "user1"))
	}

	// A second pass must not pay again.
	svc.Reconcile(ctx)
	if !balance(t, ms, "user1").Equal(d(150)) {
		t.Errorf("reconcile must be idempotent, got %s", balance(t, ms, "user1"))
	}
}

// interleavingStore runs a hook between the engine accepting an open and
// the ledger write landing.
type interleavingStore struct {
	store.Store
	beforeExecOpen func(p *model.Position)
}

func (s *interleavingStore) ExecOpen(ctx context.Context, p *model.Position, txn model.Transaction) error {
	if s.beforeExecOpen != nil {
		s.beforeExecOpen(p)
	}
	return s.Store.ExecOpen(ctx, p, txn)
}

func TestReconcile_DuringOpenDoesNotCreateLedgerRow(t *testing.T) {
	ms := store.NewMemoryStore()
	is := &interleavingStore{Store: ms}

	cfg := engine.DefaultConfig()
	cfg.MaintenanceMarginRate = decimal.Zero
	eng := engine.New(cfg)
	if err := eng.RegisterMarket(model.Market{
		Ticker:       "TECH",
		EntityID:     "entity-tech",
		CurrentPrice: d(100),
		MarkPrice:    d(100),
		IndexPrice:   d(100),
		MaxLeverage:  100,
		MinOrderSize: d(10),
	}); err != nil {
		t.Fatalf("failed to register market: %v", err)
	}
	svc := exec.NewService(eng, is, wallet.NewLedgerWallet(is))
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	// A reconciliation pass fires while the open is in flight: the engine
	// already tracks the position but its ledger row does not exist yet.
	// The sync must not seed the row — if it did, the real ExecOpen could
	// collide, compensation would evict the engine position, and the next
	// pass would "reconcile" the undebited row closed, crediting margin
	// the user never paid.
	is.beforeExecOpen = func(p *model.Position) {
		svc.Reconcile(ctx)
		if _, err := ms.GetPosition(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("mid-open reconcile must not create the ledger row, got %v", err)
		}
	}

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", balance(t, ms, "user1"))
	}

	// After the open lands, reconciliation only syncs the row.
	is.beforeExecOpen = nil
	svc.Reconcile(ctx)
	if !balance(t, ms, "user1").Equal(d(900)) {
		t.Errorf("reconcile must not move the balance, got %s", balance(t, ms, "user1"))
	}
	stored, err := ms.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if stored.Status != model.StatusOpen {
		t.Errorf("position should stay open, got %s", stored.Status)
	}
}

func TestSettleDueFunding_AuditMatchesAppliedPayment(t *testing.T) {
	ms := store.NewMemoryStore()
	cfg := engine.DefaultConfig()
	cfg.MaintenanceMarginRate = decimal.Zero
	// A rate with more precision than the money scale: the raw payment
	// 0.0000123456789 only matches the charged margin after rounding.
	cfg.FundingBaseRate = decimal.RequireFromString("0.0000000123456789")
	cfg.FundingSensitivity = decimal.Zero
	cfg.FundingInterval = 0 // due immediately
	eng := engine.New(cfg)
	if err := eng.RegisterMarket(model.Market{
		Ticker:       "TECH",
		EntityID:     "entity-tech",
		CurrentPrice: d(100),
		MarkPrice:    d(100),
		IndexPrice:   d(100),
		MaxLeverage:  100,
		MinOrderSize: d(10),
	}); err != nil {
		t.Fatalf("failed to register market: %v", err)
	}
	svc := exec.NewService(eng, ms, wallet.NewLedgerWallet(ms))
	ms.SeedBalance("user1", d(1000))
	ctx := context.Background()

	pos, err := svc.OpenPerpPosition(ctx, "user1", openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	svc.SettleDueFunding(ctx)

	got, ok := eng.Position(pos.ID)
	if !ok {
		t.Fatal("position should survive funding")
	}
	applied := d(100).Sub(got.Margin)
	if !applied.IsPositive() {
		t.Fatalf("the long should have paid funding, margin delta %s", applied)
	}

	var funding *model.Transaction
	txns, _ := ms.TransactionsByUser(ctx, "user1")
	for i := range txns {
		if txns[i].Type == model.TxnFunding {
			funding = &txns[i]
			break
		}
	}
	if funding == nil {
		t.Fatal("expected a funding audit row")
	}
	if !funding.Amount.Equal(applied.Neg()) {
		t.Errorf("audit amount %s should equal the charged margin delta %s",
			funding.Amount, applied.Neg())
	}

	stored, _ := ms.GetPosition(ctx, pos.ID)
	if !stored.Margin.Equal(got.Margin) {
		t.Errorf("ledger margin %s should match engine margin %s", stored.Margin, got.Margin)
	}
}

// --- Prediction markets ---

func seedPredictionMarket(t *testing.T, svc *exec.Service) *model.PredictionMarket {
	t.Helper()
	m, err := svc.CreatePredictionMarket(context.Background(),
		"Will the merger complete this year?", d(500),
		time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("create prediction market: %v", err)
	}
	return m
}

func TestBuyPredictionShares_DebitsAndMovesPrice(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(500))
	ctx := context.Background()
	m := seedPredictionMarket(t, svc)

	quote, err := svc.BuyPredictionShares(ctx, "user1", m.ID, model.PredictionYes, d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if !balance(t, ms, "user1").Equal(d(400)) {
		t.Errorf("expected balance 400, got %s", balance(t, ms, "user1"))
	}
	updated, _ := ms.GetPredictionMarket(ctx, m.ID)
	if !updated.YesPrice.Equal(quote.NewYesPrice) {
		t.Errorf("stored YES price %s should match quote %s", updated.YesPrice, quote.NewYesPrice)
	}
	if updated.YesPrice.LessThanOrEqual(d(0.5)) {
		t.Errorf("YES price should rise above 0.5, got %s", updated.YesPrice)
	}
	// Liquidity accumulates every dollar put in: 500 seed + 100 buy.
	if !updated.Liquidity.Equal(d(600)) {
		t.Errorf("expected liquidity 600 after the buy, got %s", updated.Liquidity)
	}

	positions, _ := ms.GetUserPredictionPositions(ctx, "user1")
	if len(positions) != 1 {
		t.Fatalf("expected one prediction position, got %d", len(positions))
	}
	if !positions[0].Shares.Equal(quote.SharesBought) {
		t.Errorf("position shares %s should match quote %s", positions[0].Shares, quote.SharesBought)
	}
}

func TestBuyPredictionShares_AveragesEntryPrice(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(500))
	ctx := context.Background()
	m := seedPredictionMarket(t, svc)

	q1, err := svc.BuyPredictionShares(ctx, "user1", m.ID, model.PredictionYes, d(100))
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	q2, err := svc.BuyPredictionShares(ctx, "user1", m.ID, model.PredictionYes, d(100))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	positions, _ := ms.GetUserPredictionPositions(ctx, "user1")
	if len(positions) != 1 {
		t.Fatalf("buys on the same side should fold into one position, got %d", len(positions))
	}
	totalShares := q1.SharesBought.Add(q2.SharesBought)
	if !positions[0].Shares.Equal(totalShares) {
		t.Errorf("expected %s shares, got %s", totalShares, positions[0].Shares)
	}
	// VWAP: total cost / total shares.
	wantAvg := d(200).Div(totalShares)
	if !positions[0].AvgPrice.Sub(wantAvg).Abs().LessThan(d(0.0000001)) {
		t.Errorf("expected avg price ≈ %s, got %s", wantAvg, positions[0].AvgPrice)
	}
}

func TestBuyPredictionShares_Rejections(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(10))
	ctx := context.Background()

	live := seedPredictionMarket(t, svc)

	expired, err := svc.CreatePredictionMarket(ctx, "Expired?", d(500),
		time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("create expired market: %v", err)
	}

	resolved := seedPredictionMarket(t, svc)
	if _, err := svc.ResolveMarket(ctx, resolved.ID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cases := []struct {
		name     string
		marketID string
		amount   float64
		wantErr  error
	}{
		{"insufficient funds", live.ID, 100, exec.ErrInsufficientFunds},
		{"expired market", expired.ID, 5, exec.ErrMarketExpired},
		{"resolved market", resolved.ID, 5, exec.ErrMarketResolved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.BuyPredictionShares(ctx, "user1", tc.marketID, model.PredictionYes, d(tc.amount))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResolveMarket_PaysWinnersExactlyOnce(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	ms.SeedBalance("user1", d(200))
	ms.SeedBalance("user2", d(200))
	ctx := context.Background()
	m := seedPredictionMarket(t, svc)

	yesQuote, err := svc.BuyPredictionShares(ctx, "user1", m.ID, model.PredictionYes, d(100))
	if err != nil {
		t.Fatalf("yes buy: %v", err)
	}
	if _, err := svc.BuyPredictionShares(ctx, "user2", m.ID, model.PredictionNo, d(50)); err != nil {
		t.Fatalf("no buy: %v", err)
	}

	payouts, err := svc.ResolveMarket(ctx, m.ID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("expected a payout entry per position, got %d", len(payouts))
	}

	// Winner: $1 per YES share. Loser: nothing.
	wantWinner := d(100).Add(yesQuote.SharesBought)
	if !balance(t, ms, "user1").Equal(wantWinner) {
		t.Errorf("expected winner balance %s, got %s", wantWinner, balance(t, ms, "user1"))
	}
	if !balance(t, ms, "user2").Equal(d(150)) {
		t.Errorf("expected loser balance 150, got %s", balance(t, ms, "user2"))
	}

	// Resolving again pays nothing.
	_, err = svc.ResolveMarket(ctx, m.ID, true)
	if !errors.Is(err, exec.ErrMarketResolved) {
		t.Fatalf("expected ErrMarketResolved, got %v", err)
	}
	if !balance(t, ms, "user1").Equal(wantWinner) {
		t.Errorf("double resolve must not pay again, got %s", balance(t, ms, "user1"))
	}
}
