package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal, txn model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := adjustBalanceTx(ctx, tx, userID, delta); err != nil {
		return err
	}
	if err := insertTransactionTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// adjustBalanceTx upserts the balance row. The balance >= 0 guard in the
// UPDATE arm rejects overdrafts without a read-modify-write race.
func adjustBalanceTx(ctx context.Context, tx pgx.Tx, userID string, delta decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = users.balance + $2::NUMERIC
		 WHERE users.balance + $2::NUMERIC >= 0`,
		userID, delta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrInsufficientBalance, userID)
	}
	if delta.IsNegative() {
		// The INSERT arm can create a negative row for a brand-new user;
		// the conflict target only guards the UPDATE arm.
		var balance string
		if err := tx.QueryRow(ctx,
			`SELECT balance::TEXT FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
			return err
		}
		if b, _ := decimal.NewFromString(balance); b.IsNegative() {
			return fmt.Errorf("%w: user %s", ErrInsufficientBalance, userID)
		}
	}
	return nil
}

func insertTransactionTx(ctx context.Context, tx pgx.Tx, txn model.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, description, related_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		txn.ID, txn.UserID, txn.Type, txn.Amount.String(),
		txn.Description, txn.RelatedID, txn.CreatedAt)
	return err
}

// --- Perpetual markets ---

const marketColumns = `ticker, entity_id,
       current_price::TEXT, mark_price::TEXT, index_price::TEXT,
       max_leverage, min_order_size::TEXT, open_interest::TEXT,
       funding_rate::TEXT, predicted_rate::TEXT, next_funding_time`

func (s *PostgresStore) LoadMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (ticker, entity_id, current_price, mark_price, index_price,
		                      max_leverage, min_order_size, open_interest,
		                      funding_rate, predicted_rate, next_funding_time)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)
		 ON CONFLICT (ticker) DO UPDATE SET
		   current_price = EXCLUDED.current_price,
		   mark_price = EXCLUDED.mark_price,
		   index_price = EXCLUDED.index_price,
		   max_leverage = EXCLUDED.max_leverage,
		   min_order_size = EXCLUDED.min_order_size,
		   open_interest = EXCLUDED.open_interest,
		   funding_rate = EXCLUDED.funding_rate,
		   predicted_rate = EXCLUDED.predicted_rate,
		   next_funding_time = EXCLUDED.next_funding_time`,
		m.Ticker, m.EntityID,
		m.CurrentPrice.String(), m.MarkPrice.String(), m.IndexPrice.String(),
		m.MaxLeverage, m.MinOrderSize.String(), m.OpenInterest.String(),
		m.FundingRate.Rate.String(), m.FundingRate.PredictedRate.String(),
		m.FundingRate.NextFundingTime,
	)
	return err
}

func scanMarket(rows pgx.Rows) (model.Market, error) {
	var m model.Market
	var current, mark, index, minOrder, oi, rate, predicted string

	if err := rows.Scan(&m.Ticker, &m.EntityID,
		&current, &mark, &index,
		&m.MaxLeverage, &minOrder, &oi,
		&rate, &predicted, &m.FundingRate.NextFundingTime); err != nil {
		return model.Market{}, err
	}

	m.CurrentPrice, _ = decimal.NewFromString(current)
	m.MarkPrice, _ = decimal.NewFromString(mark)
	m.IndexPrice, _ = decimal.NewFromString(index)
	m.MinOrderSize, _ = decimal.NewFromString(minOrder)
	m.OpenInterest, _ = decimal.NewFromString(oi)
	m.FundingRate.Rate, _ = decimal.NewFromString(rate)
	m.FundingRate.PredictedRate, _ = decimal.NewFromString(predicted)
	return m, nil
}

// --- Perpetual positions ---

const positionColumns = `id, user_id, ticker, side,
       entry_price::TEXT, current_price::TEXT, size::TEXT, leverage,
       margin::TEXT, liquidation_price::TEXT, unrealized_pnl::TEXT,
       funding_paid::TEXT, status, opened_at, closed_at`

func (s *PostgresStore) LoadOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE closed_at IS NULL ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	p, err := scanPosition(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SyncOpenPosition(ctx context.Context, p *model.Position) error {
	// Update-only: row creation belongs to ExecOpen, so a sync racing an
	// in-flight open cannot seed a row whose margin debit never ran. The
	// closed_at IS NULL guard keeps settled rows immutable: a stale engine
	// snapshot can never reopen a closed position.
	_, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET current_price = $2::NUMERIC,
		     margin = $3::NUMERIC,
		     liquidation_price = $4::NUMERIC,
		     unrealized_pnl = $5::NUMERIC,
		     funding_paid = $6::NUMERIC
		 WHERE id = $1 AND closed_at IS NULL`,
		p.ID, p.CurrentPrice.String(), p.Margin.String(),
		p.LiquidationPrice.String(), p.UnrealizedPnL.String(),
		p.FundingPaid.String(),
	)
	return err
}

func (s *PostgresStore) ExecOpen(ctx context.Context, p *model.Position, txn model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := adjustBalanceTx(ctx, tx, p.UserID, p.Margin.Neg()); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, ticker, side, entry_price, current_price,
		                        size, leverage, margin, liquidation_price,
		                        unrealized_pnl, funding_paid, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		p.ID, p.UserID, p.Ticker, p.Side,
		p.EntryPrice.String(), p.CurrentPrice.String(),
		p.Size.String(), p.Leverage, p.Margin.String(),
		p.LiquidationPrice.String(), p.UnrealizedPnL.String(),
		p.FundingPaid.String(), p.Status, p.OpenedAt,
	); err != nil {
		return err
	}

	if err := insertTransactionTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ExecClose(ctx context.Context, positionID string, status model.PositionStatus, closedAt time.Time, realizedPnL, credit decimal.Decimal, txn model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE positions
		 SET status = $2, closed_at = $3, unrealized_pnl = $4::NUMERIC
		 WHERE id = $1 AND closed_at IS NULL`,
		positionID, status, closedAt, realizedPnL.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s", ErrPositionSettled, positionID)
	}

	if credit.IsPositive() {
		if err := adjustBalanceTx(ctx, tx, txn.UserID, credit); err != nil {
			return err
		}
	}
	if err := insertTransactionTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanPosition(rows pgx.Rows) (model.Position, error) {
	var p model.Position
	var entry, current, size, margin, liq, pnl, funding string
	var closedAt *time.Time

	if err := rows.Scan(&p.ID, &p.UserID, &p.Ticker, &p.Side,
		&entry, &current, &size, &p.Leverage,
		&margin, &liq, &pnl, &funding,
		&p.Status, &p.OpenedAt, &closedAt); err != nil {
		return model.Position{}, err
	}

	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.CurrentPrice, _ = decimal.NewFromString(current)
	p.Size, _ = decimal.NewFromString(size)
	p.Margin, _ = decimal.NewFromString(margin)
	p.LiquidationPrice, _ = decimal.NewFromString(liq)
	p.UnrealizedPnL, _ = decimal.NewFromString(pnl)
	p.FundingPaid, _ = decimal.NewFromString(funding)
	p.ClosedAt = closedAt
	return p, nil
}

// --- Prediction markets ---

const predictionMarketColumns = `id, question,
       yes_shares::TEXT, no_shares::TEXT, liquidity::TEXT,
       yes_price::TEXT, no_price::TEXT,
       resolved, resolution, end_date, created_at`

func (s *PostgresStore) CreatePredictionMarket(ctx context.Context, m *model.PredictionMarket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prediction_markets (id, question, yes_shares, no_shares, liquidity,
		                                 yes_price, no_price, resolved, resolution, end_date, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		m.ID, m.Question,
		m.YesShares.String(), m.NoShares.String(), m.Liquidity.String(),
		m.YesPrice.String(), m.NoPrice.String(),
		m.Resolved, m.Resolution, m.EndDate, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPredictionMarket(ctx context.Context, id string) (*model.PredictionMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionMarketColumns+` FROM prediction_markets WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: prediction market %s", ErrNotFound, id)
	}
	m, err := scanPredictionMarket(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListPredictionMarkets(ctx context.Context) ([]model.PredictionMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionMarketColumns+` FROM prediction_markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.PredictionMarket
	for rows.Next() {
		m, err := scanPredictionMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func scanPredictionMarket(rows pgx.Rows) (model.PredictionMarket, error) {
	var m model.PredictionMarket
	var yes, no, liq, yesPrice, noPrice string

	if err := rows.Scan(&m.ID, &m.Question,
		&yes, &no, &liq, &yesPrice, &noPrice,
		&m.Resolved, &m.Resolution, &m.EndDate, &m.CreatedAt); err != nil {
		return model.PredictionMarket{}, err
	}

	m.YesShares, _ = decimal.NewFromString(yes)
	m.NoShares, _ = decimal.NewFromString(no)
	m.Liquidity, _ = decimal.NewFromString(liq)
	m.YesPrice, _ = decimal.NewFromString(yesPrice)
	m.NoPrice, _ = decimal.NewFromString(noPrice)
	return m, nil
}

func (s *PostgresStore) GetPredictionPositions(ctx context.Context, marketID string) ([]model.PredictionPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, side, shares::TEXT, avg_price::TEXT
		 FROM prediction_positions WHERE market_id = $1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPredictionPositions(rows)
}

func (s *PostgresStore) GetUserPredictionPositions(ctx context.Context, userID string) ([]model.PredictionPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, side, shares::TEXT, avg_price::TEXT
		 FROM prediction_positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPredictionPositions(rows)
}

func scanPredictionPositions(rows pgx.Rows) ([]model.PredictionPosition, error) {
	var positions []model.PredictionPosition
	for rows.Next() {
		var p model.PredictionPosition
		var shares, avg string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.Side, &shares, &avg); err != nil {
			return nil, err
		}
		p.Shares, _ = decimal.NewFromString(shares)
		p.AvgPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ExecPredictionBuy(ctx context.Context, buy PredictionBuy) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE prediction_markets
		 SET yes_shares = $2::NUMERIC, no_shares = $3::NUMERIC,
		     yes_price = $4::NUMERIC, no_price = $5::NUMERIC,
		     liquidity = liquidity + $6::NUMERIC
		 WHERE id = $1 AND resolved = FALSE`,
		buy.MarketID,
		buy.NewYesShares.String(), buy.NewNoShares.String(),
		buy.NewYesPrice.String(), buy.NewNoPrice.String(),
		buy.Cost.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prediction market %s", ErrAlreadyResolved, buy.MarketID)
	}

	if err := adjustBalanceTx(ctx, tx, buy.UserID, buy.Cost.Neg()); err != nil {
		return err
	}

	// Fold into the existing position at volume-weighted average price.
	if _, err := tx.Exec(ctx,
		`INSERT INTO prediction_positions (user_id, market_id, side, shares, avg_price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (user_id, market_id, side) DO UPDATE SET
		   avg_price = (prediction_positions.avg_price * prediction_positions.shares + $6::NUMERIC)
		               / (prediction_positions.shares + EXCLUDED.shares),
		   shares = prediction_positions.shares + EXCLUDED.shares`,
		buy.UserID, buy.MarketID, buy.Side,
		buy.Shares.String(), buy.Cost.Div(buy.Shares).String(), buy.Cost.String(),
	); err != nil {
		return err
	}

	if err := insertTransactionTx(ctx, tx, buy.Txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ResolvePredictionMarket(ctx context.Context, marketID string, outcome bool, payouts []PredictionPayout) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE prediction_markets
		 SET resolved = TRUE, resolution = $2
		 WHERE id = $1 AND resolved = FALSE`,
		marketID, outcome)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prediction market %s", ErrAlreadyResolved, marketID)
	}

	for _, payout := range payouts {
		if payout.Amount.IsPositive() {
			if err := adjustBalanceTx(ctx, tx, payout.UserID, payout.Amount); err != nil {
				return err
			}
		}
		if err := insertTransactionTx(ctx, tx, payout.Txn); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// --- Audit ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, txn model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransactionTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, description, related_id, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount,
			&t.Description, &t.RelatedID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
