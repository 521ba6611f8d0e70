package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// see schema.sql for the table layout.
//
// Serialization: WithMarketTx opens a transaction and takes a row lock on
// the market (SELECT ... FOR UPDATE), so transactions on the same market
// are linearized by the database while other markets proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, question, description, state, b, created_at, closes_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		m.ID, m.Question, m.Description, string(m.State), m.B.String(), m.CreatedAt, m.ClosesAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}

	for i, o := range m.Outcomes {
		price := decimal.Zero
		if i < len(m.Prices) {
			price = m.Prices[i]
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, ord, label, color, pool, price)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC)`,
			o.ID, m.ID, i, o.Label, o.Color, o.Pool.String(), price.String(),
		)
		if err != nil {
			return fmt.Errorf("create market %s outcome %s: %w", m.ID, o.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadMarket reads a market and its outcomes. forUpdate locks the market
// row for the duration of the surrounding transaction.
func loadMarket(ctx context.Context, q rowQuerier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT id, question, description, state, b::TEXT,
	               COALESCE(winning_outcome_id, ''), created_at, closes_at, decided_at
	        FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var m model.Market
	var state, b string
	err := q.QueryRow(ctx, sql, id).Scan(
		&m.ID, &m.Question, &m.Description, &state, &b,
		&m.WinningOutcomeID, &m.CreatedAt, &m.ClosesAt, &m.DecidedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	m.State = model.MarketState(state)
	m.B, _ = decimal.NewFromString(b)

	rows, err := q.Query(ctx,
		`SELECT id, market_id, label, color, pool::TEXT, price::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY ord`, id)
	if err != nil {
		return nil, fmt.Errorf("get market %s outcomes: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var o model.Outcome
		var pool, price string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &o.Color, &pool, &price); err != nil {
			return nil, err
		}
		o.Pool, _ = decimal.NewFromString(pool)
		p, _ := decimal.NewFromString(price)
		m.Outcomes = append(m.Outcomes, o)
		m.Prices = append(m.Prices, p)
	}
	return &m, rows.Err()
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return loadMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var markets []model.Market
	for _, id := range ids {
		m, err := loadMarket(ctx, s.pool, id, false)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, userID string, startingBalance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, points) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, startingBalance.String(),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrUserExists, userID)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var points string
	err := s.pool.QueryRow(ctx,
		`SELECT points::TEXT FROM balances WHERE user_id = $1`, userID).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	bal, _ := decimal.NewFromString(points)
	return bal, nil
}

const positionColumns = `p.user_id, p.market_id, p.outcome_id, o.label, p.quantity::TEXT`

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var result []model.Position
	for rows.Next() {
		var p model.Position
		var qty string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &p.Label, &qty); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetPositions(ctx context.Context, userID, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions p JOIN outcomes o ON o.id = p.outcome_id
		 WHERE p.user_id = $1 AND p.market_id = $2 AND p.quantity <> 0
		 ORDER BY o.ord`, userID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions p JOIN outcomes o ON o.id = p.outcome_id
		 WHERE p.user_id = $1 AND p.quantity <> 0
		 ORDER BY p.market_id, o.ord`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

const tradeColumns = `id, user_id, market_id, outcome_id, quantity::TEXT, price::TEXT, cost::TEXT, created_at`

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var result []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, cost string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OutcomeID,
			&qty, &price, &cost, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Cost, _ = decimal.NewFromString(cost)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// maxTxAttempts bounds retries of serializable transactions that lose a
// conflict against a concurrent commit.
const maxTxAttempts = 3

// isSerializationFailure reports whether err is a PostgreSQL serialization
// failure (40001) or deadlock (40P01); both are safe to retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func (s *PostgresStore) WithMarketTx(ctx context.Context, marketID string, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runMarketTx(ctx, marketID, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("%w: market %s: %v", model.ErrTxConflict, marketID, err)
}

func (s *PostgresStore) runMarketTx(ctx context.Context, marketID string, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin market tx %s: %w", marketID, err)
	}
	defer pgtx.Rollback(ctx)

	market, err := loadMarket(ctx, pgtx, marketID, true)
	if err != nil {
		return err
	}

	if err := fn(&pgTx{ctx: ctx, tx: pgtx, market: market}); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit market tx %s: %w", marketID, err)
	}
	return nil
}

// pgTx implements Tx on top of a pgx transaction holding the market row lock.
type pgTx struct {
	ctx    context.Context
	tx     pgx.Tx
	market *model.Market
}

func (t *pgTx) Market() *model.Market {
	return t.market
}

func (t *pgTx) UpdateMarket(m *model.Market) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE markets
		 SET state = $2, winning_outcome_id = NULLIF($3, ''), decided_at = $4
		 WHERE id = $1`,
		m.ID, string(m.State), m.WinningOutcomeID, m.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}

	for i, o := range m.Outcomes {
		price := decimal.Zero
		if i < len(m.Prices) {
			price = m.Prices[i]
		}
		_, err = t.tx.Exec(t.ctx,
			`UPDATE outcomes SET pool = $2::NUMERIC, price = $3::NUMERIC WHERE id = $1`,
			o.ID, o.Pool.String(), price.String(),
		)
		if err != nil {
			return fmt.Errorf("update outcome %s: %w", o.ID, err)
		}
	}

	t.market = m
	return nil
}

func (t *pgTx) Balance(userID string) (decimal.Decimal, error) {
	var points string
	err := t.tx.QueryRow(t.ctx,
		`SELECT points::TEXT FROM balances WHERE user_id = $1`, userID).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", userID, err)
	}
	bal, _ := decimal.NewFromString(points)
	return bal, nil
}

func (t *pgTx) AdjustBalance(userID string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE balances SET points = points + $2::NUMERIC WHERE user_id = $1`,
		userID, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	return nil
}

func (t *pgTx) DebitBalance(userID string, amount decimal.Decimal) error {
	// The WHERE clause makes the debit conditional on sufficient funds, so
	// a concurrent commit that drained the balance fails this transaction
	// instead of overdrawing the account.
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE balances SET points = points - $2::NUMERIC
		 WHERE user_id = $1 AND points >= $2::NUMERIC`,
		userID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("debit balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := t.Balance(userID); err != nil {
			return err
		}
		return fmt.Errorf("%w: debiting %s from %s", model.ErrInsufficientBalance, amount, userID)
	}
	return nil
}

func (t *pgTx) Position(userID, outcomeID string) (decimal.Decimal, error) {
	var qty string
	err := t.tx.QueryRow(t.ctx,
		`SELECT quantity::TEXT FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		userID, t.market.ID, outcomeID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("position %s/%s: %w", userID, outcomeID, err)
	}
	q, _ := decimal.NewFromString(qty)
	return q, nil
}

func (t *pgTx) AdjustPosition(userID, outcomeID string, delta decimal.Decimal) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO positions (user_id, market_id, outcome_id, quantity)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, market_id, outcome_id)
		 DO UPDATE SET quantity = positions.quantity + EXCLUDED.quantity`,
		userID, t.market.ID, outcomeID, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("adjust position %s/%s: %w", userID, outcomeID, err)
	}
	return nil
}

func (t *pgTx) Positions() ([]model.Position, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+positionColumns+`
		 FROM positions p JOIN outcomes o ON o.id = p.outcome_id
		 WHERE p.market_id = $1 AND p.quantity <> 0
		 ORDER BY p.user_id, o.ord`, t.market.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *pgTx) Trades() ([]model.Trade, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY created_at, id`, t.market.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (t *pgTx) AppendTrade(tr *model.Trade) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome_id, quantity, price, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.UserID, tr.MarketID, tr.OutcomeID,
		tr.Quantity.String(), tr.Price.String(), tr.Cost.String(), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append trade %s: %w", tr.ID, err)
	}
	return nil
}
