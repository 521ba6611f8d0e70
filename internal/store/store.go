// Package store implements the ledger: point balances, per-outcome share
// positions, the append-only trade log, and market records. Implementations
// include PostgreSQL (source of truth), Redis (read-through cache for
// market reads), and in-memory (for testing and single-node deployments).
//
// All mutating market operations run through WithMarketTx, which serializes
// transactions per market: two concurrent trades on the same market are
// linearized, trades on different markets proceed in parallel.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/model"
)

// Store is the persistence interface consumed by the engine.
type Store interface {
	// --- Market records ---

	// CreateMarket persists a new market with its outcomes.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by ID, outcomes in creation order.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Users and balances ---

	// CreateUser creates a points account with the given starting balance.
	// Returns model.ErrUserExists if the account already exists.
	CreateUser(ctx context.Context, userID string, startingBalance decimal.Decimal) error

	// GetBalance returns a user's points balance.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Positions and trade history (read-only) ---

	// GetPositions returns a user's nonzero positions in one market.
	GetPositions(ctx context.Context, userID, marketID string) ([]model.Position, error)

	// GetPositionsByUser returns a user's nonzero positions across markets.
	GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// TradesByMarket returns a market's trades, oldest first.
	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// TradesByUser returns a user's trades, oldest first.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Transactional unit ---

	// WithMarketTx runs fn against a transactional view of one market.
	// fn's mutations commit all-or-nothing: if fn returns an error, no
	// change is observable. Transactions on the same market are serialized.
	WithMarketTx(ctx context.Context, marketID string, fn func(tx Tx) error) error
}

// Tx is the transactional view passed to WithMarketTx callbacks. Reads
// observe writes made earlier in the same transaction.
type Tx interface {
	// Market returns the market row this transaction is scoped to,
	// exclusive until commit.
	Market() *model.Market

	// UpdateMarket writes back the market's state, pools, prices, and
	// resolution fields.
	UpdateMarket(m *model.Market) error

	// Balance returns a user's points balance.
	Balance(userID string) (decimal.Decimal, error)

	// AdjustBalance adds delta (signed) to a user's points balance
	// unconditionally. Used for credits and for resolution/cancellation
	// reversals, which must always be able to commit.
	AdjustBalance(userID string, delta decimal.Decimal) error

	// DebitBalance subtracts amount (positive) from a user's points
	// balance. Unlike AdjustBalance, the debit is re-validated against the
	// committed balance when the transaction commits: if transactions on
	// other markets drained the account in the meantime, the whole
	// transaction fails with model.ErrInsufficientBalance instead of
	// overdrawing it.
	DebitBalance(userID string, amount decimal.Decimal) error

	// Position returns a user's share quantity for one outcome.
	Position(userID, outcomeID string) (decimal.Decimal, error)

	// AdjustPosition adds delta (signed) to a user's share quantity.
	AdjustPosition(userID, outcomeID string, delta decimal.Decimal) error

	// Positions returns every nonzero position in this market.
	Positions() ([]model.Position, error)

	// Trades returns this market's trade log, oldest first.
	Trades() ([]model.Trade, error)

	// AppendTrade appends an immutable trade record.
	AppendTrade(t *model.Trade) error
}
