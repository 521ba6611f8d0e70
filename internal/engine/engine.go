// Package engine implements the market engine core: market creation and
// lifecycle, quoting, trade execution, and resolution/cancellation payouts.
//
// The engine holds no background goroutines or timers. Every operation is
// an independent unit of work invoked by the caller; all mutating
// operations on one market run inside a single store transaction, so they
// are atomic and serialized per market.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/lmsr"
	"github.com/chloekek/henk/internal/metrics"
	"github.com/chloekek/henk/internal/model"
	"github.com/chloekek/henk/internal/store"
)

// ErrNumericOverflow mirrors the pricing package sentinel so callers can
// test against a single package. Fatal to the request; the caller should
// reduce the trade size rather than retry.
var ErrNumericOverflow = lmsr.ErrNumericOverflow

// Options configures engine-wide policy.
type Options struct {
	// StartingBalance is the points grant for newly created users.
	StartingBalance decimal.Decimal

	// DefaultLiquidity is the LMSR b parameter used when market creation
	// does not specify one.
	DefaultLiquidity decimal.Decimal
}

// Engine orchestrates all market operations against the ledger store.
// Safe for concurrent use: per-market serialization lives in the store.
type Engine struct {
	store   store.Store
	limiter *PositionLimiter // nil → no position limits
	opts    Options
}

// New creates an engine. Pass nil for limiter to disable position limits.
func New(st store.Store, limiter *PositionLimiter, opts Options) *Engine {
	if opts.StartingBalance.LessThanOrEqual(decimal.Zero) {
		opts.StartingBalance = decimal.NewFromInt(1000)
	}
	if opts.DefaultLiquidity.LessThanOrEqual(decimal.Zero) {
		opts.DefaultLiquidity = decimal.NewFromInt(100)
	}
	return &Engine{store: st, limiter: limiter, opts: opts}
}

// OutcomeSpec describes one outcome at market creation.
type OutcomeSpec struct {
	Label string `json:"label"`
	Color string `json:"color,omitempty"` // optional; palette default when empty
}

// CreateMarketParams are the inputs to CreateMarket.
type CreateMarketParams struct {
	Question    string        `json:"question"`
	Description string        `json:"description,omitempty"`
	Outcomes    []OutcomeSpec `json:"outcomes"`

	// B is the LMSR liquidity parameter. When zero, it is derived from
	// SubsidyBudget if given, otherwise the engine default applies.
	B decimal.Decimal `json:"b"`

	// SubsidyBudget caps the operator's worst-case loss on this market;
	// b = budget / ln(outcomes). Ignored when B is set explicitly.
	SubsidyBudget decimal.Decimal `json:"subsidy_budget,omitempty"`

	ClosesAt time.Time `json:"closes_at"`
}

// CreateMarket creates a market in the Draft state. Drafts are not
// tradable until OpenMarket.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	if p.Question == "" {
		return nil, &model.ValidationError{Message: "question is required"}
	}
	if len(p.Outcomes) < 2 {
		return nil, &model.ValidationError{Message: "market needs at least two outcomes"}
	}
	if p.ClosesAt.IsZero() {
		return nil, &model.ValidationError{Message: "closes_at is required"}
	}

	b := p.B
	if b.LessThanOrEqual(decimal.Zero) {
		if p.SubsidyBudget.IsPositive() {
			var err error
			b, err = lmsr.LiquidityForBudget(p.SubsidyBudget, len(p.Outcomes))
			if err != nil {
				return nil, &model.ValidationError{Message: err.Error()}
			}
		} else {
			b = e.opts.DefaultLiquidity
		}
	}
	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return nil, &model.ValidationError{Message: err.Error()}
	}

	marketID := uuid.New().String()
	seen := make(map[string]bool, len(p.Outcomes))
	outcomes := make([]model.Outcome, len(p.Outcomes))
	for i, spec := range p.Outcomes {
		if spec.Label == "" {
			return nil, &model.ValidationError{Message: "outcome label must not be empty"}
		}
		if seen[spec.Label] {
			return nil, &model.ValidationError{Message: fmt.Sprintf("duplicate outcome label %q", spec.Label)}
		}
		seen[spec.Label] = true

		color := spec.Color
		if color == "" {
			color = model.DefaultColor(i)
		} else if color, err = model.ParseColor(color); err != nil {
			return nil, &model.ValidationError{Message: err.Error()}
		}

		outcomes[i] = model.Outcome{
			ID:       uuid.New().String(),
			MarketID: marketID,
			Label:    spec.Label,
			Color:    color,
			Pool:     decimal.Zero,
		}
	}

	market := &model.Market{
		ID:          marketID,
		Question:    p.Question,
		Description: p.Description,
		State:       model.StateDraft,
		B:           b,
		Outcomes:    outcomes,
		CreatedAt:   time.Now().UTC(),
		ClosesAt:    p.ClosesAt.UTC(),
	}
	market.Prices, err = mm.Prices(market.Pools())
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	slog.Info("market created",
		"id", market.ID,
		"question", p.Question,
		"outcomes", len(outcomes),
		"b", b.String(),
		"max_loss", mm.MaxLoss(len(outcomes)).String(),
	)
	return market, nil
}

// CreateUser creates a points account funded with the starting balance.
func (e *Engine) CreateUser(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, &model.ValidationError{Message: "user_id is required"}
	}
	if err := e.store.CreateUser(ctx, userID, e.opts.StartingBalance); err != nil {
		return decimal.Zero, err
	}
	slog.Info("user created", "user", userID, "balance", e.opts.StartingBalance.String())
	return e.opts.StartingBalance, nil
}

// Quote prices a hypothetical trade without side effects.
type Quote struct {
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Delta     decimal.Decimal `json:"delta"`
	Cost      decimal.Decimal `json:"cost"`       // +points the trader pays, -points received
	FillPrice decimal.Decimal `json:"fill_price"` // average price per share
}

// GetQuote computes the cost of changing an outcome's shares by delta at
// the current market state. Read-only; quote and commit are separate, so
// the committed cost may differ — ExecuteTrade's maxCost bounds that.
func (e *Engine) GetQuote(ctx context.Context, marketID, outcomeID string, delta decimal.Decimal) (*Quote, error) {
	if delta.IsZero() {
		return nil, &model.ValidationError{Message: "delta must be non-zero"}
	}

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := m.EnsureTradable(); err != nil {
		return nil, err
	}

	i := m.OutcomeIndex(outcomeID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrOutcomeNotFound, outcomeID)
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	cost, err := mm.Quote(m.Pools(), i, delta)
	if err != nil {
		return nil, err
	}
	fill, err := mm.FillPrice(m.Pools(), i, delta)
	if err != nil {
		return nil, err
	}

	return &Quote{
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Delta:     delta,
		Cost:      cost,
		FillPrice: fill,
	}, nil
}

// ExecuteTrade executes a trade as one atomic unit: quote at the current
// share vector, check preconditions, then commit the balance, position,
// pool, and trade-log mutations together. maxCost caps the committed cost
// of a buy (slippage protection); pass zero to accept any cost.
//
// No partial trade is ever observable: any precondition failure aborts
// the transaction with all entities unchanged.
func (e *Engine) ExecuteTrade(ctx context.Context, marketID, userID, outcomeID string, delta, maxCost decimal.Decimal) (*model.Trade, error) {
	if userID == "" {
		return nil, &model.ValidationError{Message: "user_id is required"}
	}
	if delta.IsZero() {
		return nil, &model.ValidationError{Message: "delta must be non-zero"}
	}

	start := time.Now()
	var trade *model.Trade

	err := e.store.WithMarketTx(ctx, marketID, func(tx store.Tx) error {
		m := tx.Market()
		if err := m.EnsureTradable(); err != nil {
			return err
		}

		i := m.OutcomeIndex(outcomeID)
		if i < 0 {
			return fmt.Errorf("%w: %s", model.ErrOutcomeNotFound, outcomeID)
		}

		mm, err := lmsr.NewMarketMaker(m.B)
		if err != nil {
			return err
		}

		pools := m.Pools()
		cost, err := mm.Quote(pools, i, delta)
		if err != nil {
			return err
		}
		fill, err := mm.FillPrice(pools, i, delta)
		if err != nil {
			return err
		}

		held, err := tx.Position(userID, outcomeID)
		if err != nil {
			return err
		}

		if delta.IsNegative() {
			// Selling is permitted only up to the quantity currently
			// held: aggregate positions never go negative.
			if delta.Abs().GreaterThan(held) {
				return fmt.Errorf("%w: selling %s, holding %s",
					model.ErrInsufficientPosition, delta.Abs(), held)
			}
		}

		if cost.IsPositive() {
			balance, err := tx.Balance(userID)
			if err != nil {
				return err
			}
			if cost.GreaterThan(balance) {
				return fmt.Errorf("%w: cost %s, balance %s",
					model.ErrInsufficientBalance, cost, balance)
			}
			if maxCost.IsPositive() && cost.GreaterThan(maxCost) {
				return fmt.Errorf("%w: cost %s, max_cost %s",
					model.ErrSlippageExceeded, cost, maxCost)
			}
		}

		if e.limiter != nil {
			positions, err := tx.Positions()
			if err != nil {
				return err
			}
			if err := e.limiter.Check(userID, outcomeID, held.Add(delta), positions); err != nil {
				return err
			}
		}

		// Commit: debit/credit points, adjust holding, grow the pool,
		// append the audit record. Debits go through the guarded path so a
		// concurrent trade on another market cannot overdraw the balance.
		if cost.IsPositive() {
			if err := tx.DebitBalance(userID, cost); err != nil {
				return err
			}
		} else if err := tx.AdjustBalance(userID, cost.Neg()); err != nil {
			return err
		}
		if err := tx.AdjustPosition(userID, outcomeID, delta); err != nil {
			return err
		}

		m.Outcomes[i].Pool = m.Outcomes[i].Pool.Add(delta)
		m.Prices, err = mm.Prices(m.Pools())
		if err != nil {
			return err
		}
		if err := tx.UpdateMarket(m); err != nil {
			return err
		}

		trade = &model.Trade{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			OutcomeID: outcomeID,
			Quantity:  delta,
			Price:     fill,
			Cost:      cost,
			CreatedAt: time.Now().UTC(),
		}
		return tx.AppendTrade(trade)
	})
	if err != nil {
		return nil, err
	}

	side := "buy"
	if delta.IsNegative() {
		side = "sell"
	}
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"user", userID,
		"market", marketID,
		"outcome", outcomeID,
		"delta", delta.String(),
		"cost", trade.Cost.String(),
		"fill_price", trade.Price.String(),
	)
	return trade, nil
}

// GetMarket returns a market by ID.
func (e *Engine) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return e.store.GetMarket(ctx, marketID)
}

// ListMarkets returns all markets, newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// GetBalance returns a user's points balance.
func (e *Engine) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return e.store.GetBalance(ctx, userID)
}

// GetPositions returns a user's holdings in one market as outcome → quantity.
func (e *Engine) GetPositions(ctx context.Context, marketID, userID string) (map[string]decimal.Decimal, error) {
	// Surface unknown markets as an error rather than an empty map.
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}

	positions, err := e.store.GetPositions(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	result := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		result[p.OutcomeID] = p.Quantity
	}
	return result, nil
}

// MarketHistory returns a market's immutable trade log, oldest first.
func (e *Engine) MarketHistory(ctx context.Context, marketID string) ([]model.Trade, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.TradesByMarket(ctx, marketID)
}

// GetPortfolio aggregates a user's balance and mark-to-market holdings.
func (e *Engine) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	balance, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.GetPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	byMarket := make(map[string][]model.Position)
	var order []string
	for _, p := range positions {
		if _, ok := byMarket[p.MarketID]; !ok {
			order = append(order, p.MarketID)
		}
		byMarket[p.MarketID] = append(byMarket[p.MarketID], p)
	}

	portfolio := &model.Portfolio{
		UserID:  userID,
		Balance: balance,
		Entries: []model.PortfolioEntry{},
	}
	total := balance

	for _, marketID := range order {
		m, err := e.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}

		value := decimal.Zero
		for _, p := range byMarket[marketID] {
			if i := m.OutcomeIndex(p.OutcomeID); i >= 0 && i < len(m.Prices) {
				value = value.Add(m.Prices[i].Mul(p.Quantity))
			}
		}

		portfolio.Entries = append(portfolio.Entries, model.PortfolioEntry{
			MarketID:     marketID,
			Question:     m.Question,
			State:        m.State,
			Positions:    byMarket[marketID],
			CurrentValue: value.Round(lmsr.PointScale),
		})
		total = total.Add(value)
	}

	portfolio.TotalValue = total.Round(lmsr.PointScale)
	return portfolio, nil
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrMarketNotFound) ||
		errors.Is(err, model.ErrUserNotFound) ||
		errors.Is(err, model.ErrOutcomeNotFound)
}
