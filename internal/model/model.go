// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketState is the lifecycle state of a market.
//
// Transitions:
//
//	Draft → Open → Closed → Resolved
//	Open/Closed → Cancelled
//
// Resolved and Cancelled are terminal.
type MarketState string

const (
	StateDraft     MarketState = "draft"
	StateOpen      MarketState = "open"
	StateClosed    MarketState = "closed"
	StateResolved  MarketState = "resolved"
	StateCancelled MarketState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s MarketState) Terminal() bool {
	return s == StateResolved || s == StateCancelled
}

// Outcome is one of the mutually exclusive results a market can resolve to.
// Pool is the running total of shares issued to traders for this outcome;
// it changes only through committed trades, never directly.
type Outcome struct {
	ID       string          `json:"id" db:"id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Label    string          `json:"label" db:"label"`
	Color    string          `json:"color" db:"color"` // HTML hex, e.g. "#36a2eb"
	Pool     decimal.Decimal `json:"pool" db:"pool"`   // outstanding shares
}

// Market is a prediction market over 2..N mutually exclusive outcomes,
// priced by an LMSR market maker with liquidity parameter B.
type Market struct {
	ID          string      `json:"id" db:"id"`
	Question    string      `json:"question" db:"question"`
	Description string      `json:"description,omitempty" db:"description"`
	State       MarketState `json:"state" db:"state"`

	B        decimal.Decimal   `json:"b" db:"b"` // LMSR liquidity parameter
	Outcomes []Outcome         `json:"outcomes"`
	Prices   []decimal.Decimal `json:"prices"` // implied probability per outcome

	// WinningOutcomeID is empty until the market is resolved.
	WinningOutcomeID string `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ClosesAt  time.Time  `json:"closes_at" db:"closes_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty" db:"decided_at"` // resolution or cancellation time
}

// Pools returns the outstanding-share vector in outcome order.
func (m *Market) Pools() []decimal.Decimal {
	qs := make([]decimal.Decimal, len(m.Outcomes))
	for i, o := range m.Outcomes {
		qs[i] = o.Pool
	}
	return qs
}

// OutcomeIndex returns the position of the outcome with the given ID,
// or -1 if the market has no such outcome.
func (m *Market) OutcomeIndex(outcomeID string) int {
	for i, o := range m.Outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

// Trade is an immutable record of a committed execution.
// Once created, these are never modified or deleted: they are the audit
// trail for every pricing and balance change in the system.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"` // signed: +buy, -sell
	Price     decimal.Decimal `json:"price" db:"price"`       // average fill price
	Cost      decimal.Decimal `json:"cost" db:"cost"`         // signed points: +debit, -credit
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is a trader's holding in one outcome of one market.
type Position struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Label     string          `json:"label"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// PortfolioEntry is one market's worth of holdings, marked to market.
type PortfolioEntry struct {
	MarketID     string          `json:"market_id"`
	Question     string          `json:"question"`
	State        MarketState     `json:"state"`
	Positions    []Position      `json:"positions"`
	CurrentValue decimal.Decimal `json:"current_value"` // Σ price_i × quantity_i
}

// Portfolio aggregates a user's balance and holdings across markets.
type Portfolio struct {
	UserID     string           `json:"user_id"`
	Balance    decimal.Decimal  `json:"balance"`
	Entries    []PortfolioEntry `json:"entries"`
	TotalValue decimal.Decimal  `json:"total_value"` // balance + Σ entry values
}
