package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/model"
)

// PositionLimiter caps how much exposure a single trader can build in one
// market. Internal prediction markets run on granted points, so without a
// cap one early trader can pin a price and crowd out the aggregation the
// market exists for.
type PositionLimiter struct {
	// MaxPerOutcome is the maximum share quantity a user may hold in any
	// single outcome.
	MaxPerOutcome decimal.Decimal

	// MaxPerMarket is the maximum aggregate share quantity a user may
	// hold across all outcomes of one market.
	MaxPerMarket decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-outcome and
// per-market caps.
func NewPositionLimiter(maxPerOutcome, maxPerMarket decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerOutcome: maxPerOutcome,
		MaxPerMarket:  maxPerMarket,
	}
}

// Check validates whether a trade respects the limits.
//
// newQty is the user's resulting quantity in the traded outcome;
// marketPositions are every position currently in the market (the trade
// transaction already holds them for the payout paths).
func (l *PositionLimiter) Check(userID, outcomeID string, newQty decimal.Decimal, marketPositions []model.Position) error {
	if newQty.GreaterThan(l.MaxPerOutcome) {
		return fmt.Errorf("%w: %s shares in one outcome (max %s)",
			model.ErrPositionLimit, newQty, l.MaxPerOutcome)
	}

	total := newQty
	for _, p := range marketPositions {
		if p.UserID != userID || p.OutcomeID == outcomeID {
			continue
		}
		total = total.Add(p.Quantity)
	}
	if total.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s shares in one market (max %s)",
			model.ErrPositionLimit, total, l.MaxPerMarket)
	}

	return nil
}
