// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for markets with 2..N mutually exclusive outcomes.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Rounding policy: share quantities are exact decimals. Point amounts are
// rounded at PointScale (points have cents): debits round away from zero,
// credits round toward zero. Rounding drift always accrues to the house,
// so a round-trip trade can never profit the trader.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrTooFewOutcomes is returned for share vectors with fewer than two
	// entries; an LMSR market needs at least two outcomes.
	ErrTooFewOutcomes = errors.New("lmsr: market needs at least two outcomes")

	// ErrInvalidOutcomeIndex is returned when an outcome index falls
	// outside the share vector.
	ErrInvalidOutcomeIndex = errors.New("lmsr: outcome index out of range")

	// ErrNumericOverflow is returned when the exponential sum leaves the
	// range float64 can represent even after the shift-by-max guard.
	// Callers should reduce the trade size rather than retry.
	ErrNumericOverflow = errors.New("lmsr: pricing computation out of numeric range")
)

// PriceScale is the number of decimal places for price (probability) rounding.
const PriceScale int32 = 8

// PointScale is the number of decimal places for point amounts.
// Points are denominated to the cent.
const PointScale int32 = 2

// MarketMaker implements the LMSR cost function for n-outcome markets.
// It is stateless — outstanding-share vectors are passed as arguments,
// not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts a share vector to float64 q_i/b terms.
func (m *MarketMaker) scaled(q []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	xs := make([]float64, len(q))
	for i, qi := range q {
		xs[i] = qi.InexactFloat64() / bf
	}
	return xs
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(q []decimal.Decimal) (decimal.Decimal, error) {
	if len(q) < 2 {
		return decimal.Zero, ErrTooFewOutcomes
	}
	cost := m.b.InexactFloat64() * logSumExp(m.scaled(q))
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return decimal.Zero, ErrNumericOverflow
	}
	return decimal.NewFromFloat(cost).Round(PriceScale), nil
}

// Prices computes the implied probability vector (the softmax of q/b):
//
//	p_i = exp(q_i / b) / Σ exp(q_j / b)
//
// Uses max-subtraction for numerical stability. The first n-1 prices are
// rounded at PriceScale; the last is defined as 1 minus their sum so the
// vector always sums to exactly 1.
func (m *MarketMaker) Prices(q []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(q) < 2 {
		return nil, ErrTooFewOutcomes
	}

	xs := m.scaled(q)
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(xs))
	var denom float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		denom += exps[i]
	}
	if denom == 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return nil, ErrNumericOverflow
	}

	one := decimal.NewFromInt(1)
	prices := make([]decimal.Decimal, len(xs))
	rest := one
	for i := 0; i < len(xs)-1; i++ {
		prices[i] = decimal.NewFromFloat(exps[i] / denom).Round(PriceScale)
		rest = rest.Sub(prices[i])
	}
	prices[len(xs)-1] = rest
	return prices, nil
}

// Quote computes the cost of changing outcome i's outstanding shares by
// delta:
//
//	quote = C(q with q_i += delta) - C(q)
//
// Positive for buys (delta > 0, trader pays), negative for sells (delta < 0,
// trader receives). The result is rounded at PointScale per the package
// rounding policy: debits away from zero, credits toward zero.
func (m *MarketMaker) Quote(q []decimal.Decimal, i int, delta decimal.Decimal) (decimal.Decimal, error) {
	if len(q) < 2 {
		return decimal.Zero, ErrTooFewOutcomes
	}
	if i < 0 || i >= len(q) {
		return decimal.Zero, ErrInvalidOutcomeIndex
	}

	xs := m.scaled(q)
	before := logSumExp(xs)

	after := make([]float64, len(xs))
	copy(after, xs)
	after[i] = q[i].Add(delta).InexactFloat64() / m.b.InexactFloat64()

	raw := m.b.InexactFloat64() * (logSumExp(after) - before)
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return decimal.Zero, ErrNumericOverflow
	}

	cost := decimal.NewFromFloat(raw)
	if cost.IsPositive() {
		return cost.RoundUp(PointScale), nil
	}
	return cost.RoundDown(PointScale), nil
}

// FillPrice returns the average execution price per share for a trade on
// outcome i: quote / delta. Positive for both buys and sells. For a zero
// delta it returns the instantaneous price of outcome i.
func (m *MarketMaker) FillPrice(q []decimal.Decimal, i int, delta decimal.Decimal) (decimal.Decimal, error) {
	if i < 0 || i >= len(q) {
		return decimal.Zero, ErrInvalidOutcomeIndex
	}
	if delta.IsZero() {
		prices, err := m.Prices(q)
		if err != nil {
			return decimal.Zero, err
		}
		return prices[i], nil
	}
	cost, err := m.Quote(q, i, delta)
	if err != nil {
		return decimal.Zero, err
	}
	return cost.Div(delta).Round(PriceScale), nil
}

// MaxLoss returns the maximum possible loss for the market maker with n
// outcomes: b * ln(n).
func (m *MarketMaker) MaxLoss(n int) decimal.Decimal {
	loss := m.b.InexactFloat64() * math.Log(float64(n))
	return decimal.NewFromFloat(loss).Round(PriceScale)
}

// LiquidityForBudget derives the liquidity parameter from a subsidy budget:
// the operator caps the worst-case market-maker loss at budget, so
//
//	b = budget / ln(n)
//
// A minimum b of 10 is enforced to prevent degenerate, hair-trigger markets.
func LiquidityForBudget(budget decimal.Decimal, n int) (decimal.Decimal, error) {
	if n < 2 {
		return decimal.Zero, ErrTooFewOutcomes
	}
	if budget.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidLiquidity
	}

	b := budget.Div(decimal.NewFromFloat(math.Log(float64(n))))

	minB := decimal.NewFromInt(10)
	if b.LessThan(minB) {
		return minB, nil
	}
	return b.Round(2), nil
}
