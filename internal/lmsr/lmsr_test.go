package lmsr

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// q is a test helper for building share vectors.
func q(fs ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = decimal.NewFromFloat(f)
	}
	return out
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm, err := NewMarketMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mm.B().Equal(d(100)) {
		t.Errorf("expected b=100, got %s", mm.B())
	}
}

func TestNewMarketMaker_ZeroB(t *testing.T) {
	_, err := NewMarketMaker(d(0))
	if err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=0, got %v", err)
	}
}

func TestNewMarketMaker_NegativeB(t *testing.T) {
	_, err := NewMarketMaker(d(-50))
	if err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=-50, got %v", err)
	}
}

// --- Price function tests ---

func TestPrices_InitiallyUniform(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	prices, err := mm.Prices(q(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !prices[0].Equal(d(0.5)) || !prices[1].Equal(d(0.5)) {
		t.Errorf("expected initial prices 0.5/0.5, got %s/%s", prices[0], prices[1])
	}

	prices, err = mm.Prices(q(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, p := range prices {
		if p.Sub(d(0.25)).Abs().GreaterThan(d(1e-8)) {
			t.Errorf("outcome %d: expected 0.25, got %s", i, p)
		}
	}
}

func TestPrices_BuyingRaisesOwnPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	before, _ := mm.Prices(q(0, 0))
	after, _ := mm.Prices(q(10, 0))

	if after[0].LessThanOrEqual(before[0]) {
		t.Errorf("buying outcome 0 should raise its price: before=%s after=%s",
			before[0], after[0])
	}
	if after[1].GreaterThanOrEqual(before[1]) {
		t.Errorf("buying outcome 0 should lower outcome 1's price: before=%s after=%s",
			before[1], after[1])
	}
}

func TestPrices_SumToOneExactly(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	one := decimal.NewFromInt(1)

	tests := [][]decimal.Decimal{
		q(0, 0),
		q(10, 0),
		q(0, 10),
		q(30, 10),
		q(100, 200),
		q(500, 100),
		q(-50, 30),
		q(0, 0, 0),
		q(40, 10, 25),
		q(1000, 0, 0, 500, 250),
	}
	for _, qs := range tests {
		prices, err := mm.Prices(qs)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", qs, err)
		}
		sum := decimal.Zero
		for _, p := range prices {
			sum = sum.Add(p)
		}
		// The last price is defined as 1 minus the rest.
		if !sum.Equal(one) {
			t.Errorf("prices should sum to exactly 1, got %s for %v", sum, qs)
		}
	}
}

func TestPrices_TooFewOutcomes(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	if _, err := mm.Prices(q(5)); err != ErrTooFewOutcomes {
		t.Errorf("expected ErrTooFewOutcomes, got %v", err)
	}
}

// --- Quote tests ---

func TestQuote_BuyPositive(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cost, err := mm.Quote(q(0, 0), 0, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("buying should cost a positive amount, got %s", cost)
	}
}

func TestQuote_SellNegative(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cost, err := mm.Quote(q(10, 0), 0, d(-10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.GreaterThanOrEqual(decimal.Zero) {
		t.Errorf("selling should return points (negative cost), got %s", cost)
	}
}

func TestQuote_SymmetricAtOrigin(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// Buying 10 of either outcome from (0,0) should cost the same.
	cost0, _ := mm.Quote(q(0, 0), 0, d(10))
	cost1, _ := mm.Quote(q(0, 0), 1, d(10))
	if !cost0.Equal(cost1) {
		t.Errorf("expected symmetric cost at origin: %s vs %s", cost0, cost1)
	}
}

func TestQuote_OriginCostNearHalfPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// C(10,0) - C(0,0) = 100*ln((e^0.1 + 1)/2) ≈ 5.124 points.
	cost, _ := mm.Quote(q(0, 0), 0, d(10))
	if cost.LessThan(d(5.0)) || cost.GreaterThan(d(5.3)) {
		t.Errorf("cost of 10 shares at even odds should be ≈ 5.12, got %s", cost)
	}
}

func TestCost_PathIndependence(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.0000001)

	// C is path independent: the cost function value only depends on the
	// final vector, however it was reached.
	c1, _ := mm.Cost(q(0, 0))
	c2, _ := mm.Cost(q(15, 0))
	direct := c2.Sub(c1)

	m1, _ := mm.Cost(q(10, 0))
	sequential := m1.Sub(c1).Add(c2.Sub(m1))

	if sequential.Sub(direct).Abs().GreaterThan(tolerance) {
		t.Errorf("cost should be path-independent: sequential=%s direct=%s",
			sequential, direct)
	}
}

func TestQuote_Convexity(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// Second 10 shares should cost more than the first 10 (convex cost).
	cost1, _ := mm.Quote(q(0, 0), 0, d(10))
	cost2, _ := mm.Quote(q(10, 0), 0, d(10))
	if cost2.LessThanOrEqual(cost1) {
		t.Errorf("second batch should cost more (convexity): first=%s second=%s",
			cost1, cost2)
	}
}

func TestQuote_RoundingFavorsHouse(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	// Buy then immediately sell the same quantity: the trader can never
	// come out ahead, rounding included.
	buy, _ := mm.Quote(q(0, 0), 0, d(7))
	sell, _ := mm.Quote(q(7, 0), 0, d(-7))

	net := buy.Add(sell) // trader pays buy, receives -sell
	if net.IsNegative() {
		t.Errorf("round trip should never profit the trader: buy=%s sell=%s net=%s",
			buy, sell, net)
	}
}

// --- Bounded loss test ---

func TestMaxLoss_Bounded(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	maxLoss := mm.MaxLoss(2)

	// After traders push one pool very high, the market maker's loss is
	// bounded. Scenario: traders buy 10000 shares, that outcome wins
	// (payout = 10000).
	initial, _ := mm.Cost(q(0, 0))
	final, _ := mm.Cost(q(10000, 0))

	traderPaid := final.Sub(initial)
	mmLoss := decimal.NewFromInt(10000).Sub(traderPaid)

	if mmLoss.GreaterThan(maxLoss.Add(d(0.01))) {
		t.Errorf("market maker loss %s exceeds theoretical bound %s", mmLoss, maxLoss)
	}
}

// --- Boundary condition tests ---

func TestPrices_ExtremeQuantities_NoPanic(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	one := decimal.NewFromInt(1)

	tests := []struct {
		name string
		qs   []decimal.Decimal
	}{
		{"very large first", q(100000, 0)},
		{"very large second", q(0, 100000)},
		{"both large equal", q(100000, 100000)},
		{"large asymmetric", q(100000, 50000)},
		{"very negative", q(-100000, 0)},
		{"both very negative", q(-100000, -100000)},
		{"overflow-scale values", q(1e15, 0)},
		{"many outcomes large", q(1e12, 0, 5e11, 0, 1e10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prices, err := mm.Prices(tt.qs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for i, p := range prices {
				if p.LessThan(decimal.Zero) || p.GreaterThan(one) {
					t.Errorf("price %d out of [0,1]: %s", i, p)
				}
			}
		})
	}
}

func TestQuote_NumericOverflow(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	huge := decimal.RequireFromString("1e310") // beyond float64 range
	_, err := mm.Quote([]decimal.Decimal{huge, decimal.Zero}, 0, d(1))
	if !errors.Is(err, ErrNumericOverflow) {
		t.Errorf("expected ErrNumericOverflow, got %v", err)
	}
}

func TestQuote_InvalidIndex(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	if _, err := mm.Quote(q(0, 0), 2, d(1)); err != ErrInvalidOutcomeIndex {
		t.Errorf("expected ErrInvalidOutcomeIndex, got %v", err)
	}
	if _, err := mm.Quote(q(0, 0), -1, d(1)); err != ErrInvalidOutcomeIndex {
		t.Errorf("expected ErrInvalidOutcomeIndex for negative index, got %v", err)
	}
	if _, err := mm.FillPrice(q(0, 0), 2, d(0)); err != ErrInvalidOutcomeIndex {
		t.Errorf("expected ErrInvalidOutcomeIndex from FillPrice, got %v", err)
	}
}

// --- Fill price tests ---

func TestFillPrice_SmallTrade(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// For a tiny trade at equal quantities, fill price ≈ 0.5 — but the
	// quote is rounded up to a whole cent, so allow generous slack.
	fill, err := mm.FillPrice(q(0, 0), 0, d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fill.Sub(d(0.5)).Abs().GreaterThan(d(0.05)) {
		t.Errorf("small trade fill price should be ≈ 0.5, got %s", fill)
	}
}

func TestFillPrice_ZeroDelta(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	fill, err := mm.FillPrice(q(0, 0), 0, d(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fill.Equal(d(0.5)) {
		t.Errorf("zero-delta fill price should equal current price 0.5, got %s", fill)
	}
}

func TestFillPrice_PositiveForBothBuyAndSell(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	buyFill, _ := mm.FillPrice(q(0, 0), 0, d(10))
	if buyFill.LessThanOrEqual(decimal.Zero) {
		t.Errorf("buy fill price should be positive, got %s", buyFill)
	}

	sellFill, _ := mm.FillPrice(q(10, 0), 0, d(-10))
	if sellFill.LessThanOrEqual(decimal.Zero) {
		t.Errorf("sell fill price should be positive, got %s", sellFill)
	}
}

// --- Liquidity derivation tests ---

func TestLiquidityForBudget(t *testing.T) {
	// b = budget / ln(n): a 1000-point subsidy on a binary market.
	b, err := LiquidityForBudget(d(1000), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := 1000 / math.Log(2)
	if b.Sub(d(expected)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("expected b ≈ %.2f, got %s", expected, b)
	}

	// More outcomes → smaller b for the same budget.
	b5, _ := LiquidityForBudget(d(1000), 5)
	if b5.GreaterThanOrEqual(b) {
		t.Errorf("5-outcome b should be below binary b: %s vs %s", b5, b)
	}
}

func TestLiquidityForBudget_MinimumB(t *testing.T) {
	b, err := LiquidityForBudget(d(1), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.LessThan(d(10)) {
		t.Errorf("b should be at least 10, got %s", b)
	}
}

func TestLiquidityForBudget_InvalidInputs(t *testing.T) {
	if _, err := LiquidityForBudget(d(0), 2); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for zero budget, got %v", err)
	}
	if _, err := LiquidityForBudget(d(100), 1); err != ErrTooFewOutcomes {
		t.Errorf("expected ErrTooFewOutcomes for n=1, got %v", err)
	}
}

// --- Internal logSumExp tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	// Values that would overflow naive exp().
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	result := logSumExp(nil)
	if !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}

func TestLogSumExp_SingleValue(t *testing.T) {
	result := logSumExp([]float64{5.0})
	if math.Abs(result-5.0) > 1e-10 {
		t.Errorf("logSumExp([5]) should be 5, got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	result := logSumExp([]float64{3, 3})
	expected := 3.0 + math.Log(2)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp([3,3]) should be %f, got %f", expected, result)
	}
}
