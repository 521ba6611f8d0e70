package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/lmsr"
	"github.com/chloekek/henk/internal/metrics"
	"github.com/chloekek/henk/internal/model"
	"github.com/chloekek/henk/internal/store"
)

// unitRedemption is the payout per winning share: 1 point.
var unitRedemption = decimal.NewFromInt(1)

// OpenMarket moves a Draft market to Open, making it tradable.
func (e *Engine) OpenMarket(ctx context.Context, marketID string) error {
	err := e.store.WithMarketTx(ctx, marketID, func(tx store.Tx) error {
		m := tx.Market()
		if err := m.TransitionOpen(); err != nil {
			return err
		}
		return tx.UpdateMarket(m)
	})
	if err != nil {
		return err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market opened", "market", marketID)
	return nil
}

// CloseMarket halts trading on an Open market. The market then awaits
// resolution or cancellation.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) error {
	err := e.store.WithMarketTx(ctx, marketID, func(tx store.Tx) error {
		m := tx.Market()
		if err := m.TransitionClose(); err != nil {
			return err
		}
		return tx.UpdateMarket(m)
	})
	if err != nil {
		return err
	}

	metrics.ActiveMarkets.Dec()
	slog.Info("market closed", "market", marketID)
	return nil
}

// ResolveMarket designates the winning outcome of a Closed market and pays
// every holder 1 point per winning share in the same transaction. Losing
// positions are retained for audit but pay nothing. Resolution is
// terminal: once committed, it cannot be reversed.
func (e *Engine) ResolveMarket(ctx context.Context, marketID, winningOutcomeID string) error {
	var paidOut decimal.Decimal
	var holders int

	err := e.store.WithMarketTx(ctx, marketID, func(tx store.Tx) error {
		m := tx.Market()
		if err := m.TransitionResolve(winningOutcomeID, time.Now().UTC()); err != nil {
			return err
		}

		positions, err := tx.Positions()
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.OutcomeID != winningOutcomeID {
				continue
			}
			// Credits round toward zero; drift stays with the house.
			payout := p.Quantity.Mul(unitRedemption).RoundDown(lmsr.PointScale)
			if payout.IsZero() {
				continue
			}
			if err := tx.AdjustBalance(p.UserID, payout); err != nil {
				return err
			}
			paidOut = paidOut.Add(payout)
			holders++
		}

		return tx.UpdateMarket(m)
	})
	if err != nil {
		return err
	}

	metrics.MarketsResolved.Inc()
	slog.Info("market resolved",
		"market", marketID,
		"winning_outcome", winningOutcomeID,
		"holders_paid", holders,
		"points_paid", paidOut.String(),
	)
	return nil
}

// CancelMarket voids an Open or Closed market: every trader's net points
// spent are refunded and their positions zeroed, equivalent to replaying
// the market's trade log in reverse. The Cancelled state commits in the
// same transaction as the refunds, so a retried cancellation fails with
// AlreadyCancelled instead of double-refunding.
func (e *Engine) CancelMarket(ctx context.Context, marketID string) error {
	var refunded decimal.Decimal
	var wasOpen bool

	err := e.store.WithMarketTx(ctx, marketID, func(tx store.Tx) error {
		m := tx.Market()
		wasOpen = m.State == model.StateOpen
		if err := m.TransitionCancel(time.Now().UTC()); err != nil {
			return err
		}

		trades, err := tx.Trades()
		if err != nil {
			return err
		}
		netCost := make(map[string]decimal.Decimal)
		var users []string
		for _, t := range trades {
			if _, ok := netCost[t.UserID]; !ok {
				users = append(users, t.UserID)
			}
			netCost[t.UserID] = netCost[t.UserID].Add(t.Cost)
		}
		for _, userID := range users {
			net := netCost[userID]
			if net.IsZero() {
				continue
			}
			if err := tx.AdjustBalance(userID, net); err != nil {
				return err
			}
			refunded = refunded.Add(net)
		}

		positions, err := tx.Positions()
		if err != nil {
			return err
		}
		for _, p := range positions {
			if err := tx.AdjustPosition(p.UserID, p.OutcomeID, p.Quantity.Neg()); err != nil {
				return err
			}
		}

		return tx.UpdateMarket(m)
	})
	if err != nil {
		return err
	}

	if wasOpen {
		metrics.ActiveMarkets.Dec()
	}
	metrics.MarketsCancelled.Inc()
	slog.Info("market cancelled", "market", marketID, "points_refunded", refunded.String())
	return nil
}

// SweepClosed closes every Open market whose closing time has passed.
// Closing-time transitions are driven by this externally scheduled call;
// the engine itself runs no timers. Returns the IDs of markets closed.
func (e *Engine) SweepClosed(ctx context.Context, now time.Time) ([]string, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	var closed []string
	for _, m := range markets {
		if m.State != model.StateOpen || m.ClosesAt.After(now) {
			continue
		}
		if err := e.CloseMarket(ctx, m.ID); err != nil {
			slog.Error("sweep close failed", "market", m.ID, "err", err)
			continue
		}
		closed = append(closed, m.ID)
	}
	return closed, nil
}
