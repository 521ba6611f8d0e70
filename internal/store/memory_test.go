package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/chloekek/henk/internal/model"
)

func seedMarket(t *testing.T, s *MemoryStore) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:       "m1",
		Question: "Will it rain tomorrow?",
		State:    model.StateOpen,
		B:        decimal.NewFromInt(100),
		Outcomes: []model.Outcome{
			{ID: "o-yes", MarketID: "m1", Label: "Yes", Pool: decimal.Zero},
			{ID: "o-no", MarketID: "m1", Label: "No", Pool: decimal.Zero},
		},
		Prices:    []decimal.Decimal{decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5)},
		CreatedAt: time.Now(),
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func TestMemoryStore_CreateAndGetMarket(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)

	m, err := s.GetMarket(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.Question != "Will it rain tomorrow?" {
		t.Errorf("unexpected question: %s", m.Question)
	}
	if len(m.Outcomes) != 2 {
		t.Errorf("expected 2 outcomes, got %d", len(m.Outcomes))
	}

	// The returned market is a copy; mutating it must not affect the store.
	m.Question = "mutated"
	again, _ := s.GetMarket(context.Background(), "m1")
	if again.Question != "Will it rain tomorrow?" {
		t.Error("GetMarket should return an independent copy")
	}
}

func TestMemoryStore_GetMarket_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetMarket(context.Background(), "missing"); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateUser(ctx, "alice", decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	bal, err := s.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected balance 1000, got %s", bal)
	}

	if err := s.CreateUser(ctx, "alice", decimal.NewFromInt(500)); !errors.Is(err, model.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestMemoryStore_GetBalance_UnknownUser(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetBalance(context.Background(), "nobody"); !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestWithMarketTx_CommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(1000))

	err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		if err := tx.AdjustBalance("alice", decimal.NewFromInt(-50)); err != nil {
			return err
		}
		if err := tx.AdjustPosition("alice", "o-yes", decimal.NewFromInt(10)); err != nil {
			return err
		}
		m := tx.Market()
		m.Outcomes[0].Pool = decimal.NewFromInt(10)
		return tx.UpdateMarket(m)
	})
	if err != nil {
		t.Fatalf("WithMarketTx: %v", err)
	}

	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(decimal.NewFromInt(950)) {
		t.Errorf("expected balance 950, got %s", bal)
	}

	pos, _ := s.GetPositions(ctx, "alice", "m1")
	if len(pos) != 1 || !pos[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected one position of 10 shares, got %+v", pos)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if !m.Outcomes[0].Pool.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected pool 10, got %s", m.Outcomes[0].Pool)
	}
}

func TestWithMarketTx_RollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(1000))

	boom := errors.New("boom")
	err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		tx.AdjustBalance("alice", decimal.NewFromInt(-999))
		tx.AdjustPosition("alice", "o-yes", decimal.NewFromInt(10))
		m := tx.Market()
		m.State = model.StateClosed
		tx.UpdateMarket(m)
		tx.AppendTrade(&model.Trade{ID: "t1", MarketID: "m1", UserID: "alice"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("balance should be untouched after rollback, got %s", bal)
	}
	pos, _ := s.GetPositions(ctx, "alice", "m1")
	if len(pos) != 0 {
		t.Errorf("positions should be untouched after rollback, got %+v", pos)
	}
	m, _ := s.GetMarket(ctx, "m1")
	if m.State != model.StateOpen {
		t.Errorf("market state should be untouched after rollback, got %s", m.State)
	}
	trades, _ := s.TradesByMarket(ctx, "m1")
	if len(trades) != 0 {
		t.Errorf("no trades should be recorded after rollback, got %d", len(trades))
	}
}

func TestWithMarketTx_ReadsObserveStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(1000))

	err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		tx.AdjustBalance("alice", decimal.NewFromInt(-100))
		bal, err := tx.Balance("alice")
		if err != nil {
			return err
		}
		if !bal.Equal(decimal.NewFromInt(900)) {
			t.Errorf("staged balance should be visible in-tx, got %s", bal)
		}

		tx.AdjustPosition("alice", "o-yes", decimal.NewFromInt(5))
		qty, _ := tx.Position("alice", "o-yes")
		if !qty.Equal(decimal.NewFromInt(5)) {
			t.Errorf("staged position should be visible in-tx, got %s", qty)
		}

		tx.AppendTrade(&model.Trade{ID: "t1", MarketID: "m1", UserID: "alice"})
		trades, _ := tx.Trades()
		if len(trades) != 1 {
			t.Errorf("staged trade should be visible in-tx, got %d", len(trades))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMarketTx: %v", err)
	}
}

func TestWithMarketTx_UnknownMarket(t *testing.T) {
	s := NewMemoryStore()
	err := s.WithMarketTx(context.Background(), "missing", func(tx Tx) error {
		t.Error("callback should not run for unknown market")
		return nil
	})
	if !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestWithMarketTx_AdjustBalance_UnknownUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)

	err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		return tx.AdjustBalance("nobody", decimal.NewFromInt(10))
	})
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestWithMarketTx_SerializesConcurrentWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(10000))

	const workers = 16
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.WithMarketTx(ctx, "m1", func(tx Tx) error {
				// Read-modify-write of the pool: lost updates would show up
				// as a pool below the number of workers.
				m := tx.Market()
				m.Outcomes[0].Pool = m.Outcomes[0].Pool.Add(decimal.NewFromInt(1))
				if err := tx.UpdateMarket(m); err != nil {
					return err
				}
				return tx.AdjustBalance("alice", decimal.NewFromInt(-1))
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent transactions: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if !m.Outcomes[0].Pool.Equal(decimal.NewFromInt(workers)) {
		t.Errorf("expected pool %d, got %s", workers, m.Outcomes[0].Pool)
	}
	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(decimal.NewFromInt(10000 - workers)) {
		t.Errorf("expected balance %d, got %s", 10000-workers, bal)
	}
}

func TestWithMarketTx_DebitBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(5))

	// A debit past the committed balance fails at commit, leaving no trace.
	err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		return tx.DebitBalance("alice", decimal.NewFromInt(10))
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(decimal.NewFromInt(5)) {
		t.Errorf("failed debit must not touch the balance, got %s", bal)
	}

	// Unknown users are rejected up front.
	err = s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		return tx.DebitBalance("nobody", decimal.NewFromInt(1))
	})
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestWithMarketTx_DebitGuardAcrossMarkets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	m2 := &model.Market{
		ID:       "m2",
		Question: "Will the talk fill the room?",
		State:    model.StateOpen,
		B:        decimal.NewFromInt(100),
		Outcomes: []model.Outcome{
			{ID: "o2-yes", MarketID: "m2", Label: "Yes", Pool: decimal.Zero},
			{ID: "o2-no", MarketID: "m2", Label: "No", Pool: decimal.Zero},
		},
		CreatedAt: time.Now(),
	}
	if err := s.CreateMarket(ctx, m2); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	s.CreateUser(ctx, "alice", decimal.NewFromInt(10))

	// Interleave two transactions on different markets so both read the
	// same committed balance of 10 before either debit commits. Per-market
	// serialization does not order them; the commit-time guard must.
	firstRead := make(chan struct{})
	secondRead := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		return s.WithMarketTx(ctx, "m1", func(tx Tx) error {
			bal, err := tx.Balance("alice")
			if err != nil {
				return err
			}
			if !bal.Equal(decimal.NewFromInt(10)) {
				t.Errorf("m1 tx read balance %s, want 10", bal)
			}
			close(firstRead)
			<-secondRead
			return tx.DebitBalance("alice", decimal.NewFromInt(10))
		})
	})
	g.Go(func() error {
		<-firstRead
		return s.WithMarketTx(ctx, "m2", func(tx Tx) error {
			bal, err := tx.Balance("alice")
			if err != nil {
				return err
			}
			if !bal.Equal(decimal.NewFromInt(10)) {
				t.Errorf("m2 tx read balance %s, want 10", bal)
			}
			close(secondRead)
			return tx.DebitBalance("alice", decimal.NewFromInt(10))
		})
	})

	err := g.Wait()
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("exactly one transaction should fail with ErrInsufficientBalance, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, "alice")
	if bal.IsNegative() {
		t.Fatalf("balance overdrawn to %s", bal)
	}
	if !bal.Equal(decimal.Zero) {
		t.Errorf("expected balance 0 after one committed debit, got %s", bal)
	}
}

func TestMemoryStore_TradeQueries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(1000))
	s.CreateUser(ctx, "bob", decimal.NewFromInt(1000))

	for i, userID := range []string{"alice", "bob", "alice"} {
		err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
			return tx.AppendTrade(&model.Trade{
				ID:        string(rune('a' + i)),
				MarketID:  "m1",
				UserID:    userID,
				OutcomeID: "o-yes",
				Quantity:  decimal.NewFromInt(1),
				CreatedAt: time.Now(),
			})
		})
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}

	byMarket, _ := s.TradesByMarket(ctx, "m1")
	if len(byMarket) != 3 {
		t.Errorf("expected 3 market trades, got %d", len(byMarket))
	}
	byUser, _ := s.TradesByUser(ctx, "alice")
	if len(byUser) != 2 {
		t.Errorf("expected 2 trades for alice, got %d", len(byUser))
	}
}

func TestMemoryStore_PositionsByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedMarket(t, s)
	s.CreateUser(ctx, "alice", decimal.NewFromInt(1000))

	err := s.WithMarketTx(ctx, "m1", func(tx Tx) error {
		tx.AdjustPosition("alice", "o-yes", decimal.NewFromInt(4))
		tx.AdjustPosition("alice", "o-no", decimal.NewFromInt(2))
		// A position driven back to zero disappears from reads.
		tx.AdjustPosition("alice", "o-no", decimal.NewFromInt(-2))
		return nil
	})
	if err != nil {
		t.Fatalf("WithMarketTx: %v", err)
	}

	pos, _ := s.GetPositionsByUser(ctx, "alice")
	if len(pos) != 1 {
		t.Fatalf("expected 1 nonzero position, got %+v", pos)
	}
	if pos[0].OutcomeID != "o-yes" || !pos[0].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("unexpected position: %+v", pos[0])
	}
	if pos[0].Label != "Yes" {
		t.Errorf("position should carry the outcome label, got %q", pos[0].Label)
	}
}
