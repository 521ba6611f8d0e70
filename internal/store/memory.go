package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/chloekek/henk/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// single-node deployments without PostgreSQL (data does not persist).
//
// Serialization: WithMarketTx holds a per-market mutex for the duration of
// the transaction; mutations are staged in the Tx and applied under the
// store lock on commit, so a failed callback leaves no trace.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	balances  map[string]decimal.Decimal
	positions map[string]map[string]map[string]decimal.Decimal // market → user → outcome → qty
	trades    []model.Trade

	lockMu      sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		balances:    make(map[string]decimal.Decimal),
		positions:   make(map[string]map[string]map[string]decimal.Decimal),
		marketLocks: make(map[string]*sync.Mutex),
	}
}

// cloneMarket deep-copies a market so callers cannot mutate stored state.
func cloneMarket(m *model.Market) *model.Market {
	c := *m
	c.Outcomes = make([]model.Outcome, len(m.Outcomes))
	copy(c.Outcomes, m.Outcomes)
	c.Prices = make([]decimal.Decimal, len(m.Prices))
	copy(c.Prices, m.Prices)
	if m.DecidedAt != nil {
		t := *m.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *cloneMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, userID string, startingBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.balances[userID]; ok {
		return fmt.Errorf("%w: %s", model.ErrUserExists, userID)
	}
	s.balances[userID] = startingBalance
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	return bal, nil
}

func (s *MemoryStore) GetPositions(_ context.Context, userID, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionsLocked(userID, marketID), nil
}

func (s *MemoryStore) GetPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for marketID := range s.positions {
		result = append(result, s.positionsLocked(userID, marketID)...)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return result[i].OutcomeID < result[j].OutcomeID
	})
	return result, nil
}

// positionsLocked collects a user's nonzero positions in one market.
// Caller holds s.mu.
func (s *MemoryStore) positionsLocked(userID, marketID string) []model.Position {
	var result []model.Position
	byOutcome := s.positions[marketID][userID]
	m := s.markets[marketID]

	ids := make([]string, 0, len(byOutcome))
	for outcomeID := range byOutcome {
		ids = append(ids, outcomeID)
	}
	sort.Strings(ids)

	for _, outcomeID := range ids {
		qty := byOutcome[outcomeID]
		if qty.IsZero() {
			continue
		}
		label := ""
		if m != nil {
			if i := m.OutcomeIndex(outcomeID); i >= 0 {
				label = m.Outcomes[i].Label
			}
		}
		result = append(result, model.Position{
			UserID:    userID,
			MarketID:  marketID,
			OutcomeID: outcomeID,
			Label:     label,
			Quantity:  qty,
		})
	}
	return result
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

// marketLock returns the mutex serializing transactions for one market.
func (s *MemoryStore) marketLock(marketID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.marketLocks[marketID] = l
	}
	return l
}

func (s *MemoryStore) WithMarketTx(_ context.Context, marketID string, fn func(tx Tx) error) error {
	l := s.marketLock(marketID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	m, ok := s.markets[marketID]
	var market *model.Market
	if ok {
		market = cloneMarket(m)
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, marketID)
	}

	tx := &memTx{
		store:        s,
		market:       market,
		balanceDelta: make(map[string]decimal.Decimal),
		posDelta:     make(map[string]map[string]decimal.Decimal),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit: apply staged mutations under the store lock.
	s.mu.Lock()
	defer s.mu.Unlock()

	// Guarded debits are re-validated against the committed balance here:
	// transactions on other markets may have drained the account since this
	// transaction read it. Nothing has been applied yet, so failing leaves
	// no trace.
	for userID := range tx.guardedDebits {
		if s.balances[userID].Add(tx.balanceDelta[userID]).IsNegative() {
			return fmt.Errorf("%w: balance for %s would go negative",
				model.ErrInsufficientBalance, userID)
		}
	}

	for userID, delta := range tx.balanceDelta {
		s.balances[userID] = s.balances[userID].Add(delta)
	}
	for userID, byOutcome := range tx.posDelta {
		userPos := s.positions[marketID]
		if userPos == nil {
			userPos = make(map[string]map[string]decimal.Decimal)
			s.positions[marketID] = userPos
		}
		outcomes := userPos[userID]
		if outcomes == nil {
			outcomes = make(map[string]decimal.Decimal)
			userPos[userID] = outcomes
		}
		for outcomeID, delta := range byOutcome {
			outcomes[outcomeID] = outcomes[outcomeID].Add(delta)
		}
	}
	s.trades = append(s.trades, tx.newTrades...)
	if tx.marketDirty {
		s.markets[marketID] = cloneMarket(tx.market)
	}
	return nil
}

// memTx stages mutations for a single market transaction. Reads observe
// staged writes; nothing touches the store until commit.
type memTx struct {
	store         *MemoryStore
	market        *model.Market
	marketDirty   bool
	balanceDelta  map[string]decimal.Decimal
	guardedDebits map[string]bool // users whose debits must not overdraw
	posDelta      map[string]map[string]decimal.Decimal // user → outcome → delta
	newTrades     []model.Trade
}

func (tx *memTx) Market() *model.Market {
	return tx.market
}

func (tx *memTx) UpdateMarket(m *model.Market) error {
	tx.market = cloneMarket(m)
	tx.marketDirty = true
	return nil
}

func (tx *memTx) Balance(userID string) (decimal.Decimal, error) {
	tx.store.mu.RLock()
	bal, ok := tx.store.balances[userID]
	tx.store.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	return bal.Add(tx.balanceDelta[userID]), nil
}

func (tx *memTx) AdjustBalance(userID string, delta decimal.Decimal) error {
	tx.store.mu.RLock()
	_, ok := tx.store.balances[userID]
	tx.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	tx.balanceDelta[userID] = tx.balanceDelta[userID].Add(delta)
	return nil
}

func (tx *memTx) DebitBalance(userID string, amount decimal.Decimal) error {
	if err := tx.AdjustBalance(userID, amount.Neg()); err != nil {
		return err
	}
	if tx.guardedDebits == nil {
		tx.guardedDebits = make(map[string]bool)
	}
	tx.guardedDebits[userID] = true
	return nil
}

func (tx *memTx) Position(userID, outcomeID string) (decimal.Decimal, error) {
	tx.store.mu.RLock()
	committed := tx.store.positions[tx.market.ID][userID][outcomeID]
	tx.store.mu.RUnlock()
	return committed.Add(tx.posDelta[userID][outcomeID]), nil
}

func (tx *memTx) AdjustPosition(userID, outcomeID string, delta decimal.Decimal) error {
	byOutcome := tx.posDelta[userID]
	if byOutcome == nil {
		byOutcome = make(map[string]decimal.Decimal)
		tx.posDelta[userID] = byOutcome
	}
	byOutcome[outcomeID] = byOutcome[outcomeID].Add(delta)
	return nil
}

func (tx *memTx) Positions() ([]model.Position, error) {
	// Merge committed positions with staged deltas.
	merged := make(map[string]map[string]decimal.Decimal)

	tx.store.mu.RLock()
	for userID, byOutcome := range tx.store.positions[tx.market.ID] {
		for outcomeID, qty := range byOutcome {
			if merged[userID] == nil {
				merged[userID] = make(map[string]decimal.Decimal)
			}
			merged[userID][outcomeID] = qty
		}
	}
	tx.store.mu.RUnlock()

	for userID, byOutcome := range tx.posDelta {
		for outcomeID, delta := range byOutcome {
			if merged[userID] == nil {
				merged[userID] = make(map[string]decimal.Decimal)
			}
			merged[userID][outcomeID] = merged[userID][outcomeID].Add(delta)
		}
	}

	var users []string
	for userID := range merged {
		users = append(users, userID)
	}
	sort.Strings(users)

	var result []model.Position
	for _, userID := range users {
		var outcomeIDs []string
		for outcomeID := range merged[userID] {
			outcomeIDs = append(outcomeIDs, outcomeID)
		}
		sort.Strings(outcomeIDs)

		for _, outcomeID := range outcomeIDs {
			qty := merged[userID][outcomeID]
			if qty.IsZero() {
				continue
			}
			label := ""
			if i := tx.market.OutcomeIndex(outcomeID); i >= 0 {
				label = tx.market.Outcomes[i].Label
			}
			result = append(result, model.Position{
				UserID:    userID,
				MarketID:  tx.market.ID,
				OutcomeID: outcomeID,
				Label:     label,
				Quantity:  qty,
			})
		}
	}
	return result, nil
}

func (tx *memTx) Trades() ([]model.Trade, error) {
	var result []model.Trade
	tx.store.mu.RLock()
	for _, t := range tx.store.trades {
		if t.MarketID == tx.market.ID {
			result = append(result, t)
		}
	}
	tx.store.mu.RUnlock()
	result = append(result, tx.newTrades...)
	return result, nil
}

func (tx *memTx) AppendTrade(t *model.Trade) error {
	tx.newTrades = append(tx.newTrades, *t)
	return nil
}
