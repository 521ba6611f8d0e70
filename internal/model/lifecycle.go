package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// This file is the market state machine. Every mutation of Market.State
// goes through one of the Transition methods; they validate the source
// state but do not touch balances or positions — those belong to the
// store, mutated by the engine inside the same transaction.

// terminalErr maps a terminal state to its re-entry error, and anything
// else to ErrInvalidState.
func (m *Market) terminalErr() error {
	switch m.State {
	case StateResolved:
		return fmt.Errorf("%w: market %s", ErrAlreadyResolved, m.ID)
	case StateCancelled:
		return fmt.Errorf("%w: market %s", ErrAlreadyCancelled, m.ID)
	default:
		return fmt.Errorf("%w: market %s is %s", ErrInvalidState, m.ID, m.State)
	}
}

// EnsureTradable returns nil only when the market accepts trades.
func (m *Market) EnsureTradable() error {
	if m.State != StateOpen {
		return m.terminalErr()
	}
	return nil
}

// TransitionOpen moves Draft → Open. Requires at least two outcomes and a
// positive liquidity parameter.
func (m *Market) TransitionOpen() error {
	if m.State != StateDraft {
		return m.terminalErr()
	}
	if len(m.Outcomes) < 2 {
		return &ValidationError{Message: "market needs at least two outcomes to open"}
	}
	if m.B.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Message: "market needs a positive liquidity parameter to open"}
	}
	m.State = StateOpen
	return nil
}

// TransitionClose moves Open → Closed. Trading halts; resolution or
// cancellation follows.
func (m *Market) TransitionClose() error {
	if m.State != StateOpen {
		return m.terminalErr()
	}
	m.State = StateClosed
	return nil
}

// TransitionResolve moves Closed → Resolved, designating exactly one
// winning outcome. Terminal: there is no Resolved → Open transition.
func (m *Market) TransitionResolve(winningOutcomeID string, now time.Time) error {
	if m.State != StateClosed {
		return m.terminalErr()
	}
	if m.OutcomeIndex(winningOutcomeID) < 0 {
		return fmt.Errorf("%w: %s", ErrOutcomeNotFound, winningOutcomeID)
	}
	m.State = StateResolved
	m.WinningOutcomeID = winningOutcomeID
	m.DecidedAt = &now
	return nil
}

// TransitionCancel moves Open or Closed → Cancelled. Used for disputed or
// void markets; the engine refunds all trades in the same transaction.
func (m *Market) TransitionCancel(now time.Time) error {
	if m.State != StateOpen && m.State != StateClosed {
		return m.terminalErr()
	}
	m.State = StateCancelled
	m.DecidedAt = &now
	return nil
}
