package model

import "errors"

// Sentinel errors for domain-level error handling.
// The API layer maps these to HTTP status codes; none are retried
// internally — every failure is either caller-correctable or aborts the
// operation with no partial effects.
var (
	ErrMarketNotFound  = errors.New("market_not_found")
	ErrUserNotFound    = errors.New("user_not_found")
	ErrUserExists      = errors.New("user_exists")
	ErrOutcomeNotFound = errors.New("outcome_not_found")

	ErrInvalidState         = errors.New("invalid_state")
	ErrAlreadyResolved      = errors.New("already_resolved")
	ErrAlreadyCancelled     = errors.New("already_cancelled")
	ErrInsufficientBalance  = errors.New("insufficient_balance")
	ErrInsufficientPosition = errors.New("insufficient_position")
	ErrSlippageExceeded     = errors.New("slippage_exceeded")
	ErrPositionLimit        = errors.New("position_limit_exceeded")

	// ErrTxConflict is returned when a storage transaction keeps losing
	// serialization conflicts after retries. Safe for the caller to retry.
	ErrTxConflict = errors.New("transaction_conflict")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
