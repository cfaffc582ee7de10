package creds

import "errors"

// Sentinel error kinds. Stable for errors.Is and for mapping to Results and API codes.
var (
	// Transient.
	ErrRetry      = errors.New("retry")
	ErrRetryShort = errors.New("retry_short")

	// Permanent.
	ErrLedger          = errors.New("ledger_error")
	ErrNotFound        = errors.New("not_found")
	ErrFailed          = errors.New("failed")
	ErrInvalidInput    = errors.New("invalid_input")
	ErrConflict        = errors.New("conflict")
	ErrAlreadySpent    = errors.New("already_spent")
	ErrNotEnoughTokens = errors.New("not_enough_tokens")

	// Local invariant violation.
	ErrCorrupted = errors.New("corrupted")
)
