package creds

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract.
// - Kind is one of the sentinel kinds.
// - Msg is human-readable context; never include token material.
// - Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap returns an OpError of kind around err. A nil err yields nil.
func Wrap(op string, kind error, err error) error {
	if err == nil {
		return nil
	}
	return OpError{Op: op, Kind: kind, Err: err}
}

// Result is the discriminated outcome of a pipeline step.
type Result int

const (
	ResultOK Result = iota
	ResultRetry
	ResultRetryShort
	ResultLedgerError
	ResultNotFound
	ResultFailed
	ResultCorrupted
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRetry:
		return "retry"
	case ResultRetryShort:
		return "retry_short"
	case ResultLedgerError:
		return "ledger_error"
	case ResultNotFound:
		return "not_found"
	case ResultFailed:
		return "failed"
	case ResultCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// ResultOf classifies err. Unclassified errors are permanent.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrRetryShort):
		return ResultRetryShort
	case errors.Is(err, ErrRetry):
		return ResultRetry
	case errors.Is(err, ErrCorrupted):
		return ResultCorrupted
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrFailed):
		return ResultFailed
	default:
		return ResultLedgerError
	}
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	r := ResultOf(err)
	return r == ResultRetry || r == ResultRetryShort
}

// IsPermanent reports whether err is a non-retryable failure other than corruption.
func IsPermanent(err error) bool {
	switch ResultOf(err) {
	case ResultLedgerError, ResultNotFound, ResultFailed:
		return true
	}
	return false
}

// IsCorrupted reports whether err represents a local invariant violation.
func IsCorrupted(err error) bool { return errors.Is(err, ErrCorrupted) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsAlreadySpent reports whether err represents ErrAlreadySpent.
func IsAlreadySpent(err error) bool { return errors.Is(err, ErrAlreadySpent) }

// IsInvalid reports whether err represents ErrInvalidInput.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidInput) }
