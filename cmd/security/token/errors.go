package token

import "errors"

// Public, stable errors for callers.
var (
	ErrEmptyToken      = errors.New("token: empty unblinded token")
	ErrKeyMissing      = errors.New("token: verification key missing")
	ErrPayloadTooLarge = errors.New("token: payload too large")
)
