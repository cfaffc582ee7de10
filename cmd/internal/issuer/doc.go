// Package issuer is the HTTP client for the remote credential issuer and the
// redemption verifier.
//
// Response status classes map onto creds error kinds:
//
//	2xx         ok (202 on a fetch means "not signed yet": ErrRetryShort)
//	404, 410    ErrNotFound
//	409         ErrConflict (claim: blinded creds rejected, caller resets)
//	429, 5xx    ErrRetry
//	other 4xx   ErrLedger
//
// Transport errors and timeouts are ErrRetry.
package issuer
