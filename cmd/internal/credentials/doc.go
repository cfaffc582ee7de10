// Package credentials drives credential batches from nothing to spendable tokens.
//
// Engine.Process reads the persisted batch for a trigger and runs the missing
// stages in order:
//
//	None     -> Blinded   generate + blind tokens, persist (Common.GetBlindedCreds)
//	Blinded  -> Claimed   submit blinded creds to the issuer, persist claim id
//	Claimed  -> Signed    fetch signed creds + public key + batch proof, persist
//	Signed   -> Finished  allowlist key, verify proof, unblind, store tokens
//	                      (Common.SaveUnblindedCreds)
//
// Every stage persists before the next network call. Process is re-entrant: a
// second call resumes from the stored status. It never sleeps; Scheduler is the
// caller that retries with backoff.
package credentials
