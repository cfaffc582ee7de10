// Package creds defines the credential pipeline's domain model and persistence
// boundary.
//
// A Trigger says why credentials are requested. Each trigger owns at most one
// CredsBatch, keyed by (trigger id, trigger type), that moves through
//
//	None -> Blinded -> Claimed -> Signed -> Finished
//
// with Corrupted as a terminal side exit. Finished batches have their tokens in the
// TokenStore as UnblindedTokens, each spendable at most once.
//
// Stores exclusively own their collections. Everything else reads and writes through
// BatchStore and TokenStore.
package creds
