// Package redeem spends unblinded tokens with the verifier.
//
// A redemption selects tokens, signs the payload with each token's derived key,
// submits the credentials, and marks the tokens spent only after the verifier
// accepted them. Transient failures are retried with exponential backoff;
// permanent ones leave every token unspent.
package redeem
