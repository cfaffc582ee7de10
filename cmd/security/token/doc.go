// Package token provides the keyed-hash primitives used when spending credentials.
//
// A spendable unblinded token never leaves the client. Instead the client derives
// a verification key from it (HKDF-SHA512) and signs the redemption payload with
// HMAC-SHA512. The issuer, which can recompute the same unblinded value from the
// preimage, checks the signature.
//
// Fingerprint is a short SHA-256 digest safe for logs and metrics labels.
package token
