// Package blind is the blind-signature capability used by the credential pipeline.
//
// The scheme is a verifiable oblivious PRF over the edwards25519 prime-order
// subgroup:
//
//	T = H(t)        token point from a random 32-byte preimage t
//	B = r*T         blinded token, r is a random scalar kept with the token
//	S = k*B         signed blinded token, k is the issuer secret
//	W = r^-1 * S    unblinded signature, equal to k*T
//
// The issuer attaches a batch DLEQ proof that log_G(K) == log_M(Z) where
// K = k*G is the issuer public key and M, Z are random linear combinations of the
// blinded and signed tokens. Clients verify the proof before unblinding.
//
// All byte encodings are 32-byte compressed points and canonical scalars;
// values crossing storage or the wire are standard base64.
package blind
