package blind

import (
	"crypto/rand"
	"fmt"
	"io"

	"filippo.io/edwards25519"

	"ledger/cmd/security/token"
)

// Issuer holds a signing key. The daemon never signs in production; Issuer backs
// tests, the local dev issuer, and server-side redemption checks.
type Issuer struct {
	k    *edwards25519.Scalar
	pub  *edwards25519.Point
	rand io.Reader
}

// GenerateIssuer returns an issuer with a fresh random key.
func GenerateIssuer() (*Issuer, error) {
	k, err := randomScalar(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newIssuer(k), nil
}

// NewIssuer loads an issuer from a base64 canonical scalar.
func NewIssuer(secret string) (*Issuer, error) {
	b, err := Decode(secret)
	if err != nil {
		return nil, err
	}
	k, err := new(edwards25519.Scalar).SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: issuer secret: %v", ErrMalformed, err)
	}
	return newIssuer(k), nil
}

func newIssuer(k *edwards25519.Scalar) *Issuer {
	return &Issuer{
		k:    k,
		pub:  new(edwards25519.Point).ScalarBaseMult(k),
		rand: rand.Reader,
	}
}

// PublicKey returns the base64 public key K = k*G.
func (i *Issuer) PublicKey() string { return Encode(i.pub.Bytes()) }

// Secret returns the base64 secret scalar.
func (i *Issuer) Secret() string { return Encode(i.k.Bytes()) }

// Sign signs every blinded token and returns a batch proof covering all of them.
func (i *Issuer) Sign(blinded []BlindedToken) ([]SignedToken, string, error) {
	if len(blinded) == 0 {
		return nil, "", ErrLengthMismatch
	}
	signed := make([]SignedToken, 0, len(blinded))
	for idx, b := range blinded {
		B, err := groupElement(b)
		if err != nil {
			return nil, "", fmt.Errorf("blinded[%d]: %w", idx, err)
		}
		signed = append(signed, new(edwards25519.Point).ScalarMult(i.k, B).Bytes())
	}

	M, Z, err := combine(i.pub, blinded, signed)
	if err != nil {
		return nil, "", err
	}
	n, err := randomScalar(i.rand)
	if err != nil {
		return nil, "", err
	}
	A := new(edwards25519.Point).ScalarBaseMult(n)
	Bn := new(edwards25519.Point).ScalarMult(n, M)
	c := challenge(i.pub, M, Z, A, Bn)

	// s = n - c*k
	s := new(edwards25519.Scalar).Subtract(n, new(edwards25519.Scalar).Multiply(c, i.k))

	proof := make([]byte, 0, 2*ScalarSize)
	proof = append(proof, c.Bytes()...)
	proof = append(proof, s.Bytes()...)
	return signed, Encode(proof), nil
}

// VerifyRedemption recomputes W = k*H(t) for preimage and checks the payload
// signature made with the key derived from t || W.
func (i *Issuer) VerifyRedemption(preimage, payload, signature []byte) bool {
	if len(preimage) != PreimageSize {
		return false
	}
	T, err := hashToPoint(preimage)
	if err != nil {
		return false
	}
	W := new(edwards25519.Point).ScalarMult(i.k, T)

	unblinded := make([]byte, 0, UnblindedSize)
	unblinded = append(unblinded, preimage...)
	unblinded = append(unblinded, W.Bytes()...)

	key, err := token.DeriveVerificationKey(unblinded)
	if err != nil {
		return false
	}
	return token.VerifyPayload(key, payload, signature)
}
