package blind

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

const (
	// PreimageSize is the size of a raw token preimage.
	PreimageSize = 32
	// PointSize is the size of an encoded group element.
	PointSize = 32
	// ScalarSize is the size of an encoded scalar.
	ScalarSize = 32
	// TokenSize is the size of a raw token: preimage followed by blinding scalar.
	TokenSize = PreimageSize + ScalarSize
	// UnblindedSize is the size of an unblinded token: preimage followed by W.
	UnblindedSize = PreimageSize + PointSize

	h2cDomain     = "ledger-v1-hash-to-curve"
	weightsDomain = "ledger-v1-dleq-weights"
	dleqDomain    = "ledger-v1-dleq"
)

var (
	// ErrMalformed is returned for encodings of the wrong length or off-curve points.
	ErrMalformed = errors.New("blind: malformed input")
	// ErrHashToCurve is returned when a preimage cannot be mapped to the group.
	ErrHashToCurve = errors.New("blind: hash to curve failed")
	// ErrLengthMismatch is returned when paired lists differ in length.
	ErrLengthMismatch = errors.New("blind: length mismatch")
)

// Token is a raw token secret: preimage || blinding scalar. Never leaves the client.
type Token []byte

// BlindedToken is r*H(t), the value sent to the issuer.
type BlindedToken []byte

// SignedToken is k*r*H(t), returned by the issuer.
type SignedToken []byte

// UnblindedToken is preimage || k*H(t), the spendable credential.
type UnblindedToken []byte

// Preimage returns the token preimage t.
func (u UnblindedToken) Preimage() []byte {
	if len(u) != UnblindedSize {
		return nil
	}
	return u[:PreimageSize]
}

// Capability is the set of client-side blind-signature operations.
// Implementations must be safe for concurrent use.
type Capability interface {
	GenerateTokens(n int) ([]Token, error)
	Blind(tokens []Token) ([]BlindedToken, error)
	Verify(publicKey string, blinded []BlindedToken, signed []SignedToken, proof string) bool
	Unblind(token Token, signed SignedToken) (UnblindedToken, error)
}

// Edwards implements Capability over edwards25519.
type Edwards struct {
	rand io.Reader
}

var _ Capability = (*Edwards)(nil)

// New returns an Edwards capability reading randomness from crypto/rand.
func New() *Edwards {
	return &Edwards{rand: rand.Reader}
}

// NewWithRand returns an Edwards capability using r for randomness.
func NewWithRand(r io.Reader) *Edwards {
	if r == nil {
		r = rand.Reader
	}
	return &Edwards{rand: r}
}

// GenerateTokens returns n fresh tokens.
func (e *Edwards) GenerateTokens(n int) ([]Token, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Token, 0, n)
	for i := 0; i < n; i++ {
		tok := make([]byte, TokenSize)
		if _, err := io.ReadFull(e.rand, tok[:PreimageSize]); err != nil {
			return nil, err
		}
		r, err := randomScalar(e.rand)
		if err != nil {
			return nil, err
		}
		copy(tok[PreimageSize:], r.Bytes())
		out = append(out, tok)
	}
	return out, nil
}

// Blind returns r*H(t) for every token, in order.
func (e *Edwards) Blind(tokens []Token) ([]BlindedToken, error) {
	out := make([]BlindedToken, 0, len(tokens))
	for _, tok := range tokens {
		t, r, err := splitToken(tok)
		if err != nil {
			return nil, err
		}
		T, err := hashToPoint(t)
		if err != nil {
			return nil, err
		}
		out = append(out, new(edwards25519.Point).ScalarMult(r, T).Bytes())
	}
	return out, nil
}

// Verify checks the issuer's batch DLEQ proof for the blinded/signed pairs.
func (e *Edwards) Verify(publicKey string, blinded []BlindedToken, signed []SignedToken, proof string) bool {
	K, err := decodePoint(publicKey)
	if err != nil {
		return false
	}
	c, s, err := decodeProof(proof)
	if err != nil {
		return false
	}
	M, Z, err := combine(K, blinded, signed)
	if err != nil {
		return false
	}

	// A = s*G + c*K, Bn = s*M + c*Z
	A := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(c, K, s)
	Bn := new(edwards25519.Point).VarTimeMultiScalarMult(
		[]*edwards25519.Scalar{s, c},
		[]*edwards25519.Point{M, Z},
	)
	want := challenge(K, M, Z, A, Bn)
	return subtle.ConstantTimeCompare(want.Bytes(), c.Bytes()) == 1
}

// Unblind returns preimage || r^-1 * S.
func (e *Edwards) Unblind(token Token, signed SignedToken) (UnblindedToken, error) {
	t, r, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	S, err := groupElement(signed)
	if err != nil {
		return nil, fmt.Errorf("signed token: %w", err)
	}
	rInv := new(edwards25519.Scalar).Invert(r)
	W := new(edwards25519.Point).ScalarMult(rInv, S)

	out := make([]byte, 0, UnblindedSize)
	out = append(out, t...)
	out = append(out, W.Bytes()...)
	return out, nil
}

// Encode returns the standard base64 form used at storage and wire boundaries.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses the standard base64 form.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

// ---- group helpers ----

func splitToken(tok Token) ([]byte, *edwards25519.Scalar, error) {
	if len(tok) != TokenSize {
		return nil, nil, fmt.Errorf("%w: token length %d", ErrMalformed, len(tok))
	}
	r, err := new(edwards25519.Scalar).SetCanonicalBytes(tok[PreimageSize:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: blinding scalar: %v", ErrMalformed, err)
	}
	return tok[:PreimageSize], r, nil
}

func randomScalar(r io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(r, wide[:]); err != nil {
		return nil, err
	}
	return new(edwards25519.Scalar).SetUniformBytes(wide[:])
}

func hashToScalar(domain string, parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	s, err := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	if err != nil {
		// sha512 always yields 64 bytes.
		panic(err)
	}
	return s
}

// hashToPoint maps a preimage into the prime-order subgroup by try-and-increment,
// clearing the cofactor so the discrete log of the result is unknown.
func hashToPoint(preimage []byte) (*edwards25519.Point, error) {
	identity := edwards25519.NewIdentityPoint()
	for ctr := 0; ctr < 256; ctr++ {
		h := sha512.New()
		h.Write([]byte(h2cDomain))
		h.Write([]byte{byte(ctr)})
		h.Write(preimage)
		sum := h.Sum(nil)

		p, err := new(edwards25519.Point).SetBytes(sum[:PointSize])
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(identity) == 1 {
			continue
		}
		return p, nil
	}
	return nil, ErrHashToCurve
}

// CheckPublicKey reports whether s encodes a valid issuer public key.
func CheckPublicKey(s string) error {
	_, err := decodePoint(s)
	return err
}

func decodePoint(s string) (*edwards25519.Point, error) {
	b, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != PointSize {
		return nil, fmt.Errorf("%w: point length %d", ErrMalformed, len(b))
	}
	return groupElement(b)
}

// invCofactor is 8^-1 mod l.
var invCofactor = func() *edwards25519.Scalar {
	var eight [ScalarSize]byte
	eight[0] = 8
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(eight[:])
	if err != nil {
		panic(err)
	}
	return s.Invert(s)
}()

// groupElement decodes b and requires a non-identity point of the prime-order
// subgroup. SetBytes alone accepts points with a small-order component.
func groupElement(b []byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, fmt.Errorf("%w: identity point", ErrMalformed)
	}
	q := new(edwards25519.Point).MultByCofactor(p)
	if q.ScalarMult(invCofactor, q).Equal(p) != 1 {
		return nil, fmt.Errorf("%w: point outside prime-order subgroup", ErrMalformed)
	}
	return p, nil
}

func decodeProof(s string) (c, z *edwards25519.Scalar, err error) {
	b, err := Decode(s)
	if err != nil {
		return nil, nil, err
	}
	if len(b) != 2*ScalarSize {
		return nil, nil, fmt.Errorf("%w: proof length %d", ErrMalformed, len(b))
	}
	c, err = new(edwards25519.Scalar).SetCanonicalBytes(b[:ScalarSize])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	z, err = new(edwards25519.Scalar).SetCanonicalBytes(b[ScalarSize:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c, z, nil
}

// combine computes M = sum(w_i*B_i) and Z = sum(w_i*S_i) with weights bound to
// the whole batch, so a proof for one batch cannot be replayed for another.
func combine(K *edwards25519.Point, blinded []BlindedToken, signed []SignedToken) (*edwards25519.Point, *edwards25519.Point, error) {
	if len(blinded) == 0 || len(blinded) != len(signed) {
		return nil, nil, ErrLengthMismatch
	}

	seedParts := make([][]byte, 0, 1+2*len(blinded))
	seedParts = append(seedParts, K.Bytes())
	bs := make([]*edwards25519.Point, len(blinded))
	ss := make([]*edwards25519.Point, len(signed))
	for i := range blinded {
		b, err := groupElement(blinded[i])
		if err != nil {
			return nil, nil, fmt.Errorf("blinded[%d]: %w", i, err)
		}
		s, err := groupElement(signed[i])
		if err != nil {
			return nil, nil, fmt.Errorf("signed[%d]: %w", i, err)
		}
		bs[i], ss[i] = b, s
		seedParts = append(seedParts, blinded[i], signed[i])
	}
	seed := hashToScalar(weightsDomain, seedParts...).Bytes()

	weights := make([]*edwards25519.Scalar, len(blinded))
	for i := range weights {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		weights[i] = hashToScalar(weightsDomain, seed, idx[:])
	}

	M := new(edwards25519.Point).VarTimeMultiScalarMult(weights, bs)
	Z := new(edwards25519.Point).VarTimeMultiScalarMult(weights, ss)
	return M, Z, nil
}

func challenge(K, M, Z, A, Bn *edwards25519.Point) *edwards25519.Scalar {
	return hashToScalar(dleqDomain,
		edwards25519.NewGeneratorPoint().Bytes(),
		K.Bytes(), M.Bytes(), Z.Bytes(), A.Bytes(), Bn.Bytes(),
	)
}
