package blind

import (
	"bytes"
	"errors"
	"testing"

	"filippo.io/edwards25519"

	"ledger/cmd/security/token"
)

func issueBatch(t *testing.T, n int) (*Edwards, *Issuer, []Token, []BlindedToken, []SignedToken, string) {
	t.Helper()

	e := New()
	iss, err := GenerateIssuer()
	if err != nil {
		t.Fatalf("GenerateIssuer: %v", err)
	}
	toks, err := e.GenerateTokens(n)
	if err != nil {
		t.Fatalf("GenerateTokens: %v", err)
	}
	blinded, err := e.Blind(toks)
	if err != nil {
		t.Fatalf("Blind: %v", err)
	}
	signed, proof, err := iss.Sign(blinded)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return e, iss, toks, blinded, signed, proof
}

func TestGenerateTokens(t *testing.T) {
	t.Parallel()

	e := New()
	toks, err := e.GenerateTokens(5)
	if err != nil {
		t.Fatalf("GenerateTokens: %v", err)
	}
	if len(toks) != 5 {
		t.Fatalf("len=%d want=5", len(toks))
	}
	seen := map[string]bool{}
	for _, tok := range toks {
		if len(tok) != TokenSize {
			t.Fatalf("token len=%d want=%d", len(tok), TokenSize)
		}
		if seen[string(tok)] {
			t.Fatalf("duplicate token")
		}
		seen[string(tok)] = true
	}

	none, err := e.GenerateTokens(0)
	if err != nil || len(none) != 0 {
		t.Fatalf("GenerateTokens(0)=%v,%v want=empty,nil", none, err)
	}
}

func TestRoundTrip_VerifyAndUnblind(t *testing.T) {
	t.Parallel()

	e, iss, toks, blinded, signed, proof := issueBatch(t, 8)

	if !e.Verify(iss.PublicKey(), blinded, signed, proof) {
		t.Fatalf("Verify=false want=true")
	}

	payload := []byte("redeem:vote:example.com")
	for i := range toks {
		u, err := e.Unblind(toks[i], signed[i])
		if err != nil {
			t.Fatalf("Unblind[%d]: %v", i, err)
		}
		if len(u) != UnblindedSize {
			t.Fatalf("unblinded len=%d want=%d", len(u), UnblindedSize)
		}
		if !bytes.Equal(u.Preimage(), toks[i][:PreimageSize]) {
			t.Fatalf("preimage mismatch at %d", i)
		}

		key, err := token.DeriveVerificationKey(u)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		sig, err := token.SignPayload(key, payload)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if !iss.VerifyRedemption(u.Preimage(), payload, sig) {
			t.Fatalf("VerifyRedemption[%d]=false want=true", i)
		}
	}
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()

	e, iss, _, blinded, signed, proof := issueBatch(t, 4)
	other, err := GenerateIssuer()
	if err != nil {
		t.Fatalf("GenerateIssuer: %v", err)
	}

	tampered := append([]SignedToken(nil), signed...)
	tampered[0], tampered[1] = tampered[1], tampered[0]

	cases := []struct {
		name    string
		pub     string
		blinded []BlindedToken
		signed  []SignedToken
		proof   string
	}{
		{"wrong key", other.PublicKey(), blinded, signed, proof},
		{"swapped signatures", iss.PublicKey(), blinded, tampered, proof},
		{"short list", iss.PublicKey(), blinded[:3], signed, proof},
		{"empty", iss.PublicKey(), nil, nil, proof},
		{"bad proof", iss.PublicKey(), blinded, signed, "AAAA"},
		{"bad key", iss.PublicKey() + "!", blinded, signed, proof},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if e.Verify(tc.pub, tc.blinded, tc.signed, tc.proof) {
				t.Fatalf("Verify=true want=false")
			}
		})
	}
}

func TestVerifyRedemption_WrongIssuer(t *testing.T) {
	t.Parallel()

	e, _, toks, _, signed, _ := issueBatch(t, 1)
	other, _ := GenerateIssuer()

	u, err := e.Unblind(toks[0], signed[0])
	if err != nil {
		t.Fatalf("Unblind: %v", err)
	}
	sig, err := token.SignPayloadBase64(u, []byte("p"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := Decode(sig)
	if other.VerifyRedemption(u.Preimage(), []byte("p"), raw) {
		t.Fatalf("VerifyRedemption(other issuer)=true want=false")
	}
}

func TestNewIssuer_RoundTrip(t *testing.T) {
	t.Parallel()

	a, _ := GenerateIssuer()
	b, err := NewIssuer(a.Secret())
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if a.PublicKey() != b.PublicKey() {
		t.Fatalf("public keys differ")
	}
	if _, err := NewIssuer("not base64!"); err == nil {
		t.Fatalf("NewIssuer(bad)=nil error")
	}
}

func TestUnblind_Malformed(t *testing.T) {
	t.Parallel()

	e := New()
	if _, err := e.Unblind(Token{1, 2, 3}, make([]byte, PointSize)); err == nil {
		t.Fatalf("Unblind(short token)=nil error")
	}
	toks, _ := e.GenerateTokens(1)
	if _, err := e.Unblind(toks[0], []byte{1}); err == nil {
		t.Fatalf("Unblind(short signed)=nil error")
	}
}

// orderTwo returns the encoding of (0, -1), the point of order 2.
func orderTwo() []byte {
	b := make([]byte, PointSize)
	b[0] = 0xec
	for i := 1; i < PointSize-1; i++ {
		b[i] = 0xff
	}
	b[PointSize-1] = 0x7f
	return b
}

// withTorsion returns p + (0, -1).
func withTorsion(t *testing.T, p []byte) []byte {
	t.Helper()
	P, err := new(edwards25519.Point).SetBytes(p)
	if err != nil {
		t.Fatalf("SetBytes: %v", err)
	}
	T2, err := new(edwards25519.Point).SetBytes(orderTwo())
	if err != nil {
		t.Fatalf("SetBytes(order two): %v", err)
	}
	return new(edwards25519.Point).Add(P, T2).Bytes()
}

func TestSmallOrderComponentRejected(t *testing.T) {
	t.Parallel()

	e, iss, toks, blinded, signed, proof := issueBatch(t, 2)

	tagged := append([]SignedToken(nil), signed...)
	tagged[0] = withTorsion(t, signed[0])

	if _, err := e.Unblind(toks[0], tagged[0]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Unblind(torsion)=%v want ErrMalformed", err)
	}
	if e.Verify(iss.PublicKey(), blinded, tagged, proof) {
		t.Fatalf("Verify(torsion)=true want=false")
	}
	if _, _, err := iss.Sign([]BlindedToken{withTorsion(t, blinded[0])}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Sign(torsion)=%v want ErrMalformed", err)
	}
	if _, err := e.Unblind(toks[0], signed[0]); err != nil {
		t.Fatalf("Unblind(clean): %v", err)
	}
}

func TestCheckPublicKey(t *testing.T) {
	t.Parallel()

	iss, err := GenerateIssuer()
	if err != nil {
		t.Fatalf("GenerateIssuer: %v", err)
	}
	pub, err := Decode(iss.PublicKey())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"issuer key", iss.PublicKey(), true},
		{"not base64", "***", false},
		{"short", Encode([]byte{1, 2, 3}), false},
		{"order two", Encode(orderTwo()), false},
		{"identity", Encode(edwards25519.NewIdentityPoint().Bytes()), false},
		{"key with torsion", Encode(withTorsion(t, pub)), false},
	}
	for _, tc := range cases {
		err := CheckPublicKey(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}
