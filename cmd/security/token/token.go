package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the derived verification key size in bytes.
	KeySize = 64

	// MaxPayloadBytes bounds what a redemption may sign.
	MaxPayloadBytes = 64 << 10

	hkdfInfo = "ledger-v1-verification-key"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the first 12 hex chars of SHA-256(s).
// Used to correlate token values in logs without printing them.
func Fingerprint(s string) string {
	return HashSHA256Hex(s)[:12]
}

// DeriveVerificationKey derives the per-token signing key from an unblinded token.
func DeriveVerificationKey(unblinded []byte) ([]byte, error) {
	if len(unblinded) == 0 {
		return nil, ErrEmptyToken
	}
	r := hkdf.New(sha512.New, unblinded, nil, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SignPayload returns HMAC-SHA512(payload, key).
func SignPayload(key, payload []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	m := hmac.New(sha512.New, key)
	_, _ = m.Write(payload)
	return m.Sum(nil), nil
}

// VerifyPayload reports whether sig is a valid signature over payload.
func VerifyPayload(key, payload, sig []byte) bool {
	want, err := SignPayload(key, payload)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sig)
}

// SignPayloadBase64 derives the key from unblinded and returns a base64 signature.
func SignPayloadBase64(unblinded, payload []byte) (string, error) {
	key, err := DeriveVerificationKey(unblinded)
	if err != nil {
		return "", err
	}
	sig, err := SignPayload(key, payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
