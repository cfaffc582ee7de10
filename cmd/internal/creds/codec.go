package creds

import (
	"encoding/json"

	"ledger/cmd/security/blind"
)

// EncodeList renders a typed token list as a JSON array of base64 strings.
// This is the only representation used at storage boundaries.
func EncodeList[T ~[]byte](list []T) (string, error) {
	out := make([]string, len(list))
	for i, b := range list {
		out[i] = blind.Encode(b)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeList parses EncodeList output. Empty input yields an empty list.
func DecodeList[T ~[]byte](s string) ([]T, error) {
	if s == "" {
		return nil, nil
	}
	var in []string
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, OpError{Op: "creds.DecodeList", Kind: ErrCorrupted, Err: err}
	}
	out := make([]T, len(in))
	for i, v := range in {
		b, err := blind.Decode(v)
		if err != nil {
			return nil, OpError{Op: "creds.DecodeList", Kind: ErrCorrupted, Err: err}
		}
		out[i] = T(b)
	}
	return out, nil
}
