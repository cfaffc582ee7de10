package app

import (
	"testing"

	"ledger/cmd/security/blind"
)

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	iss, err := blind.GenerateIssuer()
	if err != nil {
		t.Fatalf("GenerateIssuer: %v", err)
	}
	good := iss.PublicKey()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"loopback http", Config{IssuerURL: "http://127.0.0.1:8090", RemoteKeys: true}, true},
		{"localhost http", Config{IssuerURL: "http://localhost:8090", RemoteKeys: true}, true},
		{"https", Config{IssuerURL: "https://issuer.example.com", PromotionKeys: []string{good}}, true},
		{"remote http", Config{IssuerURL: "http://issuer.example.com", RemoteKeys: true}, false},
		{"remote http allowed", Config{IssuerURL: "http://issuer.example.com", RemoteKeys: true, AllowInsecureIssuer: true}, true},
		{"bad promotion key", Config{IssuerURL: "https://issuer.example.com", PromotionKeys: []string{"nope"}}, false},
		{"bad sku key", Config{IssuerURL: "https://issuer.example.com", RemoteKeys: true, SKUKeys: []string{good, "AAAA"}}, false},
		{"no keys at all", Config{IssuerURL: "https://issuer.example.com"}, false},
	}
	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}
