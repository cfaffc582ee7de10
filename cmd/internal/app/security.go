package app

import (
	"fmt"
	"net"
	"net/url"

	"ledger/cmd/security/blind"
)

// ValidateSecurityConfig enforces the key and transport policy at startup.
//
// Allowlisted issuer keys must decode as curve points, and the issuer must be
// reached over https unless it is on loopback or LEDGER_ISSUER_ALLOW_INSECURE
// is set.
func ValidateSecurityConfig(cfg Config) error {
	for name, keys := range map[string][]string{
		"LEDGER_PROMOTION_KEYS": cfg.PromotionKeys,
		"LEDGER_SKU_KEYS":       cfg.SKUKeys,
	} {
		for _, k := range keys {
			if err := blind.CheckPublicKey(k); err != nil {
				return fmt.Errorf("security policy: %s has an invalid key: %w", name, err)
			}
		}
	}

	if !cfg.RemoteKeys && len(cfg.PromotionKeys) == 0 && len(cfg.SKUKeys) == 0 {
		return fmt.Errorf("security policy: no issuer keys configured and LEDGER_REMOTE_KEYS=false")
	}

	u, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("security policy: issuer url: %w", err)
	}
	if u.Scheme == "https" || cfg.AllowInsecureIssuer || isLoopback(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("security policy: issuer url %q is not https", cfg.IssuerURL)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
