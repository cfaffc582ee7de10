package app

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// t.Setenv forbids t.Parallel in these tests.

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8080" || cfg.StoreDriver != StoreMemory || cfg.LogFormat != "json" {
		t.Fatalf("cfg=%+v", cfg)
	}
	p := cfg.RetryPolicy()
	if p.Initial != time.Second || p.Multiplier != 2 || p.Max != time.Minute || p.Jitter != 0.2 || p.Short != 5*time.Second {
		t.Fatalf("policy=%+v", p)
	}
	if cfg.RefillMin != 0 || cfg.RedeemMaxRetries != 5 {
		t.Fatalf("refill min=%d redeem retries=%d", cfg.RefillMin, cfg.RedeemMaxRetries)
	}
}

func TestLoadConfig_Lists(t *testing.T) {
	t.Setenv("LEDGER_PROMOTION_KEYS", " k1 , ,k2")
	t.Setenv("LEDGER_STORE", " SQLite ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.PromotionKeys) != 2 || cfg.PromotionKeys[0] != "k1" || cfg.PromotionKeys[1] != "k2" {
		t.Fatalf("promotion keys=%q", cfg.PromotionKeys)
	}
	if cfg.StoreDriver != StoreSQLite {
		t.Fatalf("store=%q want=%q", cfg.StoreDriver, StoreSQLite)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"LEDGER_STORE": "mongo"}},
		{"postgres without url", map[string]string{"LEDGER_STORE": "postgres"}},
		{"backoff max below initial", map[string]string{"LEDGER_BACKOFF_MAX": "10ms"}},
		{"jitter out of range", map[string]string{"LEDGER_BACKOFF_JITTER": "1.5"}},
		{"refill min above target", map[string]string{"LEDGER_REFILL_MIN": "5", "LEDGER_REFILL_TARGET": "2"}},
		{"relative issuer url", map[string]string{"LEDGER_ISSUER_URL": "issuer.local"}},
		{"log format", map[string]string{"LEDGER_LOG_FORMAT": "xml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err=%v want ErrConfig", err)
			}
		})
	}
}

func TestLoadConfig_ParseError(t *testing.T) {
	t.Setenv("LEDGER_HTTP_READ_TIMEOUT", "soon")

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err=%v want parse env error", err)
	}
	if errors.Is(err, ErrConfig) {
		t.Fatalf("parse failure must not be ErrConfig")
	}
}
