package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ledger/cmd/internal/credentials"
	"ledger/cmd/internal/retry"
)

// ErrConfig marks configuration that parsed but is not usable.
var ErrConfig = errors.New("invalid config")

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"LEDGER_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel  string `env:"LEDGER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LEDGER_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"LEDGER_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"LEDGER_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"LEDGER_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"LEDGER_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"LEDGER_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"LEDGER_HTTP_MAX_BODY_BYTES" envDefault:"1048576"`

	StoreDriver string `env:"LEDGER_STORE" envDefault:"memory"`
	SQLitePath  string `env:"LEDGER_SQLITE_PATH" envDefault:"ledger.db"`
	DatabaseURL string `env:"LEDGER_DATABASE_URL"`
	DBMaxConns  int32  `env:"LEDGER_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"LEDGER_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"LEDGER_DB_SCHEMA" envDefault:"ledger"`

	IssuerURL     string        `env:"LEDGER_ISSUER_URL" envDefault:"http://127.0.0.1:8090"`
	PaymentID     string        `env:"LEDGER_PAYMENT_ID"`
	IssuerTimeout time.Duration `env:"LEDGER_ISSUER_TIMEOUT" envDefault:"30s"`
	// AllowInsecureIssuer permits a plain http issuer URL off loopback.
	AllowInsecureIssuer bool `env:"LEDGER_ISSUER_ALLOW_INSECURE" envDefault:"false"`

	PromotionKeys []string      `env:"LEDGER_PROMOTION_KEYS" envSeparator:","`
	SKUKeys       []string      `env:"LEDGER_SKU_KEYS" envSeparator:","`
	RemoteKeys    bool          `env:"LEDGER_REMOTE_KEYS" envDefault:"true"`
	KeysTTL       time.Duration `env:"LEDGER_KEYS_TTL" envDefault:"10m"`

	BackoffInitial    time.Duration `env:"LEDGER_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMultiplier float64       `env:"LEDGER_BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffMax        time.Duration `env:"LEDGER_BACKOFF_MAX" envDefault:"1m"`
	BackoffJitter     float64       `env:"LEDGER_BACKOFF_JITTER" envDefault:"0.2"`
	RetryShort        time.Duration `env:"LEDGER_RETRY_SHORT" envDefault:"5s"`
	RedeemMaxRetries  uint64        `env:"LEDGER_REDEEM_MAX_RETRIES" envDefault:"5"`
	UnblindWorkers    int           `env:"LEDGER_UNBLIND_WORKERS" envDefault:"0"`

	RefillMin        int           `env:"LEDGER_REFILL_MIN" envDefault:"0"`
	RefillTarget     int           `env:"LEDGER_REFILL_TARGET" envDefault:"0"`
	RefillTokenValue float64       `env:"LEDGER_REFILL_TOKEN_VALUE" envDefault:"0.25"`
	RefillInterval   time.Duration `env:"LEDGER_REFILL_INTERVAL" envDefault:"1m"`

	OTelEndpoint string `env:"LEDGER_OTEL_ENDPOINT"`

	WSAllowedOrigins   []string `env:"LEDGER_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSOriginRequired   bool     `env:"LEDGER_WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSDevInsecure      bool     `env:"LEDGER_WS_DEV_INSECURE" envDefault:"false"`
	WSSendQueueSize    int      `env:"LEDGER_WS_SEND_QUEUE" envDefault:"256"`
	ReadinessRequireDB bool     `env:"LEDGER_READINESS_REQUIRE_DB" envDefault:"false"`
}

// LoadConfig parses the environment and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.PromotionKeys = trimList(c.PromotionKeys)
	c.SKUKeys = trimList(c.SKUKeys)
	c.WSAllowedOrigins = trimList(c.WSAllowedOrigins)
}

// Validate reports the first unusable setting, wrapped in ErrConfig.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: LEDGER_SQLITE_PATH is required for sqlite", ErrConfig)
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: LEDGER_DATABASE_URL is required for postgres", ErrConfig)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("%w: db min conns above max conns", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrConfig, c.StoreDriver)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}

	u, err := url.Parse(c.IssuerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: LEDGER_ISSUER_URL must be an absolute url", ErrConfig)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := c.Refill().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.UnblindWorkers < 0 {
		return fmt.Errorf("%w: unblind workers must not be negative", ErrConfig)
	}
	return nil
}

// RetryPolicy is the backoff policy shared by the scheduler and redemptions.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Initial:    c.BackoffInitial,
		Multiplier: c.BackoffMultiplier,
		Max:        c.BackoffMax,
		Jitter:     c.BackoffJitter,
		Short:      c.RetryShort,
	}
}

// Refill returns the ad grant pool bounds. Min 0 disables refilling.
func (c Config) Refill() credentials.RefillConfig {
	return credentials.RefillConfig{
		Min:        c.RefillMin,
		Target:     c.RefillTarget,
		TokenValue: c.RefillTokenValue,
	}
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
