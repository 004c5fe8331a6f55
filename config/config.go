// Package config loads process settings: defaults, then an optional YAML
// file, then environment overrides. Credentials are read from the
// environment only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"-"`
	SQLitePath  string `yaml:"sqlitePath"`
	MaxConns    int32  `yaml:"maxConns"`
}

type LedgerConfig struct {
	RPCURL              string        `yaml:"-"`
	PrivateKey          string        `yaml:"-"`
	ChainID             int64         `yaml:"chainId"`
	ConditionalArtifact string        `yaml:"conditionalArtifact"`
	TimedArtifact       string        `yaml:"timedArtifact"`
	ConfirmTimeout      time.Duration `yaml:"confirmTimeout"`
}

type ReconcileConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RecordAttempts int           `yaml:"recordAttempts"`
	PendingExpiry  time.Duration `yaml:"pendingExpiry"`
}

// RateLimitConfig throttles fund-spending routes per client. RPS <= 0
// disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig enables the operator token guard when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string        `yaml:"-"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline settings before file and environment overrides.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":3000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:     DriverPostgres,
			SQLitePath: "escrow.db",
			MaxConns:   10,
		},
		Ledger: LedgerConfig{
			ConfirmTimeout: 2 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Interval:       time.Minute,
			RecordAttempts: 5,
			PendingExpiry:  24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		Auth: AuthConfig{
			Issuer:   "escrowflow",
			TokenTTL: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) and the process environment.
func Load(path string) (Config, error) {
	return LoadWith(path, os.Getenv)
}

// LoadWith is Load with an injectable environment.
func LoadWith(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if port := env("PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	if addr := env("HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	if v := env("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := env("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := env("SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}

	// ALCHEMY_API is accepted for existing deployments.
	if v := env("ALCHEMY_API"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := env("LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := env("PRIVATE_KEY"); v != "" {
		cfg.Ledger.PrivateKey = v
	}
	if v := env("CONDITIONAL_ARTIFACT"); v != "" {
		cfg.Ledger.ConditionalArtifact = v
	}
	if v := env("TIMED_ARTIFACT"); v != "" {
		cfg.Ledger.TimedArtifact = v
	}
	if v := env("AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	var errs []error
	parseInt := func(key string, dst *int64) {
		if v := env(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	parseDuration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	parseInt("CHAIN_ID", &cfg.Ledger.ChainID)
	parseDuration("CONFIRM_TIMEOUT", &cfg.Ledger.ConfirmTimeout)
	parseDuration("RECONCILE_INTERVAL", &cfg.Reconcile.Interval)

	attempts := int64(cfg.Reconcile.RecordAttempts)
	parseInt("RECORD_RETRY_ATTEMPTS", &attempts)
	cfg.Reconcile.RecordAttempts = int(attempts)

	burst := int64(cfg.RateLimit.Burst)
	parseInt("RATE_LIMIT_BURST", &burst)
	cfg.RateLimit.Burst = int(burst)

	if v := env("RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: RATE_LIMIT_RPS: %w", err))
		} else {
			cfg.RateLimit.RPS = rps
		}
	}
	return errors.Join(errs...)
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres store"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("config: sqlite path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store driver %q", c.Store.Driver))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.Log.Format))
	}
	if c.Reconcile.RecordAttempts < 1 {
		errs = append(errs, errors.New("config: record retry attempts must be at least 1"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("config: rate limit burst must be at least 1"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("config: AUTH_JWT_SECRET must be at least 32 bytes"))
	}
	return errors.Join(errs...)
}

// ValidateLedger checks the settings needed to talk to the ledger.
func (c Config) ValidateLedger() error {
	var errs []error
	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("config: LEDGER_RPC_URL (or ALCHEMY_API) is required"))
	}
	if c.Ledger.PrivateKey == "" {
		errs = append(errs, errors.New("config: PRIVATE_KEY is required"))
	}
	if c.Ledger.ChainID < 0 {
		errs = append(errs, errors.New("config: CHAIN_ID must not be negative"))
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("config: confirm timeout must be positive"))
	}
	return errors.Join(errs...)
}
