package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := LoadWith("", envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":3000" || cfg.Store.Driver != DriverPostgres || cfg.Log.Format != "json" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Ledger.ConfirmTimeout != 2*time.Minute {
		t.Errorf("confirm timeout = %s", cfg.Ledger.ConfirmTimeout)
	}
}

func TestLoadWith_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	yaml := `
http:
  addr: ":8080"
store:
  driver: sqlite
  sqlitePath: /tmp/escrow.db
ledger:
  chainId: 11155111
  confirmTimeout: 45s
reconcile:
  interval: 10s
rateLimit:
  rps: 1
  burst: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWith(path, envMap(map[string]string{
		"PORT":               "4000",
		"ALCHEMY_API":        "https://eth-sepolia.example/v2/key",
		"PRIVATE_KEY":        "0xabc",
		"RECONCILE_INTERVAL": "5s",
		"LOG_LEVEL":          "DEBUG",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":4000" {
		t.Errorf("PORT should override file addr, got %s", cfg.HTTP.Addr)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SQLitePath != "/tmp/escrow.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Ledger.ChainID != 11155111 || cfg.Ledger.ConfirmTimeout != 45*time.Second {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Ledger.RPCURL == "" || cfg.Ledger.PrivateKey != "0xabc" {
		t.Errorf("credentials not read from env")
	}
	if cfg.Reconcile.Interval != 5*time.Second {
		t.Errorf("interval = %s", cfg.Reconcile.Interval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if err := cfg.ValidateLedger(); err != nil {
		t.Errorf("validate ledger: %v", err)
	}
}

func TestLoadWith_SecretsIgnoredInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  privateKey: leaked\n  rpcURL: http://x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWith(path, envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger.PrivateKey != "" || cfg.Ledger.RPCURL != "" {
		t.Errorf("credentials must come from the environment only")
	}
}

func TestLoadWith_Errors(t *testing.T) {
	if _, err := LoadWith(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil)); err == nil {
		t.Errorf("expected error for missing file")
	}
	_, err := LoadWith("", envMap(map[string]string{"CHAIN_ID": "mainnet", "CONFIRM_TIMEOUT": "soon"}))
	if err == nil || !strings.Contains(err.Error(), "CHAIN_ID") || !strings.Contains(err.Error(), "CONFIRM_TIMEOUT") {
		t.Errorf("expected both parse errors, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}

	cfg.Store.DatabaseURL = "postgres://localhost/escrow"
	cfg.Auth.JWTSecret = "short"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected short secret to fail")
	}

	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	cfg.Store.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected unknown driver to fail")
	}

	if err := Default().ValidateLedger(); err == nil {
		t.Errorf("expected missing ledger credentials to fail")
	}
}
