package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEDGER_LOCK_TIMEOUT", "")
	t.Setenv("LEDGER_TRUSTED_PROXIES", "")
	c, err := Load(missingEnvFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":8080" || c.LockTimeout != 5*time.Second || c.DefaultStatus != "CONFIRMED" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if len(c.TrustedProxies) != 0 {
		t.Fatalf("no proxy is trusted by default, got=%v", c.TrustedProxies)
	}
	if c.AssetDecimals["ETH"] != 18 || c.AssetDecimals["USDC"] != 6 {
		t.Fatalf("unexpected asset decimals: %+v", c.AssetDecimals)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.env")
	if err := os.WriteFile(path, []byte("LEDGER_HTTP_ADDR=:9999\nLEDGER_KAFKA_BROKERS=k1:9092, k2:9092\nLEDGER_TRUSTED_PROXIES=10.0.0.0/8\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, k := range []string{"LEDGER_HTTP_ADDR", "LEDGER_KAFKA_BROKERS", "LEDGER_TRUSTED_PROXIES"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":9999" {
		t.Fatalf("env file not applied, http addr=%q", c.HTTPAddr)
	}
	if len(c.KafkaBrokers) != 2 || c.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", c.KafkaBrokers)
	}
	if len(c.TrustedProxies) != 1 || c.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected trusted proxies: %v", c.TrustedProxies)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("LEDGER_LOCK_TIMEOUT", "soon")
	if _, err := Load(missingEnvFile(t)); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestParseAssetDecimals(t *testing.T) {
	got, err := ParseAssetDecimals("eth:18, usdc:6")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["ETH"] != 18 || got["USDC"] != 6 {
		t.Fatalf("unexpected result: %v", got)
	}
	if _, err := ParseAssetDecimals("ETH"); err == nil {
		t.Fatalf("expected malformed entry error")
	}
	if _, err := ParseAssetDecimals("ETH:-1"); err == nil {
		t.Fatalf("expected negative decimals error")
	}
}

func TestValidateStrictRequirements(t *testing.T) {
	base := Config{
		Strict:         true,
		DatabaseURL:    "postgres://x",
		TLSEnabled:     true,
		AuthEnabled:    true,
		JWTSecret:      "prod-secret",
		ReconcileBatch: 10,
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "strict valid config", mutate: func(*Config) {}},
		{name: "non-strict allows dev defaults", mutate: func(c *Config) {
			*c = Config{ReconcileBatch: 10, JWTSecret: DevJWTSecret}
		}},
		{name: "strict requires database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "strict requires tls", mutate: func(c *Config) { c.TLSEnabled = false }, wantErr: true},
		{name: "strict requires auth", mutate: func(c *Config) { c.AuthEnabled = false }, wantErr: true},
		{name: "strict rejects default jwt secret without keyset", mutate: func(c *Config) { c.JWTSecret = DevJWTSecret }, wantErr: true},
		{name: "strict allows keyset with default single secret value", mutate: func(c *Config) {
			c.JWTSecret = DevJWTSecret
			c.JWTKeyset = "k1:rotated-secret"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}
