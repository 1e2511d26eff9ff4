// Package config reads ledgerd settings from the environment, after an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DevJWTSecret = "dev-insecure-change-me"

type Config struct {
	Env      string
	LogLevel string
	Version  string
	Strict   bool

	HTTPAddr     string
	GRPCAddr     string
	TrustedCIDRs []string
	// TrustedProxies are the peers allowed to set X-Forwarded-For. Empty means none.
	TrustedProxies []string

	DatabaseURL     string
	DBMaxOpenConns  int
	LockTimeout     time.Duration
	DefaultStatus   string
	AssetDecimals   map[string]int32
	ShutdownTimeout time.Duration

	JWTSecret      string
	JWTKeyset      string
	JWTActiveKID   string
	JWTKeysetFile  string
	AuthEnabled    bool
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSClientCA    string
	TLSRequireMTLS bool

	RedisAddr     string
	RedisPassword string
	RedisChannel  string
	KafkaBrokers  []string
	KafkaTopic    string

	ReconcileInterval time.Duration
	ReconcileBatch    int
}

// Load reads .env files when present (missing files are not an error) and then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var errs []error
	c := Config{
		Env:      envOr("LEDGER_ENV", "development"),
		LogLevel: envOr("LEDGER_LOG_LEVEL", "info"),
		Version:  envOr("LEDGER_VERSION", "dev"),
		Strict:   envBool("LEDGER_STRICT_PRODUCTION", false, &errs),

		HTTPAddr:       envOr("LEDGER_HTTP_ADDR", ":8080"),
		GRPCAddr:       envOr("LEDGER_GRPC_ADDR", ":8081"),
		TrustedCIDRs:   envList("LEDGER_TRUSTED_CIDRS", "127.0.0.1/32,::1/128"),
		TrustedProxies: envList("LEDGER_TRUSTED_PROXIES", ""),

		DatabaseURL:     envOr("LEDGER_DATABASE_URL", ""),
		DBMaxOpenConns:  envInt("LEDGER_DB_MAX_OPEN_CONNS", 20, &errs),
		LockTimeout:     envDuration("LEDGER_LOCK_TIMEOUT", 5*time.Second, &errs),
		DefaultStatus:   strings.ToUpper(envOr("LEDGER_DEFAULT_STATUS", "CONFIRMED")),
		ShutdownTimeout: envDuration("LEDGER_SHUTDOWN_TIMEOUT", 10*time.Second, &errs),

		JWTSecret:      envOr("LEDGER_JWT_SECRET", ""),
		JWTKeyset:      envOr("LEDGER_JWT_KEYSET", ""),
		JWTActiveKID:   envOr("LEDGER_JWT_ACTIVE_KID", ""),
		JWTKeysetFile:  envOr("LEDGER_JWT_KEYSET_FILE", ""),
		AuthEnabled:    envBool("LEDGER_AUTH_ENABLED", false, &errs),
		TLSEnabled:     envBool("LEDGER_TLS_ENABLED", false, &errs),
		TLSCertFile:    envOr("LEDGER_TLS_CERT_FILE", ""),
		TLSKeyFile:     envOr("LEDGER_TLS_KEY_FILE", ""),
		TLSClientCA:    envOr("LEDGER_TLS_CLIENT_CA_FILE", ""),
		TLSRequireMTLS: envBool("LEDGER_TLS_REQUIRE_CLIENT_CERT", false, &errs),

		RedisAddr:     envOr("LEDGER_REDIS_ADDR", ""),
		RedisPassword: envOr("LEDGER_REDIS_PASSWORD", ""),
		RedisChannel:  envOr("LEDGER_REDIS_CHANNEL", "ledger_events"),
		KafkaBrokers:  envList("LEDGER_KAFKA_BROKERS", ""),
		KafkaTopic:    envOr("LEDGER_KAFKA_TOPIC", "ledger.events"),

		ReconcileInterval: envDuration("LEDGER_RECONCILE_INTERVAL", 15*time.Minute, &errs),
		ReconcileBatch:    envInt("LEDGER_RECONCILE_BATCH", 200, &errs),
	}
	decimals, err := ParseAssetDecimals(envOr("LEDGER_ASSET_DECIMALS", "ETH:18,USDC:6,USDT:6,BTC:8"))
	if err != nil {
		errs = append(errs, err)
	}
	c.AssetDecimals = decimals
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies the strict production rules when Strict is set.
func (c Config) Validate() error {
	if c.LockTimeout < 0 {
		return errors.New("LEDGER_LOCK_TIMEOUT must not be negative")
	}
	if c.ReconcileBatch <= 0 {
		return errors.New("LEDGER_RECONCILE_BATCH must be positive")
	}
	if !c.Strict {
		return nil
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("strict production mode requires LEDGER_DATABASE_URL")
	}
	if !c.TLSEnabled {
		return errors.New("strict production mode requires LEDGER_TLS_ENABLED=true")
	}
	if !c.AuthEnabled {
		return errors.New("strict production mode requires LEDGER_AUTH_ENABLED=true")
	}
	if c.JWTKeysetFile == "" && strings.TrimSpace(c.JWTKeyset) == "" {
		if s := strings.TrimSpace(c.JWTSecret); s == "" || s == DevJWTSecret {
			return errors.New("strict production mode requires a non-default jwt secret or keyset")
		}
	}
	return nil
}

// ParseAssetDecimals reads "ETH:18,USDC:6".
func ParseAssetDecimals(spec string) (map[string]int32, error) {
	out := make(map[string]int32)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		asset, raw, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("LEDGER_ASSET_DECIMALS: malformed entry %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil || n < 0 || n > 36 {
			return nil, fmt.Errorf("LEDGER_ASSET_DECIMALS: bad decimals for %q", asset)
		}
		out[strings.ToUpper(strings.TrimSpace(asset))] = int32(n)
	}
	return out, nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envList(key, def string) []string {
	out := make([]string, 0)
	for _, v := range strings.Split(envOr(key, def), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
