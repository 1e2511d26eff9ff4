package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

const secretBytes = 32

type config struct {
	genKey    bool
	keyID     string
	actorID   string
	actorType string
	ttl       time.Duration

	secret     string
	keyset     string
	activeKID  string
	keysetFile string
}

type lookupFunc func(string) (string, bool)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout, rand.Reader, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseConfig(args []string, lookup lookupFunc) (config, error) {
	env := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}
	fs := flag.NewFlagSet("ledgertoken", flag.ContinueOnError)
	cfg := config{}
	fs.BoolVar(&cfg.genKey, "genkey", false, "print a new kid:secret keyset entry instead of a token")
	fs.StringVar(&cfg.keyID, "kid", "k-"+time.Now().UTC().Format("20060102"), "kid for -genkey")
	fs.StringVar(&cfg.actorID, "actor", "", "actor id placed in the sub claim")
	fs.StringVar(&cfg.actorType, "actor-type", "OPERATOR", "actor type: USER, OPERATOR or SERVICE")
	fs.DurationVar(&cfg.ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	cfg.secret = env("LEDGER_JWT_SECRET", "")
	cfg.keyset = env("LEDGER_JWT_KEYSET", "")
	cfg.activeKID = env("LEDGER_JWT_ACTIVE_KID", "")
	cfg.keysetFile = env("LEDGER_JWT_KEYSET_FILE", "")

	if cfg.genKey {
		if strings.ContainsAny(cfg.keyID, ":,") || strings.TrimSpace(cfg.keyID) == "" {
			return config{}, fmt.Errorf("kid %q must be non-empty and free of ':' and ','", cfg.keyID)
		}
		return cfg, nil
	}
	if strings.TrimSpace(cfg.actorID) == "" {
		return config{}, fmt.Errorf("-actor is required")
	}
	switch strings.ToUpper(cfg.actorType) {
	case "USER", "OPERATOR", "SERVICE":
		cfg.actorType = strings.ToUpper(cfg.actorType)
	default:
		return config{}, fmt.Errorf("unsupported actor type %q", cfg.actorType)
	}
	if cfg.ttl <= 0 {
		return config{}, fmt.Errorf("-ttl must be positive")
	}
	return cfg, nil
}

// renderKeyEntry returns an entry ready to append to LEDGER_JWT_KEYSET.
func renderKeyEntry(kid string, random io.Reader) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	return kid + ":" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func run(cfg config, out io.Writer, random io.Reader, now time.Time) error {
	if cfg.genKey {
		entry, err := renderKeyEntry(cfg.keyID, random)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "LEDGER_JWT_KEYSET_ENTRY=%s\n", entry)
		return err
	}
	keyset, ok, err := auth.ResolveKeyset(cfg.secret, cfg.keyset, cfg.activeKID, cfg.keysetFile)
	if err != nil {
		return fmt.Errorf("resolve jwt keyset: %w", err)
	}
	if !ok {
		return fmt.Errorf("no jwt keyset configured: set LEDGER_JWT_SECRET, LEDGER_JWT_KEYSET or LEDGER_JWT_KEYSET_FILE")
	}
	token, exp, err := auth.NewJWTSignerWithKeyset(keyset).SignActor(auth.Actor{ID: cfg.actorID, Type: cfg.actorType}, now, cfg.ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n# expires %s\n", token, exp.UTC().Format(time.RFC3339))
	return err
}
