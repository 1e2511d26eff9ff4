package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when disabled, got=%v err=%v", cfg, err)
	}
}

func TestBuildTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a pem"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cases := []struct {
		name string
		cfg  TLSConfig
		want string
	}{
		{"missing keypair", TLSConfig{Enabled: true}, "cert/key not configured"},
		{"unreadable keypair", TLSConfig{Enabled: true, CertFile: garbage, KeyFile: garbage}, "load tls keypair"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildTLSConfig(tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got=%v", tc.want, err)
			}
		})
	}
}
