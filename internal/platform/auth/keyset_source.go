package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type hmacKeysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

// LoadHMACKeysetFile reads {"active_kid": "...", "keys": {"kid": "secret"}}.
func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f hmacKeysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	pairs := make([]string, 0, len(f.Keys))
	for kid, secret := range f.Keys {
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		if strings.ContainsAny(kid, ",:") || strings.Contains(secret, ",") {
			return HMACKeyset{}, fmt.Errorf("jwt keyset file entry %q contains a reserved character", kid)
		}
		pairs = append(pairs, kid+":"+secret)
	}
	if len(pairs) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file contains no keys")
	}
	ks, err := ParseHMACKeyset("", strings.Join(pairs, ","), f.ActiveKID)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file %s: %w", path, err)
	}
	return ks, nil
}

// ResolveKeyset picks the keyset source: a keyset file wins over inline settings.
// It returns ok=false when nothing is configured and auth stays disabled.
func ResolveKeyset(secret, spec, activeKID, file string) (HMACKeyset, bool, error) {
	if strings.TrimSpace(file) != "" {
		ks, err := LoadHMACKeysetFile(file)
		return ks, err == nil, err
	}
	if strings.TrimSpace(secret) == "" && strings.TrimSpace(spec) == "" {
		return HMACKeyset{}, false, nil
	}
	ks, err := ParseHMACKeyset(secret, spec, activeKID)
	return ks, err == nil, err
}
