package auth

import (
	"errors"
	"fmt"
	"strings"
)

const defaultKID = "default"

// HMACKeyset holds every accepted signing key by kid. ActiveKID signs new tokens.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

func (k HMACKeyset) active() ([]byte, error) {
	key, ok := k.Keys[k.ActiveKID]
	if !ok || len(key) == 0 {
		return nil, fmt.Errorf("active kid %q not in keyset", k.ActiveKID)
	}
	return key, nil
}

// ParseHMACKeyset builds a keyset from a single legacy secret and/or a "kid:secret,kid:secret" list.
// With only a legacy secret the keyset has one key under "default".
func ParseHMACKeyset(secret, spec, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	if s := strings.TrimSpace(secret); s != "" {
		keys[defaultKID] = []byte(s)
	}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, key, ok := strings.Cut(pair, ":")
		kid, key = strings.TrimSpace(kid), strings.TrimSpace(key)
		if !ok || kid == "" || key == "" {
			return HMACKeyset{}, fmt.Errorf("malformed keyset entry %q", pair)
		}
		keys[kid] = []byte(key)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, errors.New("jwt keyset is empty")
	}
	active := strings.TrimSpace(activeKID)
	if active == "" {
		if _, ok := keys[defaultKID]; ok {
			active = defaultKID
		} else if len(keys) == 1 {
			for kid := range keys {
				active = kid
			}
		} else {
			return HMACKeyset{}, errors.New("active kid is required when the keyset has several keys")
		}
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}
