package audit

import (
	"fmt"
	"sync"
)

// InMemoryStore keeps audit entries in append order and tracks the chain head per wallet.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	heads   map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{heads: make(map[string]string)}
}

// Check reports whether e would extend its wallet chain without appending it.
func (s *InMemoryStore) Check(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(e)
}

func (s *InMemoryStore) checkLocked(e Entry) error {
	head, ok := s.heads[e.walletKey()]
	if !ok {
		head = Genesis
	}
	if e.HashPrev != head {
		return fmt.Errorf("%w: %s links to %s, head is %s", ErrCorruptChain, e.ID, e.HashPrev, head)
	}
	if ComputeHash(e.HashPrev, e) != e.HashCurr {
		return fmt.Errorf("%w: %s hash mismatch", ErrCorruptChain, e.ID)
	}
	return nil
}

func (s *InMemoryStore) Append(e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(e); err != nil {
		return Entry{}, err
	}
	s.entries = append(s.entries, e)
	s.heads[e.walletKey()] = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ForWallet returns the wallet's entries oldest first.
func (s *InMemoryStore) ForWallet(userID, asset string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Entry{UserID: userID, Asset: asset}.walletKey()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.walletKey() == key {
			out = append(out, e)
		}
	}
	return out
}

// Head returns the newest hash of the wallet chain, or Genesis.
func (s *InMemoryStore) Head(userID, asset string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.heads[Entry{UserID: userID, Asset: asset}.walletKey()]; ok {
		return h
	}
	return Genesis
}
