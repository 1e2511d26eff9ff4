// Package memstore is an in-process ledger.Repository. Each wallet row is guarded by its own
// lock so concurrent scopes on different wallets never wait on each other.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

type walletKey struct {
	userID string
	asset  string
}

type hashKey struct {
	userID string
	txHash string
}

type Store struct {
	clock       clock.Clock
	lockTimeout time.Duration

	mu       sync.Mutex
	wallets  map[walletKey]ledger.WalletBalance
	locks    map[walletKey]chan struct{}
	txs      []ledger.Transaction
	hashes   map[hashKey]struct{}
	reserved map[hashKey]struct{}

	audit *audit.InMemoryStore
}

// New returns an empty store. A zero lockTimeout waits on row locks until ctx ends.
func New(clk clock.Clock, lockTimeout time.Duration) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		clock:       clk,
		lockTimeout: lockTimeout,
		wallets:     make(map[walletKey]ledger.WalletBalance),
		locks:       make(map[walletKey]chan struct{}),
		hashes:      make(map[hashKey]struct{}),
		reserved:    make(map[hashKey]struct{}),
		audit:       audit.NewInMemoryStore(),
	}
}

// Audit exposes the audit sink.
func (s *Store) Audit() *audit.InMemoryStore { return s.audit }

func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Store) EnsureWallet(ctx context.Context, userID, asset string) (ledger.WalletBalance, error) {
	if err := ctx.Err(); err != nil {
		return ledger.WalletBalance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := walletKey{userID, asset}
	if w, ok := s.wallets[k]; ok {
		return w, nil
	}
	now := s.now()
	w := ledger.WalletBalance{
		ID:        uuid.NewString(),
		UserID:    userID,
		Asset:     asset,
		Balance:   "0",
		AuditHead: audit.Genesis,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[k] = w
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, userID, asset string) (ledger.WalletBalance, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.WalletBalance{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletKey{userID, asset}]
	return w, ok, nil
}

func (s *Store) HasTxHash(ctx context.Context, userID, txHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[hashKey{userID, txHash}]
	return ok, nil
}

func (s *Store) ListWallets(ctx context.Context, afterID string, limit int) ([]ledger.WalletBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ledger.ClampLimit(limit)
	s.mu.Lock()
	all := make([]ledger.WalletBalance, 0, len(s.wallets))
	for _, w := range s.wallets {
		if w.ID > afterID {
			all = append(all, w)
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := ledger.ClampLimit(f.Limit)
	s.mu.Lock()
	out := make([]ledger.Transaction, 0)
	for _, tx := range s.txs {
		if tx.UserID != f.UserID || (f.Asset != "" && tx.Asset != f.Asset) {
			continue
		}
		if f.Before != "" && tx.ID >= f.Before {
			continue
		}
		out = append(out, tx)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListAudit(ctx context.Context, f ledger.AuditFilter) ([]audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := ledger.ClampLimit(f.Limit)
	s.mu.Lock()
	entries := s.audit.Entries()
	s.mu.Unlock()
	out := make([]audit.Entry, 0)
	for _, e := range entries {
		if e.UserID != f.UserID || (f.Asset != "" && e.Asset != f.Asset) {
			continue
		}
		if f.Before != "" && e.ID >= f.Before {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) lockFor(k walletKey) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[k] = ch
	}
	return ch
}

func (s *Store) acquire(ctx context.Context, k walletKey) error {
	ch := s.lockFor(k)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("lock wallet %s/%s: %w", k.userID, k.asset, ctx.Err())
		}
		return &ledger.LockTimeoutError{UserID: k.userID, Asset: k.asset, Err: ctx.Err()}
	}
}

func (s *Store) release(k walletKey) {
	s.mu.Lock()
	ch := s.locks[k]
	s.mu.Unlock()
	<-ch
}

// WithinTx stages every write in a scope and applies them together when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, sc ledger.Scope) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sc := &scope{
		store:    s,
		held:     make(map[walletKey]*ledger.LockedBalance),
		balances: make(map[walletKey]ledger.WalletBalance),
		heads:    make(map[walletKey]string),
	}
	defer sc.close()

	if err := fn(ctx, sc); err != nil {
		sc.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		sc.rollback()
		return err
	}
	return sc.commit()
}

type scope struct {
	store *Store

	held     map[walletKey]*ledger.LockedBalance
	balances map[walletKey]ledger.WalletBalance
	txs      []ledger.Transaction
	audits   []audit.Entry
	heads    map[walletKey]string
	hashes   []hashKey
	done     bool
}

func (sc *scope) LockBalance(ctx context.Context, userID, asset string) (*ledger.LockedBalance, error) {
	if sc.done {
		return nil, errors.New("memstore: scope already finished")
	}
	k := walletKey{userID, asset}
	if lb, ok := sc.held[k]; ok {
		return lb, nil
	}
	if err := sc.store.acquire(ctx, k); err != nil {
		return nil, err
	}

	sc.store.mu.Lock()
	w, ok := sc.store.wallets[k]
	sc.store.mu.Unlock()
	if !ok {
		sc.store.release(k)
		return nil, fmt.Errorf("wallet %s/%s: %w", userID, asset, ledger.ErrNotFound)
	}
	lb, err := ledger.NewLockedBalance(w)
	if err != nil {
		sc.store.release(k)
		return nil, err
	}
	sc.held[k] = lb
	return lb, nil
}

func (sc *scope) WriteBalance(ctx context.Context, lb *ledger.LockedBalance) error {
	if !lb.Valid() {
		return errors.New("memstore: balance handle is no longer valid")
	}
	w := lb.Wallet()
	k := walletKey{w.UserID, w.Asset}
	if sc.held[k] != lb {
		return fmt.Errorf("memstore: wallet %s/%s is not locked by this scope", w.UserID, w.Asset)
	}
	bal, head, ok := lb.Staged()
	if !ok {
		return errors.New("memstore: nothing staged on balance handle")
	}
	if prev, ok := sc.balances[k]; ok {
		w = prev
	}
	w.Balance = bal
	w.AuditHead = head
	w.Version++
	w.UpdatedAt = sc.store.now()
	sc.balances[k] = w
	return nil
}

func (sc *scope) InsertTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if sc.done {
		return errors.New("memstore: scope already finished")
	}
	if tx.TxHash != "" {
		hk := hashKey{tx.UserID, tx.TxHash}
		sc.store.mu.Lock()
		_, taken := sc.store.reserved[hk]
		if !taken {
			sc.store.reserved[hk] = struct{}{}
		}
		sc.store.mu.Unlock()
		if taken {
			return &ledger.DuplicateTransactionError{TxHash: tx.TxHash}
		}
		sc.hashes = append(sc.hashes, hk)
	}
	sc.txs = append(sc.txs, *tx)
	return nil
}

func (sc *scope) InsertAudit(ctx context.Context, e audit.Entry) error {
	if sc.done {
		return errors.New("memstore: scope already finished")
	}
	k := walletKey{e.UserID, e.Asset}
	if _, ok := sc.held[k]; !ok {
		return fmt.Errorf("memstore: wallet %s/%s is not locked by this scope", e.UserID, e.Asset)
	}
	head, ok := sc.heads[k]
	if !ok {
		head = sc.store.audit.Head(e.UserID, e.Asset)
	}
	if e.HashPrev != head || audit.ComputeHash(e.HashPrev, e) != e.HashCurr {
		return fmt.Errorf("%w: entry %s does not extend wallet %s/%s", audit.ErrCorruptChain, e.ID, e.UserID, e.Asset)
	}
	sc.heads[k] = e.HashCurr
	sc.audits = append(sc.audits, e)
	return nil
}

// commit publishes the staged audit entries and wallet state in one critical section so
// readers never see an audit head that the wallet row does not carry yet.
func (sc *scope) commit() error {
	s := sc.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range sc.audits {
		if _, err := s.audit.Append(e); err != nil {
			sc.rollbackLocked()
			return &ledger.InconsistencyError{UserID: e.UserID, Asset: e.Asset, Detail: err.Error()}
		}
	}
	for k, w := range sc.balances {
		s.wallets[k] = w
	}
	s.txs = append(s.txs, sc.txs...)
	for _, hk := range sc.hashes {
		s.hashes[hk] = struct{}{}
	}
	sc.hashes = nil
	return nil
}

func (sc *scope) rollback() {
	if len(sc.hashes) == 0 {
		return
	}
	sc.store.mu.Lock()
	sc.rollbackLocked()
	sc.store.mu.Unlock()
}

func (sc *scope) rollbackLocked() {
	for _, hk := range sc.hashes {
		delete(sc.store.reserved, hk)
	}
	sc.hashes = nil
}

func (sc *scope) close() {
	sc.done = true
	for k, lb := range sc.held {
		lb.Release()
		sc.store.release(k)
	}
	sc.held = nil
}
