package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

func newStore(timeout time.Duration) *Store {
	return New(clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, timeout)
}

func TestLockBalanceMissingRow(t *testing.T) {
	s := newStore(time.Second)
	err := s.WithinTx(context.Background(), func(ctx context.Context, sc ledger.Scope) error {
		_, err := sc.LockBalance(ctx, "nobody", "ETH")
		return err
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got=%v", err)
	}
	// The row lock must not leak after the failed lookup.
	if _, err := s.EnsureWallet(context.Background(), "nobody", "ETH"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	if err := s.WithinTx(context.Background(), func(ctx context.Context, sc ledger.Scope) error {
		_, err := sc.LockBalance(ctx, "nobody", "ETH")
		return err
	}); err != nil {
		t.Fatalf("lock after failed lookup: %v", err)
	}
}

func TestHandleInvalidAfterScope(t *testing.T) {
	s := newStore(time.Second)
	ctx := context.Background()
	if _, err := s.EnsureWallet(ctx, "u1", "ETH"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	var leaked *ledger.LockedBalance
	if err := s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
		lb, err := sc.LockBalance(ctx, "u1", "ETH")
		leaked = lb
		return err
	}); err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if leaked.Valid() {
		t.Fatalf("handle must be invalid once the scope ends")
	}
	err := s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
		return sc.WriteBalance(ctx, leaked)
	})
	if err == nil {
		t.Fatalf("expected write through a released handle to fail")
	}
}

func TestWriteBalanceRequiresStagedValue(t *testing.T) {
	s := newStore(time.Second)
	ctx := context.Background()
	if _, err := s.EnsureWallet(ctx, "u1", "ETH"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	err := s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
		lb, err := sc.LockBalance(ctx, "u1", "ETH")
		if err != nil {
			return err
		}
		return sc.WriteBalance(ctx, lb)
	})
	if err == nil {
		t.Fatalf("expected error for unstaged write")
	}
}

func TestInsertAuditRejectsStaleLink(t *testing.T) {
	s := newStore(time.Second)
	ctx := context.Background()
	if _, err := s.EnsureWallet(ctx, "u1", "ETH"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	err := s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
		if _, err := sc.LockBalance(ctx, "u1", "ETH"); err != nil {
			return err
		}
		e := audit.Seal("not-the-head", audit.Entry{ID: "a1", UserID: "u1", Asset: "ETH", Action: "CREDIT_RECEIVE"})
		return sc.InsertAudit(ctx, e)
	})
	if !errors.Is(err, audit.ErrCorruptChain) {
		t.Fatalf("expected corrupt chain, got=%v", err)
	}
	if len(s.Audit().Entries()) != 0 {
		t.Fatalf("rejected entry was recorded")
	}
}

func TestInsertTransactionReservesTxHash(t *testing.T) {
	s := newStore(time.Second)
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
			return sc.InsertTransaction(ctx, &ledger.Transaction{ID: id, UserID: "u1", Asset: "ETH", TxHash: "0xaa"})
		})
	}
	rollback := errors.New("rollback")
	if err := s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
		if err := sc.InsertTransaction(ctx, &ledger.Transaction{ID: "t0", UserID: "u1", TxHash: "0xaa"}); err != nil {
			return err
		}
		return rollback
	}); !errors.Is(err, rollback) {
		t.Fatalf("expected rollback, got=%v", err)
	}
	if seen, _ := s.HasTxHash(ctx, "u1", "0xaa"); seen {
		t.Fatalf("rolled back tx hash must not be visible")
	}
	if err := insert("t1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if seen, _ := s.HasTxHash(ctx, "u1", "0xaa"); !seen {
		t.Fatalf("committed tx hash must be visible")
	}
	var dup *ledger.DuplicateTransactionError
	if err := insert("t2"); !errors.As(err, &dup) || dup.TxHash != "0xaa" {
		t.Fatalf("expected duplicate, got=%v", err)
	}
}

func TestLockHonoursContextCancellation(t *testing.T) {
	s := newStore(0)
	ctx := context.Background()
	if _, err := s.EnsureWallet(ctx, "u1", "ETH"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
			if _, err := sc.LockBalance(ctx, "u1", "ETH"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(waitCtx, func(ctx context.Context, sc ledger.Scope) error {
		_, err := sc.LockBalance(ctx, "u1", "ETH")
		return err
	})
	var lt *ledger.LockTimeoutError
	if !errors.As(err, &lt) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lock timeout wrapping deadline, got=%v", err)
	}
	close(release)
	<-done
}

func TestLockWaitReturnsCallerCancellation(t *testing.T) {
	s := newStore(time.Minute)
	ctx := context.Background()
	if _, err := s.EnsureWallet(ctx, "u1", "ETH"); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithinTx(ctx, func(ctx context.Context, sc ledger.Scope) error {
			if _, err := sc.LockBalance(ctx, "u1", "ETH"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithCancel(ctx)
	time.AfterFunc(20*time.Millisecond, cancel)
	err := s.WithinTx(waitCtx, func(ctx context.Context, sc ledger.Scope) error {
		_, err := sc.LockBalance(ctx, "u1", "ETH")
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got=%v", err)
	}
	if errors.Is(err, ledger.ErrLockTimeout) || ledger.Retryable(err) {
		t.Fatalf("cancellation must not look like a lock timeout: %v", err)
	}
	close(release)
	<-done
}

func TestListWalletsPaging(t *testing.T) {
	s := newStore(time.Second)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		if _, err := s.EnsureWallet(ctx, u, "ETH"); err != nil {
			t.Fatalf("ensure wallet: %v", err)
		}
	}
	first, err := s.ListWallets(ctx, "", 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("first page: len=%d err=%v", len(first), err)
	}
	rest, err := s.ListWallets(ctx, first[1].ID, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("second page: len=%d err=%v", len(rest), err)
	}
	if rest[0].ID <= first[1].ID {
		t.Fatalf("pages out of order")
	}
}
