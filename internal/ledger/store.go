package ledger

import (
	"context"
	"math/big"
	"sync/atomic"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
)

// Repository is the persistence backend injected into the Engine.
type Repository interface {
	// EnsureWallet returns the (user, asset) row, creating it with balance "0" when absent.
	EnsureWallet(ctx context.Context, userID, asset string) (WalletBalance, error)
	// GetWallet reads without locking and never creates a row.
	GetWallet(ctx context.Context, userID, asset string) (WalletBalance, bool, error)
	// HasTxHash reports whether a committed transaction for userID already carries txHash.
	HasTxHash(ctx context.Context, userID, txHash string) (bool, error)
	// WithinTx runs fn in one unit of work. A non-nil error from fn, or from commit, discards every write.
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Scope) error) error

	ListWallets(ctx context.Context, afterID string, limit int) ([]WalletBalance, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]audit.Entry, error)
}

// Scope is the transaction-scoped view of the Balance Store, Transaction Log and Audit Recorder.
type Scope interface {
	// LockBalance blocks until the row lock is held. It returns ErrNotFound when the row is missing
	// and a *LockTimeoutError when the wait exceeds the store's lock timeout or ctx ends.
	LockBalance(ctx context.Context, userID, asset string) (*LockedBalance, error)
	WriteBalance(ctx context.Context, lb *LockedBalance) error
	// InsertTransaction returns a *DuplicateTransactionError when (UserID, TxHash) is already taken.
	InsertTransaction(ctx context.Context, tx *Transaction) error
	InsertAudit(ctx context.Context, e audit.Entry) error
}

// LockedBalance is a balance row held under an exclusive lock. Stores hand it out from
// Scope.LockBalance and invalidate it when the scope ends.
type LockedBalance struct {
	wallet  WalletBalance
	current *big.Int

	staged    *big.Int
	stagedHdr string

	released atomic.Bool
}

// NewLockedBalance is called by Scope implementations once the row lock is held.
func NewLockedBalance(w WalletBalance) (*LockedBalance, error) {
	n, ok := ParseBalance(w.Balance)
	if !ok {
		return nil, &InconsistencyError{
			UserID: w.UserID,
			Asset:  w.Asset,
			Detail: "stored balance for user " + w.UserID + " asset " + w.Asset + " is not a non-negative integer",
		}
	}
	if w.AuditHead == "" {
		w.AuditHead = audit.Genesis
	}
	return &LockedBalance{wallet: w, current: n}, nil
}

func (lb *LockedBalance) Wallet() WalletBalance { return lb.wallet }

// Balance returns a copy of the balance read under the lock.
func (lb *LockedBalance) Balance() *big.Int { return new(big.Int).Set(lb.current) }

func (lb *LockedBalance) AuditHead() string { return lb.wallet.AuditHead }

// Staged returns the values WriteBalance must persist.
func (lb *LockedBalance) Staged() (balance string, auditHead string, ok bool) {
	if lb.staged == nil {
		return "", "", false
	}
	return lb.staged.String(), lb.stagedHdr, true
}

func (lb *LockedBalance) Valid() bool { return lb != nil && !lb.released.Load() }

// Release marks the handle unusable. Stores call it when the scope ends.
func (lb *LockedBalance) Release() { lb.released.Store(true) }

func (lb *LockedBalance) stage(next *big.Int, auditHead string) {
	lb.staged = new(big.Int).Set(next)
	lb.stagedHdr = auditHead
}
