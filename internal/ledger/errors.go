package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInternalInconsistency = errors.New("internal inconsistency")
	ErrLockTimeout           = errors.New("lock timeout")
	ErrNotFound              = errors.New("not found")
)

type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

type AmountError struct {
	Reason string
}

func (e *AmountError) Error() string { return e.Reason }

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

type DuplicateTransactionError struct {
	TxHash string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s already recorded", e.TxHash)
}

func (e *DuplicateTransactionError) Unwrap() error { return ErrDuplicateTransaction }

type InsufficientBalanceError struct {
	Have string
	Need string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Have, e.Need)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type InconsistencyError struct {
	UserID string
	Asset  string
	Detail string
}

func (e *InconsistencyError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("No WalletBalance for user %s asset %s", e.UserID, e.Asset)
}

func (e *InconsistencyError) Unwrap() error { return ErrInternalInconsistency }

type LockTimeoutError struct {
	UserID string
	Asset  string
	Err    error
}

func (e *LockTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock wait on wallet %s/%s timed out: %v", e.UserID, e.Asset, e.Err)
	}
	return fmt.Sprintf("lock wait on wallet %s/%s timed out", e.UserID, e.Asset)
}

func (e *LockTimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLockTimeout}
	}
	return []error{ErrLockTimeout, e.Err}
}

// Retryable reports whether the whole operation may be safely retried by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// Kind returns a stable label for err, used by transports and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate_transaction"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInternalInconsistency):
		return "internal_inconsistency"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
