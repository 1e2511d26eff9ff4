// Package pgstore persists the ledger in Postgres through database/sql and the pgx driver.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

//go:embed schema.sql
var schemaSQL string

const (
	sqlStateUniqueViolation  = "23505"
	sqlStateLockNotAvailable = "55P03"
	sqlStateQueryCanceled    = "57014"

	txHashUniqueConstraint = "transactions_user_tx_hash_uq"
)

const (
	walletColumns      = `id::text, user_id, asset, balance, version, audit_head, created_at, updated_at`
	transactionColumns = `id, user_id, asset, amount, direction, chain_id, type, status, COALESCE(tx_hash,''), COALESCE(from_address,''), COALESCE(to_address,''), meta, balance_after, created_at`
	auditColumns       = `id, user_id, asset, transaction_id, actor, actor_type, action, meta, hash_prev, hash_curr, created_at`
)

// Migrate applies the embedded schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type Store struct {
	db          *sql.DB
	clock       clock.Clock
	lockTimeout time.Duration
}

// New wraps db. lockTimeout bounds every row-lock wait through Postgres lock_timeout; zero leaves
// the server default in place.
func New(db *sql.DB, clk clock.Clock, lockTimeout time.Duration) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{db: db, clock: clk, lockTimeout: lockTimeout}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(r rowScanner) (ledger.WalletBalance, error) {
	var w ledger.WalletBalance
	err := r.Scan(&w.ID, &w.UserID, &w.Asset, &w.Balance, &w.Version, &w.AuditHead, &w.CreatedAt, &w.UpdatedAt)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, err
}

func (s *Store) EnsureWallet(ctx context.Context, userID, asset string) (ledger.WalletBalance, error) {
	const ins = `
INSERT INTO wallet_balances (id, user_id, asset, balance, version, audit_head, created_at, updated_at)
VALUES ($1::uuid, $2, $3, '0', 0, $4, $5, $5)
ON CONFLICT (user_id, asset) DO NOTHING
`
	if _, err := s.db.ExecContext(ctx, ins, uuid.NewString(), userID, asset, audit.Genesis, s.now()); err != nil {
		return ledger.WalletBalance{}, err
	}
	w, found, err := s.GetWallet(ctx, userID, asset)
	if err != nil {
		return ledger.WalletBalance{}, err
	}
	if !found {
		return ledger.WalletBalance{}, &ledger.InconsistencyError{UserID: userID, Asset: asset}
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, userID, asset string) (ledger.WalletBalance, bool, error) {
	q := `SELECT ` + walletColumns + ` FROM wallet_balances WHERE user_id = $1 AND asset = $2`
	w, err := scanWallet(s.db.QueryRowContext(ctx, q, userID, asset))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WalletBalance{}, false, nil
	}
	if err != nil {
		return ledger.WalletBalance{}, false, err
	}
	return w, true, nil
}

func (s *Store) HasTxHash(ctx context.Context, userID, txHash string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM transactions WHERE user_id = $1 AND tx_hash = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, userID, txHash).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ListWallets(ctx context.Context, afterID string, limit int) ([]ledger.WalletBalance, error) {
	q := `SELECT ` + walletColumns + ` FROM wallet_balances WHERE id::text > $1 ORDER BY id::text LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, afterID, ledger.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.WalletBalance, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	q := `
SELECT ` + transactionColumns + `
FROM transactions
WHERE user_id = $1 AND ($2 = '' OR asset = $2) AND ($3 = '' OR id < $3)
ORDER BY id DESC
LIMIT $4
`
	rows, err := s.db.QueryContext(ctx, q, f.UserID, f.Asset, f.Before, ledger.ClampLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		var (
			tx   ledger.Transaction
			meta []byte
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Asset, &tx.Amount, &tx.Direction, &tx.ChainID, &tx.Type, &tx.Status,
			&tx.TxHash, &tx.From, &tx.To, &meta, &tx.BalanceAfter, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		if tx.Meta, err = ledger.DecodeMeta(meta); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) ListAudit(ctx context.Context, f ledger.AuditFilter) ([]audit.Entry, error) {
	q := `
SELECT ` + auditColumns + `
FROM audit_log
WHERE user_id = $1 AND ($2 = '' OR asset = $2) AND ($3 = '' OR id < $3)
ORDER BY id DESC
LIMIT $4
`
	rows, err := s.db.QueryContext(ctx, q, f.UserID, f.Asset, f.Before, ledger.ClampLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Asset, &e.TransactionID, &e.Actor, &e.ActorType, &e.Action,
			&e.Meta, &e.HashPrev, &e.HashCurr, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithinTx opens a database transaction, applies the lock timeout to it and commits when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, sc ledger.Scope) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if s.lockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := dbtx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	sc := &scope{store: s, tx: dbtx}
	defer sc.close()
	if err := fn(ctx, sc); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scope struct {
	store *Store
	tx    *sql.Tx
	held  []*ledger.LockedBalance
}

func (sc *scope) close() {
	for _, lb := range sc.held {
		lb.Release()
	}
}

func (sc *scope) holds(lb *ledger.LockedBalance) bool {
	for _, h := range sc.held {
		if h == lb {
			return true
		}
	}
	return false
}

func (sc *scope) LockBalance(ctx context.Context, userID, asset string) (*ledger.LockedBalance, error) {
	q := `SELECT ` + walletColumns + ` FROM wallet_balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`
	w, err := scanWallet(sc.tx.QueryRowContext(ctx, q, userID, asset))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s/%s: %w", userID, asset, ledger.ErrNotFound)
	}
	if err != nil {
		if lockErr := asLockTimeout(ctx, err, userID, asset); lockErr != nil {
			return nil, lockErr
		}
		return nil, fmt.Errorf("lock wallet %s/%s: %w", userID, asset, err)
	}
	lb, err := ledger.NewLockedBalance(w)
	if err != nil {
		return nil, err
	}
	sc.held = append(sc.held, lb)
	return lb, nil
}

// asLockTimeout returns nil for errors that are not a lock wait expiry. A caller that
// cancelled its context gets the cancellation back, even though Postgres reports the
// aborted statement as 57014 too.
func asLockTimeout(ctx context.Context, err error, userID, asset string) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == sqlStateLockNotAvailable || pgErr.Code == sqlStateQueryCanceled) {
		return &ledger.LockTimeoutError{UserID: userID, Asset: asset, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ledger.LockTimeoutError{UserID: userID, Asset: asset, Err: err}
	}
	return nil
}

func (sc *scope) WriteBalance(ctx context.Context, lb *ledger.LockedBalance) error {
	if !lb.Valid() || !sc.holds(lb) {
		return errors.New("pgstore: balance handle is not held by this transaction")
	}
	bal, head, ok := lb.Staged()
	if !ok {
		return errors.New("pgstore: nothing staged on balance handle")
	}
	w := lb.Wallet()
	const q = `
UPDATE wallet_balances
SET balance = $3, audit_head = $4, version = version + 1, updated_at = $5
WHERE id = $1::uuid AND version = $2
`
	res, err := sc.tx.ExecContext(ctx, q, w.ID, w.Version, bal, head, sc.store.now())
	if err != nil {
		return fmt.Errorf("update wallet %s/%s: %w", w.UserID, w.Asset, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return &ledger.InconsistencyError{
			UserID: w.UserID,
			Asset:  w.Asset,
			Detail: fmt.Sprintf("wallet %s/%s changed while locked", w.UserID, w.Asset),
		}
	}
	return nil
}

func (sc *scope) InsertTransaction(ctx context.Context, tx *ledger.Transaction) error {
	meta, err := ledger.EncodeMeta(tx.Meta)
	if err != nil {
		return err
	}
	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}
	const q = `
INSERT INTO transactions (
  id, user_id, asset, amount, direction, chain_id, type, status,
  tx_hash, from_address, to_address, meta, balance_after, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),$12::jsonb,$13,$14)
`
	_, err = sc.tx.ExecContext(ctx, q,
		tx.ID, tx.UserID, tx.Asset, tx.Amount, string(tx.Direction), tx.ChainID, string(tx.Type), string(tx.Status),
		tx.TxHash, tx.From, tx.To, metaArg, tx.BalanceAfter, tx.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation && pgErr.ConstraintName == txHashUniqueConstraint {
			return &ledger.DuplicateTransactionError{TxHash: tx.TxHash}
		}
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (sc *scope) InsertAudit(ctx context.Context, e audit.Entry) error {
	const q = `
INSERT INTO audit_log (id, user_id, asset, transaction_id, actor, actor_type, action, meta, hash_prev, hash_curr, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::json,$9,$10,$11)
`
	_, err := sc.tx.ExecContext(ctx, q,
		e.ID, e.UserID, e.Asset, e.TransactionID, e.Actor, e.ActorType, e.Action,
		string(e.Meta), e.HashPrev, e.HashCurr, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", e.ID, err)
	}
	return nil
}
