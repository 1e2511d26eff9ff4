package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/events"
)

const (
	SystemActor = "system"

	publishTimeout = 2 * time.Second
)

// Observer receives per-operation outcomes. result is Kind(err).
type Observer interface {
	ObserveOperation(op, result string, elapsed time.Duration)
	ObservePublishFailure()
}

type Engine struct {
	repo  Repository
	Clock clock.Clock

	mu            sync.RWMutex
	logger        *zap.Logger
	publisher     events.Publisher
	observer      Observer
	defaultStatus Status

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewEngine(repo Repository, clk clock.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:          repo,
		Clock:         clk,
		logger:        logger,
		publisher:     events.Nop{},
		defaultStatus: StatusConfirmed,
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}
}

func (e *Engine) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// SetDefaultStatus sets the status recorded when a request leaves Status empty.
func (e *Engine) SetDefaultStatus(s Status) error {
	if !s.Valid() {
		return &RequestError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultStatus = s
	return nil
}

func (e *Engine) now() time.Time {
	var t time.Time
	if e.Clock == nil {
		t = time.Now().UTC()
	} else {
		t = e.Clock.Now().UTC()
	}
	return t.Truncate(time.Microsecond)
}

func (e *Engine) newID(t time.Time) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), e.entropy).String()
}

func (e *Engine) settings() (*zap.Logger, events.Publisher, Observer, Status) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.logger, e.publisher, e.observer, e.defaultStatus
}

func (e *Engine) observe(op string, err error, started time.Time) {
	_, _, obs, _ := e.settings()
	if obs == nil {
		return
	}
	obs.ObserveOperation(op, Kind(err), time.Since(started))
}

// CreditWallet adds req.Amount to the wallet and records the transaction and audit entry atomically.
func (e *Engine) CreditWallet(ctx context.Context, req CreditRequest) (Result, error) {
	started := time.Now()
	res, err := e.apply(ctx, Request(req), DirectionCredit)
	e.observe("credit", err, started)
	return res, err
}

// DebitWallet subtracts req.Amount from the wallet, failing with *InsufficientBalanceError
// when the locked balance is smaller than the amount.
func (e *Engine) DebitWallet(ctx context.Context, req DebitRequest) (Result, error) {
	started := time.Now()
	res, err := e.apply(ctx, Request(req), DirectionDebit)
	e.observe("debit", err, started)
	return res, err
}

// GetBalance returns "0" for wallets that were never created and does not create them.
func (e *Engine) GetBalance(ctx context.Context, userID, asset string) (string, error) {
	started := time.Now()
	bal, err := e.getBalance(ctx, userID, asset)
	e.observe("get_balance", err, started)
	return bal, err
}

func (e *Engine) getBalance(ctx context.Context, userID, asset string) (string, error) {
	userID, asset, err := walletKey(userID, asset)
	if err != nil {
		return "", err
	}
	w, found, err := e.repo.GetWallet(ctx, userID, asset)
	if err != nil {
		return "", fmt.Errorf("get wallet %s/%s: %w", userID, asset, err)
	}
	if !found {
		return "0", nil
	}
	return w.Balance, nil
}

func (e *Engine) CreateWallet(ctx context.Context, userID, asset string) (CreateWalletResult, error) {
	started := time.Now()
	res, err := e.createWallet(ctx, userID, asset)
	e.observe("create_wallet", err, started)
	return res, err
}

func (e *Engine) createWallet(ctx context.Context, userID, asset string) (CreateWalletResult, error) {
	userID, asset, err := walletKey(userID, asset)
	if err != nil {
		return CreateWalletResult{}, err
	}
	w, err := e.repo.EnsureWallet(ctx, userID, asset)
	if err != nil {
		return CreateWalletResult{}, fmt.Errorf("ensure wallet %s/%s: %w", userID, asset, err)
	}
	return CreateWalletResult{WalletBalanceID: w.ID}, nil
}

// GetWallet returns ErrNotFound for wallets that were never created.
func (e *Engine) GetWallet(ctx context.Context, userID, asset string) (WalletBalance, error) {
	userID, asset, err := walletKey(userID, asset)
	if err != nil {
		return WalletBalance{}, err
	}
	w, found, err := e.repo.GetWallet(ctx, userID, asset)
	if err != nil {
		return WalletBalance{}, fmt.Errorf("get wallet %s/%s: %w", userID, asset, err)
	}
	if !found {
		return WalletBalance{}, fmt.Errorf("wallet %s/%s: %w", userID, asset, ErrNotFound)
	}
	return w, nil
}

func (e *Engine) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	if strings.TrimSpace(f.UserID) == "" {
		return nil, &RequestError{Field: "user_id", Reason: "is required"}
	}
	f.UserID = strings.TrimSpace(f.UserID)
	f.Asset = NormalizeAsset(f.Asset)
	f.Limit = ClampLimit(f.Limit)
	return e.repo.ListTransactions(ctx, f)
}

func (e *Engine) ListAudit(ctx context.Context, f AuditFilter) ([]audit.Entry, error) {
	if strings.TrimSpace(f.UserID) == "" {
		return nil, &RequestError{Field: "user_id", Reason: "is required"}
	}
	f.UserID = strings.TrimSpace(f.UserID)
	f.Asset = NormalizeAsset(f.Asset)
	f.Limit = ClampLimit(f.Limit)
	return e.repo.ListAudit(ctx, f)
}

func walletKey(userID, asset string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	asset = NormalizeAsset(asset)
	if userID == "" {
		return "", "", &RequestError{Field: "user_id", Reason: "is required"}
	}
	if asset == "" {
		return "", "", &RequestError{Field: "asset", Reason: "is required"}
	}
	return userID, asset, nil
}

type validated struct {
	req    Request
	amount *big.Int
}

func (e *Engine) validate(req Request, dir Direction) (validated, error) {
	userID, asset, err := walletKey(req.UserID, req.Asset)
	if err != nil {
		return validated{}, err
	}
	req.UserID, req.Asset = userID, asset
	if req.ChainID <= 0 {
		return validated{}, &RequestError{Field: "chain_id", Reason: "must be a positive integer"}
	}
	req.Type = TxType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	if !req.Type.Valid() {
		return validated{}, &RequestError{Field: "type", Reason: fmt.Sprintf("unknown transaction type %q", req.Type)}
	}
	if req.Status == "" {
		_, _, _, req.Status = e.settings()
	}
	if !req.Status.Valid() {
		return validated{}, &RequestError{Field: "status", Reason: fmt.Sprintf("unknown status %q", req.Status)}
	}
	meta, err := EncodeMeta(req.Meta)
	if err != nil {
		return validated{}, &RequestError{Field: "meta", Reason: err.Error()}
	}
	if meta == nil {
		req.Meta = nil
	}

	positive := "Credit amount must be positive"
	if dir == DirectionDebit {
		positive = "Debit amount must be positive"
	}
	amount, err := parseAmount(req.Amount, positive)
	if err != nil {
		return validated{}, err
	}
	req.TxHash = strings.TrimSpace(req.TxHash)
	return validated{req: req, amount: amount}, nil
}

func (e *Engine) resolveActor(ctx context.Context, req Request) (string, string) {
	if req.Actor != "" {
		actorType := req.ActorType
		if actorType == "" {
			actorType = audit.ActorTypeService
		}
		return req.Actor, actorType
	}
	if ctx != nil {
		if a, ok := platformauth.ActorFromContext(ctx); ok && a.ID != "" {
			actorType := strings.ToLower(a.Type)
			if actorType == "" {
				actorType = audit.ActorTypeUser
			}
			return a.ID, actorType
		}
	}
	return SystemActor, audit.ActorTypeService
}

type auditSnapshot struct {
	TransactionID string `json:"transaction_id"`
	Type          TxType `json:"type"`
	Status        Status `json:"status"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	ChainID       int64  `json:"chain_id"`
	TxHash        string `json:"tx_hash,omitempty"`
}

func (e *Engine) apply(ctx context.Context, raw Request, dir Direction) (Result, error) {
	v, err := e.validate(raw, dir)
	if err != nil {
		return Result{}, err
	}
	req := v.req
	logger, _, _, _ := e.settings()
	log := logger.With(
		zap.String("op", strings.ToLower(string(dir))),
		zap.String("user_id", req.UserID),
		zap.String("asset", req.Asset),
		zap.String("amount", req.Amount),
		zap.String("type", string(req.Type)),
	)

	if dir == DirectionCredit && req.TxHash != "" {
		seen, err := e.repo.HasTxHash(ctx, req.UserID, req.TxHash)
		if err != nil {
			return Result{}, fmt.Errorf("check tx hash %s: %w", req.TxHash, err)
		}
		if seen {
			log.Info("duplicate credit suppressed", zap.String("tx_hash", req.TxHash))
			return Result{}, &DuplicateTransactionError{TxHash: req.TxHash}
		}
	}

	if _, err := e.repo.EnsureWallet(ctx, req.UserID, req.Asset); err != nil {
		return Result{}, fmt.Errorf("ensure wallet %s/%s: %w", req.UserID, req.Asset, err)
	}
	actor, actorType := e.resolveActor(ctx, req)

	var (
		out       Result
		committed Transaction
	)
	err = e.repo.WithinTx(ctx, func(ctx context.Context, s Scope) error {
		lb, err := s.LockBalance(ctx, req.UserID, req.Asset)
		if errors.Is(err, ErrNotFound) {
			return &InconsistencyError{UserID: req.UserID, Asset: req.Asset}
		}
		if err != nil {
			return err
		}

		before := lb.Balance()
		after := new(big.Int)
		switch dir {
		case DirectionCredit:
			after.Add(before, v.amount)
		case DirectionDebit:
			if before.Cmp(v.amount) < 0 {
				return &InsufficientBalanceError{Have: before.String(), Need: v.amount.String()}
			}
			after.Sub(before, v.amount)
		}

		now := e.now()
		tx := Transaction{
			ID:           e.newID(now),
			UserID:       req.UserID,
			Asset:        req.Asset,
			Amount:       v.amount.String(),
			Direction:    dir,
			ChainID:      req.ChainID,
			Type:         req.Type,
			Status:       req.Status,
			TxHash:       req.TxHash,
			From:         req.From,
			To:           req.To,
			Meta:         req.Meta,
			BalanceAfter: after.String(),
			CreatedAt:    now,
		}
		snapshot, err := json.Marshal(auditSnapshot{
			TransactionID: tx.ID,
			Type:          tx.Type,
			Status:        tx.Status,
			Amount:        tx.Amount,
			BalanceBefore: before.String(),
			BalanceAfter:  tx.BalanceAfter,
			ChainID:       tx.ChainID,
			TxHash:        tx.TxHash,
		})
		if err != nil {
			return fmt.Errorf("encode audit snapshot: %w", err)
		}
		entry := audit.Seal(lb.AuditHead(), audit.Entry{
			ID:            e.newID(now),
			UserID:        req.UserID,
			Asset:         req.Asset,
			TransactionID: tx.ID,
			Actor:         actor,
			ActorType:     actorType,
			Action:        action(dir, req.Type),
			Meta:          snapshot,
			CreatedAt:     now,
		})

		lb.stage(after, entry.HashCurr)
		if err := s.WriteBalance(ctx, lb); err != nil {
			return err
		}
		if err := s.InsertTransaction(ctx, &tx); err != nil {
			return err
		}
		if err := s.InsertAudit(ctx, entry); err != nil {
			return err
		}
		out = Result{NewBalance: tx.BalanceAfter, TransactionID: tx.ID}
		committed = tx
		return nil
	})
	if err != nil {
		e.logFailure(log, err)
		if Kind(err) == "error" {
			return Result{}, fmt.Errorf("%s wallet %s/%s: %w", strings.ToLower(string(dir)), req.UserID, req.Asset, err)
		}
		return Result{}, err
	}

	log.Info("ledger operation committed",
		zap.String("transaction_id", out.TransactionID),
		zap.String("new_balance", out.NewBalance),
		zap.String("actor", actor),
	)
	e.publish(ctx, committed)
	return out, nil
}

func (e *Engine) logFailure(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, ErrInternalInconsistency):
		log.Error("ledger invariant violated", zap.Error(err))
	case errors.Is(err, ErrLockTimeout):
		log.Warn("wallet lock wait timed out", zap.Error(err))
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrDuplicateTransaction):
		log.Info("ledger operation rejected", zap.Error(err))
	default:
		log.Error("ledger operation rolled back", zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, tx Transaction) {
	_, pub, obs, _ := e.settings()
	if pub == nil {
		return
	}
	evType := events.TypeWalletCredited
	if tx.Direction == DirectionDebit {
		evType = events.TypeWalletDebited
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := pub.Publish(pctx, events.Event{
		EventType:       evType,
		UserID:          tx.UserID,
		Asset:           tx.Asset,
		Amount:          tx.Amount,
		NewBalance:      tx.BalanceAfter,
		TransactionID:   tx.ID,
		TransactionType: string(tx.Type),
		Status:          string(tx.Status),
		ChainID:         tx.ChainID,
		TxHash:          tx.TxHash,
		Timestamp:       tx.CreatedAt,
	})
	if err == nil {
		return
	}
	if obs != nil {
		obs.ObservePublishFailure()
	}
	logger, _, _, _ := e.settings()
	logger.Warn("ledger event publish failed",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.Error(err),
	)
}
