// Package reconcile periodically proves that every stored balance equals the signed sum of its
// transactions and that each wallet's audit chain is intact and ends at the row's audit head.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// Source is the read side of a ledger.Repository.
type Source interface {
	GetWallet(ctx context.Context, userID, asset string) (ledger.WalletBalance, bool, error)
	ListWallets(ctx context.Context, afterID string, limit int) ([]ledger.WalletBalance, error)
	ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error)
	ListAudit(ctx context.Context, f ledger.AuditFilter) ([]audit.Entry, error)
}

type Observer interface {
	ObserveReconcile(r Report, err error)
}

type Drift struct {
	UserID   string `json:"user_id"`
	Asset    string `json:"asset"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}

type ChainBreak struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Reason string `json:"reason"`
}

type Report struct {
	StartedAt   time.Time
	Duration    time.Duration
	Checked     int
	Skipped     int
	Drifted     []Drift
	ChainBreaks []ChainBreak
}

func (r Report) Clean() bool {
	return len(r.Drifted) == 0 && len(r.ChainBreaks) == 0
}

type Reconciler struct {
	source   Source
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
	batch    int

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

func New(source Source, clk clock.Clock, logger *zap.Logger, batch int) *Reconciler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{source: source, clock: clk, logger: logger, batch: ledger.ClampLimit(batch)}
}

func (r *Reconciler) SetObserver(o Observer) { r.observer = o }

// Run checks every wallet once.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	rep := Report{StartedAt: r.clock.Now().UTC()}
	err := r.run(ctx, &rep)
	rep.Duration = time.Since(started)
	if r.observer != nil {
		r.observer.ObserveReconcile(rep, err)
	}
	if err != nil {
		r.logger.Error("reconciliation aborted", zap.Int("checked", rep.Checked), zap.Error(err))
		return rep, err
	}
	fields := []zap.Field{
		zap.Int("checked", rep.Checked),
		zap.Int("skipped", rep.Skipped),
		zap.Int("drifted", len(rep.Drifted)),
		zap.Int("chain_breaks", len(rep.ChainBreaks)),
		zap.Duration("elapsed", rep.Duration),
	}
	if rep.Clean() {
		r.logger.Info("reconciliation finished", fields...)
	} else {
		r.logger.Error("reconciliation found discrepancies", fields...)
	}
	return rep, nil
}

func (r *Reconciler) run(ctx context.Context, rep *Report) error {
	after := ""
	for {
		wallets, err := r.source.ListWallets(ctx, after, r.batch)
		if err != nil {
			return fmt.Errorf("list wallets after %q: %w", after, err)
		}
		for _, w := range wallets {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.checkWallet(ctx, w, rep); err != nil {
				return err
			}
		}
		if len(wallets) < r.batch {
			return nil
		}
		after = wallets[len(wallets)-1].ID
	}
}

func (r *Reconciler) checkWallet(ctx context.Context, w ledger.WalletBalance, rep *Report) error {
	computed, err := r.sumTransactions(ctx, w.UserID, w.Asset)
	if err != nil {
		return err
	}
	entries, err := r.auditChain(ctx, w.UserID, w.Asset)
	if err != nil {
		return err
	}

	// Writes that land between the reads above make the comparison meaningless.
	current, found, err := r.source.GetWallet(ctx, w.UserID, w.Asset)
	if err != nil {
		return fmt.Errorf("reread wallet %s/%s: %w", w.UserID, w.Asset, err)
	}
	if !found || current.Version != w.Version {
		rep.Skipped++
		return nil
	}
	rep.Checked++

	log := r.logger.With(zap.String("user_id", w.UserID), zap.String("asset", w.Asset))
	if computed.String() != w.Balance {
		rep.Drifted = append(rep.Drifted, Drift{UserID: w.UserID, Asset: w.Asset, Stored: w.Balance, Computed: computed.String()})
		log.Error("balance drift", zap.String("stored", w.Balance), zap.String("computed", computed.String()))
	}

	want := w.AuditHead
	if want == "" {
		want = audit.Genesis
	}
	head, err := audit.VerifyChain(entries)
	switch {
	case err != nil:
		rep.ChainBreaks = append(rep.ChainBreaks, ChainBreak{UserID: w.UserID, Asset: w.Asset, Reason: err.Error()})
		log.Error("audit chain broken", zap.Error(err))
	case head != want:
		reason := fmt.Sprintf("chain head %s does not match wallet audit head %s", head, want)
		rep.ChainBreaks = append(rep.ChainBreaks, ChainBreak{UserID: w.UserID, Asset: w.Asset, Reason: reason})
		log.Error("audit head mismatch", zap.String("chain_head", head), zap.String("wallet_head", want))
	}
	return nil
}

func (r *Reconciler) sumTransactions(ctx context.Context, userID, asset string) (*big.Int, error) {
	sum := new(big.Int)
	before := ""
	for {
		page, err := r.source.ListTransactions(ctx, ledger.TransactionFilter{UserID: userID, Asset: asset, Before: before, Limit: ledger.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("list transactions %s/%s: %w", userID, asset, err)
		}
		for _, tx := range page {
			amt, ok := ledger.ParseBalance(tx.Amount)
			if !ok {
				return nil, &ledger.InconsistencyError{UserID: userID, Asset: asset, Detail: "transaction " + tx.ID + " has a malformed amount"}
			}
			switch tx.Direction {
			case ledger.DirectionCredit:
				sum.Add(sum, amt)
			case ledger.DirectionDebit:
				sum.Sub(sum, amt)
			default:
				return nil, &ledger.InconsistencyError{UserID: userID, Asset: asset, Detail: "transaction " + tx.ID + " has no direction"}
			}
		}
		if len(page) < ledger.MaxPageSize {
			return sum, nil
		}
		before = page[len(page)-1].ID
	}
}

// auditChain returns the wallet's entries oldest first.
func (r *Reconciler) auditChain(ctx context.Context, userID, asset string) ([]audit.Entry, error) {
	var newestFirst []audit.Entry
	before := ""
	for {
		page, err := r.source.ListAudit(ctx, ledger.AuditFilter{UserID: userID, Asset: asset, Before: before, Limit: ledger.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("list audit %s/%s: %w", userID, asset, err)
		}
		newestFirst = append(newestFirst, page...)
		if len(page) < ledger.MaxPageSize {
			break
		}
		before = page[len(page)-1].ID
	}
	out := make([]audit.Entry, len(newestFirst))
	for i, e := range newestFirst {
		out[len(newestFirst)-1-i] = e
	}
	return out, nil
}

// Start runs the reconciler every interval until Stop. Overlapping runs are skipped.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return errors.New("reconciler already started")
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			_, _ = r.Run(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("ledger-reconcile"),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule reconcile job: %w", err)
	}
	s.Start()
	r.scheduler = s
	r.logger.Info("reconciler started", zap.Duration("interval", interval))
	return nil
}

func (r *Reconciler) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler == nil {
		return nil
	}
	err := r.scheduler.Shutdown()
	r.scheduler = nil
	return err
}
