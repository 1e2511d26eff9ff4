package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger/memstore"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

func seededStore(t *testing.T) *memstore.Store {
	t.Helper()
	clk := clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New(clk, time.Second)
	eng := ledger.NewEngine(store, clk, nil)
	ctx := context.Background()
	ops := []struct {
		user, asset, amount string
		debit               bool
	}{
		{"alice", "ETH", "1000", false},
		{"alice", "ETH", "250", true},
		{"alice", "USDC", "70", false},
		{"bob", "ETH", "5", false},
		{"bob", "ETH", "5", true},
	}
	for _, op := range ops {
		var err error
		if op.debit {
			_, err = eng.DebitWallet(ctx, ledger.DebitRequest{UserID: op.user, Asset: op.asset, Amount: op.amount, ChainID: 1, Type: ledger.TxSend})
		} else {
			_, err = eng.CreditWallet(ctx, ledger.CreditRequest{UserID: op.user, Asset: op.asset, Amount: op.amount, ChainID: 1, Type: ledger.TxReceive})
		}
		if err != nil {
			t.Fatalf("seed %+v: %v", op, err)
		}
	}
	if _, err := eng.CreateWallet(ctx, "carol", "ETH"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return store
}

func TestRunCleanLedger(t *testing.T) {
	r := New(seededStore(t), nil, nil, 2)
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Checked != 4 || rep.Skipped != 0 || !rep.Clean() {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

type driftingSource struct {
	Source
	userID string
}

func (s driftingSource) tweak(w ledger.WalletBalance) ledger.WalletBalance {
	if w.UserID == s.userID && w.Asset == "ETH" {
		w.Balance = "999"
	}
	return w
}

func (s driftingSource) ListWallets(ctx context.Context, afterID string, limit int) ([]ledger.WalletBalance, error) {
	ws, err := s.Source.ListWallets(ctx, afterID, limit)
	for i := range ws {
		ws[i] = s.tweak(ws[i])
	}
	return ws, err
}

func TestRunDetectsDrift(t *testing.T) {
	r := New(driftingSource{Source: seededStore(t), userID: "alice"}, nil, nil, 10)
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Drifted) != 1 {
		t.Fatalf("expected one drifted wallet, got=%+v", rep.Drifted)
	}
	d := rep.Drifted[0]
	if d.UserID != "alice" || d.Stored != "999" || d.Computed != "750" {
		t.Fatalf("unexpected drift: %+v", d)
	}
}

type tamperingSource struct{ Source }

func (s tamperingSource) ListAudit(ctx context.Context, f ledger.AuditFilter) ([]audit.Entry, error) {
	entries, err := s.Source.ListAudit(ctx, f)
	if f.UserID == "bob" && len(entries) > 0 {
		entries[len(entries)-1].Meta = []byte(`{"amount":"500000"}`)
	}
	return entries, err
}

func TestRunDetectsTamperedAuditEntry(t *testing.T) {
	r := New(tamperingSource{seededStore(t)}, nil, nil, 10)
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.ChainBreaks) != 1 || rep.ChainBreaks[0].UserID != "bob" {
		t.Fatalf("expected bob's chain to break, got=%+v", rep.ChainBreaks)
	}
	if len(rep.Drifted) != 0 {
		t.Fatalf("balances are intact, got drift=%+v", rep.Drifted)
	}
}

type movingSource struct{ Source }

func (s movingSource) GetWallet(ctx context.Context, userID, asset string) (ledger.WalletBalance, bool, error) {
	w, ok, err := s.Source.GetWallet(ctx, userID, asset)
	w.Version++
	return w, ok, err
}

func TestRunSkipsWalletsWrittenDuringCheck(t *testing.T) {
	r := New(movingSource{seededStore(t)}, nil, nil, 10)
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Checked != 0 || rep.Skipped != 4 {
		t.Fatalf("expected every wallet skipped, got=%+v", rep)
	}
}

type reportSink chan Report

func (s reportSink) ObserveReconcile(r Report, err error) {
	if err == nil {
		select {
		case s <- r:
		default:
		}
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	r := New(seededStore(t), nil, nil, 10)
	sink := make(reportSink, 1)
	r.SetObserver(sink)

	if err := r.Start(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background(), 20*time.Millisecond); err == nil {
		t.Fatalf("expected second start to fail")
	}
	select {
	case rep := <-sink:
		if !rep.Clean() {
			t.Fatalf("unexpected scheduled report: %+v", rep)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduled run did not happen")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Start(context.Background(), 0); err == nil {
		t.Fatalf("expected zero interval to be rejected")
	}
}

func TestRunStaysCleanWhileWalletsAreWritten(t *testing.T) {
	store := seededStore(t)
	// A later clock keeps these ids ordered after the seeded ones.
	eng := ledger.NewEngine(store, clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			req := ledger.CreditRequest{UserID: "alice", Asset: "ETH", Amount: "1", ChainID: 1, Type: ledger.TxReceive}
			if _, err := eng.CreditWallet(ctx, req); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	r := New(store, nil, nil, 10)
	for {
		rep, err := r.Run(ctx)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !rep.Clean() {
			t.Fatalf("concurrent writes reported as corruption: %+v", rep)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("credit: %v", err)
			}
			return
		default:
		}
	}
}
