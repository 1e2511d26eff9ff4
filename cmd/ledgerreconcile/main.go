package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger/pgstore"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/reconcile"
)

// Exit codes: 0 clean, 1 discrepancies found, 2 the run could not complete.
func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "usage: LEDGER_DATABASE_URL=postgres://... ledgerreconcile")
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(2)
	}
	defer db.Close()

	store := pgstore.New(db, clock.RealClock{}, cfg.LockTimeout)
	rep, err := reconcile.New(store, clock.RealClock{}, logger, cfg.ReconcileBatch).Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(2)
	}
	clean, err := writeReport(os.Stdout, rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write report: %v\n", err)
		os.Exit(2)
	}
	if !clean {
		os.Exit(1)
	}
}

type reportJSON struct {
	StartedAt   string                 `json:"started_at"`
	Duration    string                 `json:"duration"`
	Checked     int                    `json:"checked"`
	Skipped     int                    `json:"skipped"`
	Clean       bool                   `json:"clean"`
	Drifted     []reconcile.Drift      `json:"drifted"`
	ChainBreaks []reconcile.ChainBreak `json:"chain_breaks"`
}

func writeReport(w io.Writer, rep reconcile.Report) (bool, error) {
	out := reportJSON{
		StartedAt:   rep.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		Duration:    rep.Duration.String(),
		Checked:     rep.Checked,
		Skipped:     rep.Skipped,
		Clean:       rep.Clean(),
		Drifted:     rep.Drifted,
		ChainBreaks: rep.ChainBreaks,
	}
	if out.Drifted == nil {
		out.Drifted = []reconcile.Drift{}
	}
	if out.ChainBreaks == nil {
		out.ChainBreaks = []reconcile.ChainBreak{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return out.Clean, enc.Encode(out)
}
