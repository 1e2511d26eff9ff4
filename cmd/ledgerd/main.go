package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger/memstore"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger/pgstore"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/events"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/reconcile"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/server"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledgerd exited", zap.Error(err))
		os.Exit(1)
	}
}

// repository is the store backing the engine, with the read side the reconciler needs.
type repository interface {
	ledger.Repository
	reconcile.Source
}

// openRepository picks the Postgres store when a database URL is configured and the in-memory
// store otherwise. The returned closer releases the connection pool and must only run once
// the servers have drained.
func openRepository(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (repository, func(context.Context) error, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("LEDGER_DATABASE_URL is empty, balances are kept in memory only")
		return memstore.New(clk, cfg.LockTimeout), func(context.Context) error { return nil }, func() error { return nil }, nil
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := pgstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	ready := func(ctx context.Context) error { return db.PingContext(ctx) }
	return pgstore.New(db, clk, cfg.LockTimeout), ready, db.Close, nil
}

// buildPublisher fans events out to every configured broker. The returned closers run on shutdown.
func buildPublisher(cfg config.Config) (events.Publisher, []io.Closer) {
	var (
		targets events.Fanout
		closers []io.Closer
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		targets = append(targets, events.NewRedisPublisher(rdb, cfg.RedisChannel))
		closers = append(closers, rdb)
	}
	if len(cfg.KafkaBrokers) > 0 {
		w := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		targets = append(targets, events.NewKafkaPublisher(w))
		closers = append(closers, w)
	}
	if len(targets) == 0 {
		return events.Nop{}, nil
	}
	return targets, closers
}

func buildVerifier(cfg config.Config, logger *zap.Logger) (*auth.JWTVerifier, error) {
	if !cfg.AuthEnabled {
		logger.Warn("bearer auth disabled, actors fall back to the system actor")
		return nil, nil
	}
	keyset, ok, err := auth.ResolveKeyset(cfg.JWTSecret, cfg.JWTKeyset, cfg.JWTActiveKID, cfg.JWTKeysetFile)
	if err != nil {
		return nil, fmt.Errorf("resolve jwt keyset: %w", err)
	}
	if !ok {
		logger.Warn("no jwt secret configured, using the development secret")
		return auth.NewJWTVerifier(config.DevJWTSecret), nil
	}
	return auth.NewJWTVerifierWithKeyset(keyset), nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}
	metrics := server.NewMetrics()

	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:           cfg.TLSEnabled,
		CertFile:          cfg.TLSCertFile,
		KeyFile:           cfg.TLSKeyFile,
		ClientCAFile:      cfg.TLSClientCA,
		RequireClientCert: cfg.TLSRequireMTLS,
	})
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}

	repo, ready, closeRepo, err := openRepository(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	// Deferred first so it runs last: after the reconciler stops and both servers drain.
	defer func() {
		if err := closeRepo(); err != nil {
			logger.Warn("close repository", zap.Error(err))
		}
	}()

	engine := ledger.NewEngine(repo, clk, logger.Named("ledger"))
	if err := engine.SetDefaultStatus(ledger.Status(cfg.DefaultStatus)); err != nil {
		return err
	}
	engine.SetObserver(metrics)
	publisher, closers := buildPublisher(cfg)
	engine.SetPublisher(publisher)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close event publisher", zap.Error(err))
			}
		}
	}()

	reconciler := reconcile.New(repo, clk, logger.Named("reconcile"), cfg.ReconcileBatch)
	reconciler.SetObserver(metrics)
	if err := reconciler.Start(ctx, cfg.ReconcileInterval); err != nil {
		return err
	}
	defer func() {
		if err := reconciler.Stop(); err != nil {
			logger.Warn("stop reconciler", zap.Error(err))
		}
	}()

	guard, err := server.NewRemoteAccessGuard(clk, logger.Named("remote_access"), cfg.TrustedCIDRs)
	if err != nil {
		return fmt.Errorf("configure remote access guard: %w", err)
	}
	if err := guard.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("configure remote access guard: %w", err)
	}
	guard.SetFailClosedOnLogPersistenceFailure(cfg.Strict)
	guard.SetDecisionObserver(metrics.ObserveRemoteAccessDecision)
	guard.SetLogStateObserver(metrics.ObserveRemoteAccessLogState)

	handler, err := server.NewHTTPHandler(server.HTTPOptions{
		Wallet:   server.WalletHandler{Engine: engine, AssetDecimals: cfg.AssetDecimals, Logger: logger.Named("http")},
		System:   server.SystemHandler{StartedAt: startedAt, Clock: clk, Version: cfg.Version, Ready: ready},
		Guard:    guard,
		Verifier: verifier,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("register http routes: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, health := server.NewGRPCServer(server.GRPCOptions{TLS: tlsCfg, Verifier: verifier, Metrics: metrics})
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	return runErr
}
