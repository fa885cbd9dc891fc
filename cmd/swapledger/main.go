package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/fee"
	"SwapLedger/internal/ingestion"
	"SwapLedger/internal/ledger"
	"SwapLedger/internal/observability"
	"SwapLedger/internal/persistence"
	"SwapLedger/internal/query"
	"SwapLedger/internal/server"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if f := os.Getenv("SWAP_ENV_FILE"); f != "" {
		if err := godotenv.Load(f); err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", f, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger("swapledger")
	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("swapledger stopped")
	}
}

func run(cfg Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	checker := observability.NewHealthChecker()

	// --- Store ---
	store, pg, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		checker.AddCheck("store", store.Ping)
	}

	// --- NATS ---
	var pub *ingestion.OutboundPublisher
	var sub *ingestion.CommandSubscriber
	publishBuffer := 0
	if cfg.NATSURL != "" {
		publishBuffer = cfg.PublishChanSize
	}

	policy, err := fee.NewPolicy(cfg.FeeRateBps)
	if err != nil {
		return err
	}

	persistBuffer := 0
	var dedup core.DBIdempotencyChecker
	if store != nil {
		persistBuffer = cfg.PersistChanSize
		dedup = store
	}

	x := core.NewExchange(ledger.NewMemoryLedger(), policy, nil, core.Config{
		FeeSink:             cfg.FeeSink,
		RefundOverpayment:   cfg.RefundOverpayment,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		PersistBuffer:       persistBuffer,
		PublishBuffer:       publishBuffer,
	}, dedup, metrics, observability.NewLogger("exchange"))

	// --- Recovery ---
	if store != nil {
		start := time.Now()
		if err := persistence.Recover(ctx, store, x, cfg.IdempotencyWarm); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		logger.Info().
			Int64("sequence", x.Sequence()).
			Dur("took", time.Since(start)).
			Msg("state restored")
	}
	x.RefreshGauges()

	// Workers outlive the network surfaces so every accepted command is
	// flushed before exit.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	workers, workCtx := errgroup.WithContext(workCtx)

	var persistWorker *persistence.PersistenceWorker
	var snapWorker *persistence.SnapshotWorker
	if store != nil {
		persistWorker = persistence.NewPersistenceWorker(store, x.PersistOutputs(), cfg.PersistBatchSize,
			cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
		persistWorker.SetLastPersisted(x.Sequence())
		snapWorker = persistence.NewSnapshotWorker(x, store, persistWorker, cfg.SnapshotInterval,
			metrics, observability.NewLogger("snapshot"))
		workers.Go(func() error { return persistWorker.Run(workCtx) })
	}

	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		checker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		pub = ingestion.NewOutboundPublisher(js, x.PublishOutputs(), metrics, observability.NewLogger("publisher"))
		workers.Go(func() error { return pub.Run(workCtx) })

		sub = ingestion.NewCommandSubscriber(nc, js, x, cfg.CommandTimeout, metrics, observability.NewLogger("ingestion"))
		if err := sub.Subscribe(ctx); err != nil {
			return err
		}
	}

	// --- Query + servers ---
	qs := query.NewQueryService(x, pg)
	var snapshots server.Snapshotter
	if snapWorker != nil {
		snapshots = snapWorker
	}
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Handlers:      server.NewHandlers(x, qs, snapshots, metrics),
		HealthChecker: checker,
		CORSOrigins:   cfg.CORSOrigins,
		Logger:        observability.NewLogger("server"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	if snapWorker != nil {
		g.Go(func() error {
			if err := snapWorker.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				x.RefreshGauges()
			}
		}
	})

	srv.SetServing(true)
	checker.SetReady(true)
	logger.Info().
		Str("store", cfg.StoreBackend).
		Int64("sequence", x.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("swapledger ready")

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	checker.SetReady(false)
	if sub != nil {
		sub.Stop()
	}
	serveErr := g.Wait()

	// No surface accepts commands any more: close the outputs so the
	// workers drain and return.
	x.Close()
	drained := make(chan error, 1)
	go func() { drained <- workers.Wait() }()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case err := <-drained:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker failed")
		}
	case <-shutdownCtx.Done():
		logger.Error().Msg("workers did not drain in time")
		cancelWork()
	}

	if snapWorker != nil {
		if seq, err := snapWorker.TakeSnapshot(shutdownCtx, 0); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("shutdown complete")
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// openStore returns the durable store of the configured backend, nil for
// memory. The *sql.DB is set only for postgres.
func openStore(ctx context.Context, cfg Config, logger zerolog.Logger) (persistence.Store, *sql.DB, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := persistence.OpenPostgres(ctx, cfg.PostgresURL, 20)
		if err != nil {
			return nil, nil, err
		}
		migrator := persistence.NewMigrator(pg.DB(), persistence.MigrationSource(cfg.MigrationsDir), observability.NewLogger("migrate"))
		if err := migrator.Up(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Msg("postgres connected, migrations applied")
		return pg, pg.DB(), nil

	case "pebble":
		ps, err := persistence.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("dir", cfg.PebbleDir).Msg("pebble store opened")
		return ps, nil, nil

	default:
		logger.Warn().Msg("running without a durable store")
		return nil, nil, nil
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
