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

	"SecuritiesVenue/internal/compliance"
	"SecuritiesVenue/internal/config"
	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/ingestion"
	"SecuritiesVenue/internal/keeper"
	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/oracle"
	"SecuritiesVenue/internal/persistence"
	"SecuritiesVenue/internal/projection"
	"SecuritiesVenue/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("venued")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("SecuritiesVenue starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("venued stopped")
	}
	logger.Info().Msg("SecuritiesVenue shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Engine ---
	// The persist channel blocks the engine when full; the publish channel
	// is fanned out without blocking.
	persistChan := make(chan engine.Output, cfg.PersistChanSize)
	publishChan := make(chan engine.Output, cfg.PublishChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	e := engine.New(persistChan, publishChan, dbChecker, metrics,
		engine.WithMinimumLiquidity(cfg.MinimumLiquidity),
		engine.WithDedupCapacity(cfg.DedupCapacity),
		engine.WithLogger(logger.With().Str("component", "engine").Logger()),
	)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	snapSeq, replayed, err := snapMgr.Recover(ctx, e, cfg.ReplayPageSize)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", snapSeq).
		Int("replayed", replayed).
		Int64("sequence", e.Sequence()).
		Msg("state recovered")

	if cfg.DedupWarm > 0 {
		ids, err := dbChecker.RecentRequestIDs(ctx, cfg.DedupWarm)
		if err != nil {
			logger.Warn().Err(err).Msg("dedup warm-up failed")
		} else {
			e.WarmDedup(ids)
			logger.Info().Int("request_ids", len(ids)).Msg("dedup cache warmed")
		}
	}

	// --- Persistence worker ---
	// It runs on its own context so it can drain the persist channel after
	// everything else has stopped.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		logger.With().Str("component", "persistence").Logger())
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistDone := make(chan error, 1)
	go func() {
		persistDone <- persistWorker.Run(persistCtx)
	}()

	// --- Bootstrap ---
	var checker compliance.Checker
	if cfg.BootstrapFile != "" {
		b, err := config.LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		created, err := b.Apply(e, time.Now().Unix())
		if err != nil {
			return err
		}
		if r := b.Registry(compliance.DefaultPolicy()); r != nil {
			checker = r
		}
		logger.Info().Int("markets_created", created).Int("identities", len(b.Identities)).Msg("bootstrap applied")
	}

	// --- Oracle feed ---
	cache := oracle.NewCache(metrics, logger.With().Str("component", "oracle").Logger())

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	rawChan := make(chan ingestion.RawMessage, cfg.OracleChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "subscriber").Logger())
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer subscriber.Stop()

	dispatcher := ingestion.NewDispatcher(rawChan, cache, metrics, logger.With().Str("component", "dispatcher").Logger())

	// --- Outbound fan-out: NATS publisher and Redis read model ---
	natsOut := make(chan engine.Output, cfg.PublishChanSize)
	outs := []chan<- engine.Output{natsOut}
	publisher := ingestion.NewOutboundPublisher(js, natsOut, logger.With().Str("component", "publisher").Logger())

	var projWorker *projection.ProjectionWorker
	if cfg.RedisURL != "" {
		rdb, err := projection.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer rdb.Close()
		healthChecker.AddCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})

		projChan := make(chan engine.Output, cfg.ProjectionChanSize)
		outs = append(outs, projChan)
		projWorker = projection.NewProjectionWorker(rdb, projChan, metrics, logger.With().Str("component", "projection").Logger())
		if err := rebuildProjection(ctx, projWorker, e); err != nil {
			logger.Warn().Err(err).Msg("projection rebuild failed")
		}
	}

	// --- Servers ---
	var feed *ingestion.ManualFeed
	if cfg.ManualOracle {
		feed = ingestion.NewManualFeed(cache)
	}
	svc := server.NewService(e, checker, feed, server.WithServiceLogger(logger.With().Str("component", "service").Logger()))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       svc,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Logger:        logger.With().Str("component", "server").Logger(),
	})

	k := keeper.New(e, cache, cfg.Keeper(), metrics, keeper.WithLogger(logger.With().Str("component", "keeper").Logger()))
	scheduler := persistence.NewSnapshotScheduler(snapMgr, e, cfg.SnapshotInterval, metrics, logger.With().Str("component", "snapshot").Logger())

	// --- Goroutines ---
	errChan := make(chan error, 16)
	goRun := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("dispatcher", dispatcher.Run)
	goRun("publisher", publisher.Run)
	go projection.Fanout(ctx, publishChan, metrics, outs...)
	if projWorker != nil {
		goRun("projection", projWorker.Run)
	}
	goRun("keeper", k.Run)
	goRun("snapshots", scheduler.Run)
	goRun("grpc", grpcServer.StartGRPC)
	goRun("http", grpcServer.StartHTTPGateway)
	goRun("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, logger)
	})
	go reportChannels(ctx, metrics, persistChan, publishChan, rawChan)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", e.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("SecuritiesVenue ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	cancel()
	subscriber.Stop()

	// Fence off the engine, then drain the log.
	e.Halt()
	close(persistChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case err := <-persistDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("persistence worker failed during drain")
		}
	case <-shutdownCtx.Done():
		persistCancel()
		logger.Error().Msg("persistence drain timed out")
	}

	if err := scheduler.TakeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", e.Sequence()).Msg("final snapshot saved")
	}
	return runErr
}

// rebuildProjection resets the read model from the recovered state so the
// projection is current before the first event flows.
func rebuildProjection(ctx context.Context, w *projection.ProjectionWorker, e *engine.Engine) error {
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return w.Rebuild(rctx, e.Snapshot())
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, publish chan engine.Output, raw chan ingestion.RawMessage) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
			metrics.SetChannelMetrics("oracle", len(raw), cap(raw))
		}
	}
}
