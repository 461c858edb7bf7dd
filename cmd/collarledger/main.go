package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/config"
	"CollarLedger/internal/core"
	"CollarLedger/internal/ingestion"
	"CollarLedger/internal/keeper"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/persistence"
	"CollarLedger/internal/projection"
	"CollarLedger/internal/query"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/relay"
	"CollarLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $COLLAR_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("collarledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("CollarLedger starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("CollarLedger stopped with error")
	}
	logger.Info().Msg("CollarLedger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	operator := config.Address(cfg.Settlement.Operator)
	allowlist, err := cfg.Allowlist()
	if err != nil {
		return err
	}
	roles, err := cfg.Authorizer()
	if err != nil {
		return err
	}
	auth, err := server.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("api auth (COLLAR_JWT_SECRET): %w", err)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("postgres", db.PingContext)

	// --- NATS ---
	nc, js, err := relay.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := relay.EnsureStream(ctx, js, cfg.NATS.Duplicates); err != nil {
		return err
	}
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	// --- Bridge ---
	// Transfer status lives in a JetStream bucket the custody daemon opens
	// too, so either side observes the other's orders and deliveries.
	transferKV, err := bridge.OpenJetStreamKV(ctx, js, cfg.Bridge.Bucket)
	if err != nil {
		return err
	}
	transfers := bridge.NewSharedBridge(transferKV,
		bridge.FeeSchedule{Flat: cfg.Bridge.FlatFee, Bps: cfg.Bridge.FeeBps}, cfg.Bridge.AutoComplete)

	var tracker bridge.TransferTracker = transfers
	if cfg.Bridge.EVMEndpoint != "" {
		client, err := bridge.DialEVMClient(cfg.Bridge.EVMEndpoint)
		if err != nil {
			return err
		}
		defer client.Close()
		tracker = bridge.NewEVMTracker(client, transfers.DeliveryTx, cfg.Bridge.Confirmations)
		logger.Info().Str("endpoint", cfg.Bridge.EVMEndpoint).Uint64("confirmations", cfg.Bridge.Confirmations).
			Msg("bridge completion proven on chain")
	}

	market, err := cfg.YieldMarket()
	if err != nil {
		return err
	}

	// --- Settlement core ---
	persistChan := make(chan core.CoreOutput, cfg.Persistence.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Persistence.ProjectionChanSize)
	verifier := quote.NewVerifier(cfg.QuoterAddresses()...)

	settlementCore := core.NewSettlementCore(
		core.Params{
			Self:                config.Address(cfg.Settlement.Self),
			CustodyReceiver:     config.Address(cfg.Settlement.CustodyReceiver),
			CollateralAllowlist: allowlist,
			SurplusTreasuryBps:  cfg.Settlement.SurplusTreasuryBps,
			IdempotencyCapacity: cfg.Settlement.IdempotencyCapacity,
		},
		core.Deps{
			Authorizer: roles,
			Quotes:     verifier,
			Tracker:    tracker,
			Yield:      market,
		},
		persistChan,
		projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
	)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	eventLog := persistence.NewEventLogWriter(db)
	if err := recoverCore(ctx, settlementCore, snapMgr, eventLog, logger, metrics); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer rdb.Close()
	healthChecker.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	quotes := quote.NewRedisStore(rdb, cfg.Redis.QuoteTTL)

	// --- Workers ---
	outbound := make(chan message.Envelope, cfg.Persistence.PersistChanSize)
	orders := make(chan bridge.TransferRequest, cfg.Persistence.PersistChanSize)

	seq := ingestion.NewSequencer(settlementCore, 4096, logger.With().Str("worker", "sequencer").Logger())
	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		persistence.Forwarding{Outbound: outbound, Orders: orders},
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout,
		logger.With().Str("worker", "persistence").Logger(), metrics)
	projWorker := projection.NewProjectionWorker(db, projectionChan, logger.With().Str("worker", "projection").Logger(), metrics)
	publisher := relay.NewPublisher(js, logger.With().Str("worker", "publisher").Logger(), metrics)
	subscriber := relay.NewSubscriber(js, logger.With().Str("worker", "subscriber").Logger(), metrics)

	// Messages already committed before a restart may not have reached
	// the bus; the receiving registry absorbs repeats.
	if err := publisher.Republish(ctx, settlementCore.Outbox().Since(0)); err != nil {
		return fmt.Errorf("republish outbox: %w", err)
	}

	// Orders committed before a restart but never accepted by the bridge
	// go out ahead of new ones.
	pendingRows, err := eventLog.PendingTransfers(ctx)
	if err != nil {
		return fmt.Errorf("load pending transfers: %w", err)
	}
	backlog := make([]bridge.TransferRequest, 0, len(pendingRows))
	for _, row := range pendingRows {
		req, err := row.Request()
		if err != nil {
			return fmt.Errorf("pending transfer at sequence %d: %w", row.Sequence, err)
		}
		backlog = append(backlog, req)
	}
	if len(backlog) > 0 {
		logger.Info().Int("orders", len(backlog)).Msg("re-dispatching bridge orders")
	}
	dispatcher := bridge.NewDispatcher(transfers, orders, logger.With().Str("worker", "bridge").Logger(), metrics,
		bridge.WithBacklog(backlog), bridge.WithOnSubmitted(eventLog.MarkTransferDispatched))

	// --- API ---
	ledgerSvc := server.NewLedger(server.Deps{
		Sequencer:       seq,
		Reader:          query.NewQueryService(db),
		Quotes:          quotes,
		Verifier:        verifier,
		Fees:            transfers,
		Deliveries:      transfers,
		Authorizer:      roles,
		CustodyReceiver: config.Address(cfg.Settlement.CustodyReceiver),
		EventLog:        eventLog,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, logger)
		},
		Metrics: metrics,
		Logger:  logger.With().Str("component", "api").Logger(),
	})
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, ledgerSvc, auth, healthChecker, logger)

	// --- Start goroutines ---
	var wg sync.WaitGroup
	errChan := make(chan error, 16)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("sequencer", seq.Run)
	goRun("persistence", persistWorker.Run)
	goRun("projection", projWorker.Run)
	goRun("publisher", func(ctx context.Context) error { return publisher.Run(ctx, outbound) })
	goRun("bridge", dispatcher.Run)
	goRun("grpc", grpcServer.StartGRPC)
	goRun("http", grpcServer.StartHTTPGateway)
	goRun("metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.Server.MetricsAddr, logger) })

	snapshots := newSnapshotter(seq, snapMgr, cfg.Persistence.SnapshotInterval, logger, metrics)
	goRun("snapshots", snapshots.Run)

	// Resume the nonce mark from the recovered registry.
	inboundNonces := relay.NewNonceTracker()
	inboundNonces.SetHighWater(message.DomainExecution, settlementCore.Registry().MaxNonce())
	inbound := relay.MessageHandler(message.DomainExecution, inboundNonces,
		seq.Deliverer(operator, time.Now), logger.With().Str("worker", "relay").Logger(), metrics)
	if err := subscriber.Subscribe(ctx, relay.InboundSubject(message.DomainExecution, "collarledger-inbound"), inbound); err != nil {
		return err
	}

	if cfg.Keeper.Enabled {
		k := keeper.New(seq, quotes, operator, cfg.Keeper.Interval,
			logger.With().Str("worker", "keeper").Logger(), metrics,
			keeper.WithLease(keeper.NewRedisLease(rdb, cfg.Keeper.LeaseKey, cfg.Keeper.LeaseTTL)))
		goRun("keeper", k.Run)
	}

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", settlementCore.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("CollarLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("worker failed, shutting down")
	}

	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()
	wg.Wait()

	// The sequencer has exited, so the core is safe to read directly.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapshots.Take(shutdownCtx, settlementCore); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", settlementCore.Sequence()-1).Msg("final snapshot saved")
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
