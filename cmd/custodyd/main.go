package main

import (
	"context"
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
	"CollarLedger/internal/custody"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/relay"
	"CollarLedger/internal/settlement"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $COLLAR_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("custodyd", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("custody agent starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("custody agent stopped with error")
	}
	logger.Info().Msg("custody agent shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.AgentKey == "" {
		return errors.New("COLLAR_AGENT_KEY is required")
	}
	key, err := ethcrypto.HexToECDSA(cfg.AgentKey)
	if err != nil {
		return fmt.Errorf("agent key: %w", err)
	}
	operator := config.Address(cfg.Custody.Operator)
	roles, err := cfg.Authorizer()
	if err != nil {
		return err
	}

	// --- Store ---
	store, err := custody.OpenBoltStore(cfg.Custody.StorePath, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := relay.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := relay.EnsureStream(ctx, js, cfg.NATS.Duplicates); err != nil {
		return err
	}
	if err := relay.EnsureFillStream(ctx, js); err != nil {
		return err
	}
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	// --- Bridge ---
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
	}

	// --- Agent ---
	agent, err := custody.NewAgent(
		custody.Config{
			Address:                config.Address(cfg.Custody.Address),
			Settlement:             config.Address(cfg.Custody.Settlement),
			MinAllowedNegativeCash: cfg.Custody.MinAllowedNegativeCash,
		},
		custody.Deps{
			Authorizer: roles,
			Quotes:     quote.NewVerifier(cfg.QuoterAddresses()...),
			Tracker:    tracker,
			Bridge:     transfers,
			Fees:       settlement.OriginationFeePolicy{},
			Key:        key,
			Store:      store,
			Metrics:    metrics,
		},
	)
	if err != nil {
		return err
	}
	logger.Info().Str("address", ethcrypto.PubkeyToAddress(key.PublicKey).Hex()).
		Str("store", cfg.Custody.StorePath).Msg("custody state loaded")

	outbound := make(chan message.Envelope, 1024)
	agent.SetSink(func(env message.Envelope) { outbound <- env })

	publisher := relay.NewPublisher(js, logger.With().Str("worker", "publisher").Logger(), metrics)
	subscriber := relay.NewSubscriber(js, logger.With().Str("worker", "subscriber").Logger(), metrics)

	// Everything the agent ever sent is replayed; the settlement registry
	// absorbs repeats.
	if err := publisher.Republish(ctx, agent.SentSince(0)); err != nil {
		return fmt.Errorf("republish outbox: %w", err)
	}

	// --- Start goroutines ---
	var wg sync.WaitGroup
	errChan := make(chan error, 8)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("publisher", func(ctx context.Context) error { return publisher.Run(ctx, outbound) })
	goRun("operator", custody.NewOperator(agent, operator, cfg.Custody.OperatorInterval,
		logger.With().Str("worker", "operator").Logger(), metrics).Run)
	goRun("http", func(ctx context.Context) error { return serveHTTP(ctx, cfg.Custody.HTTPAddr, healthChecker, logger) })

	inboundNonces := relay.NewNonceTracker()
	inboundNonces.SetHighWater(message.DomainSettlement, agent.InboundHighWater())
	inbound := relay.MessageHandler(message.DomainSettlement, inboundNonces,
		func(_ context.Context, env message.Envelope) error {
			return agent.AcceptIntent(operator, env.ID, env.Message)
		},
		logger.With().Str("worker", "relay").Logger(), metrics)
	if err := subscriber.Subscribe(ctx, relay.InboundSubject(message.DomainSettlement, "custodyd-inbound"), inbound); err != nil {
		return err
	}

	fills := relay.FillHandler(func(ctx context.Context, f relay.Fill) error {
		switch f.Type {
		case relay.FillTrade:
			_, err := agent.RecordTradeConfirmed(operator, *f.Quote, f.Signature, f.FilledAt)
			return err
		case relay.FillExpiry:
			outcome, err := f.ParsedOutcome()
			if err != nil {
				return err
			}
			_, err = agent.SettleExpiry(ctx, operator, f.LoanID, outcome, f.Proceeds, f.FilledAt)
			return err
		}
		return nil
	})
	fillSubject := relay.SubjectConfig{Stream: relay.FillStreamName, Subject: relay.FillSubject, Consumer: "custodyd-fills"}
	if err := subscriber.Subscribe(ctx, fillSubject, fills); err != nil {
		return err
	}

	healthChecker.SetReady(true)
	logger.Info().Str("http", cfg.Custody.HTTPAddr).Msg("custody agent ready")

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
	return runErr
}

func serveHTTP(ctx context.Context, addr string, health *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
