package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/config"
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml, toml or json)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLoggerWithLevel(cfg.Service.Name, observability.ParseLogLevel(cfg.Service.LogLevel))
	logger.Info().Str("version", Version).Msg("escrowd starting")
	if len(cfg.Operators()) == 0 {
		logger.Warn().Msg("no funding operators configured: any signed sender may fund its own wallet")
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Postgres.AutoMigrate {
		applied, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		conn, jsCtx, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		nc, js = conn, jsCtx
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return err
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats %s", status)
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	// --- Arbitrator ---
	var (
		arbitrator  arbitration.Arbitrator
		centralized *arbitration.Centralized
	)
	switch cfg.Arbitration.Mode {
	case config.ArbitrationCentralized:
		centralized = arbitration.NewCentralized(cfg.ArbitratorAddress(), cfg.ArbitratorOwner(), cfg.ArbitrationPrice())
		arbitrator = centralized
	case config.ArbitrationNATS:
		arbitrator = arbitration.NewRemote(nc, cfg.Arbitration.Subject, cfg.ArbitratorAddress(), cfg.ArbitrationPrice())
	}

	// --- Core ---
	// persist channel blocks (backpressure), projection channel drops
	persistCoreChan := make(chan core.CoreOutput, cfg.Persistence.ChannelSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Persistence.ProjectionChannelSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Persistence.ChannelSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Persistence.ProjectionChannelSize)
	var publishChan chan ingestion.PublishableEvent
	if js != nil {
		publishChan = make(chan ingestion.PublishableEvent, cfg.Persistence.PublishChannelSize)
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db, cfg.Idempotency.DBTimeout)
	ledgerCore := core.NewDeterministicCore(0, core.Params{
		Market:                 cfg.MarketAddress(),
		DepositAsset:           cfg.DepositAssetValue(),
		FundingOperators:       cfg.Operators(),
		IdempotencyLRU:         cfg.Idempotency.LRUSize,
		ConservationCheckEvery: cfg.Sequencer.ConservationCheckEvery,
	}, core.Deps{
		Tokens:     asset.NewRegistry(cfg.TokenList()...),
		Arbitrator: arbitrator,
		Arbitration: arbitration.Config{
			Cost1:   cfg.Arbitration.Cost1,
			Cost2:   cfg.Arbitration.Cost2,
			Timeout: cfg.Arbitration.Timeout,
		},
		DBChecker:      dbChecker,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "core").Logger(),
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})

	// --- Recovery ---
	snaps := persistence.NewSnapshotManager(db)
	if _, err := recoverCore(ctx, ledgerCore, snaps, dbChecker, cfg.Snapshot.ReplayBatch,
		cfg.Idempotency.WarmKeys, metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	queries := query.NewQueryService(db, metrics)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, logger.With().Str("component", "projection").Logger())
	if err := resyncProjections(ctx, db, ledgerCore, queries, projWorker, logger); err != nil {
		// projections are derived; serve from the log-backed core anyway
		logger.Warn().Err(err).Msg("projection resync failed")
	}

	sequencer := core.NewSequencer(ledgerCore, cfg.Sequencer.QueueSize, metrics, logger.With().Str("component", "sequencer").Logger())
	healthChecker.AddCheck("sequencer", func(context.Context) error {
		if !sequencer.Running() {
			return core.ErrSequencerStopped
		}
		return nil
	})

	// The server only exposes the rulings API for a local arbitrator
	var rulings server.Arbitrator
	if centralized != nil {
		centralized.SetSink(sequencer)
		rulings = centralized
	}

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Service:        server.NewMarketplace(sequencer, rulings, queries, cfg.Assets()),
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger.With().Str("component", "server").Logger(),
	})

	// --- Output pipeline ---
	// Runs on its own context so committed actions keep draining to the log
	// after the front of the service has stopped.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	pipe, pipeCtx := errgroup.WithContext(pipeCtx)

	outputs := &bridge{
		persistIn:     persistCoreChan,
		projectionIn:  projectionCoreChan,
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		publishOut:    publishChan,
		metrics:       metrics,
		logger:        logger.With().Str("component", "bridge").Logger(),
	}
	persistWorker := persistence.NewPersistenceWorker(persistence.NewEventLogWriter(db), persistWorkerChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushInterval, metrics, logger.With().Str("component", "persistence").Logger())

	pipe.Go(func() error { return outputs.Run(pipeCtx) })
	pipe.Go(func() error { return persistWorker.Run(pipeCtx) })
	pipe.Go(func() error { return projWorker.Run(pipeCtx) })
	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		pipe.Go(func() error { return publisher.Run(pipeCtx) })
	}

	// --- Front: sequencer, ingestion, API, snapshots ---
	front, frontCtx := errgroup.WithContext(ctx)
	front.Go(func() error {
		err := sequencer.Run(frontCtx)
		// no more commits: let the bridge drain and close its outputs
		close(persistCoreChan)
		close(projectionCoreChan)
		return ignoreCanceled(err)
	})

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, cfg.Sequencer.QueueSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "subscriber").Logger())
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(rawChan, func(ctx context.Context, evt event.Event) error {
			_, err := sequencer.Submit(ctx, evt)
			return err
		}, metrics, logger.With().Str("component", "dispatcher").Logger())
		front.Go(func() error { return ignoreCanceled(dispatcher.Run(frontCtx)) })
	}

	snapshots := &snapshotter{
		seq:         sequencer,
		snaps:       snaps,
		everyEvents: cfg.Snapshot.EveryEvents,
		interval:    cfg.Snapshot.Interval,
		metrics:     metrics,
		logger:      logger.With().Str("component", "snapshot").Logger(),
		lastSeq:     ledgerCore.GetSequence() - 1,
	}
	front.Go(func() error { return snapshots.Run(frontCtx) })
	front.Go(func() error { return ignoreCanceled(grpcServer.StartGRPC(frontCtx)) })
	front.Go(func() error { return grpcServer.StartHTTPGateway(frontCtx) })
	front.Go(func() error {
		// a failed output pipeline stops the front too
		select {
		case <-frontCtx.Done():
			return nil
		case <-pipeCtx.Done():
			return fmt.Errorf("output pipeline: %w", context.Cause(pipeCtx))
		}
	})

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().Int64("next_sequence", ledgerCore.GetSequence()).Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).Msg("escrowd ready")

	<-frontCtx.Done()
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	frontErr := front.Wait()
	if frontErr != nil {
		logger.Error().Err(frontErr).Msg("shutting down after failure")
	} else {
		logger.Info().Msg("shutting down")
	}

	// --- Drain ---
	drained := make(chan error, 1)
	go func() { drained <- pipe.Wait() }()
	var pipeErr error
	select {
	case pipeErr = <-drained:
	case <-time.After(drainTimeout):
		pipeCancel()
		pipeErr = <-drained
		logger.Warn().Dur("timeout", drainTimeout).Msg("output pipeline drain timed out")
	}
	pipeErr = ignoreCanceled(pipeErr)

	// sequencer has stopped and the log is drained: the core is quiescent
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()
	if pipeErr == nil {
		if err := finalSnapshot(finalCtx, ledgerCore, snapshots); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	logger.Info().Int64("next_sequence", ledgerCore.GetSequence()).Msg("escrowd stopped")
	return errors.Join(frontErr, pipeErr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
