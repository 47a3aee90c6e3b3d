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

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"BasisVault/internal/api"
	"BasisVault/internal/config"
	"BasisVault/internal/core"
	"BasisVault/internal/keeper"
	"BasisVault/internal/observability"
	"BasisVault/internal/oracle"
	"BasisVault/internal/persistence"
	"BasisVault/internal/projection"
	"BasisVault/internal/registry"
	"BasisVault/internal/swap"
	"BasisVault/internal/venue"
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	vaults, err := config.LoadVaults(cfg.VaultsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load vault definitions")
	}

	logger.Info().Int("vaults", len(vaults)).Msg("BasisVault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- NATS ---
	nc, js, err := venue.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := venue.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure nats streams")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Vault instances ---
	markOracle := oracle.NewMarkOracle(cfg.PriceMaxAge)
	swapper := swap.NewQuotedSwapper(markOracle, cfg.SwapSlippage, "controller", logger)
	venueClient := venue.NewNATSVenueClient(js, logger)
	factory := registry.NewFactory(markOracle, swapper, venueClient, logger)
	reg := registry.NewRegistry()

	for _, spec := range vaults {
		strategyCfg, err := spec.StrategyConfig()
		if err != nil {
			logger.Fatal().Err(err).Msg("vault config")
		}
		inst, err := factory.Spawn(registry.Params{
			PoolID:   spec.PoolID,
			Market:   spec.Market,
			Config:   strategyCfg,
			Priority: prioritySet(spec.PrioritizedOwners),
		})
		if err != nil {
			logger.Fatal().Err(err).Str("pool", spec.PoolID).Msg("spawn vault")
		}
		if err := reg.Register(inst); err != nil {
			logger.Fatal().Err(err).Str("pool", spec.PoolID).Msg("register vault")
		}
		logger.Info().Str("pool", spec.PoolID).Str("market", spec.Market).Msg("vault registered")
	}

	// --- Recovery ---
	// Every graceful shutdown ends with an at-rest snapshot, so on a
	// clean restart the snapshot covers the whole event log. A log head
	// beyond the snapshot means the last run crashed mid-flight; venue
	// handshake state cannot be reconstructed from the log alone, so
	// startup refuses and the operator investigates.
	snapMgr := persistence.NewSnapshotManager(db)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}
	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read event log head")
	}

	startSequence := int64(0)
	switch {
	case snap == nil && head > 0:
		logger.Fatal().Int64("head", head).Msg("event log present without a snapshot, refusing to start after unclean shutdown")
	case snap != nil && head > snap.Sequence:
		logger.Fatal().Int64("head", head).Int64("snapshot", snap.Sequence).Msg("event log is ahead of the latest snapshot, refusing to start after unclean shutdown")
	case snap != nil:
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	default:
		logger.Info().Msg("cold start from sequence 0")
	}

	// --- Channels ---
	// The persist path blocks under pressure; the projection path drops.
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.ProjectionChanSize)

	persistRows := make(chan persistence.EventRow, cfg.PersistChanSize)
	projectionOut := make(chan core.Output, cfg.ProjectionChanSize)
	publishOut := make(chan core.Output, cfg.ProjectionChanSize)

	// --- Engine ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine := core.NewEngine(core.Config{
		StartSequence: startSequence,
		DedupCapacity: cfg.IdempotencyLRUCapacity,
		Operators:     cfg.Operators,
	}, reg, markOracle, dbChecker, metrics, persistChan, projectionChan, logger)

	if snap != nil {
		state, err := snap.EngineState()
		if err != nil {
			logger.Fatal().Err(err).Msg("decode snapshot")
		}
		if err := engine.RestoreFromSnapshot(state); err != nil {
			logger.Fatal().Err(err).Msg("restore from snapshot")
		}
	}

	// --- Workers ---
	errChan := make(chan error, 10)

	persistWorker := persistence.NewPersistenceWorker(db, persistRows, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	projWorker := projection.NewProjectionWorker(db, projectionOut, logger)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	publisher := venue.NewOutboundPublisher(js, publishOut, logger)
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	go bridgeOutputs(persistChan, projectionChan, persistRows, projectionOut, publishOut, metrics)

	// --- Inbound venue feed ---
	subscriber := venue.NewSubscriber(js, engine, engine, metrics, logger)
	if err := subscriber.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start venue subscriber")
	}

	// --- Keeper ---
	jobs := keeper.New(engine, cfg.KeeperID, logger)
	if err := jobs.Start(cfg.UpkeepSchedule, cfg.SettleSchedule); err != nil {
		logger.Fatal().Err(err).Msg("start keeper")
	}

	// --- HTTP API (includes /metrics, /healthz, /readyz) ---
	apiServer := api.NewServer(engine, healthChecker, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// --- Periodic snapshots ---
	go runPeriodicSnapshots(ctx, engine, snapMgr, cfg.SnapshotInterval, metrics, logger)

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", startSequence).
		Str("http", cfg.HTTPAddr).
		Msg("BasisVault ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}

	healthChecker.SetReady(false)

	// Stop command sources first so no new events enter the engine,
	// then drain the output channels through the workers.
	jobs.Stop()
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Closing the engine channels lets the bridge and workers drain
	// everything in flight; the context stays live until they finish so
	// no queued event is abandoned mid-drain.
	close(persistChan)
	close(projectionChan)
	for drained := 0; drained < 3; drained++ {
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
			drained = 3
		}
	}

	// The final snapshot makes the next start clean: it is taken at
	// rest and covers the entire event log.
	if err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed, next start will refuse until rebuilt")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("shutdown complete")
}

// prioritySet routes listed owners to the prioritized withdrawal track.
type prioritySet []string

func (p prioritySet) IsPrioritized(owner string) bool {
	for _, o := range p {
		if o == owner {
			return true
		}
	}
	return false
}

// bridgeOutputs fans engine outputs to the workers: committed events
// become durable rows on the blocking persist path, and feed the
// projection worker and outbound publisher on the lossy path. Closes
// the downstream channels when the engine channels close.
func bridgeOutputs(
	persistIn, projectionIn <-chan core.Output,
	persistRows chan<- persistence.EventRow,
	projectionOut, publishOut chan<- core.Output,
	metrics *observability.Metrics,
) {
	defer func() {
		close(persistRows)
		close(projectionOut)
		close(publishOut)
	}()

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			persistRows <- persistence.RowFromEnvelope(output.Envelope)

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case projectionOut <- output:
			default:
				if metrics != nil {
					metrics.ProjectionDrops.Inc()
				}
			}
			select {
			case publishOut <- output:
			default:
				if metrics != nil {
					metrics.ProjectionDrops.Inc()
				}
			}
		}
	}
}

// runPeriodicSnapshots takes a snapshot whenever the event log has
// advanced by at least interval events. A vault mid-handshake defers
// the snapshot to the next tick.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := engine.GetSequence() - 1
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := engine.GetSequence() - 1
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
				if errors.Is(err, core.ErrSnapshotInFlight) {
					logger.Debug().Msg("snapshot deferred, adjustment in flight")
				} else {
					logger.Warn().Err(err).Msg("periodic snapshot failed")
				}
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot captures the engine's at-rest state and persists it.
// The snapshot is verified immediately since it comes from live state.
func takeSnapshot(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	state, err := engine.CreateSnapshotState()
	if err != nil {
		return err
	}

	snapData := persistence.NewSnapshotData(state, time.Now().UTC())
	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}
	return nil
}
