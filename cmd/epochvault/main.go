package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"epochvault/internal/config"
	"epochvault/internal/core"
	"epochvault/internal/event"
	"epochvault/internal/fixedpoint"
	"epochvault/internal/ingestion"
	"epochvault/internal/observability"
	"epochvault/internal/persistence"
	"epochvault/internal/projection"
	"epochvault/internal/query"
	"epochvault/internal/scheduler"
	"epochvault/internal/server"
	"epochvault/internal/vault"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("epochvault starting")

	cfgPath := os.Getenv("VAULT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("validate config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Persistence.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	roundStore := persistence.NewRoundStore(db)
	writer := persistence.NewOperationLogWriter(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Vault + processor ---
	// The clock is pinned to each command's timestamp before the vault is
	// touched, so replaying the op log reproduces the same round boundaries
	// and fee accruals as the original run.
	clock := core.NewCommandClock()

	v := vault.New(vault.Config{
		Decimals:             fixedpoint.NewDecimalConfig(int(cfg.Vault.Decimals)),
		InitialRound:         cfg.Vault.InitialRound,
		PerformanceRate:      cfg.Vault.PerformanceRate,
		ManagementRate:       cfg.Vault.ManagementRate,
		EpochsPerYear:        cfg.Vault.EpochsPerYear,
		EpochDuration:        cfg.Vault.EpochDuration,
		WithdrawalFeeRate:    cfg.Vault.WithdrawalFeeRate,
		Cap:                  cfg.Vault.Cap,
		MinDeposit:           cfg.Vault.MinDeposit,
		LateWithdrawalWindow: cfg.Vault.LateWithdrawalWindow,
		FeeRecipient:         cfg.Vault.FeeRecipient,
	}, log, vault.WithClock(clock.Now), vault.WithStore(roundStore))

	// Core output channels. Persist blocks (backpressure into ingestion),
	// publish drops when full.
	persistChan := make(chan core.Output, cfg.Channels.PersistSize)
	publishChan := make(chan core.Output, cfg.Channels.PublishSize)

	// Bridge channels, converted per consumer to avoid import cycles.
	opRowChan := make(chan persistence.OperationRow, cfg.Channels.PersistSize)
	pubCmdChan := make(chan ingestion.PublishableCommand, cfg.Channels.PublishSize)
	projChan := make(chan projection.Update, cfg.Channels.ProjectionSize)

	proc := core.NewProcessor(0, v, persistChan, publishChan, dbChecker, cfg.IdempotencyLRUCapacity, metrics)
	proc.SetClock(clock)

	// --- Recovery: snapshot restore + op-log replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load snapshot failed, replaying from sequence 0")
	}
	if snap != nil {
		proc.RestoreFromSnapshot(&core.SnapshotState{
			Sequence:        snap.Sequence,
			Vault:           snap.Vault,
			SequenceState:   snap.SequenceState,
			IdempotencyKeys: snap.IdempotencyKeys,
			LastValuation:   snap.LastValuation,
			HasValuation:    snap.HasValuation,
		})
		proc.WarmLRU(snap.IdempotencyKeys)
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Int("lru_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	errChan := make(chan error, 10)

	// 1. Persistence worker. Started before replay: op-log writes are
	// idempotent on sequence, so replayed outputs are dropped by Postgres.
	persistWorker := persistence.NewWorker(db, opRowChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, log)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker. Replayed updates re-upsert the same rows.
	projWorker := projection.NewWorker(db, projChan, log)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Core output bridge.
	go bridgeOutputs(ctx, persistChan, publishChan, opRowChan, pubCmdChan, projChan, metrics, log)

	replayed, err := replayOperations(ctx, writer, proc, startSequence, metrics, log)
	if err != nil {
		log.Fatal().Err(err).Msg("op-log replay failed")
	}
	if replayed > 0 {
		log.Info().Int64("count", replayed).Int64("sequence", proc.GetSequence()).
			Msg("replayed operations")
	}

	// Cross-check the replayed round ledger against the last committed
	// post-close state blob. The blob is written inside each close
	// transaction, so replay must reach at least that round; falling short
	// means the op log and the close transactions disagree.
	if stored, err := roundStore.LoadState(ctx); err != nil {
		log.Warn().Err(err).Msg("state blob verification skipped")
	} else if stored != nil {
		live := v.State()
		if live.Round < stored.State.Round {
			log.Fatal().
				Uint64("committed_round", stored.State.Round).
				Uint64("replayed_round", live.Round).
				Msg("replayed state is behind the committed close state")
		}
		log.Info().Uint64("round", live.Round).Msg("state verified against committed close state")
	}

	// --- NATS ---
	// The transferor is attached only now: replay above settled the ledger
	// without re-issuing outbound transfers.
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	v.AttachTransferor(ingestion.NewNATSTransferor(nc, cfg.NATS.TransferTimeout, log))

	rawChan := make(chan ingestion.RawCommand, cfg.Channels.IngestSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, log)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	// 4. Outbound publisher.
	outbound := ingestion.NewOutboundPublisher(js, pubCmdChan, log)
	go func() {
		errChan <- outbound.Run(ctx)
	}()

	// Single typed-command stream into the core: NATS parse loop and admin
	// injection both feed it, one goroutine drains it.
	cmdChan := make(chan event.Command, cfg.Channels.IngestSize)
	adminIngest := ingestion.NewAdminIngestService(cmdChan)

	// 5. NATS parse loop.
	go runParseLoop(ctx, rawChan, cmdChan, log)

	// 6. Core loop.
	go runCoreLoop(ctx, cmdChan, proc, log)

	// --- Servers ---
	queryService := query.NewQueryService(db)

	// 7. gRPC server.
	grpcSrv := server.NewGRPCServer(cfg.Server.GRPCAddr, log)
	go func() {
		errChan <- grpcSrv.Start(ctx)
	}()

	// 8. HTTP server.
	httpSrv := server.NewHTTPServer(cfg.Server.HTTPAddr, &server.Deps{
		DB:            db,
		Vault:         v,
		Processor:     proc,
		QueryService:  queryService,
		AdminIngest:   adminIngest,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		StartTime:     time.Now(),
	}, log)
	go func() {
		errChan <- httpSrv.Start(ctx)
	}()

	// 9. Prometheus metrics server.
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 10. Periodic snapshots.
	go runPeriodicSnapshots(ctx, proc, snapMgr, cfg.Persistence.SnapshotInterval, cfg.Persistence.SnapshotsKept, metrics, log)

	// 11. Channel occupancy gauges.
	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"projection": func() (int, int) { return len(projChan), cap(projChan) },
		"ingest":     func() (int, int) { return len(cmdChan), cap(cmdChan) },
	})

	// --- Scheduler ---
	sched := scheduler.NewScheduler(ctx, v, adminIngest, log)
	if err := sched.RegisterAll(cfg.Schedule.RoundCloseCron, cfg.Schedule.FeeRetryCron); err != nil {
		log.Fatal().Err(err).Msg("register schedules")
	}
	sched.Start()

	healthChecker.SetReady(true)
	grpcSrv.SetServing(true)

	log.Info().
		Int64("sequence", proc.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("epochvault ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown: stop intake, flush workers, final snapshot ---
	healthChecker.SetReady(false)
	grpcSrv.SetServing(false)
	sched.Stop()
	subscriber.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, proc, snapMgr, cfg.Persistence.SnapshotsKept, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("epochvault shutdown complete")
}

// bridgeOutputs converts core outputs into the formats the persistence
// worker, the outbound publisher, and the projection worker consume. The
// op-log send blocks; publish and projection sends drop when full.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan core.Output,
	publishIn <-chan core.Output,
	opRowOut chan<- persistence.OperationRow,
	pubOut chan<- ingestion.PublishableCommand,
	projOut chan<- projection.Update,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			env := output.Envelope
			select {
			case opRowOut <- persistence.OperationRow{
				Sequence:       env.Sequence,
				CommandType:    env.CommandType.String(),
				IdempotencyKey: env.IdempotencyKey,
				Payload:        env.Payload,
				Result:         output.Result,
				Timestamp:      env.Timestamp,
				SourceSequence: env.SourceSequence,
			}:
			case <-ctx.Done():
				return
			}

		case output, ok := <-publishIn:
			if !ok {
				return
			}
			env := output.Envelope

			select {
			case pubOut <- ingestion.PublishableCommand{
				Sequence:       env.Sequence,
				CommandType:    env.CommandType.String(),
				IdempotencyKey: env.IdempotencyKey,
				Payload:        env.Payload,
				Result:         output.Result,
				Timestamp:      env.Timestamp,
			}:
			default:
				metrics.PublishDrops.Inc()
			}

			if update, ok := projectionUpdate(env, output.Result); ok {
				select {
				case projOut <- update:
				default:
					log.Warn().Int64("sequence", env.Sequence).Msg("projection channel full, update dropped")
				}
			}
		}
	}
}

// projectionUpdate extracts the withdrawal-projection delta from an applied
// command, or reports false for commands the projection does not track.
func projectionUpdate(env *event.CommandEnvelope, result []byte) (projection.Update, bool) {
	switch env.CommandType {
	case event.CommandTypeWithdrawQueueRequested, event.CommandTypeWithdrawCompleteRequested:
	default:
		return projection.Update{}, false
	}

	var payload struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return projection.Update{}, false
	}

	var res core.Result
	if len(result) > 0 {
		if err := json.Unmarshal(result, &res); err != nil {
			return projection.Update{}, false
		}
	}

	return projection.Update{
		Sequence:     env.Sequence,
		CommandType:  env.CommandType.String(),
		Account:      payload.Account,
		TargetRound:  res.TargetRound,
		QueuedShares: res.QueuedShares,
	}, true
}

// replayOperations feeds the op log from fromSequence back through the
// processor. Replay runs with no transferor attached; Postgres drops the
// rewritten rows on sequence conflict.
func replayOperations(
	ctx context.Context,
	writer *persistence.OperationLogWriter,
	proc *core.Processor,
	fromSequence int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int64, error) {
	ops, err := writer.ReadOperationsFrom(ctx, fromSequence)
	if err != nil {
		return 0, fmt.Errorf("read op log from seq %d: %w", fromSequence, err)
	}

	var replayed int64
	for _, op := range ops {
		ct := event.CommandTypeFromString(op.CommandType)
		cmd, err := event.UnmarshalCommand(ct, op.Payload)
		if err != nil {
			log.Warn().Int64("sequence", op.Sequence).Str("type", op.CommandType).Err(err).
				Msg("skip undecodable operation during replay")
			continue
		}

		if err := proc.ProcessCommand(ctx, cmd); err != nil {
			// Duplicates and ordering rejections are expected on replay.
			log.Debug().Int64("sequence", op.Sequence).Err(err).Msg("replay skip")
		}
		metrics.ReplayOpsTotal.Inc()
		replayed++
	}
	return replayed, nil
}

// runParseLoop turns raw NATS messages into typed commands. Messages are
// acked after the command is accepted by the core channel, not after core
// processing, so backpressure propagates to JetStream without AckWait
// expiry during bursts. Unparseable messages are acked and dropped to avoid
// redelivery loops.
func runParseLoop(ctx context.Context, rawChan <-chan ingestion.RawCommand, cmdChan chan<- event.Command, log zerolog.Logger) {
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := strings.TrimSuffix(sc.Subject, ".>")
		subjectToType[prefix] = sc.CommandType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			commandType := resolveCommandType(raw.Subject, subjectToType)
			if commandType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				raw.AckFunc()
				continue
			}

			cmd, err := ingestion.ParseRawCommand(raw, commandType)
			if err != nil {
				log.Warn().Str("subject", raw.Subject).Err(err).Msg("parse command failed")
				raw.AckFunc()
				continue
			}

			select {
			case cmdChan <- cmd:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// resolveCommandType matches a subject against the longest configured prefix.
func resolveCommandType(subject string, prefixMap map[string]string) string {
	bestLen := 0
	bestType := ""
	for prefix, ct := range prefixMap {
		if strings.HasPrefix(subject, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestType = ct
		}
	}
	return bestType
}

// runCoreLoop is the single goroutine that mutates vault state.
func runCoreLoop(ctx context.Context, cmdChan <-chan event.Command, proc *core.Processor, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmdChan:
			if !ok {
				return
			}
			if err := proc.ProcessCommand(ctx, cmd); err != nil {
				log.Warn().
					Str("type", cmd.CommandType().String()).
					Str("key", cmd.IdempotencyKey()).
					Err(err).
					Msg("command rejected")
			}
		}
	}
}

// sampleChannels reports channel occupancy every 5s.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sizeFn := range channels {
				size, capacity := sizeFn()
				metrics.ChannelSize.WithLabelValues(name).Set(float64(size))
				metrics.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
			}
		}
	}
}

// runPeriodicSnapshots checks every 10s whether the op sequence has advanced
// enough to warrant a new snapshot.
func runPeriodicSnapshots(
	ctx context.Context,
	proc *core.Processor,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	keep int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if interval <= 0 {
		interval = 10_000
	}

	lastSeq := proc.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := proc.GetSequence()
			if currentSeq-lastSeq >= interval {
				if err := takeSnapshot(ctx, proc, snapMgr, keep, metrics); err != nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSeq = currentSeq
					log.Info().Int64("sequence", currentSeq).Msg("periodic snapshot saved")
				}
			}
		}
	}
}

// takeSnapshot captures the in-memory state and persists it, then prunes
// old snapshots.
func takeSnapshot(
	ctx context.Context,
	proc *core.Processor,
	snapMgr *persistence.SnapshotManager,
	keep int,
	metrics *observability.Metrics,
) error {
	start := time.Now()
	state := proc.CreateSnapshotState()

	snap := &persistence.SnapshotData{
		Sequence:        state.Sequence,
		Vault:           state.Vault,
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		LastValuation:   state.LastValuation,
		HasValuation:    state.HasValuation,
		CreatedAt:       time.Now(),
	}

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.PruneSnapshots(ctx, keep); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return nil
}
