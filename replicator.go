package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/admin"
	"github.com/tejeswarp/tungsten-replicator/applier"
	"github.com/tejeswarp/tungsten-replicator/cfg"
	"github.com/tejeswarp/tungsten-replicator/chunker"
	"github.com/tejeswarp/tungsten-replicator/dispatch"
	"github.com/tejeswarp/tungsten-replicator/event"
	"github.com/tejeswarp/tungsten-replicator/extractor"
	"github.com/tejeswarp/tungsten-replicator/filter"
	"github.com/tejeswarp/tungsten-replicator/pipeline"
	"github.com/tejeswarp/tungsten-replicator/telemetry"
	"github.com/tejeswarp/tungsten-replicator/thl"
)

func telemetryInit() {
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
}

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("source_id", cfg.Config.SourceID).
		Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tungsten Replicator - parallel transaction replication")
	// Telemetry relies on the resolved source ID, so it comes after Load.
	telemetryInit()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, err := thl.Open(filepath.Join(cfg.Config.DataDir, "thl"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open transaction history log")
		return
	}
	defer history.Close()

	rcfg := cfg.Config.Replication
	queue, err := dispatch.NewParallelQueue(dispatch.Config{
		Partitions:          rcfg.Partitions,
		MaxSize:             rcfg.MaxQueueSize,
		MaxControlEvents:    rcfg.MaxControlEvents,
		MaxCriticalSections: rcfg.MaxCriticalSections,
		SyncEnabled:         rcfg.SyncEnabled,
		SyncInterval:        rcfg.SyncInterval,
		Partitioner:         rcfg.Partitioner,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize parallel dispatch queue")
		return
	}

	hub := pipeline.NewHub()
	var wg sync.WaitGroup

	extractTracker := startExtractStage(ctx, &wg, history, hub)
	applyTracker, applySchedule := startApplyStages(ctx, &wg, history, queue, hub)
	startQueueFeed(ctx, &wg, history, queue)
	startChunkPlanner(ctx, &wg)

	trackers := map[string]*pipeline.ProgressTracker{}
	if extractTracker != nil {
		trackers["binlog-to-thl"] = extractTracker
	}
	if applyTracker != nil {
		trackers["q-to-dbms"] = applyTracker
	}

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
		adminServer = admin.NewServer(addr, queue, history, trackers)
		if err := adminServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
	}

	log.Info().
		Str("source_id", cfg.Config.SourceID).
		Int("partitions", rcfg.Partitions).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Replicator is operational")

	<-ctx.Done()
	log.Info().Msg("Shutdown requested")

	// Drain cleanly: a STOP control at the next transaction boundary
	// lets each stage commit through its current block before exiting.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	if err := queue.InsertStopEvent(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to insert stop event")
	}
	cancelStop()
	if applySchedule != nil {
		applySchedule.Cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Stages did not drain in time")
	}

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminServer.Stop(shutdownCtx)
		cancel()
	}
	log.Info().Msg("Replicator stopped")
}

// startExtractStage runs the binlog-to-THL stage when a binlog source is
// configured. The THL extractor type needs no extract stage: the log is
// fed externally.
func startExtractStage(ctx context.Context, wg *sync.WaitGroup, history *thl.Log, hub *pipeline.Hub) *pipeline.ProgressTracker {
	if cfg.Config.Extractor.Type != "binlog" {
		return nil
	}

	startSeqno, err := history.MaxStoredSeqno()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read history log high-water mark")
		return nil
	}

	bcfg := cfg.Config.Extractor.Binlog
	binlog, err := extractor.NewBinlogExtractor(extractor.BinlogConfig{
		Host:       bcfg.Host,
		Port:       uint16(bcfg.Port),
		User:       bcfg.User,
		Password:   bcfg.Password,
		ServerID:   bcfg.ServerID,
		Flavor:     bcfg.Flavor,
		Service:    cfg.Config.Service,
		SourceID:   cfg.Config.SourceID,
		StartSeqno: startSeqno,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure binlog extractor")
		return nil
	}
	if err := binlog.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start binlog extractor")
		return nil
	}

	tracker := pipeline.NewProgressTracker("binlog-to-thl")
	schedule := pipeline.NewSchedule()
	rcfg := cfg.Config.Replication

	ddl, err := filter.NewDDLMarker()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build DDL filter")
		return nil
	}

	task, err := pipeline.NewStageTask(
		pipeline.StageConfig{
			Name:                 "binlog-to-thl",
			TaskID:               0,
			BlockCommitRows:      rcfg.BlockCommitRows,
			ExtractorPolicy:      rcfg.ExtractorPolicy,
			ApplierPolicy:        rcfg.ApplierPolicy,
			SyncTHLWithExtractor: rcfg.SyncTHLWithExtractor,
			AutoSync:             rcfg.AutoSync,
		},
		binlog,
		[]pipeline.Filter{ddl},
		thl.NewLogApplier(history, 0),
		schedule,
		tracker.Task(0),
		hub,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build extract stage")
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer binlog.Stop()
		task.Run(ctx)
	}()
	return tracker
}

// startQueueFeed pumps the history log into the dispatch queue in commit
// order. This is the queue's single producer.
func startQueueFeed(ctx context.Context, wg *sync.WaitGroup, history *thl.Log, queue *dispatch.ParallelQueue) {
	feed := thl.NewLogExtractor(history, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			generic, err := feed.Extract(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("History log read failed")
				continue
			}
			if generic == nil {
				continue
			}
			ev, ok := generic.(*event.Event)
			if !ok {
				continue
			}
			if err := queue.Put(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Uint64("seqno", ev.Seqno).Msg("Dispatch queue rejected event")
				return
			}
		}
	}()
}

// startApplyStages runs one stage task per partition against the
// configured appliers.
func startApplyStages(ctx context.Context, wg *sync.WaitGroup, history *thl.Log, queue *dispatch.ParallelQueue, hub *pipeline.Hub) (*pipeline.ProgressTracker, *pipeline.Schedule) {
	if len(cfg.Config.Appliers) == 0 {
		log.Warn().Msg("No appliers configured; events stop at the history log")
		return nil, nil
	}
	applierCfg := cfg.Config.Appliers[0]
	if len(cfg.Config.Appliers) > 1 {
		log.Warn().Str("applier", applierCfg.Name).Msg("Multiple appliers configured; using the first")
	}

	rcfg := cfg.Config.Replication
	tracker := pipeline.NewProgressTracker("q-to-dbms")
	schedule := pipeline.NewSchedule()

	for taskID := 0; taskID < rcfg.Partitions; taskID++ {
		partitionCfg := applierCfg
		partitionCfg.Name = fmt.Sprintf("%s-%d", applierCfg.Name, taskID)
		a, err := applier.New(partitionCfg)
		if err != nil {
			log.Fatal().Err(err).Int("task_id", taskID).Msg("Failed to build applier")
			return nil, nil
		}

		task, err := pipeline.NewStageTask(
			pipeline.StageConfig{
				Name:                 "q-to-dbms",
				TaskID:               taskID,
				BlockCommitRows:      rcfg.BlockCommitRows,
				ExtractorPolicy:      rcfg.ExtractorPolicy,
				ApplierPolicy:        rcfg.ApplierPolicy,
				SyncTHLWithExtractor: rcfg.SyncTHLWithExtractor,
				AutoSync:             rcfg.AutoSync,
			},
			&queueExtractor{queue: queue, taskID: taskID},
			nil,
			a,
			schedule,
			tracker.Task(taskID),
			hub,
		)
		if err != nil {
			log.Fatal().Err(err).Int("task_id", taskID).Msg("Failed to build apply stage")
			return nil, nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			task.Run(ctx)
		}()
	}
	return tracker, schedule
}

// startChunkPlanner runs bulk snapshot chunk planning when enabled. The
// emitted chunks feed the provisioning workers attached to the queue.
func startChunkPlanner(ctx context.Context, wg *sync.WaitGroup) {
	ccfg := cfg.Config.Chunker
	if !ccfg.Enabled {
		return
	}

	db, err := sql.Open(ccfg.Driver, ccfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open chunker connection")
		return
	}

	var store chunker.Store
	switch ccfg.Driver {
	case "sqlite3":
		store = chunker.NewSQLiteStore(db)
	default:
		store = chunker.NewMySQLStore(db)
	}

	var defs []chunker.ChunkRequest
	if ccfg.DefinitionsFile != "" {
		defs, err = chunker.LoadDefinitions(ccfg.DefinitionsFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load chunk definitions")
			return
		}
	}

	chunks := make(chan chunker.NumericChunk, ccfg.ExtractChannels*4)
	planner, err := chunker.NewPlanner(store, chunker.PlannerConfig{
		ChunkSize:       ccfg.ChunkSize,
		ExtractChannels: ccfg.ExtractChannels,
		Definitions:     defs,
	}, chunks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build chunk planner")
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer db.Close()
		if err := planner.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Chunk planning failed")
		}
	}()

	for i := 0; i < ccfg.ExtractChannels; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for chunk := range chunks {
				if chunk.Done() {
					log.Info().Int("worker", worker).Msg("Chunk worker finished")
					return
				}
				log.Info().Int("worker", worker).Stringer("chunk", chunk).Msg("Chunk ready for extraction")
			}
		}(i)
	}
}

// queueExtractor adapts a dispatch queue partition to the stage
// extractor interface.
type queueExtractor struct {
	queue  *dispatch.ParallelQueue
	taskID int
}

func (x *queueExtractor) Extract(ctx context.Context) (event.Replicated, error) {
	return x.queue.Get(ctx, x.taskID)
}

func (x *queueExtractor) HasMore() bool {
	return x.queue.Size(x.taskID) > 0
}
