package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/engine"
	"github.com/delfinet/delfi/pkg/delfi/facts"
	"github.com/delfinet/delfi/pkg/delfi/knowledge"
	"github.com/delfinet/delfi/pkg/delfi/mesh"
	"github.com/delfinet/delfi/pkg/delfi/oracle"
	"github.com/delfinet/delfi/pkg/delfi/scheduler"
	"github.com/delfinet/delfi/pkg/delfi/store"
)

// daemon bundles the long-lived components serve and simulate wire
// together: store, engine, trust store, radio adapter, oracle, and the
// maintenance scheduler.
type daemon struct {
	cfg     *oracle.Config
	logger  *slog.Logger
	st      *store.Store
	facts   *facts.Store
	engine  *engine.Engine
	watcher *engine.Watcher
	trust   *knowledge.TrustStore
	syncer  *knowledge.Syncer
	adapter mesh.Adapter
	oracle  *oracle.Oracle
	sched   *scheduler.Scheduler
}

// buildDaemon wires every component from an already-validated config.
// Nothing is connected or started yet; the caller owns the lifecycle.
func buildDaemon(cfg *oracle.Config, logger *slog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	client := engine.NewClient(engine.Options{
		Host:           cfg.OllamaHost,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		Timeout:        cfg.GenerateTimeout(),
		NumCtx:         cfg.NumCtx,
		NumPredict:     cfg.NumPredict,
	}, logger)
	index := engine.NewIndex(st, client, logger)
	if err := index.Load(); err != nil {
		logger.Warn("could not restore persisted index, re-embedding from disk", "error", err)
	}
	eng := engine.New(client, index, cfg.NodeName, cfg.Personality, cfg.KnowledgeFolder, logger)

	fs := facts.New(cfg.FactFeedPath(), filepath.Join(cfg.DataDir, "facts.json"), logger)
	fs.Refresh()

	trust := knowledge.New(cfg.MeshKnowledge, st, eng, cfg.DataDir, logger)

	adapter, err := mesh.New(cfg.Radio, cfg.MaxResponseBytes, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating radio adapter: %w", err)
	}

	// Sync frames bypass the oracle's outbound pacing: the exchange
	// runs in the quiet window where the channel is idle anyway.
	syncer := knowledge.NewSyncer(trust, func(to, text string) {
		if err := adapter.Send(context.Background(), to, text); err != nil {
			logger.Warn("sync frame send failed", "to", to, "error", err)
		}
	}, cfg.MaxResponseBytes, logger)

	orc := oracle.New(cfg, oracle.Deps{
		Adapter: adapter,
		Engine:  eng,
		Trust:   trust,
		Syncer:  syncer,
		Facts:   fs,
		Store:   st,
		Logger:  logger,
	})

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		st:      st,
		facts:   fs,
		engine:  eng,
		watcher: engine.NewWatcher(cfg.KnowledgeFolder, 0, eng, logger),
		trust:   trust,
		syncer:  syncer,
		adapter: adapter,
		oracle:  orc,
		sched:   scheduler.New(logger),
	}
	d.registerJobs()
	return d, nil
}

// registerJobs wires the periodic maintenance the daemon needs. Jobs
// for disabled features are simply not registered.
func (d *daemon) registerJobs() {
	every := func(name string, interval time.Duration, fn scheduler.JobFunc) {
		if err := d.sched.Every(name, interval, fn); err != nil {
			d.logger.Warn("could not register job", "job", name, "error", err)
		}
	}

	every("engine-health", 30*time.Second, func(ctx context.Context) {
		d.engine.CheckHealth(ctx)
	})
	// The watcher catches edits as they happen; the slow pass catches a
	// knowledge folder created after startup.
	every("reindex", 10*time.Minute, func(ctx context.Context) {
		if _, err := d.engine.Reindex(ctx); err != nil {
			d.logger.Warn("periodic reindex failed", "error", err)
		}
	})
	every("facts-refresh", time.Minute, func(_ context.Context) {
		d.facts.Refresh()
	})
	every("cache-sweep", 5*time.Minute, func(_ context.Context) {
		d.oracle.SweepCaches()
	})
	every("memory-cleanup", 10*time.Minute, func(_ context.Context) {
		d.oracle.Memory().Cleanup()
	})
	if d.oracle.Board().Enabled() {
		every("board-sweep", time.Hour, func(_ context.Context) {
			d.oracle.Board().Sweep()
		})
	}

	kcfg := d.trust.Config()
	if kcfg.Gossip.Enabled {
		interval := time.Duration(kcfg.Gossip.AnnounceInterval) * time.Second
		every("gossip-announce", interval, d.announce)
		every("directory-sweep", time.Hour, func(_ context.Context) {
			d.trust.Directory().Sweep()
		})
	}
	if kcfg.Sync.Enabled {
		every("sync-tick", time.Minute, func(_ context.Context) {
			d.syncer.Tick()
		})
	}
}

// announce sends this node's topic advertisement to each configured
// peer as a direct message, keeping the broadcast channel free.
func (d *daemon) announce(ctx context.Context) {
	frame := knowledge.FormatAnnouncement(d.cfg.NodeName, d.cfg.Model, d.engine.Topics())
	for _, peer := range d.trust.Config().Peers {
		if err := d.adapter.Send(ctx, peer.NodeID, frame); err != nil {
			d.logger.Warn("announce failed", "peer", peer.NodeID, "error", err)
		}
	}
}

// close releases everything buildDaemon opened, in reverse order.
func (d *daemon) close() {
	if err := d.adapter.Disconnect(); err != nil {
		d.logger.Warn("radio disconnect failed", "error", err)
	}
	if err := d.st.Close(); err != nil {
		d.logger.Warn("store close failed", "error", err)
	}
}
