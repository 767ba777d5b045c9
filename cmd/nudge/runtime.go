package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advisor"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/emit"
	"github.com/hpungsan/nudge/internal/mcp"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
	"github.com/hpungsan/nudge/internal/session"
	"github.com/hpungsan/nudge/internal/source"
	"github.com/hpungsan/nudge/internal/web"
)

// sessionSweepInterval is how often serve mode drops idle session state.
const sessionSweepInterval = time.Minute

// runtime is one assembled pipeline and the stores behind it.
type runtime struct {
	baseDir  string
	db       *sql.DB
	cfg      *config.Config
	logger   *zap.Logger
	cache    *packet.Cache
	trust    *rank.TrustTable
	sessions *session.Store
	pipe     *advisor.Pipeline
	snap     *session.Snapshotter
}

// newRuntime wires sources, ranking, the packet cache and the recorder into
// a pipeline. Session snapshots are best effort: another nudge process may
// hold the snapshot store, in which case sessions start empty.
func newRuntime(ctx context.Context, baseDir string, database *sql.DB, cfg *config.Config, logger *zap.Logger, opts ...rank.Option) (*runtime, error) {
	trust := rank.NewTrustTable(cfg.Trust, database)
	if err := trust.Load(ctx); err != nil {
		return nil, err
	}
	cache, err := packet.New(ctx, database, packet.OptionsFromConfig(cfg), logger.Named("packet"))
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(cfg.MaxSessions)
	rt := &runtime{
		baseDir:  baseDir,
		db:       database,
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		trust:    trust,
		sessions: sessions,
	}

	if snap, err := session.OpenSnapshotter(filepath.Join(baseDir, "sessions"), sessions, logger.Named("session")); err != nil {
		logger.Warn("session snapshots unavailable", zap.Error(err))
	} else {
		rt.snap = snap
		if n, err := snap.Restore(ctx); err != nil {
			logger.Warn("session restore failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("restored sessions", zap.Int("sessions", n))
		}
	}

	rt.pipe = advisor.New(cfg, advisor.Deps{
		Collector: source.NewCollector(adapters(database, cfg), cfg.SourceTimeout(), cfg.MaxCandidatesPerSource, logger.Named("source")),
		Engine:    rank.NewEngine(cfg, trust, append([]rank.Option{rank.WithLogger(logger.Named("rank"))}, opts...)...),
		Sessions:  sessions,
		Packets:   cache,
		Composer:  emit.NewComposer(nil, logger.Named("emit")),
		Recorder:  emit.NewRecorder(database, trust, cache, logger.Named("emit")),
		Logger:    logger.Named("advisor"),
	})
	return rt, nil
}

// adapters lists the configured candidate sources in collection order.
func adapters(database *sql.DB, cfg *config.Config) []source.Adapter {
	var out []source.Adapter
	if len(cfg.PlaybookPaths) > 0 {
		out = append(out, source.NewPlaybook(cfg.PlaybookPaths))
	}
	out = append(out, source.NewInsight(database, cfg.MaxCandidatesPerSource))
	if len(cfg.FeedPaths) > 0 {
		out = append(out, source.NewFeed(cfg.FeedPaths))
	}
	return out
}

// Close waits for pending bookkeeping, then persists session state.
func (rt *runtime) Close() {
	rt.pipe.Wait()
	if rt.snap == nil {
		return
	}
	if err := rt.snap.Flush(context.Background()); err != nil {
		rt.logger.Warn("session flush failed", zap.Error(err))
	}
	if err := rt.snap.Close(); err != nil {
		rt.logger.Warn("closing session snapshots failed", zap.Error(err))
	}
}

func (rt *runtime) mcpDeps() mcp.Deps {
	return mcp.Deps{DB: rt.db, Config: rt.cfg, Pipeline: rt.pipe, Packets: rt.cache, Trust: rt.trust}
}

func (rt *runtime) webDeps() web.Deps {
	return web.Deps{DB: rt.db, Config: rt.cfg, Pipeline: rt.pipe, Packets: rt.cache, Trust: rt.trust, Logger: rt.logger.Named("web")}
}

// sweepSessions drops idle session state until ctx is done.
func (rt *runtime) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := rt.sessions.Sweep(now); n > 0 {
				rt.logger.Debug("swept idle sessions", zap.Int("sessions", n))
			}
		}
	}
}
