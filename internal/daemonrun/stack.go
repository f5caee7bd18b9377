package daemonrun

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"lectern/internal/aitrack"
	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/database"
	"lectern/internal/inference"
	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/media"
	"lectern/internal/progress"
	"lectern/internal/render"
	"lectern/internal/retry"
	"lectern/internal/sources"
	"lectern/internal/stagecache"
	"lectern/internal/stages"
	"lectern/internal/storage"
	"lectern/internal/workflow"
)

// stack holds every long-lived component of one daemon process.
type stack struct {
	db       *database.DB
	jobs     *jobs.Store
	hub      *progress.Hub
	workflow *workflow.Manager
	daemon   *daemon.Daemon
}

func (s *stack) close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// buildStack opens the database and object storage and assembles the
// pipeline dependencies around them.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	db, err := database.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &stack{db: db}

	store, err := storage.New(ctx, cfg)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	executor := retry.New(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
	}, retry.WithLogger(logger))

	cache := stagecache.New(db,
		stagecache.WithLogger(logger),
		stagecache.WithClaimTimeout(cfg.ClaimTimeout()),
	)
	if removed, err := cache.Purge(ctx); err != nil {
		logging.WarnWithContext(logger, "checkpoint purge failed", "cache_purge_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "expired checkpoints stay on disk until the next start"),
		)
	} else if removed > 0 {
		logger.Info("purged expired checkpoints",
			logging.String(logging.FieldEventType, "cache_purged"),
			logging.Int64("removed", removed),
		)
	}
	tracker := aitrack.New(db, cfg.Pricing, aitrack.WithLogger(logger))

	client := inference.NewHTTPClient(inference.Config{
		APIKey:  cfg.Inference.APIKey,
		BaseURL: cfg.Inference.BaseURL,
		Timeout: cfg.InferenceTimeout(),
	})
	tracked := inference.NewTracked(client, tracker, cache, executor,
		inference.WithMemoTTL(cfg.AICacheTTL()),
		inference.WithAttemptTimeout(cfg.InferenceTimeout()),
		inference.WithLogger(logger),
	)

	retriever := sources.New(sources.Config{
		LectureCaptureURL: cfg.Sources.LectureCaptureURL,
		MaxDownloadBytes:  cfg.Sources.MaxDownloadBytes,
	}, store, executor, sources.WithLogger(logger))

	workers := int64(cfg.Workflow.CPUWorkers)
	if workers < 1 {
		workers = 1
	}

	s.jobs = jobs.NewStore(db, jobs.WithLogger(logger))
	s.hub = progress.NewHub(
		progress.WithHistory(s.jobs),
		progress.WithSink(progress.NewStoreSink(s.jobs, logger)),
		progress.WithPollInterval(cfg.PollInterval()),
		progress.WithLogger(logger),
	)
	s.workflow = workflow.NewManager(workflow.Dependencies{
		Config:  cfg,
		Jobs:    s.jobs,
		Cache:   cache,
		Tracker: tracker,
		Hub:     s.hub,
		Logger:  logger,
		Stages: stages.Deps{
			Config:    cfg,
			Sources:   retriever,
			Storage:   store,
			Inference: tracked,
			Media:     media.New(cfg.Tools, media.WithLogger(logger)),
			Renderer:  render.New(cfg.Tools.RenderCommand, render.WithLogger(logger)),
			Executor:  executor,
			CPU:       semaphore.NewWeighted(workers),
		},
	})

	d, err := daemon.New(cfg, logger, s.workflow)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	s.daemon = d
	return s, nil
}
