package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/progress"
)

// heartbeat renews the execution lease until ctx ends. Losing the lease
// stops the execution, since another process may now own the job.
func (m *Manager) heartbeat(ctx context.Context, wg *sync.WaitGroup, x *execution, stop context.CancelFunc) {
	defer wg.Done()
	interval := m.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = max(m.cfg.LeaseTimeout()/3, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := x.logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat"))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.store.Renew(ctx, x.job.ID, m.owner, m.cfg.LeaseTimeout())
			switch {
			case err == nil:
			case errors.Is(err, jobs.ErrLeaseLost):
				x.leaseLost.Store(true)
				logging.WarnWithContext(logger, "execution lease lost", "job_lease_lost",
					logging.String(logging.FieldImpact, "execution stopped; the job was reclaimed or finished elsewhere"),
					logging.String(logging.FieldErrorHint, "retry the job if it was marked failed"),
				)
				stop()
				return
			case errors.Is(err, context.Canceled):
				logger.Debug("heartbeat stopped by shutdown")
				return
			default:
				logger.Warn("heartbeat update failed",
					logging.String(logging.FieldEventType, "heartbeat_failed"),
					logging.Error(err),
				)
			}
		}
	}
}

// reclaimStale fails running jobs whose lease expired and closes their
// progress streams.
func (m *Manager) reclaimStale(ctx context.Context) {
	ids, err := m.store.ReclaimStale(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.WarnWithContext(m.logger, "reclaim stale jobs failed", "heartbeat_reclaim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database access"),
				logging.String(logging.FieldImpact, "jobs from crashed hosts stay running until the next pass"),
			)
		}
		return
	}
	for _, id := range ids {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			continue
		}
		m.hub.Publish(progress.Event{
			JobID:      id,
			Generation: job.Generation(),
			Stage:      job.ErrorStage,
			Status:     progress.StatusFailed,
			Percent:    job.ProgressPercent,
			Message:    jobs.LeaseExpiredReason,
			Terminal:   true,
		})
	}
	if len(ids) > 0 {
		m.logger.Info("reclaimed stale jobs",
			logging.String(logging.FieldEventType, "jobs_reclaimed"),
			logging.Int("count", len(ids)),
		)
	}
}
