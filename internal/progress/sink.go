package progress

import (
	"context"
	"log/slog"
	"time"

	"lectern/internal/jobs"
	"lectern/internal/logging"
)

const persistTimeout = 5 * time.Second

// EventAppender persists events.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev jobs.Event) error
}

// StoreSink writes published events to the job_events table.
type StoreSink struct {
	store  EventAppender
	logger *slog.Logger
}

// NewStoreSink builds a persisting sink.
func NewStoreSink(store EventAppender, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logging.NewComponentLogger(logger, "progress-sink")}
}

// Append persists ev. Failures are logged; live subscribers are unaffected.
func (s *StoreSink) Append(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.store.AppendEvent(ctx, jobs.Event{
		JobID:      ev.JobID,
		Generation: ev.Generation,
		Seq:        ev.Seq,
		Ordinal:    ev.Ordinal,
		Stage:      ev.Stage,
		Status:     ev.Status,
		Percent:    ev.Percent,
		Message:    ev.Message,
		Terminal:   ev.Terminal,
		CreatedAt:  ev.Time,
	})
	if err != nil {
		logging.WarnWithContext(s.logger, "progress event not persisted", "progress_persist_failed",
			logging.String(logging.FieldJobID, ev.JobID),
			logging.Int("seq", ev.Seq),
			logging.Error(err),
			logging.String(logging.FieldImpact, "replay after restart will miss this event"),
		)
	}
}
