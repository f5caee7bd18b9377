package jobs

import (
	"context"
	"fmt"

	"lectern/internal/database"
)

// AppendEvent persists one progress event. The (job, generation, seq) key
// makes duplicate appends a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_events (`+eventColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(job_id, generation, seq) DO NOTHING`,
		ev.JobID,
		ev.Generation,
		ev.Seq,
		ev.Ordinal,
		database.NullableString(ev.Stage),
		ev.Status,
		ev.Percent,
		database.NullableString(ev.Message),
		database.BoolInt(ev.Terminal),
		database.FormatTime(created),
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the events of one execution generation in sequence order.
func (s *Store) Events(ctx context.Context, jobID string, generation int) ([]Event, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM job_events WHERE job_id = ? AND generation = ? ORDER BY seq`,
		jobID, generation,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
