package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lectern/internal/database"
	"lectern/internal/logging"
)

// Outcome is the terminal result recorded by Finish.
type Outcome struct {
	Status       Status
	ErrorStage   string
	ErrorKind    string
	ErrorMessage string
}

// Claim takes the execution lease of a pending job.
func (s *Store) Claim(ctx context.Context, id, owner string, lease time.Duration) (*Job, error) {
	now := s.now()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1,
             started_at = ?, finished_at = NULL, progress_percent = 0, updated_at = ?
         WHERE id = ? AND status = ? AND cancel_requested = 0`,
		StatusRunning,
		owner,
		database.FormatTime(now.Add(lease)),
		database.FormatTime(now),
		database.FormatTime(now),
		id,
		StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflict(ctx, id)
	}
	return s.Get(ctx, id)
}

// Retry moves a failed or cancelled job straight back to running under a new
// lease. Error fields and the cancel flag are cleared and attempts advances,
// which opens a new event generation.
func (s *Store) Retry(ctx context.Context, id, owner string, lease time.Duration) (*Job, error) {
	now := s.now()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1,
             cancel_requested = 0, error_stage = NULL, error_kind = NULL, error_message = NULL,
             stage = NULL, progress_percent = 0, started_at = ?, finished_at = NULL, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		StatusRunning,
		owner,
		database.FormatTime(now.Add(lease)),
		database.FormatTime(now),
		database.FormatTime(now),
		id,
		StatusFailed,
		StatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err := s.conflict(ctx, id)
		if errors.Is(err, ErrJobTerminal) {
			// Only completed jobs reach here; failed and cancelled matched above.
			return nil, fmt.Errorf("retry job %s: %w", id, ErrJobTerminal)
		}
		return nil, err
	}
	s.logger.Info("job retry claimed",
		logging.String(logging.FieldEventType, "job_retry"),
		logging.String(logging.FieldJobID, id),
	)
	return s.Get(ctx, id)
}

// Renew extends a lease held by owner.
func (s *Store) Renew(ctx context.Context, id, owner string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND lease_owner = ?`,
		database.FormatTime(now.Add(lease)),
		database.FormatTime(now),
		id,
		StatusRunning,
		owner,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Finish records a terminal outcome and releases the lease.
func (s *Store) Finish(ctx context.Context, id, owner string, out Outcome) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("finish job: %q is not a terminal status", out.Status)
	}
	now := database.FormatTime(s.now())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, error_stage = ?, error_kind = ?, error_message = ?,
             progress_percent = CASE WHEN ? = 'completed' THEN 100 ELSE progress_percent END,
             lease_owner = NULL, lease_expires_at = NULL, finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND lease_owner = ?`,
		out.Status,
		database.NullableString(out.ErrorStage),
		database.NullableString(out.ErrorKind),
		database.NullableString(out.ErrorMessage),
		out.Status,
		now,
		now,
		id,
		StatusRunning,
		owner,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequestCancel sets the durable cancel flag. A pending job is cancelled
// immediately; a running job observes the flag at its next check.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	now := database.FormatTime(s.now())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, cancel_requested = 1, finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusCancelled, now, now, id, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel pending job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.Get(ctx, id)
	}

	res, err = s.db.ExecContext(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		now, id, StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflict(ctx, id)
	}
	return s.Get(ctx, id)
}

// CancelRequested reports the durable cancel flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int64
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag); err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// ReclaimStale fails running jobs whose lease expired and returns their ids.
// Recovery is an explicit retry.
func (s *Store) ReclaimStale(ctx context.Context) ([]string, error) {
	now := database.FormatTime(s.now())
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM jobs WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		StatusRunning, now,
	)
	if err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, id := range candidates {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, error_stage = stage, error_kind = 'stage', error_message = ?,
                 lease_owner = NULL, lease_expires_at = NULL, finished_at = ?, updated_at = ?
             WHERE id = ? AND status = ? AND lease_expires_at < ?`,
			StatusFailed, LeaseExpiredReason, now, now, id, StatusRunning, now,
		)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reclaimed = append(reclaimed, id)
			logging.WarnWithContext(s.logger, "job lease expired", "job_lease_expired",
				logging.String(logging.FieldJobID, id),
				logging.String(logging.FieldImpact, "job marked failed; retry to resume from checkpoints"),
			)
		}
	}
	return reclaimed, nil
}

// conflict classifies a CAS that matched no rows.
func (s *Store) conflict(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case job.Status == StatusRunning:
		return fmt.Errorf("job %s: %w", id, ErrJobActive)
	case job.Status.IsTerminal():
		return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobTerminal)
	default:
		return fmt.Errorf("job %s: %w", id, ErrJobActive)
	}
}
