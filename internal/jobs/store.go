package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lectern/internal/database"
	"lectern/internal/logging"
)

// Store wraps the jobs, artifacts and job_events tables.
type Store struct {
	db     *database.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes the store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logging.NewComponentLogger(logger, "jobs")
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore binds a store to an open database.
func NewStore(db *database.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a pending job.
func (s *Store) Create(ctx context.Context, req NewJob) (*Job, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New("create job: user id is required")
	}
	now := database.FormatTime(s.now())
	id := uuid.NewString()
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, user_id, status, profile, input_type, input_ref, title, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		req.UserID,
		StatusPending,
		req.Profile,
		req.InputType,
		req.InputRef,
		database.NullableString(req.Title),
		now,
		now,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.logger.Debug("job created",
		logging.String(logging.FieldEventType, "job_created"),
		logging.String(logging.FieldJobID, id),
		logging.String("user_id", req.UserID),
		logging.String("input_type", req.InputType),
	)
	return s.Get(ctx, id)
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PendingIDs returns the oldest claimable jobs.
func (s *Store) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM jobs WHERE status = ? AND cancel_requested = 0 ORDER BY created_at, id LIMIT ?`,
		StatusPending,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRunning returns the number of jobs holding a lease.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, StatusRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// SaveProgress records the current stage, percent and context snapshot.
// Empty title and context leave the stored values untouched.
func (s *Store) SaveProgress(ctx context.Context, id, stage string, percent float64, contextJSON, title string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET stage = ?, progress_percent = ?,
             context_json = COALESCE(?, context_json),
             title = COALESCE(?, title),
             updated_at = ?
         WHERE id = ?`,
		database.NullableString(stage),
		percent,
		database.NullableString(contextJSON),
		database.NullableString(title),
		database.FormatTime(s.now()),
		id,
	); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
