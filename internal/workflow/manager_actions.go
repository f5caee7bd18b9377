package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/progress"
	"lectern/internal/services"
	"lectern/internal/sources"
	"lectern/internal/textutil"
)

// Submit validates req, records a pending job and starts it when capacity
// allows. A job left pending is picked up by the dispatcher.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	if err := m.validate(ctx, &req); err != nil {
		return nil, err
	}
	job, err := m.store.Create(ctx, jobs.NewJob{
		UserID:    req.UserID,
		Profile:   req.Profile,
		InputType: req.Source.Type,
		InputRef:  strings.TrimSpace(req.Source.Ref),
		Title:     strings.TrimSpace(req.Source.DisplayName),
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldUserID, job.UserID),
		logging.String("source", req.Source.Label()),
		logging.String("profile", req.Profile),
	)

	if !m.hasCapacity() {
		m.signal()
		return job, nil
	}
	claimed, err := m.Start(ctx, job.ID)
	if errors.Is(err, jobs.ErrJobActive) || errors.Is(err, jobs.ErrJobTerminal) {
		// The dispatcher or a cancel got there first.
		return m.store.Get(ctx, job.ID)
	}
	return claimed, err
}

// Start claims a pending job and executes it asynchronously. A job that
// already has an active execution yields jobs.ErrJobActive.
func (m *Manager) Start(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := m.store.Claim(ctx, jobID, m.owner, m.cfg.LeaseTimeout())
	if err != nil {
		return nil, err
	}
	m.launch(job)
	return job, nil
}

// Retry re-runs a failed or cancelled job from the first stage. Stages with a
// valid checkpoint are reused, so work resumes where it stopped.
func (m *Manager) Retry(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := m.store.Retry(ctx, jobID, m.owner, m.cfg.LeaseTimeout())
	if err != nil {
		return nil, err
	}
	m.logger.Info("job retry started",
		logging.String(logging.FieldEventType, "job_retry"),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("attempt", job.Attempts),
	)
	m.launch(job)
	return job, nil
}

// Cancel requests cooperative cancellation. Pending jobs are cancelled
// immediately; running jobs stop at the next stage boundary or poll point.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := m.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job cancel requested",
		logging.String(logging.FieldEventType, "job_cancel_requested"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("status", string(job.Status)),
	)
	if job.Status == jobs.StatusCancelled {
		m.hub.Publish(progress.Event{
			JobID:      job.ID,
			Generation: job.Generation(),
			Status:     progress.StatusCancelled,
			Message:    "cancelled before start",
			Terminal:   true,
		})
	}
	return job, nil
}

// Subscribe streams progress of a job's current execution.
func (m *Manager) Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == jobs.StatusPending {
		m.hub.Begin(job.ID, job.Generation())
	}
	return m.hub.Subscribe(ctx, jobID)
}

func (m *Manager) validate(ctx context.Context, req *SubmitRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return services.Wrap(services.ErrValidation, "", "submit", "user id required", nil)
	}
	if err := req.Source.Validate(); err != nil {
		return err
	}
	req.Profile = strings.TrimSpace(req.Profile)
	if req.Profile == "" {
		req.Profile = "default"
	}
	if _, ok := m.cfg.Profile(req.Profile); !ok {
		return services.WithHint(
			services.Wrap(services.ErrValidation, "", "submit", fmt.Sprintf("unknown profile %q", req.Profile), nil),
			"choose one of: "+strings.Join(m.cfg.ProfileNames(), ", "))
	}
	if req.Source.Type != sources.TypeUpload {
		return nil
	}

	key := strings.TrimSpace(req.Source.Ref)
	owned := path.Join("users", textutil.SanitizeToken(req.UserID)) + "/"
	if !strings.HasPrefix(key, owned) {
		return services.Wrap(services.ErrValidation, "", "submit", "upload key is outside the user's namespace", nil)
	}
	exists, err := m.deps.Storage.Exists(ctx, key)
	if err != nil {
		return services.Wrap(services.ErrStorage, "", "submit", "check uploaded object", err)
	}
	if !exists {
		return services.Wrap(services.ErrNotFound, "", "submit", "uploaded object "+key+" not found", nil)
	}
	return nil
}

func (m *Manager) hasCapacity() bool {
	limit := m.cfg.Workflow.MaxConcurrentJobs
	return limit <= 0 || m.activeCount() < limit
}
