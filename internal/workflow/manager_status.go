package workflow

import (
	"context"
	"time"

	"lectern/internal/jobs"
	"lectern/internal/logging"
)

// Status returns the state of one job with its artifacts.
func (m *Manager) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	arts, err := m.store.Artifacts(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return statusOf(job, arts), nil
}

// List returns job states matching filter, without artifacts.
func (m *Manager) List(ctx context.Context, filter jobs.ListFilter) ([]JobStatus, error) {
	found, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]JobStatus, 0, len(found))
	for _, job := range found {
		out = append(out, statusOf(job, nil))
	}
	return out, nil
}

// Costs reports AI usage attributed to a job.
func (m *Manager) Costs(ctx context.Context, jobID string) (CostReport, error) {
	if _, err := m.store.Get(ctx, jobID); err != nil {
		return CostReport{}, err
	}
	records, err := m.tracker.JobRecords(ctx, jobID)
	if err != nil {
		return CostReport{}, err
	}
	stats, err := m.tracker.JobStats(ctx, jobID)
	if err != nil {
		return CostReport{}, err
	}
	return CostReport{JobID: jobID, Stats: stats, Records: records}, nil
}

// UserCosts aggregates a user's AI usage over the trailing window.
func (m *Manager) UserCosts(ctx context.Context, userID string, window time.Duration) (CostReport, error) {
	stats, err := m.tracker.UserStats(ctx, userID, window)
	if err != nil {
		return CostReport{}, err
	}
	return CostReport{Stats: stats}, nil
}

// Summary reports manager diagnostics.
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary := Summary{Owner: m.owner, Running: m.dispatcher != nil}
	for id := range m.active {
		summary.Active = append(summary.Active, id)
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	return summary
}

func statusOf(job *jobs.Job, arts []*jobs.Artifact) JobStatus {
	if arts == nil {
		arts = []*jobs.Artifact{}
	}
	return JobStatus{
		ID:              job.ID,
		UserID:          job.UserID,
		Status:          job.Status,
		Stage:           job.Stage,
		Title:           job.Title,
		Profile:         job.Profile,
		ProgressPercent: job.ProgressPercent,
		CancelRequested: job.CancelRequested,
		ErrorStage:      job.ErrorStage,
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
		Attempts:        job.Attempts,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		FinishedAt:      job.FinishedAt,
		Artifacts:       arts,
	}
}

func (m *Manager) logStoreError(msg string, jobID string, err error) {
	m.setLastError(err)
	m.logger.Error(msg,
		logging.String(logging.FieldEventType, "job_store_error"),
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldErrorHint, "check database access"),
		logging.Error(err),
	)
}
