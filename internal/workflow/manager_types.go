package workflow

import (
	"time"

	"lectern/internal/aitrack"
	"lectern/internal/config"
	"lectern/internal/jobs"
	"lectern/internal/sources"
	"lectern/internal/stage"
)

// Stage weights used to derive job percent. The branch share is split evenly
// between the three artifact branches.
const (
	weightBranches = 0.18
	weightFinalize = 0.02
)

var prefixWeights = map[string]float64{
	"retrieve_source":  0.15,
	"extract_captions": 0.17,
	"match_frames":     0.15,
	"clean_transcript": 0.15,
	"generate_output":  0.10,
	"compress_output":  0.08,
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	UserID  string             `json:"user_id"`
	Profile string             `json:"profile,omitempty"`
	Source  sources.Descriptor `json:"source"`
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Status          jobs.Status      `json:"status"`
	Stage           string           `json:"stage,omitempty"`
	Title           string           `json:"title,omitempty"`
	Profile         string           `json:"profile"`
	ProgressPercent float64          `json:"progress_percent"`
	CancelRequested bool             `json:"cancel_requested"`
	ErrorStage      string           `json:"error_stage,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	Attempts        int              `json:"attempts"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	FinishedAt      time.Time        `json:"finished_at,omitzero"`
	Artifacts       []*jobs.Artifact `json:"artifacts"`
}

// CostReport is the AI usage of one job.
type CostReport struct {
	JobID   string           `json:"job_id"`
	Stats   aitrack.Stats    `json:"stats"`
	Records []aitrack.Record `json:"records"`
}

// Summary is lightweight manager diagnostics.
type Summary struct {
	Owner     string         `json:"owner"`
	Running   bool           `json:"running"`
	Active    []string       `json:"active_jobs"`
	LastError string         `json:"last_error,omitempty"`
	Health    []stage.Health `json:"health,omitempty"`
}

// branchSpec registers one artifact branch.
type branchSpec struct {
	runner   stage.Runner
	artifact jobs.ArtifactType
	enabled  func(config.Profile) bool
}

// branchResult captures one branch outcome for merging after the join.
type branchResult struct {
	name     string
	artifact jobs.ArtifactType
	skipped  bool
	outcome  stage.Outcome
	err      error
}
