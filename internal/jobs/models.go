package jobs

import "time"

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether only an explicit retry can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LeaseExpiredReason is recorded on jobs failed by stale lease reclaim.
const LeaseExpiredReason = "execution lease expired"

// Job is a single pipeline run request and its execution state.
type Job struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Stage           string    `json:"stage,omitempty"`
	Profile         string    `json:"profile"`
	InputType       string    `json:"input_type"`
	InputRef        string    `json:"input_ref"`
	Title           string    `json:"title,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	LeaseOwner      string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at,omitzero"`
	ErrorStage      string    `json:"error_stage,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ProgressPercent float64   `json:"progress_percent"`
	ContextJSON     string    `json:"-"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Generation identifies the current execution; it increases with each claim
// or retry.
func (j *Job) Generation() int {
	return j.Attempts
}

// ArtifactType names a derived output.
type ArtifactType string

const (
	ArtifactPDF      ArtifactType = "pdf"
	ArtifactExcel    ArtifactType = "excel"
	ArtifactVignette ArtifactType = "vignette"
	ArtifactMindmap  ArtifactType = "mindmap"
)

// ArtifactStatus tracks one artifact's lifecycle, independent of its siblings.
type ArtifactStatus string

const (
	ArtifactPending ArtifactStatus = "pending"
	ArtifactReady   ArtifactStatus = "ready"
	ArtifactFailed  ArtifactStatus = "failed"
)

// Artifact is a stored output of a job.
type Artifact struct {
	JobID        string         `json:"job_id"`
	Type         ArtifactType   `json:"type"`
	Status       ArtifactStatus `json:"status"`
	StorageKey   string         `json:"storage_key,omitempty"`
	SizeBytes    int64          `json:"size_bytes"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Event is a persisted progress event.
type Event struct {
	JobID      string    `json:"job_id"`
	Generation int       `json:"generation"`
	Seq        int       `json:"seq"`
	Ordinal    int       `json:"ordinal"`
	Stage      string    `json:"stage,omitempty"`
	Status     string    `json:"status"`
	Percent    float64   `json:"percent"`
	Message    string    `json:"message,omitempty"`
	Terminal   bool      `json:"terminal"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJob describes a submission.
type NewJob struct {
	UserID    string
	Profile   string
	InputType string
	InputRef  string
	Title     string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID   string
	Statuses []Status
	Limit    int
}
