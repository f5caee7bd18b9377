package progress

import "time"

// Status values carried by events.
const (
	StatusStarted   = "started"
	StatusSkipped   = "skipped"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Event is one progress update of one job execution.
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
	Time       time.Time `json:"time"`
}
