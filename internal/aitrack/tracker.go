package aitrack

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/logging"
)

// CachedModel is the model name recorded for memo hits.
const CachedModel = "cached"

// Record is one inference attempt group.
type Record struct {
	ID               string        `json:"id"`
	Function         string        `json:"function"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration_ns"`
	CostUSD          float64       `json:"cost_usd"`
	Cached           bool          `json:"cached"`
	Success          bool          `json:"success"`
	ErrorText        string        `json:"error_text,omitempty"`
	JobID            string        `json:"job_id,omitempty"`
	UserID           string        `json:"user_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// TotalTokens returns prompt plus completion tokens.
func (r Record) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Tracker persists records into the ai_requests table.
type Tracker struct {
	db     *database.DB
	prices map[string]config.Price
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	warned map[string]bool
}

// Option customizes the tracker.
type Option func(*Tracker)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logging.NewComponentLogger(logger, "aitrack")
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New constructs a tracker using the provided price table.
func New(db *database.DB, prices map[string]config.Price, opts ...Option) *Tracker {
	copied := make(map[string]config.Price, len(prices))
	for model, price := range prices {
		copied[model] = price
	}
	t := &Tracker{
		db:     db,
		prices: copied,
		logger: logging.NewNop(),
		now:    time.Now,
		warned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Cost estimates the USD cost of a call. Unknown models cost zero and are
// reported once per tracker.
func (t *Tracker) Cost(model string, promptTokens, completionTokens int) float64 {
	if model == CachedModel {
		return 0
	}
	price, ok := t.prices[model]
	if !ok {
		t.warnUnknown(model)
		return 0
	}
	return float64(promptTokens)/1e6*price.InputPerMillion +
		float64(completionTokens)/1e6*price.OutputPerMillion
}

func (t *Tracker) warnUnknown(model string) {
	t.mu.Lock()
	seen := t.warned[model]
	t.warned[model] = true
	t.mu.Unlock()
	if seen {
		return
	}
	logging.WarnWithContext(t.logger, "no pricing configured for model", "pricing_missing",
		logging.String("model", model),
		logging.String(logging.FieldImpact, "calls to this model are recorded with zero cost"),
		logging.String(logging.FieldErrorHint, fmt.Sprintf("add a [pricing.%q] table to the config", model)),
	)
}

// Record fills in the ID, timestamp and cost, then persists rec. Cached
// records are normalized to model "cached" with zero tokens and cost.
func (t *Tracker) Record(ctx context.Context, rec Record) (Record, error) {
	if strings.TrimSpace(rec.Function) == "" {
		return Record{}, fmt.Errorf("ai record: function is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}
	if rec.Cached {
		rec.Model = CachedModel
		rec.PromptTokens = 0
		rec.CompletionTokens = 0
		rec.Success = true
		rec.CostUSD = 0
	} else {
		rec.CostUSD = t.Cost(rec.Model, rec.PromptTokens, rec.CompletionTokens)
	}

	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO ai_requests (id, function, model, prompt_tokens, completion_tokens, duration_ms,
             cost_usd, cached, success, error_text, job_id, user_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Function, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.Duration.Milliseconds(),
		rec.CostUSD, database.BoolInt(rec.Cached), database.BoolInt(rec.Success),
		database.NullableString(rec.ErrorText), database.NullableString(rec.JobID),
		database.NullableString(rec.UserID), database.FormatTime(rec.CreatedAt),
	); err != nil {
		return Record{}, fmt.Errorf("insert ai record: %w", err)
	}

	t.logger.Debug("inference recorded",
		logging.String(logging.FieldEventType, "ai_request"),
		logging.String("function", rec.Function),
		logging.String("model", rec.Model),
		logging.Int("prompt_tokens", rec.PromptTokens),
		logging.Int("completion_tokens", rec.CompletionTokens),
		logging.Float64("cost_usd", rec.CostUSD),
		logging.Bool("cached", rec.Cached),
		logging.Bool("success", rec.Success),
		logging.String(logging.FieldJobID, rec.JobID),
	)
	return rec, nil
}

// RecordCached writes the zero-cost record for a memo hit.
func (t *Tracker) RecordCached(ctx context.Context, function, jobID, userID string) (Record, error) {
	return t.Record(ctx, Record{
		Function: function,
		Cached:   true,
		Success:  true,
		JobID:    jobID,
		UserID:   userID,
	})
}

const recordColumns = `id, function, model, prompt_tokens, completion_tokens, duration_ms, cost_usd,
    cached, success, error_text, job_id, user_id, created_at`

// JobRecords lists a job's records in creation order.
func (t *Tracker) JobRecords(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM ai_requests WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list ai records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ai record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ai records: %w", err)
	}
	return records, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		rec        Record
		durationMS int64
		cached     int
		success    int
		errorText  sql.NullString
		jobID      sql.NullString
		userID     sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&rec.ID, &rec.Function, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens,
		&durationMS, &rec.CostUSD, &cached, &success, &errorText, &jobID, &userID, &createdRaw); err != nil {
		return Record{}, err
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.Cached = cached != 0
	rec.Success = success != 0
	rec.ErrorText = errorText.String
	rec.JobID = jobID.String
	rec.UserID = userID.String
	rec.CreatedAt = database.ParseTime(createdRaw)
	return rec, nil
}
