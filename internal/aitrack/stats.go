package aitrack

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lectern/internal/database"
)

// displayNames maps inference function identifiers to operator-facing labels.
var displayNames = map[string]string{
	"transcribe_audio":     "Caption Extraction",
	"clean_transcript":     "Transcript Cleanup",
	"generate_title":       "Title Generation",
	"generate_spreadsheet": "Study Table (Excel)",
	"generate_vignette":    "Vignette Questions",
	"generate_mindmap":     "Mindmap Generation",
}

// DisplayName returns the label for a function, or the identifier itself.
func DisplayName(function string) string {
	if name, ok := displayNames[function]; ok {
		return name
	}
	return function
}

// FunctionStats aggregates records of one function.
type FunctionStats struct {
	Function    string  `json:"function"`
	DisplayName string  `json:"display_name"`
	Requests    int     `json:"requests"`
	Tokens      int     `json:"tokens"`
	Cost        float64 `json:"cost_usd"`
}

// Stats aggregates a set of records.
type Stats struct {
	TotalRequests    int     `json:"total_requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
	CachedRequests   int     `json:"cached_requests"`
	FailedRequests   int     `json:"failed_requests"`
	// CacheHitRate is CachedRequests/TotalRequests in percent.
	CacheHitRate float64         `json:"cache_hit_rate"`
	ByFunction   []FunctionStats `json:"by_function"`
}

// Summarize folds records into Stats. TotalCost is the plain sum of the
// record costs.
func Summarize(records []Record) Stats {
	var stats Stats
	byFunction := make(map[string]*FunctionStats)
	for _, rec := range records {
		stats.TotalRequests++
		stats.PromptTokens += rec.PromptTokens
		stats.CompletionTokens += rec.CompletionTokens
		stats.TotalCost += rec.CostUSD
		if rec.Cached {
			stats.CachedRequests++
		}
		if !rec.Success {
			stats.FailedRequests++
		}
		fs, ok := byFunction[rec.Function]
		if !ok {
			fs = &FunctionStats{Function: rec.Function, DisplayName: DisplayName(rec.Function)}
			byFunction[rec.Function] = fs
		}
		fs.Requests++
		fs.Tokens += rec.TotalTokens()
		fs.Cost += rec.CostUSD
	}
	stats.TotalTokens = stats.PromptTokens + stats.CompletionTokens
	if stats.TotalRequests > 0 {
		stats.CacheHitRate = float64(stats.CachedRequests) / float64(stats.TotalRequests) * 100
	}
	for _, fs := range byFunction {
		stats.ByFunction = append(stats.ByFunction, *fs)
	}
	sort.Slice(stats.ByFunction, func(i, j int) bool {
		if stats.ByFunction[i].Cost != stats.ByFunction[j].Cost {
			return stats.ByFunction[i].Cost > stats.ByFunction[j].Cost
		}
		return stats.ByFunction[i].Function < stats.ByFunction[j].Function
	})
	return stats
}

// JobStats aggregates every record attributed to jobID.
func (t *Tracker) JobStats(ctx context.Context, jobID string) (Stats, error) {
	records, err := t.JobRecords(ctx, jobID)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(records), nil
}

// UserStats aggregates a user's records created within the trailing window.
// A zero window covers all history.
func (t *Tracker) UserStats(ctx context.Context, userID string, window time.Duration) (Stats, error) {
	query := `SELECT ` + recordColumns + ` FROM ai_requests WHERE user_id = ?`
	args := []any{userID}
	if window > 0 {
		query += ` AND created_at >= ?`
		args = append(args, database.FormatTime(t.now().Add(-window)))
	}
	rows, err := t.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("query user ai records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Stats{}, fmt.Errorf("scan ai record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate ai records: %w", err)
	}
	return Summarize(records), nil
}
