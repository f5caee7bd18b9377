package aitrack_test

import (
	"context"
	"math"
	"testing"
	"time"

	"lectern/internal/aitrack"
	"lectern/internal/config"
	"lectern/internal/testsupport"
)

func newTracker(t *testing.T, opts ...aitrack.Option) *aitrack.Tracker {
	t.Helper()
	prices := map[string]config.Price{
		"smart": {InputPerMillion: 2, OutputPerMillion: 8},
		"fast":  {InputPerMillion: 0.1, OutputPerMillion: 0.4},
	}
	return aitrack.New(testsupport.MustOpenDB(t), prices, opts...)
}

func TestCostUsesPerMillionPrices(t *testing.T) {
	tracker := newTracker(t)
	got := tracker.Cost("smart", 1_000_000, 500_000)
	if math.Abs(got-6) > 1e-9 {
		t.Fatalf("cost = %v, want 6", got)
	}
	if got := tracker.Cost("unknown", 1000, 1000); got != 0 {
		t.Fatalf("unknown model cost = %v, want 0", got)
	}
	if got := tracker.Cost(aitrack.CachedModel, 1000, 1000); got != 0 {
		t.Fatalf("cached cost = %v, want 0", got)
	}
}

func TestJobStatsCostEqualsSumOfRecords(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)

	inputs := []aitrack.Record{
		{Function: "clean_transcript", Model: "fast", PromptTokens: 1200, CompletionTokens: 300, Success: true},
		{Function: "generate_title", Model: "smart", PromptTokens: 5000, CompletionTokens: 40, Success: true},
		{Function: "generate_mindmap", Model: "smart", PromptTokens: 900, Success: false, ErrorText: "boom"},
		{Function: "clean_transcript", Cached: true, Model: "fast", PromptTokens: 99},
	}
	var want float64
	for _, rec := range inputs {
		rec.JobID = "job-1"
		rec.UserID = "user-1"
		stored, err := tracker.Record(ctx, rec)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		want += stored.CostUSD
	}
	if _, err := tracker.Record(ctx, aitrack.Record{Function: "generate_title", Model: "smart", PromptTokens: 10, Success: true, JobID: "job-2"}); err != nil {
		t.Fatalf("Record other job: %v", err)
	}

	stats, err := tracker.JobStats(ctx, "job-1")
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if stats.TotalRequests != 4 {
		t.Fatalf("requests = %d, want 4", stats.TotalRequests)
	}
	if math.Abs(stats.TotalCost-want) > 1e-12 {
		t.Fatalf("total cost = %v, want %v", stats.TotalCost, want)
	}
	if stats.CachedRequests != 1 || stats.FailedRequests != 1 {
		t.Fatalf("cached=%d failed=%d, want 1 and 1", stats.CachedRequests, stats.FailedRequests)
	}
	if stats.CacheHitRate != 25 {
		t.Fatalf("cache hit rate = %v, want 25", stats.CacheHitRate)
	}
	if stats.TotalTokens != 1200+300+5000+40+900 {
		t.Fatalf("total tokens = %d", stats.TotalTokens)
	}
	found := false
	for _, fs := range stats.ByFunction {
		if fs.Function == "clean_transcript" {
			found = true
			if fs.Requests != 2 || fs.DisplayName != "Transcript Cleanup" {
				t.Fatalf("clean_transcript breakdown = %+v", fs)
			}
		}
	}
	if !found {
		t.Fatalf("missing clean_transcript breakdown: %+v", stats.ByFunction)
	}
}

func TestCachedRecordsAreZeroCost(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)

	for _, fn := range []string{"transcribe_audio", "clean_transcript", "generate_title"} {
		if _, err := tracker.RecordCached(ctx, fn, "job-cached", "user-1"); err != nil {
			t.Fatalf("RecordCached: %v", err)
		}
	}
	records, err := tracker.JobRecords(ctx, "job-cached")
	if err != nil {
		t.Fatalf("JobRecords: %v", err)
	}
	for _, rec := range records {
		if rec.Model != aitrack.CachedModel || rec.CostUSD != 0 || !rec.Cached {
			t.Fatalf("unexpected cached record %+v", rec)
		}
	}
	stats, err := tracker.JobStats(ctx, "job-cached")
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if stats.TotalCost != 0 || stats.CacheHitRate != 100 {
		t.Fatalf("stats = %+v, want zero cost and full hit rate", stats)
	}
}

func TestUserStatsHonoursWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTracker(t, aitrack.WithClock(func() time.Time { return now }))

	old := aitrack.Record{Function: "generate_title", Model: "smart", PromptTokens: 1000, Success: true,
		UserID: "u", CreatedAt: now.Add(-40 * 24 * time.Hour)}
	recent := aitrack.Record{Function: "generate_title", Model: "smart", PromptTokens: 1000, Success: true,
		UserID: "u", CreatedAt: now.Add(-time.Hour)}
	for _, rec := range []aitrack.Record{old, recent} {
		if _, err := tracker.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	stats, err := tracker.UserStats(ctx, "u", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Fatalf("windowed requests = %d, want 1", stats.TotalRequests)
	}
	all, err := tracker.UserStats(ctx, "u", 0)
	if err != nil {
		t.Fatalf("UserStats all: %v", err)
	}
	if all.TotalRequests != 2 {
		t.Fatalf("all requests = %d, want 2", all.TotalRequests)
	}
}

func TestRecordRequiresFunction(t *testing.T) {
	tracker := newTracker(t)
	if _, err := tracker.Record(context.Background(), aitrack.Record{Model: "fast"}); err == nil {
		t.Fatal("expected error for missing function")
	}
}
