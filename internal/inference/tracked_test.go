package inference_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"lectern/internal/aitrack"
	"lectern/internal/config"
	"lectern/internal/inference"
	"lectern/internal/retry"
	"lectern/internal/services"
	"lectern/internal/stagecache"
	"lectern/internal/testsupport"
)

type trackedFixture struct {
	fake    *testsupport.FakeInference
	tracker *aitrack.Tracker
	ai      *inference.Tracked
}

func newTrackedFixture(t *testing.T) trackedFixture {
	t.Helper()
	db := testsupport.MustOpenDB(t)
	fake := testsupport.NewFakeInference()
	tracker := aitrack.New(db, map[string]config.Price{"smart": {InputPerMillion: 1, OutputPerMillion: 2}})
	executor := retry.New(retry.Policy{MaxAttempts: 3}, retry.WithSleeper(func(time.Duration) {}))
	ai := inference.NewTracked(fake, tracker, stagecache.New(db), executor)
	return trackedFixture{fake: fake, tracker: tracker, ai: ai}
}

func TestTrackedMemoHitWritesCachedRecord(t *testing.T) {
	ctx := context.Background()
	fx := newTrackedFixture(t)
	req := inference.Request{Function: "generate_title", Model: "smart", Prompt: "cardiology lecture"}

	first, err := fx.ai.Bind("job-1", "user-1").Complete(ctx, req)
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	second, err := fx.ai.Bind("job-1", "user-1").Complete(ctx, req)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if first.Content != second.Content {
		t.Fatalf("memo returned %q, want %q", second.Content, first.Content)
	}
	if calls := fx.fake.Calls("generate_title"); calls != 1 {
		t.Fatalf("endpoint calls = %d, want 1", calls)
	}

	records, err := fx.tracker.JobRecords(ctx, "job-1")
	if err != nil {
		t.Fatalf("JobRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Cached || records[0].CostUSD <= 0 {
		t.Fatalf("first record should be a priced fresh call: %+v", records[0])
	}
	if !records[1].Cached || records[1].Model != aitrack.CachedModel || records[1].CostUSD != 0 {
		t.Fatalf("second record should be a zero-cost memo hit: %+v", records[1])
	}
	if records[1].Function != "generate_title" || records[1].JobID != "job-1" || records[1].UserID != "user-1" {
		t.Fatalf("memo hit record lost its attribution: %+v", records[1])
	}
}

func TestTrackedRetriesTransientAndRecordsOnce(t *testing.T) {
	ctx := context.Background()
	fx := newTrackedFixture(t)
	flaky := services.Wrap(services.ErrTransient, "", "complete", "502", nil)
	fx.fake.FailNext("clean_transcript", flaky, flaky)

	if _, err := fx.ai.Bind("job-2", "user-1").Complete(ctx, inference.Request{
		Function: "clean_transcript", Model: "smart", Prompt: "um so the heart",
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if calls := fx.fake.Calls("clean_transcript"); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	records, err := fx.tracker.JobRecords(ctx, "job-2")
	if err != nil {
		t.Fatalf("JobRecords: %v", err)
	}
	if len(records) != 1 || !records[0].Success {
		t.Fatalf("want one successful record, got %+v", records)
	}
}

func TestTrackedFailureRecordsErrorAndIsNotMemoized(t *testing.T) {
	ctx := context.Background()
	fx := newTrackedFixture(t)
	fx.fake.FailNext("generate_mindmap", services.Wrap(services.ErrPermanent, "", "complete", "400", nil))
	req := inference.Request{Function: "generate_mindmap", Model: "smart", Prompt: "topics"}

	_, err := fx.ai.Bind("job-3", "user-1").Complete(ctx, req)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if _, err := fx.ai.Bind("job-3", "user-1").Complete(ctx, req); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	records, err := fx.tracker.JobRecords(ctx, "job-3")
	if err != nil {
		t.Fatalf("JobRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Success || records[0].ErrorText == "" {
		t.Fatalf("first record should carry the failure: %+v", records[0])
	}
	if records[1].Cached {
		t.Fatalf("a failed call must not be memoized: %+v", records[1])
	}
}

func TestTrackedTranscribeUsesContentHash(t *testing.T) {
	ctx := context.Background()
	fx := newTrackedFixture(t)
	req := inference.TranscribeRequest{Function: "transcribe_audio", Model: "whisper-1", AudioPath: "/does/not/matter", ContentHash: "abc"}

	for i := 0; i < 2; i++ {
		tr, err := fx.ai.Bind("job-4", "user-1").Transcribe(ctx, req)
		if err != nil {
			t.Fatalf("Transcribe %d: %v", i, err)
		}
		if len(tr.Segments) != 3 {
			t.Fatalf("segments = %d, want 3", len(tr.Segments))
		}
	}
	if calls := fx.fake.Calls("transcribe_audio"); calls != 1 {
		t.Fatalf("transcribe calls = %d, want 1", calls)
	}
}
