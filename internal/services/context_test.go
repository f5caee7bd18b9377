package services_test

import (
	"context"
	"testing"

	"lectern/internal/services"
)

func TestCorrelationFieldsAreIndependent(t *testing.T) {
	ctx := services.WithRequestID(context.Background(), "req-123")
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("request id must not leak into job id")
	}

	ctx = services.WithJobID(ctx, "job-42")
	ctx = services.WithStage(ctx, "extract_captions")
	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-42" {
		t.Fatalf("job id = %q %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "extract_captions" {
		t.Fatalf("stage = %q %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("request id = %q %v", rid, ok)
	}
}

func TestBlankValuesAreNotStored(t *testing.T) {
	ctx := services.WithStage(context.Background(), "extract_captions")
	ctx = services.WithStage(ctx, "")
	if stage, _ := services.StageFromContext(ctx); stage != "extract_captions" {
		t.Fatalf("blank stage replaced the outer value: %q", stage)
	}
	if _, ok := services.JobIDFromContext(context.Background()); ok {
		t.Fatal("expected no job id")
	}
}
