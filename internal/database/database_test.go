package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lectern/internal/database"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lectern.db")
	ctx := context.Background()

	db, err := database.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = database.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one recorded migration, got %d", count)
	}
	for _, table := range []string{"jobs", "artifacts", "job_events", "stage_cache", "stage_claims", "ai_requests"} {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestTimeRoundTripSortsLexically(t *testing.T) {
	early := time.Date(2026, 3, 1, 10, 0, 0, 100_000_000, time.UTC)
	late := early.Add(23 * time.Millisecond)
	a, b := database.FormatTime(early), database.FormatTime(late)
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
	if got := database.ParseTime(a); !got.Equal(early) {
		t.Fatalf("round trip mismatch: %v vs %v", got, early)
	}
	if !database.ParseTime("").IsZero() {
		t.Fatal("blank should parse to zero time")
	}
}

func TestRetryOnBusyStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("syntax error")
	err := database.RetryOnBusy(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected single attempt with original error, got %v after %d calls", err, calls)
	}

	calls = 0
	err = database.RetryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after busy retries, got %v after %d calls", err, calls)
	}
}
