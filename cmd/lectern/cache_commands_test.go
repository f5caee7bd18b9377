package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lectern/internal/database"
	"lectern/internal/stagecache"
)

func seedCache(t *testing.T, cfgPath string) {
	t.Helper()
	dataDir := filepath.Join(filepath.Dir(cfgPath), "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := database.Open(context.Background(), filepath.Join(dataDir, "lectern.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	past := time.Now().Add(-48 * time.Hour)
	expired := stagecache.New(db, stagecache.WithClock(func() time.Time { return past }))
	cache := stagecache.New(db)
	ctx := context.Background()
	for fp, stage := range map[string]string{"a": "match_frames", "b": "match_frames", "c": "clean_transcript"} {
		if _, err := cache.Put(ctx, fp, stage, []byte(fp), 0); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, err := expired.Put(ctx, "memo", "ai:generate_title", []byte("title"), time.Hour); err != nil {
		t.Fatalf("put memo: %v", err)
	}
}

func TestCacheStatsListsStages(t *testing.T) {
	cfgPath := writeTestConfig(t, "127.0.0.1:1")
	seedCache(t, cfgPath)

	out, _, err := runCLI(t, []string{"cache", "stats"}, cfgPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	requireContains(t, out, "match_frames")
	requireContains(t, out, "clean_transcript")
	requireContains(t, out, "Total: 4 entries")
}

func TestCachePurgeAndInvalidate(t *testing.T) {
	cfgPath := writeTestConfig(t, "127.0.0.1:1")
	seedCache(t, cfgPath)

	out, _, err := runCLI(t, []string{"cache", "purge"}, cfgPath)
	if err != nil {
		t.Fatalf("cache purge: %v", err)
	}
	requireContains(t, out, "Purged 1 expired entries")

	out, _, err = runCLI(t, []string{"cache", "invalidate", "--stage", "match_frames"}, cfgPath)
	if err != nil {
		t.Fatalf("cache invalidate: %v", err)
	}
	requireContains(t, out, "Invalidated 2 match_frames entries")

	out, _, err = runCLI(t, []string{"cache", "invalidate", "--fingerprint", "c"}, cfgPath)
	if err != nil {
		t.Fatalf("cache invalidate fingerprint: %v", err)
	}
	requireContains(t, out, "Invalidated c")

	out, _, err = runCLI(t, []string{"cache", "stats"}, cfgPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	requireContains(t, out, "Cache is empty")
}

func TestCacheInvalidateRequiresOneTarget(t *testing.T) {
	cfgPath := writeTestConfig(t, "127.0.0.1:1")
	if _, _, err := runCLI(t, []string{"cache", "invalidate"}, cfgPath); err == nil {
		t.Fatal("expected error without a target")
	}
	if _, _, err := runCLI(t, []string{"cache", "invalidate", "--stage", "x", "--fingerprint", "y"}, cfgPath); err == nil {
		t.Fatal("expected error with both targets")
	}
}
