package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lectern/internal/services"
	"lectern/internal/storage"
	"lectern/internal/testsupport"
)

func TestKeysAreScopedAndSanitized(t *testing.T) {
	if got := storage.SourceKey("u1", "abc123", "video.mp4"); got != "users/u1/sources/abc123/video.mp4" {
		t.Fatalf("SourceKey = %q", got)
	}
	if got := storage.JobKey("u1", "job-9", "../../etc/passwd"); got != "users/u1/jobs/job-9/passwd" {
		t.Fatalf("JobKey = %q", got)
	}
	for _, bad := range []string{"", "/abs", "a/../../b", "../x"} {
		if err := storage.ValidateKey(bad); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("ValidateKey(%q) = %v, want validation error", bad, err)
		}
	}
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	key := storage.JobKey("u1", "j1", "notes.txt")
	if err := store.UploadBytes(ctx, []byte("hello"), key, "text/plain"); err != nil {
		t.Fatalf("UploadBytes: %v", err)
	}
	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	size, err := store.Size(ctx, key)
	if err != nil || size != 5 {
		t.Fatalf("Size = %d, %v", size, err)
	}

	src := filepath.Join(t.TempDir(), "slides.pdf")
	pdf := testsupport.MinimalPDF(2)
	if err := os.WriteFile(src, pdf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	pdfKey := storage.JobKey("u1", "j1", "slides.pdf")
	if err := store.Upload(ctx, src, pdfKey, "application/pdf"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	keys, err := store.List(ctx, "users/u1/jobs/j1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != key || keys[1] != pdfKey {
		t.Fatalf("List = %v", keys)
	}

	local, cleanup, err := storage.TempDownload(ctx, store, pdfKey, t.TempDir())
	if err != nil {
		t.Fatalf("TempDownload: %v", err)
	}
	info, err := os.Stat(local)
	if err != nil || info.Size() != int64(len(pdf)) {
		t.Fatalf("downloaded file = %v, %v", info, err)
	}
	cleanup()
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("cleanup left %s behind", local)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
}

func TestLocalMissingKeyIsNotFound(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	_, err = store.DownloadBytes(context.Background(), "users/u/jobs/j/missing.bin")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if services.IsTransient(err) {
		t.Fatalf("missing key must not be retried: %v", err)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Storage.Backend = "ftp"
	if _, err := storage.New(context.Background(), cfg); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
