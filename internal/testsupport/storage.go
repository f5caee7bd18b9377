package testsupport

import (
	"context"
	"strings"
	"sync"
	"testing"

	"lectern/internal/storage"
)

// FakeStorage wraps a local backend in a temp dir and can inject failures
// into uploads.
type FakeStorage struct {
	*storage.Local

	mu            sync.Mutex
	uploadFaults  []uploadFault
	uploadCalls   int
	downloadCalls int
}

// NewFakeStorage returns a fake rooted in a fresh temp directory.
func NewFakeStorage(t testing.TB) *FakeStorage {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewLocal: %v", err)
	}
	return &FakeStorage{Local: local}
}

type uploadFault struct {
	suffix string
	err    error
}

// FailUploads makes the next len(errs) upload calls return errs in order.
func (f *FakeStorage) FailUploads(errs ...error) {
	f.FailUploadsMatching("", errs...)
}

// FailUploadsMatching queues errs for uploads whose key ends in suffix.
// Uploads of other keys pass through untouched.
func (f *FakeStorage) FailUploadsMatching(suffix string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range errs {
		f.uploadFaults = append(f.uploadFaults, uploadFault{suffix: suffix, err: err})
	}
}

// UploadCalls reports upload attempts, failed ones included.
func (f *FakeStorage) UploadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls
}

// DownloadCalls reports download attempts.
func (f *FakeStorage) DownloadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadCalls
}

func (f *FakeStorage) nextUploadFault(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	for i, fault := range f.uploadFaults {
		if strings.HasSuffix(key, fault.suffix) {
			f.uploadFaults = append(f.uploadFaults[:i], f.uploadFaults[i+1:]...)
			return fault.err
		}
	}
	return nil
}

func (f *FakeStorage) Upload(ctx context.Context, localPath, key, contentType string) error {
	if err := f.nextUploadFault(key); err != nil {
		return err
	}
	return f.Local.Upload(ctx, localPath, key, contentType)
}

func (f *FakeStorage) UploadBytes(ctx context.Context, data []byte, key, contentType string) error {
	if err := f.nextUploadFault(key); err != nil {
		return err
	}
	return f.Local.UploadBytes(ctx, data, key, contentType)
}

func (f *FakeStorage) Download(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	f.downloadCalls++
	f.mu.Unlock()
	return f.Local.Download(ctx, key, localPath)
}
