package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lectern/internal/config"
	"lectern/internal/services"
	"lectern/internal/textutil"
)

// Storage is the object store used by the pipeline.
type Storage interface {
	Upload(ctx context.Context, localPath, key, contentType string) error
	UploadBytes(ctx context.Context, data []byte, key, contentType string) error
	Download(ctx context.Context, key, localPath string) error
	DownloadBytes(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context, key string) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the backend selected by cfg.Storage.Backend.
func New(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendLocal, "":
		return NewLocal(cfg.Storage.LocalRoot)
	case config.StorageBackendS3:
		return NewS3(ctx, S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
		})
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "storage",
			fmt.Sprintf("unknown backend %q", cfg.Storage.Backend), nil)
	}
}

// SourceKey addresses a file derived from a user's source media.
func SourceKey(userID, sourceID, name string) string {
	return path.Join("users", textutil.SanitizeToken(userID), "sources", textutil.SanitizeToken(sourceID), cleanName(name))
}

// JobKey addresses a file produced by a job.
func JobKey(userID, jobID, name string) string {
	return path.Join("users", textutil.SanitizeToken(userID), "jobs", textutil.SanitizeToken(jobID), cleanName(name))
}

func cleanName(name string) string {
	name = textutil.SanitizeFileName(path.Base("/" + strings.TrimSpace(name)))
	if name == "" || name == "." {
		return "unnamed"
	}
	return name
}

// ValidateKey rejects empty, absolute and parent-escaping keys.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return services.Wrap(services.ErrValidation, "", "storage key", "empty key", nil)
	}
	if strings.HasPrefix(trimmed, "/") || path.Clean(trimmed) != trimmed || strings.HasPrefix(trimmed, "..") {
		return services.Wrap(services.ErrValidation, "", "storage key", fmt.Sprintf("invalid key %q", key), nil)
	}
	return nil
}

// TempDownload fetches key into a fresh file under dir and returns its path
// with a cleanup function.
func TempDownload(ctx context.Context, store Storage, key, dir string) (string, func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, services.Wrap(services.ErrStorage, "", "temp download", "create scratch dir", err)
	}
	tmpDir, err := os.MkdirTemp(dir, "dl-*")
	if err != nil {
		return "", func() {}, services.Wrap(services.ErrStorage, "", "temp download", "create scratch dir", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }
	local := filepath.Join(tmpDir, path.Base(key))
	if err := store.Download(ctx, key, local); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return local, cleanup, nil
}
