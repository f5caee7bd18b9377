package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lectern/internal/fileutil"
	"lectern/internal/services"
)

// Local stores objects as files beneath a root directory.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "local storage", "root directory required", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, services.Wrap(services.ErrStorage, "", "local storage", "create root", err)
	}
	return &Local{root: root}, nil
}

// Root returns the backing directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) resolve(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func localError(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrNotFound, "", op, fmt.Sprintf("key %q not found", key), err)
	}
	return services.Wrap(services.ErrStorage, "", op, key, err)
}

func (l *Local) Upload(ctx context.Context, localPath, key, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := l.resolve(key)
	if err != nil {
		return err
	}
	if _, err := fileutil.CopyVerified(localPath, dst); err != nil {
		return localError("upload", key, err)
	}
	return nil
}

func (l *Local) UploadBytes(ctx context.Context, data []byte, key, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := l.resolve(key)
	if err != nil {
		return err
	}
	if _, _, err := fileutil.WriteAtomic(dst, bytes.NewReader(data)); err != nil {
		return localError("upload bytes", key, err)
	}
	return nil
}

func (l *Local) Download(ctx context.Context, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := l.resolve(key)
	if err != nil {
		return err
	}
	if _, err := fileutil.CopyVerified(src, localPath); err != nil {
		return localError("download", key, err)
	}
	return nil
}

func (l *Local) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, localError("download bytes", key, err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	src, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, localError("exists", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return localError("delete", key, err)
	}
	return nil
}

func (l *Local) Size(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	src, err := l.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return 0, localError("size", key, err)
	}
	return info.Size(), nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	var keys []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasSuffix(key, ".part") {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, localError("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
