package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lectern/internal/services"
)

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 stores objects in a bucket through minio-go.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the endpoint and verifies the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "s3 storage", "endpoint and bucket required", nil)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "s3 storage", "create client", err)
	}
	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, s3Error("bucket exists", cfg.Bucket, err)
	}
	if !ok {
		return nil, services.WithHint(
			services.Wrap(services.ErrConfiguration, "", "s3 storage", fmt.Sprintf("bucket %q does not exist", cfg.Bucket), nil),
			"create the bucket or fix storage.s3_bucket")
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func s3Error(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "", op, fmt.Sprintf("key %q not found", key), err)
	case resp.Code == "SlowDown" || resp.StatusCode == http.StatusTooManyRequests:
		return services.Wrap(services.ErrRateLimited, "", op, key, err)
	case resp.StatusCode >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTransient, "", op, key, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return services.Wrap(services.ErrTimeout, "", op, key, err)
		}
		return services.Wrap(services.ErrTransient, "", op, key, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTransient, "", op, key, err)
	}
	return services.Wrap(services.ErrStorage, "", op, key, err)
}

func (s *S3) Upload(ctx context.Context, localPath, key, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	return s3Error("upload", key, err)
}

func (s *S3) UploadBytes(ctx context.Context, data []byte, key, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return s3Error("upload bytes", key, err)
}

func (s *S3) Download(ctx context.Context, key, localPath string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s3Error("download", key, s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}))
}

func (s *S3) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Error("download bytes", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s3Error("download bytes", key, err)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.Size(ctx, key); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s3Error("delete", key, s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
}

func (s *S3) Size(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, s3Error("stat", key, err)
	}
	return info.Size, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s3Error("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}
