package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// MinioConfig holds the S3 compatible endpoint settings
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// Validate checks the required settings
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinioStore implements Store on any S3 compatible service.
// S3 has no native append, so Append rewrites the object; partition writers
// buffer their output to keep the number of rewrites small.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
	logger *zap.Logger

	mu         sync.Mutex
	bucketInit bool
}

// NewMinioStore creates the client; the bucket is created lazily on first write.
func NewMinioStore(cfg MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region, logger: logger}, nil
}

func (m *MinioStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	// GetObject is lazy; stat first so a missing key surfaces here
	if _, err := m.client.StatObject(ctx, m.bucket, path, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, notFound(path)
		}
		return nil, fmt.Errorf("stat object %s: %w", path, err)
	}

	obj, err := m.client.GetObject(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	return obj, nil
}

func (m *MinioStore) Put(ctx context.Context, path string, r io.Reader, size int64) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}

	_, err := m.client.PutObject(ctx, m.bucket, path, r, size, minio.PutObjectOptions{ContentType: contentType(path)})
	if err != nil {
		m.logger.Error("Failed to put object",
			zap.String("object_key", path),
			zap.Int64("size", size),
			zap.Error(err))
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

func (m *MinioStore) Append(ctx context.Context, path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	existing, err := ReadAll(ctx, m, path)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	merged := make([]byte, 0, len(existing)+len(data))
	merged = append(merged, existing...)
	merged = append(merged, data...)
	return m.Put(ctx, path, bytes.NewReader(merged), int64(len(merged)))
}

func (m *MinioStore) Remove(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if err := m.client.RemoveObject(ctx, m.bucket, p, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
			return fmt.Errorf("remove object %s: %w", p, err)
		}
	}
	return nil
}

func (m *MinioStore) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketInit {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", m.bucket, err)
		}
	}
	m.bucketInit = true
	return nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
