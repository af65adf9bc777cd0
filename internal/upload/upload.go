// Package upload publishes prepared artifacts to S3-compatible object
// storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	cacheImmutable = "public, max-age=31536000, immutable"
	cacheNoCache   = "no-cache"
)

// Uploader pushes one local file to a remote key.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}

// Config describes the bucket artifacts are published to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
	Retries   int
}

// Validate checks the fields a client needs.
func (c Config) Validate() error {
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

// ObjectStore uploads through a MinIO client.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	prefix  string
	retries int
}

// NewObjectStore builds a client for cfg.
func NewObjectStore(cfg Config) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, retries: cfg.Retries}, nil
}

// CheckBucket fails when the bucket is missing or unreachable.
func (s *ObjectStore) CheckBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket missing: %s", s.bucket)
	}
	return nil
}

// Key returns the full object key for name.
func (s *ObjectStore) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Upload puts localPath at key, retrying transient failures.
func (s *ObjectStore) Upload(ctx context.Context, localPath, key string) error {
	opts := ObjectOptions(key)
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithMaxRetries(b, uint64(max(s.retries, 0)))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		_, err := s.client.FPutObject(ctx, s.bucket, s.Key(key), localPath, opts)
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// ObjectOptions picks content type and caching for key. Hashed archives
// never change under the same name; JSON indexes always may.
func ObjectOptions(key string) minio.PutObjectOptions {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".pmtiles":
		return minio.PutObjectOptions{ContentType: "application/vnd.pmtiles", CacheControl: cacheImmutable}
	case ".json":
		return minio.PutObjectOptions{ContentType: "application/json", CacheControl: cacheNoCache}
	}
	return minio.PutObjectOptions{ContentType: "application/octet-stream", CacheControl: cacheNoCache}
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
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
