package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"civicphoto/internal/config"
)

type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type ObjectStore struct {
	client *minio.Client
	cfg    config.StorageConfig
}

func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
	}, nil
}

func (s *ObjectStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.BucketPhotos, s.cfg.BucketVariants} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *ObjectStore) PhotoBucket() string {
	return s.cfg.BucketPhotos
}

// Upload writes sanitized photo bytes under key and returns their public URL.
func (s *ObjectStore) Upload(ctx context.Context, data []byte, mime, key string) (string, error) {
	return s.put(ctx, s.cfg.BucketPhotos, data, mime, key)
}

func (s *ObjectStore) UploadVariant(ctx context.Context, data []byte, mime, key string) (string, error) {
	return s.put(ctx, s.cfg.BucketVariants, data, mime, key)
}

func (s *ObjectStore) put(ctx context.Context, bucket string, data []byte, mime, key string) (string, error) {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  mime,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}
	return s.PublicURL(bucket, key), nil
}

// Download reads a photo object, refusing anything larger than limit bytes.
func (s *ObjectStore) Download(ctx context.Context, key string, limit int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.BucketPhotos, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, limit+1))
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &Error{Op: "get", Key: key, Err: fmt.Errorf("object exceeds %d bytes", limit)}
	}
	return data, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.BucketPhotos, key, minio.RemoveObjectOptions{}); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *ObjectStore) DeleteVariant(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.BucketVariants, key, minio.RemoveObjectOptions{}); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *ObjectStore) PublicURL(bucket, key string) string {
	return BuildPublicURL(s.cfg, bucket, key)
}

// PhotoURL is where a photo stored under key is served from.
func (s *ObjectStore) PhotoURL(key string) string {
	return s.PublicURL(s.cfg.BucketPhotos, key)
}

// BuildPublicURL addresses key path-style. PublicBaseURL, when set, replaces
// the endpoint and must route the bucket segment like the store does.
func BuildPublicURL(cfg config.StorageConfig, bucket, key string) string {
	base := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimSuffix(cfg.Endpoint, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			if cfg.UseSSL {
				base = "https://" + base
			} else {
				base = "http://" + base
			}
		}
	}
	return fmt.Sprintf("%s/%s/%s", base, bucket, key)
}
