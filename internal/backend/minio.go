package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eteran/objgate/pkg/storage"
)

// MinioStore is an ObjectStore backed by any S3-compatible service through
// the MinIO client.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioStore creates a MinIO client for cfg. No network calls are made.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	endpoint, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// splitEndpoint accepts either "host:port" or a URL and returns the host
// part the MinIO client expects along with whether to use TLS.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint must not be empty for the minio provider")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

func minioError(op string, key string, err error) error {
	var resp minio.ErrorResponse
	errors.As(err, &resp)
	return &storage.StoreError{
		Op:      op,
		Key:     key,
		Code:    resp.Code,
		Message: resp.Message,
		Err:     err,
	}
}

func (s *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", minioError(storage.OpPresign, key, err)
	}
	return u.String(), nil
}

// Put always issues a single PUT, so size must be known.
func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, fileName string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:      contentType,
		DisableMultipart: true,
		UserMetadata: map[string]string{
			storage.FileNameMetadataKey: storage.EncodeFileName(fileName),
		},
	})
	if err != nil {
		return minioError(storage.OpPut, key, err)
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return minioError(storage.OpDelete, key, err)
	}
	return nil
}

// List walks the flat listing of the bucket and stops the underlying
// iterator once limit objects have been collected.
func (s *MinioStore) List(ctx context.Context, limit int) ([]storage.ObjectSummary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make([]storage.ObjectSummary, 0)
	if limit <= 0 {
		return objects, nil
	}

	for objectInfo := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true, MaxKeys: limit}) {
		if objectInfo.Err != nil {
			return nil, minioError(storage.OpList, "", objectInfo.Err)
		}

		objects = append(objects, storage.ObjectSummary{
			Key:          objectInfo.Key,
			LastModified: objectInfo.LastModified,
			Size:         objectInfo.Size,
		})
		if len(objects) >= limit {
			break
		}
	}
	return objects, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(storage.OpGet, key, err)
	}

	// The request is only sent on the first Stat or Read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, minioError(storage.OpGet, key, err)
	}

	fileName, _ := storage.LookupMetadata(info.UserMetadata, storage.FileNameMetadataKey)

	return &storage.Object{
		Body:         obj,
		ContentType:  info.ContentType,
		FileName:     storage.DecodeFileName(fileName),
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// EnsureBucket checks if the bucket exists, and creates it if it does not.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return minioError(storage.OpEnsureBucket, "", fmt.Errorf("failed to check bucket existence: %w", err))
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return minioError(storage.OpEnsureBucket, "", fmt.Errorf("failed to create bucket %q: %w", s.bucket, err))
		}
	}
	return nil
}
