package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/eteran/objgate/pkg/storage"
)

// S3Store is an ObjectStore backed by AWS S3 through the AWS SDK for Go v2.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	region    string
}

// NewS3Store loads the default AWS configuration chain and applies the
// overrides present in cfg. Explicit keys take precedence over the chain.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewS3StoreFromClient(client, cfg.Bucket, awsCfg.Region), nil
}

// NewS3StoreFromClient wraps an already configured S3 client.
func NewS3StoreFromClient(client *s3.Client, bucket string, region string) *S3Store {
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		region:    region,
	}
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	switch {
	case strings.Contains(endpoint, "://"):
		return endpoint
	case useSSL:
		return "https://" + endpoint
	default:
		return "http://" + endpoint
	}
}

func s3Error(op string, key string, err error) error {
	storeErr := &storage.StoreError{Op: op, Key: key, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		storeErr.Code = apiErr.ErrorCode()
		storeErr.Message = apiErr.ErrorMessage()
	}
	return storeErr
}

func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", s3Error(storage.OpPresign, key, err)
	}
	return req.URL, nil
}

// Put sends a single PutObject request. Over plain HTTP the SDK hashes the
// payload before signing, so body should implement io.Seeker there.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, fileName string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			storage.FileNameMetadataKey: storage.EncodeFileName(fileName),
		},
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s3Error(storage.OpPut, key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error(storage.OpDelete, key, err)
	}
	return nil
}

// List issues a single ListObjectsV2 request; continuation tokens are not
// followed.
func (s *S3Store) List(ctx context.Context, limit int) ([]storage.ObjectSummary, error) {
	objects := make([]storage.ObjectSummary, 0)
	if limit <= 0 {
		return objects, nil
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, s3Error(storage.OpList, "", err)
	}

	for _, o := range out.Contents {
		if len(objects) >= limit {
			break
		}
		objects = append(objects, storage.ObjectSummary{
			Key:          aws.ToString(o.Key),
			LastModified: aws.ToTime(o.LastModified),
			Size:         aws.ToInt64(o.Size),
		})
	}
	return objects, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*storage.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(storage.OpGet, key, err)
	}

	fileName, _ := storage.LookupMetadata(out.Metadata, storage.FileNameMetadataKey)

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return &storage.Object{
		Body:         out.Body,
		ContentType:  aws.ToString(out.ContentType),
		FileName:     storage.DecodeFileName(fileName),
		Size:         size,
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// EnsureBucket checks if the bucket exists, and creates it if it does not.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return s3Error(storage.OpEnsureBucket, "", fmt.Errorf("failed to check bucket existence: %w", err))
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return s3Error(storage.OpEnsureBucket, "", fmt.Errorf("failed to create bucket %q: %w", s.bucket, err))
	}
	return nil
}
