package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
)

// ObjectClient is the slice of an S3-compatible API the remote backend needs.
// MinioObjectClient implements it over minio-go; tests substitute a fake.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	// GetObject must report a missing key before returning, not on first Read.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucket, key string) error
}

// MinioObjectClient wraps a minio-go client
type MinioObjectClient struct {
	client *minio.Client
}

// NewMinioObjectClient initializes a new MinIO client
func NewMinioObjectClient(endpoint, accessKey, secretKey, region string, useSSL bool) (*MinioObjectClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create MinIO client: %v", apperr.ErrConfiguration, err)
	}
	return &MinioObjectClient{client: client}, nil
}

// EnsureBucket creates the bucket if it does not exist yet
func (mc *MinioObjectClient) EnsureBucket(ctx context.Context, bucket string, logger *slog.Logger) error {
	exists, err := mc.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	logger.Info("creating bucket", slog.String("bucket", bucket))
	if err := mc.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
	}
	return nil
}

// PutObject uploads r; size -1 lets minio-go use multipart streaming
func (mc *MinioObjectClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := mc.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// GetObject returns the object stream. minio-go defers the request until the
// first read, so Stat is called up front to surface NoSuchKey here.
func (mc *MinioObjectClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	object, err := mc.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, err
	}
	return object, nil
}

// RemoveObject deletes the object
func (mc *MinioObjectClient) RemoveObject(ctx context.Context, bucket, key string) error {
	return mc.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// RemoteBackend stores file bytes as objects in a single bucket
type RemoteBackend struct {
	client ObjectClient
	bucket string
}

// NewRemoteBackend creates a backend over an object client and bucket
func NewRemoteBackend(client ObjectClient, bucket string) *RemoteBackend {
	return &RemoteBackend{client: client, bucket: bucket}
}

// Put uploads the bytes under name with tracing
func (rb *RemoteBackend) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "object.put",
		trace.WithAttributes(
			attribute.String("bucket", rb.bucket),
			attribute.String("stored_name", name),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	if err := validName(name); err != nil {
		span.RecordError(err)
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := rb.client.PutObject(ctx, rb.bucket, name, r, size, contentType); err != nil {
		span.RecordError(err)
		if errors.Is(err, apperr.ErrTooLarge) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: put object %s: %v", apperr.ErrStorageIO, name, err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// Get opens a lazily consumed stream over the object
func (rb *RemoteBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "object.get",
		trace.WithAttributes(
			attribute.String("bucket", rb.bucket),
			attribute.String("stored_name", name),
		),
	)
	defer span.End()

	if err := validName(name); err != nil {
		span.RecordError(err)
		return nil, err
	}

	body, err := rb.client.GetObject(ctx, rb.bucket, name)
	if err != nil {
		if isNoSuchKey(err) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, name)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("%w: get object %s: %v", apperr.ErrStorageIO, name, err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return body, nil
}

// Delete removes the object; an already absent object counts as deleted
func (rb *RemoteBackend) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "object.delete",
		trace.WithAttributes(
			attribute.String("bucket", rb.bucket),
			attribute.String("stored_name", name),
		),
	)
	defer span.End()

	if err := validName(name); err != nil {
		span.RecordError(err)
		return err
	}

	if err := rb.client.RemoveObject(ctx, rb.bucket, name); err != nil && !isNoSuchKey(err) {
		span.RecordError(err)
		return fmt.Errorf("%w: remove object %s: %v", apperr.ErrStorageIO, name, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
