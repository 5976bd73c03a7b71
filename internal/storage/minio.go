package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("sharebox-storage")

// MinioConfig holds connection details for the blob store.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	BucketName    string
	UseSSL        bool
	PublicBaseURL string
}

// MinioClient wraps MinIO operations with tracing
type MinioClient struct {
	client        *minio.Client
	bucketName    string
	publicBaseURL string
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists.
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*MinioClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:        client,
		bucketName:    cfg.BucketName,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	// Share links hand out public_url, so objects must be anonymously readable.
	// Listing stays private.
	if err := client.SetBucketPolicy(ctx, cfg.BucketName, readOnlyPolicy(cfg.BucketName)); err != nil {
		return nil, fmt.Errorf("failed to set bucket policy: %w", err)
	}

	return mc, nil
}

const readOnlyPolicyTemplate = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"AWS": ["*"]},
      "Action": ["s3:GetObject"],
      "Resource": ["arn:aws:s3:::%s/*"]
    }
  ]
}`

func readOnlyPolicy(bucket string) string {
	return fmt.Sprintf(readOnlyPolicyTemplate, bucket)
}

// PublicURL returns the address a shared object is served from.
func (mc *MinioClient) PublicURL(path string) string {
	return PublicObjectURL(mc.publicBaseURL, mc.bucketName, path)
}

// PublicObjectURL joins base, bucket and an escaped object path.
func PublicObjectURL(base, bucket, path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), bucket, strings.Join(segments, "/"))
}

// Put streams an object of the given size and returns its public URL.
func (mc *MinioClient) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", path),
			attribute.Int64("size_bytes", size),
			attribute.String("content_type", contentType),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := mc.client.PutObject(ctx, mc.bucketName, path, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to put object: %w", err)
	}
	if info.Size != size {
		err := fmt.Errorf("short write: stored %d of %d bytes", info.Size, size)
		span.RecordError(err)
		return "", err
	}

	return mc.PublicURL(path), nil
}

// Delete removes an object. Removing a missing object succeeds.
func (mc *MinioClient) Delete(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_object",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	if err := mc.client.RemoveObject(ctx, mc.bucketName, path, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
