package store

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror replicates committed media and derivatives to an object store.
// It is a best-effort side channel: callers log mirror failures and carry
// on, the same demotion rule as thumbnail generation.
type Mirror interface {
	UploadFile(ctx context.Context, localPath, key, contentType string) error
	UploadReader(ctx context.Context, r io.Reader, size int64, key, contentType string) error
	Remove(ctx context.Context, keys []string) error
	Health(ctx context.Context) error
}

// MinIOConfig holds MinIO connection configuration.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// MinIOMirror implements Mirror with the MinIO SDK.
type MinIOMirror struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewMinIOMirror creates a mirror client.
func NewMinIOMirror(cfg MinIOConfig) (*MinIOMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &MinIOMirror{client: client, bucketName: cfg.BucketName, region: cfg.Region}, nil
}

// InitBucket ensures the bucket exists.
func (m *MinIOMirror) InitBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Health checks connectivity.
func (m *MinIOMirror) Health(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucketName)
	return err
}

// UploadFile replicates a local file under the same relative key.
func (m *MinIOMirror) UploadFile(ctx context.Context, localPath, key, contentType string) error {
	_, err := m.client.FPutObject(ctx, m.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to mirror file: %w", err)
	}
	return nil
}

// UploadReader replicates streamed content.
func (m *MinIOMirror) UploadReader(ctx context.Context, r io.Reader, size int64, key, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to mirror stream: %w", err)
	}
	return nil
}

// Remove deletes mirrored keys. Missing keys are not an error.
func (m *MinIOMirror) Remove(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, key := range keys {
			objectsCh <- minio.ObjectInfo{Key: key}
		}
	}()

	for res := range m.client.RemoveObjects(ctx, m.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("failed to remove mirrored object %s: %w", res.ObjectName, res.Err)
		}
	}
	return nil
}
