package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Get when the key is absent from the bucket.
var ErrObjectNotFound = errors.New("object not found")

// MinIOConfig holds connection settings for the object store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Object is an open blob plus the metadata needed to stream it.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// MinIOBlobStore keeps original uploads in a bucket.
type MinIOBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOBlobStore connects and creates the bucket when it is missing.
func NewMinIOBlobStore(ctx context.Context, cfg MinIOConfig) (*MinIOBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIOBlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data under key.
func (m *MinIOBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	return nil
}

// Get opens the object stored under key. The caller closes Body.
func (m *MinIOBlobStore) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, objectError("failed to get object", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, objectError("failed to stat object", key, err)
	}
	return &Object{Body: obj, Size: info.Size, ContentType: info.ContentType}, nil
}

// Remove deletes key. Missing keys are not an error.
func (m *MinIOBlobStore) Remove(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

// objectError maps missing keys to ErrObjectNotFound and wraps everything else.
func objectError(message, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s %q: %w", message, key, ErrObjectNotFound)
	}
	return fmt.Errorf("%s: %w", message, err)
}
