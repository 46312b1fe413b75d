package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/muandane/special-stack/pagekit/internal/config"
)

// ObjectStore persists uploaded objects.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// MinioStore is an ObjectStore backed by an S3-compatible server.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore initializes the MinIO client with the provided configuration.
func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (m *MinioStore) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

var _ ObjectStore = (*MinioStore)(nil)
