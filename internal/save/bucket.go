package save

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/timecapsule/internal/config"
	"github.com/dharsanguruparan/timecapsule/internal/model"
)

// Bucket stores unlocked capsules in MinIO/S3 under "<capsule id>/<filename>".
type Bucket struct {
	client *minio.Client
	bucket string
	region string
}

// NewBucket creates a MinIO client from the S3 settings.
func NewBucket(cfg config.S3) (*Bucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Bucket{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket on first use.
func (b *Bucket) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Save uploads blob and returns its s3:// location.
func (b *Bucket) Save(ctx context.Context, blob *model.Blob) (string, error) {
	key := ObjectKey(blob)
	opts := minio.PutObjectOptions{
		ContentType:  blob.ContentType,
		UserMetadata: map[string]string{"capsule-id": blob.CapsuleID},
	}
	if _, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(blob.Data), blob.Size(), opts); err != nil {
		return "", fmt.Errorf("upload capsule object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", b.bucket, key), nil
}

// PresignURL returns a time limited GET link for a saved capsule.
func (b *Bucket) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign capsule object: %w", err)
	}
	return u.String(), nil
}

// ObjectKey is where blob lives inside the bucket.
func ObjectKey(blob *model.Blob) string {
	id := blob.CapsuleID
	if id == "" {
		id = "unknown"
	}
	return path.Join(safeName(id), safeName(blob.Filename))
}
