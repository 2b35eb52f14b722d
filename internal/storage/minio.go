package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"astro-studio-backend/internal/config"
	"astro-studio-backend/internal/metrics"
)

const fitsContentType = "application/fits"

// Gateway wraps S3-compatible object storage. FITS source files and
// rendered previews live in separate buckets. Objects at or above the
// multipart threshold go through the resumable uploader.
type Gateway struct {
	client        *minio.Client
	core          *minio.Core
	fitsBucket    string
	previewBucket string
	threshold     int64
	uploader      *Uploader
}

func NewGateway(cfg *config.Config, slots SlotStore) (*Gateway, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	}
	client, err := minio.New(cfg.MinioEndpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	core, err := minio.NewCore(cfg.MinioEndpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO core client: %w", err)
	}

	g := &Gateway{
		client:        client,
		core:          core,
		fitsBucket:    cfg.MinioFitsBucket,
		previewBucket: cfg.MinioPreviewBucket,
		threshold:     cfg.MultipartThreshold,
	}

	ctx := context.Background()
	for _, bucket := range []string{g.fitsBucket, g.previewBucket} {
		if err := g.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}

	backend := &minioMultipart{core: core, bucket: g.fitsBucket}
	g.uploader = NewUploader(backend, slots, cfg.MultipartPartSize, cfg.SlotLeaseTTL)

	return g, nil
}

func (g *Gateway) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := g.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := g.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// PutFile stores a local FITS file under the given key. Keys are
// deterministic, so a concurrent duplicate write is benign.
func (g *Gateway) PutFile(ctx context.Context, key, path string, targetID string) error {
	timer := metrics.StorageOperationDuration.WithLabelValues("store")
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	info, err := os.Stat(path)
	if err != nil {
		metrics.StorageOperations.WithLabelValues("store", "failed").Inc()
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	metrics.StorageFileSize.Observe(float64(info.Size()))

	if info.Size() >= g.threshold {
		file, err := os.Open(path)
		if err != nil {
			metrics.StorageOperations.WithLabelValues("store", "failed").Inc()
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer file.Close()
		if err := g.uploader.Upload(ctx, key, targetID, file, info.Size()); err != nil {
			metrics.StorageOperations.WithLabelValues("store", "failed").Inc()
			return err
		}
		metrics.StorageOperations.WithLabelValues("store", "success").Inc()
		return nil
	}

	_, err = g.client.FPutObject(ctx, g.fitsBucket, key, path, minio.PutObjectOptions{
		ContentType: fitsContentType,
	})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("store", "failed").Inc()
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	metrics.StorageOperations.WithLabelValues("store", "success").Inc()
	return nil
}

// Get reads a whole object from the FITS bucket.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	timer := metrics.StorageOperationDuration.WithLabelValues("retrieve")
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	obj, err := g.client.GetObject(ctx, g.fitsBucket, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("retrieve", "failed").Inc()
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		metrics.StorageOperations.WithLabelValues("retrieve", "failed").Inc()
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	metrics.StorageOperations.WithLabelValues("retrieve", "success").Inc()
	return data, nil
}

// Exists lists the keys under a prefix in the FITS bucket.
func (g *Gateway) Exists(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range g.client.ListObjects(ctx, g.fitsBucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Delete removes an object from the FITS bucket.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	err := g.client.RemoveObject(ctx, g.fitsBucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("delete", "failed").Inc()
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	metrics.StorageOperations.WithLabelValues("delete", "success").Inc()
	return nil
}

// PutPreview stores a rendered PNG in the preview bucket.
func (g *Gateway) PutPreview(ctx context.Context, key string, data []byte) error {
	timer := metrics.StorageOperationDuration.WithLabelValues("store_preview")
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	_, err := g.client.PutObject(ctx, g.previewBucket, key, bytes.NewReader(data),
		int64(len(data)), minio.PutObjectOptions{ContentType: "image/png"})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("store_preview", "failed").Inc()
		return fmt.Errorf("failed to store preview %s: %w", key, err)
	}
	metrics.StorageOperations.WithLabelValues("store_preview", "success").Inc()
	return nil
}

// PresignedPreviewURL returns a time-limited download URL for a preview.
func (g *Gateway) PresignedPreviewURL(ctx context.Context, key string) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.previewBucket, key, time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// IsFITSKey reports whether a key names a FITS source file. Ambiguous
// objects are treated as absent.
func IsFITSKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit")
}
