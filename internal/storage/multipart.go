package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"astro-studio-backend/internal/models"
)

// MultipartBackend is the slice of the object store API the uploader
// needs. Tests drive it with a fake; production wraps the MinIO core
// client.
type MultipartBackend interface {
	Initiate(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (etag string, err error)
	Complete(ctx context.Context, key, uploadID string, parts []models.UploadedPart) error
	Abort(ctx context.Context, key, uploadID string) error
}

const maxPartRetries = 5

// Uploader streams large objects through resumable multipart uploads
// tracked by transfer slots. Another worker can pick an upload up from
// the highest recorded part once the previous holder's lease expires.
type Uploader struct {
	backend      MultipartBackend
	slots        SlotStore
	partSize     int64
	leaseTTL     time.Duration
	retryBackoff time.Duration
}

func NewUploader(backend MultipartBackend, slots SlotStore, partSize int64, leaseTTL time.Duration) *Uploader {
	return &Uploader{
		backend:      backend,
		slots:        slots,
		partSize:     partSize,
		leaseTTL:     leaseTTL,
		retryBackoff: time.Second,
	}
}

// SetRetryBackoff overrides the part retry base delay. Tests use it to
// avoid real backoff waits.
func (u *Uploader) SetRetryBackoff(d time.Duration) {
	u.retryBackoff = d
}

// Upload writes size bytes from src to key. If a slot for the key
// already exists, the upload resumes after its highest recorded part.
func (u *Uploader) Upload(ctx context.Context, key, targetID string, src io.ReaderAt, size int64) error {
	holder := uuid.New().String()

	slot, err := u.slots.Get(ctx, key)
	uploadID := ""
	if err == nil {
		uploadID = slot.UploadID
	} else if errors.Is(err, ErrSlotNotFound) {
		uploadID, err = u.backend.Initiate(ctx, key)
		if err != nil {
			return fmt.Errorf("initiate multipart for %s: %w", key, err)
		}
	} else {
		return err
	}

	slot, err = u.slots.Acquire(ctx, key, targetID, uploadID, holder, u.leaseTTL)
	if err != nil {
		return err
	}
	uploadID = slot.UploadID

	// Stolen flips when a refresh fails; the worker then discards its
	// in-memory state and stops uploading parts.
	var stolen atomic.Bool
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go u.refreshLease(refreshCtx, key, holder, &stolen)

	parts, err := DecodeParts(slot)
	if err != nil {
		return err
	}
	nextPart := highestPart(parts) + 1
	totalParts := int((size + u.partSize - 1) / u.partSize)

	buf := make([]byte, u.partSize)
	for partNo := nextPart; partNo <= totalParts; partNo++ {
		if stolen.Load() {
			return fmt.Errorf("%w: upload %s", ErrLeaseStolen, key)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := int64(partNo-1) * u.partSize
		window := u.partSize
		if offset+window > size {
			window = size - offset
		}
		chunk := buf[:window]
		if _, err := src.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return fmt.Errorf("read part %d of %s: %w", partNo, key, err)
		}

		etag, err := u.uploadPartWithRetry(ctx, key, uploadID, partNo, chunk)
		if err != nil {
			// Terminal failure: abort the remote upload and drop the
			// slot so the error surfaces cleanly.
			if abortErr := u.backend.Abort(ctx, key, uploadID); abortErr != nil {
				log.Printf("storage: abort of %s failed: %v", key, abortErr)
			}
			if delErr := u.slots.Delete(ctx, key); delErr != nil {
				log.Printf("storage: slot delete for %s failed: %v", key, delErr)
			}
			return fmt.Errorf("upload part %d of %s: %w", partNo, key, err)
		}

		part := models.UploadedPart{Number: partNo, ETag: etag, Size: window}
		if err := u.slots.AppendPart(ctx, key, holder, part); err != nil {
			if errors.Is(err, ErrLeaseStolen) {
				return fmt.Errorf("%w: upload %s", ErrLeaseStolen, key)
			}
			return err
		}
		parts = append(parts, part)
	}

	if stolen.Load() {
		return fmt.Errorf("%w: upload %s", ErrLeaseStolen, key)
	}
	if err := u.backend.Complete(ctx, key, uploadID, parts); err != nil {
		return fmt.Errorf("complete multipart for %s: %w", key, err)
	}
	return u.slots.Delete(ctx, key)
}

func (u *Uploader) refreshLease(ctx context.Context, key, holder string, stolen *atomic.Bool) {
	ticker := time.NewTicker(u.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.slots.Refresh(ctx, key, holder, u.leaseTTL); err != nil {
				if errors.Is(err, ErrLeaseStolen) || errors.Is(err, ErrSlotNotFound) {
					stolen.Store(true)
					return
				}
				log.Printf("storage: lease refresh for %s failed: %v", key, err)
			}
		}
	}
}

// uploadPartWithRetry retries transient part failures with exponential
// backoff: base 1s, factor 2, cap 30s, up to 5 attempts.
func (u *Uploader) uploadPartWithRetry(ctx context.Context, key, uploadID string, partNo int, data []byte) (string, error) {
	backoff := u.retryBackoff
	const backoffCap = 30 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxPartRetries; attempt++ {
		etag, err := u.backend.UploadPart(ctx, key, uploadID, partNo, data)
		if err == nil {
			return etag, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", maxPartRetries, lastErr)
}

func highestPart(parts []models.UploadedPart) int {
	highest := 0
	for _, p := range parts {
		if p.Number > highest {
			highest = p.Number
		}
	}
	return highest
}

// minioMultipart adapts the MinIO core client to MultipartBackend.
type minioMultipart struct {
	core   *minio.Core
	bucket string
}

func (m *minioMultipart) Initiate(ctx context.Context, key string) (string, error) {
	return m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{
		ContentType: fitsContentType,
	})
}

func (m *minioMultipart) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	part, err := m.core.PutObjectPart(ctx, m.bucket, key, uploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

func (m *minioMultipart) Complete(ctx context.Context, key, uploadID string, parts []models.UploadedPart) error {
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{
			PartNumber: p.Number,
			ETag:       strings.Trim(p.ETag, `"`),
		})
	}
	_, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, complete, minio.PutObjectOptions{})
	return err
}

func (m *minioMultipart) Abort(ctx context.Context, key, uploadID string) error {
	return m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID)
}
