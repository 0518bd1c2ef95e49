package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"

	objectstore "github.com/Lllllllleong/ragdocumentflow/internal/storage"
)

const (
	defaultUploadRetries = 4
	defaultUploadBackoff = time.Second
	defaultWriteTimeout  = 50 * time.Second
)

// GCSObjectStore keeps uploaded files in a single bucket.
type GCSObjectStore struct {
	bucket  *storage.BucketHandle
	name    string
	retries uint64
	backoff time.Duration
	logger  *slog.Logger
}

var _ objectstore.ObjectStore = (*GCSObjectStore)(nil)

func NewGCSObjectStore(client *storage.Client, bucket string, logger *slog.Logger) *GCSObjectStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSObjectStore{
		bucket:  client.Bucket(bucket),
		name:    bucket,
		retries: defaultUploadRetries,
		backoff: defaultUploadBackoff,
		logger:  logger,
	}
}

// Put uploads data, retrying transient failures with exponential backoff.
func (s *GCSObjectStore) Put(ctx context.Context, objectPath string, data []byte, contentType string) error {
	attempt := 0
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := s.write(ctx, objectPath, data, contentType)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		s.logger.Warn("Upload failed, will retry.",
			"gcsObject", objectPath,
			"attempt", attempt,
			"maxRetries", s.retries,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("failed to upload gs://%s/%s: %w", s.name, objectPath, err)
	}
	return nil
}

func (s *GCSObjectStore) write(ctx context.Context, objectPath string, data []byte, contentType string) error {
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	w := s.bucket.Object(objectPath).NewWriter(writeCtx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
	}
	return nil
}

func (s *GCSObjectStore) Get(ctx context.Context, objectPath string) ([]byte, error) {
	r, err := s.bucket.Object(objectPath).NewReader(ctx)
	if err != nil {
		if isObjectMissing(err) {
			return nil, fmt.Errorf("gs://%s/%s: %w", s.name, objectPath, objectstore.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", s.name, objectPath, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", s.name, objectPath, err)
	}
	return data, nil
}

func (s *GCSObjectStore) Delete(ctx context.Context, objectPath string) error {
	err := s.bucket.Object(objectPath).Delete(ctx)
	if err != nil && !isObjectMissing(err) {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", s.name, objectPath, err)
	}
	return nil
}

func isObjectMissing(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	return true
}
