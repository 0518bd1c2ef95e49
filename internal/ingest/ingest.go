// Package ingest accepts uploads. It keeps object storage and the document
// table consistent: a document row exists only if its bytes were stored, and
// bytes written for a row that could not be created are removed again.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/queue"
	"github.com/Lllllllleong/ragdocumentflow/internal/storage"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

const (
	DefaultMaxBytes           = 50 << 20
	defaultCompensationWindow = 30 * time.Second
)

// Upload is one file handed to the coordinator.
type Upload struct {
	Content  []byte
	Filename string
	MimeType string
	ScopeID  *string
}

type Coordinator struct {
	objects    storage.ObjectStore
	documents  store.DocumentStore
	dispatcher queue.Dispatcher
	maxBytes   int64
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMaxBytes rejects uploads larger than n bytes.
func WithMaxBytes(n int64) Option {
	return func(c *Coordinator) { c.maxBytes = n }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

func New(objects storage.ObjectStore, documents store.DocumentStore, dispatcher queue.Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		objects:    objects,
		documents:  documents,
		dispatcher: dispatcher,
		maxBytes:   DefaultMaxBytes,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest stores the bytes, creates a pending document and queues it for
// processing. It returns the created document.
func (c *Coordinator) Ingest(ctx context.Context, up Upload) (*models.Document, error) {
	if err := c.validate(&up); err != nil {
		return nil, err
	}

	id := c.newID()
	objectPath := storage.ObjectPath(up.ScopeID, id, up.Filename)
	mimeType := detectMimeType(up)
	logCtx := c.logger.With("documentId", id, "storagePath", objectPath)

	if err := c.objects.Put(ctx, objectPath, up.Content, mimeType); err != nil {
		logCtx.Error("Failed to store upload.", "error", err)
		return nil, models.StorageError(fmt.Errorf("store %s: %w", objectPath, err))
	}

	sum := sha256.Sum256(up.Content)
	now := c.now()
	doc := &models.Document{
		ID:           id,
		Filename:     up.Filename,
		MimeType:     mimeType,
		StoragePath:  objectPath,
		ScopeID:      up.ScopeID,
		Status:       models.StatusPending,
		ErrorHistory: []models.ErrorRecord{},
		FileHash:     hex.EncodeToString(sum[:]),
		SizeBytes:    int64(len(up.Content)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.documents.CreateDocument(ctx, doc); err != nil {
		return nil, c.compensate(ctx, logCtx, objectPath, err)
	}
	logCtx.Info("Document created.", "filename", doc.Filename, "mimeType", mimeType, "sizeBytes", doc.SizeBytes)

	job := models.ProcessJob{DocumentID: id, Attempt: 1}
	if err := c.dispatcher.Submit(ctx, job); err != nil {
		logCtx.Warn("Failed to queue document for processing. It stays pending until the watchdog resubmits it.", "error", err)
	}
	return doc, nil
}

// compensate removes the object written for a row that could not be
// inserted. It runs even if ctx is already done.
func (c *Coordinator) compensate(ctx context.Context, logCtx *slog.Logger, objectPath string, insertErr error) error {
	cause := models.DatabaseError(fmt.Errorf("insert document: %w", insertErr))
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCompensationWindow)
	defer cancel()
	if err := c.objects.Delete(cleanupCtx, objectPath); err != nil {
		joined := errors.Join(cause, models.StorageError(fmt.Errorf("remove orphaned object %s: %w", objectPath, err)))
		logCtx.Error("CRITICAL: Failed to remove stored object after the document insert failed.", "error", joined)
		return joined
	}
	logCtx.Error("Document insert failed. Stored object removed.", "error", insertErr)
	return cause
}

func (c *Coordinator) validate(up *Upload) error {
	scope, err := models.NormalizeScope(up.ScopeID)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidUpload, err)
	}
	up.ScopeID = scope
	if strings.TrimSpace(up.Filename) == "" {
		return fmt.Errorf("%w: filename is required", models.ErrInvalidUpload)
	}
	if len(up.Content) == 0 {
		return fmt.Errorf("%w: file is empty", models.ErrInvalidUpload)
	}
	if c.maxBytes > 0 && int64(len(up.Content)) > c.maxBytes {
		return fmt.Errorf("%w: file is %d bytes, limit is %d", models.ErrInvalidUpload, len(up.Content), c.maxBytes)
	}
	return nil
}

// detectMimeType trusts the declared type unless it is missing or generic.
func detectMimeType(up Upload) string {
	declared := strings.TrimSpace(up.MimeType)
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	detected := mimetype.Detect(up.Content)
	if mediaType, _, err := mime.ParseMediaType(detected.String()); err == nil {
		return mediaType
	}
	return detected.String()
}
