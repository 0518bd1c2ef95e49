// Package pipeline runs the extract, chunk, embed and persist stages for one
// document and records the outcome on it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/ragdocumentflow/internal/chunk"
	"github.com/Lllllllleong/ragdocumentflow/internal/embed"
	"github.com/Lllllllleong/ragdocumentflow/internal/errorlog"
	"github.com/Lllllllleong/ragdocumentflow/internal/extract"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/status"
	"github.com/Lllllllleong/ragdocumentflow/internal/storage"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

const (
	DefaultTimeout             = 5 * time.Minute
	DefaultFailureWriteTimeout = 15 * time.Second
)

var errNoChunks = errors.New("text produced no chunks")

// ErrFailureNotRecorded marks a failed run whose processing -> error write
// did not commit. The document is still processing and carries no record of
// the failure.
var ErrFailureNotRecorded = errors.New("failure not recorded")

// Splitter segments extracted text.
type Splitter interface {
	Split(text string) ([]chunk.Piece, error)
}

type Config struct {
	// Timeout bounds one run from extraction to persistence.
	Timeout time.Duration
	// FailureWriteTimeout bounds the write that records a failed run. It
	// runs even when the run's context is already done.
	FailureWriteTimeout time.Duration
}

// Result describes a finished job.
type Result struct {
	DocumentID string
	ChunkCount int
	// Skipped is set when the job was acknowledged without running because
	// the document had moved on.
	Skipped bool
}

type Pipeline struct {
	objects   storage.ObjectStore
	extractor extract.Extractor
	splitter  Splitter
	embedder  embed.Embedder
	documents store.DocumentStore
	tracker   *status.Tracker
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

func New(
	objects storage.ObjectStore,
	extractor extract.Extractor,
	splitter Splitter,
	embedder embed.Embedder,
	documents store.DocumentStore,
	tracker *status.Tracker,
	cfg Config,
	opts ...Option,
) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailureWriteTimeout <= 0 {
		cfg.FailureWriteTimeout = DefaultFailureWriteTimeout
	}
	p := &Pipeline{
		objects:   objects,
		extractor: extractor,
		splitter:  splitter,
		embedder:  embedder,
		documents: documents,
		tracker:   tracker,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles a queued job: it claims the pending document and runs it.
// Delivery is at least once, so a job for a document that is no longer
// pending, or that expects a different attempt, is acknowledged as skipped.
func (p *Pipeline) Process(ctx context.Context, job models.ProcessJob) (*Result, error) {
	logCtx := p.logger.With("documentId", job.DocumentID, "attempt", job.Attempt)

	doc, err := p.documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	skipped := &Result{DocumentID: doc.ID, Skipped: true}
	if doc.Status != models.StatusPending {
		logCtx.Info("Document is not pending. Skipping job.", "status", doc.Status)
		return skipped, nil
	}
	if next := errorlog.Of(doc.ErrorHistory).NextAttempt(); job.Attempt != 0 && job.Attempt != next {
		logCtx.Info("Job attempt is stale. Skipping job.", "expectedAttempt", next)
		return skipped, nil
	}

	claimed, err := p.tracker.Transition(ctx, doc.ID, store.Transition{
		From:            []models.Status{models.StatusPending},
		To:              models.StatusProcessing,
		ResetChunkCount: true,
		ProcessingStage: models.Ptr(models.StageDownloading),
	})
	if errors.Is(err, models.ErrConcurrencyConflict) {
		logCtx.Info("Document was claimed by another worker. Skipping job.")
		return skipped, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim document %s: %w", doc.ID, err)
	}
	return p.Run(ctx, claimed, nil)
}

// Run processes a document that is already in the processing state. When
// content is nil the bytes are downloaded from the document's storage path.
// Every failure is recorded on the document before Run returns, unless the
// returned error wraps ErrFailureNotRecorded.
func (p *Pipeline) Run(ctx context.Context, doc *models.Document, content []byte) (*Result, error) {
	logCtx := p.logger.With("documentId", doc.ID)
	logCtx.Info("Starting document processing.", "filename", doc.Filename, "mimeType", doc.MimeType)
	started := p.now()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	chunks, err := p.prepare(runCtx, logCtx, doc, content)
	if err == nil {
		err = p.persist(runCtx, doc, chunks)
	}
	if err != nil {
		return nil, p.Fail(ctx, doc, err)
	}

	logCtx.Info("Document processing complete.", "chunkCount", len(chunks), "duration", p.now().Sub(started).String())
	return &Result{DocumentID: doc.ID, ChunkCount: len(chunks)}, nil
}

// Fail moves a processing document to error and appends an ErrorRecord for
// cause. The write is detached from ctx so that a cancelled run still ends
// in a committed error state. It returns cause, joined with
// ErrFailureNotRecorded and the write error if the failure could not be
// recorded.
func (p *Pipeline) Fail(ctx context.Context, doc *models.Document, cause error) error {
	logCtx := p.logger.With("documentId", doc.ID)
	stage, ok := models.StageOf(cause)
	if !ok {
		stage = models.ErrorStageDatabase
		cause = models.DatabaseError(cause)
	}
	logCtx.Error("Document processing failed.", "stage", stage, "error", cause)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FailureWriteTimeout)
	defer cancel()
	_, err := p.tracker.Transition(writeCtx, doc.ID, store.Transition{
		From:                 []models.Status{models.StatusProcessing},
		To:                   models.StatusError,
		ResetChunkCount:      true,
		ClearProcessingStage: true,
		DropChunks:           true,
		Failure:              &store.Failure{Stage: stage, Message: cause.Error()},
	})
	if err != nil {
		logCtx.Error("CRITICAL: Failed to record processing failure on the document.", "updateError", err)
		return errors.Join(cause, fmt.Errorf("%w: %w", ErrFailureNotRecorded, err))
	}
	return cause
}

func (p *Pipeline) prepare(ctx context.Context, logCtx *slog.Logger, doc *models.Document, content []byte) ([]models.Chunk, error) {
	if content == nil {
		p.markStage(ctx, logCtx, doc.ID, models.StageDownloading)
		if doc.StoragePath == "" {
			return nil, models.StorageError(models.ErrNoStoragePath)
		}
		data, err := p.objects.Get(ctx, doc.StoragePath)
		if err != nil {
			return nil, models.StorageError(fmt.Errorf("download %s: %w", doc.StoragePath, err))
		}
		content = data
	}

	p.markStage(ctx, logCtx, doc.ID, models.StageExtracting)
	text, err := p.extractor.Extract(ctx, extract.File{
		Filename: doc.Filename,
		MimeType: doc.MimeType,
		Content:  content,
	})
	if err != nil {
		return nil, models.ExtractionError(err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, models.ExtractionError(extract.ErrEmptyText)
	}

	p.markStage(ctx, logCtx, doc.ID, models.StageChunking)
	pieces, err := p.splitter.Split(text)
	if err != nil {
		return nil, models.ExtractionError(err)
	}
	if len(pieces) == 0 {
		return nil, models.ExtractionError(errNoChunks)
	}
	logCtx.Info("Text chunked.", "chunkCount", len(pieces), "textLength", len(text))

	p.markStage(ctx, logCtx, doc.ID, models.StageEmbedding)
	chunks := make([]models.Chunk, 0, len(pieces))
	dimension := 0
	createdAt := p.now()
	for _, piece := range pieces {
		vec, err := p.embedder.Embed(ctx, piece.Content)
		if err != nil {
			return nil, models.EmbeddingError(fmt.Errorf("chunk %d of %d: %w", piece.Index+1, len(pieces), err))
		}
		if dimension == 0 {
			dimension = len(vec)
		}
		if len(vec) == 0 || len(vec) != dimension {
			return nil, models.EmbeddingError(fmt.Errorf("chunk %d of %d: embedding has %d dimensions, want %d", piece.Index+1, len(pieces), len(vec), dimension))
		}
		hasPageData := piece.HasPageData
		chunks = append(chunks, models.Chunk{
			ID:          p.newID(),
			DocumentID:  doc.ID,
			ScopeID:     doc.ScopeID,
			ChunkIndex:  piece.Index,
			Content:     piece.Content,
			Embedding:   vec,
			TokenCount:  piece.TokenCount,
			PageStart:   piece.PageStart,
			PageEnd:     piece.PageEnd,
			HasPageData: &hasPageData,
			CreatedAt:   createdAt,
		})
	}
	return chunks, nil
}

func (p *Pipeline) persist(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	p.markStage(ctx, p.logger.With("documentId", doc.ID), doc.ID, models.StagePersisting)
	count := len(chunks)
	_, err := p.tracker.Transition(ctx, doc.ID, store.Transition{
		From:                 []models.Status{models.StatusProcessing},
		To:                   models.StatusEmbedded,
		ChunkCount:           &count,
		ClearProcessingStage: true,
		DropChunks:           true,
		InsertChunks:         chunks,
	})
	if err != nil {
		return models.DatabaseError(fmt.Errorf("persist %d chunks: %w", count, err))
	}
	return nil
}

// markStage records progress. It is advisory, so failures are only logged.
func (p *Pipeline) markStage(ctx context.Context, logCtx *slog.Logger, documentID, stage string) {
	if err := p.documents.SetProcessingStage(ctx, documentID, stage); err != nil {
		logCtx.Warn("Failed to record processing stage.", "stage", stage, "error", err)
	}
}
