// Package reprocess re-runs the pipeline for a document that already
// finished, successfully or not.
package reprocess

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/pipeline"
	"github.com/Lllllllleong/ragdocumentflow/internal/status"
	"github.com/Lllllllleong/ragdocumentflow/internal/storage"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

// Runner is the part of the pipeline the orchestrator drives.
type Runner interface {
	Run(ctx context.Context, doc *models.Document, content []byte) (*pipeline.Result, error)
	Fail(ctx context.Context, doc *models.Document, cause error) error
}

type Orchestrator struct {
	documents store.DocumentStore
	tracker   *status.Tracker
	objects   storage.ObjectStore
	runner    Runner
	logger    *slog.Logger
}

func New(documents store.DocumentStore, tracker *status.Tracker, objects storage.ObjectStore, runner Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		documents: documents,
		tracker:   tracker,
		objects:   objects,
		runner:    runner,
		logger:    logger,
	}
}

// Reprocess claims an embedded or failed document, discards its chunks and
// runs the pipeline again on the stored bytes. The claim, the chunk delete
// and the field reset commit together, so a caller that loses the race gets
// models.ErrConcurrencyConflict and changes nothing.
func (o *Orchestrator) Reprocess(ctx context.Context, documentID string) (*pipeline.Result, error) {
	logCtx := o.logger.With("documentId", documentID)

	doc, err := o.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("reprocess %s: %w", documentID, err)
	}
	if doc.StoragePath == "" {
		return nil, fmt.Errorf("reprocess %s: %w", documentID, models.ErrNoStoragePath)
	}

	claimed, err := o.tracker.Transition(ctx, documentID, store.Transition{
		From:                 []models.Status{models.StatusEmbedded, models.StatusError},
		To:                   models.StatusProcessing,
		DropChunks:           true,
		ResetChunkCount:      true,
		ClearProcessingStage: true,
	})
	if err != nil {
		return nil, fmt.Errorf("reprocess %s: %w", documentID, err)
	}
	logCtx.Info("Document claimed for reprocessing.", "previousStatus", doc.Status, "failedAttempts", len(claimed.ErrorHistory))

	content, err := o.objects.Get(ctx, claimed.StoragePath)
	if err != nil {
		return nil, o.runner.Fail(ctx, claimed, models.StorageError(fmt.Errorf("download %s: %w", claimed.StoragePath, err)))
	}
	return o.runner.Run(ctx, claimed, content)
}
