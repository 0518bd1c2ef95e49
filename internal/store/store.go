// Package store defines the persistence contract for documents and chunks.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/Lllllllleong/ragdocumentflow/internal/errorlog"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

// Failure is an error record appended as part of a transition.
type Failure struct {
	Stage   models.ErrorStage
	Message string
}

// Transition is a compare-and-swap status change together with the writes
// that must commit with it. Implementations apply it atomically: when the
// stored status is not in From, nothing is written and
// models.ErrConcurrencyConflict is returned.
type Transition struct {
	From []models.Status
	To   models.Status

	// ChunkCount is written when set. ResetChunkCount clears it.
	ChunkCount      *int
	ResetChunkCount bool

	// ProcessingStage is written when set. ClearProcessingStage clears it.
	ProcessingStage      *string
	ClearProcessingStage bool

	Failure *Failure

	// DropChunks deletes every chunk of the document before InsertChunks
	// are written.
	DropChunks   bool
	InsertChunks []models.Chunk

	At time.Time
}

// Allows reports whether the transition may start from status s.
func (t Transition) Allows(s models.Status) bool {
	return slices.Contains(t.From, s)
}

// Apply writes the document-level effects of t onto doc. Chunk writes are the
// caller's concern.
func (t Transition) Apply(doc *models.Document, history errorlog.History) {
	doc.Status = t.To
	doc.UpdatedAt = t.At
	switch {
	case t.ChunkCount != nil:
		doc.ChunkCount = models.Ptr(*t.ChunkCount)
	case t.ResetChunkCount:
		doc.ChunkCount = nil
	}
	switch {
	case t.ProcessingStage != nil:
		doc.ProcessingStage = models.Ptr(*t.ProcessingStage)
	case t.ClearProcessingStage:
		doc.ProcessingStage = nil
	}
	if t.Failure != nil {
		doc.ErrorHistory = errorlog.Append(history, models.ErrorRecord{
			Stage:   t.Failure.Stage,
			Message: t.Failure.Message,
		}, t.At)
	} else if history.IsLegacy() {
		doc.ErrorHistory = history.Normalize()
	}
}

// DocumentStore persists documents.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// DeleteDocument removes the document and all of its chunks.
	DeleteDocument(ctx context.Context, id string) error
	// Transition applies t atomically and returns the updated document and the
	// status it had before.
	Transition(ctx context.Context, id string, t Transition) (*models.Document, models.Status, error)
	// SetProcessingStage records progress. It only succeeds while the
	// document is processing; otherwise it returns models.ErrConcurrencyConflict.
	SetProcessingStage(ctx context.Context, id, stage string) error
	// ListStale returns documents in status whose last status change is older
	// than before, oldest first.
	ListStale(ctx context.Context, status models.Status, before time.Time, limit int) ([]*models.Document, error)
}

// ChunkStore reads persisted chunks.
type ChunkStore interface {
	CountChunks(ctx context.Context, documentID string) (int, error)
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
}

// Repository is the full persistence port.
type Repository interface {
	DocumentStore
	ChunkStore
}
