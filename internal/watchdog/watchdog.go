// Package watchdog recovers documents whose processing run died or whose
// job was never delivered.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/ragdocumentflow/internal/errorlog"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/queue"
	"github.com/Lllllllleong/ragdocumentflow/internal/status"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

type Config struct {
	// ProcessingTimeout is the run budget; Grace is added before a run is
	// declared dead.
	ProcessingTimeout time.Duration
	Grace             time.Duration
	// ResubmitAfter is how long a document may stay pending before its job
	// is submitted again.
	ResubmitAfter time.Duration
	BatchSize     int
}

// Report lists what one sweep changed.
type Report struct {
	TimedOut    []string
	Resubmitted []string
	Conflicts   int
}

type Sweeper struct {
	documents  store.DocumentStore
	tracker    *status.Tracker
	dispatcher queue.Dispatcher
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func New(documents store.DocumentStore, tracker *status.Tracker, dispatcher queue.Dispatcher, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		documents:  documents,
		tracker:    tracker,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep forces overdue processing documents into error and resubmits
// documents stuck in pending. Documents that change under it are counted as
// conflicts and left alone.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := s.now()
	if err := s.expire(ctx, now, report); err != nil {
		return report, err
	}
	if s.dispatcher != nil && s.cfg.ResubmitAfter > 0 {
		if err := s.resubmit(ctx, now, report); err != nil {
			return report, err
		}
	}
	s.logger.Info("Watchdog sweep complete.", "timedOut", len(report.TimedOut), "resubmitted", len(report.Resubmitted), "conflicts", report.Conflicts)
	return report, nil
}

func (s *Sweeper) expire(ctx context.Context, now time.Time, report *Report) error {
	budget := s.cfg.ProcessingTimeout + s.cfg.Grace
	stale, err := s.documents.ListStale(ctx, models.StatusProcessing, now.Add(-budget), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale processing documents: %w", err)
	}
	for _, doc := range stale {
		lastStage := "unknown"
		if doc.ProcessingStage != nil {
			lastStage = *doc.ProcessingStage
		}
		_, err := s.tracker.Transition(ctx, doc.ID, store.Transition{
			From:                 []models.Status{models.StatusProcessing},
			To:                   models.StatusError,
			ResetChunkCount:      true,
			ClearProcessingStage: true,
			DropChunks:           true,
			Failure: &store.Failure{
				Stage:   StageFor(doc.ProcessingStage),
				Message: fmt.Sprintf("processing did not finish within %s (last stage: %s)", s.cfg.ProcessingTimeout, lastStage),
			},
		})
		if errors.Is(err, models.ErrConcurrencyConflict) {
			report.Conflicts++
			continue
		}
		if err != nil {
			return fmt.Errorf("expire document %s: %w", doc.ID, err)
		}
		s.logger.Warn("Processing run timed out. Document moved to error.", "documentId", doc.ID, "lastStage", lastStage)
		report.TimedOut = append(report.TimedOut, doc.ID)
	}
	return nil
}

func (s *Sweeper) resubmit(ctx context.Context, now time.Time, report *Report) error {
	stale, err := s.documents.ListStale(ctx, models.StatusPending, now.Add(-s.cfg.ResubmitAfter), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale pending documents: %w", err)
	}
	for _, doc := range stale {
		job := models.ProcessJob{DocumentID: doc.ID, Attempt: errorlog.Of(doc.ErrorHistory).NextAttempt()}
		if err := s.dispatcher.Submit(ctx, job); err != nil {
			s.logger.Error("Failed to resubmit pending document.", "documentId", doc.ID, "error", err)
			continue
		}
		report.Resubmitted = append(report.Resubmitted, doc.ID)
	}
	return nil
}

// StageFor maps the last recorded processing stage to the error taxonomy.
func StageFor(processingStage *string) models.ErrorStage {
	if processingStage == nil {
		return models.ErrorStageStorage
	}
	switch *processingStage {
	case models.StageDownloading:
		return models.ErrorStageStorage
	case models.StageEmbedding:
		return models.ErrorStageEmbedding
	case models.StagePersisting:
		return models.ErrorStageDatabase
	default:
		return models.ErrorStageExtraction
	}
}
