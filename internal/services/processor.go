package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/pipeline"
)

// ProcessorFunction runs the pipeline for one queued job.
type ProcessorFunction struct {
	pipeline *pipeline.Pipeline
}

// NewProcessor creates a new ProcessorFunction instance from configuration.
func NewProcessor(ctx context.Context) (*ProcessorFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Document processor initialized.", "backend", cfg.Backend)
	return NewProcessorFromRuntime(rt), nil
}

func NewProcessorFromRuntime(rt *Runtime) *ProcessorFunction {
	return &ProcessorFunction{pipeline: rt.Pipeline}
}

// Process runs the job. A failure that was recorded on the document is
// reported in the response rather than as an error, so the caller does not
// redeliver a job that has already been settled.
func (f *ProcessorFunction) Process(ctx context.Context, req *models.ProcessDocumentRequest) (*models.ProcessDocumentResponse, error) {
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: documentId is required", ErrBadRequest)
	}
	logCtx := slog.With("documentId", req.DocumentID, "attempt", req.Attempt, "executionId", req.ExecutionID)
	logCtx.Info("Received processing request.")

	res, err := f.pipeline.Process(ctx, models.ProcessJob{DocumentID: req.DocumentID, Attempt: req.Attempt})
	if err != nil {
		if failureRecorded(err) {
			return &models.ProcessDocumentResponse{Status: ResultError, Error: err.Error()}, nil
		}
		logCtx.Error("Processing request failed.", "error", err)
		return nil, err
	}
	if res.Skipped {
		return &models.ProcessDocumentResponse{Status: ResultSkipped}, nil
	}
	return &models.ProcessDocumentResponse{Status: ResultEmbedded, ChunkCount: res.ChunkCount}, nil
}
