package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/reprocess"
)

// ReprocessorFunction re-runs the pipeline on an embedded or failed document.
type ReprocessorFunction struct {
	orchestrator *reprocess.Orchestrator
}

// NewReprocessor creates a new ReprocessorFunction instance from configuration.
func NewReprocessor(ctx context.Context) (*ReprocessorFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Document reprocessor initialized.", "backend", cfg.Backend)
	return NewReprocessorFromRuntime(rt), nil
}

func NewReprocessorFromRuntime(rt *Runtime) *ReprocessorFunction {
	return &ReprocessorFunction{
		orchestrator: reprocess.New(rt.Repository, rt.Tracker, rt.Objects, rt.Pipeline, rt.Logger),
	}
}

func (f *ReprocessorFunction) Process(ctx context.Context, req *models.ReprocessDocumentRequest) (*models.ReprocessDocumentResponse, error) {
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: documentId is required", ErrBadRequest)
	}
	res, err := f.orchestrator.Reprocess(ctx, req.DocumentID)
	if err != nil {
		if failureRecorded(err) {
			return &models.ReprocessDocumentResponse{Status: ResultError, Error: err.Error()}, nil
		}
		slog.Warn("Reprocess request rejected.", "documentId", req.DocumentID, "error", err)
		return nil, err
	}
	return &models.ReprocessDocumentResponse{Status: ResultEmbedded, ChunkCount: res.ChunkCount}, nil
}
