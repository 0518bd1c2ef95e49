package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Lllllllleong/ragdocumentflow/internal/ingest"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

const (
	uploadFormField = "file"
	scopeFormField  = "scopeId"
	multipartMemory = 32 << 20
)

// IngesterFunction accepts uploads and hands them to the coordinator.
type IngesterFunction struct {
	coordinator *ingest.Coordinator
	maxBytes    int64
}

// NewIngester creates a new IngesterFunction instance from configuration.
func NewIngester(ctx context.Context) (*IngesterFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Document ingester initialized.", "backend", cfg.Backend, "dispatcher", cfg.Dispatcher.Backend)
	return NewIngesterFromRuntime(rt), nil
}

func NewIngesterFromRuntime(rt *Runtime) *IngesterFunction {
	coordinator := ingest.New(rt.Objects, rt.Repository, rt.Dispatcher,
		ingest.WithLogger(rt.Logger),
		ingest.WithMaxBytes(rt.Config.Ingest.MaxBytes),
	)
	return &IngesterFunction{coordinator: coordinator, maxBytes: rt.Config.Ingest.MaxBytes}
}

// ParseUpload reads a multipart upload with the file in "file" and an
// optional "scopeId" field.
func (f *IngesterFunction) ParseUpload(r *http.Request) (ingest.Upload, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return ingest.Upload{}, errors.Join(ErrBadRequest, fmt.Errorf("parse multipart form: %w", err))
	}
	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		return ingest.Upload{}, errors.Join(ErrBadRequest, fmt.Errorf("form field %q: %w", uploadFormField, err))
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, f.maxBytes+1))
	if err != nil {
		return ingest.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(content)) > f.maxBytes {
		return ingest.Upload{}, fmt.Errorf("%w: file exceeds %d bytes", models.ErrInvalidUpload, f.maxBytes)
	}

	up := ingest.Upload{
		Content:  content,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
	}
	if scope := strings.TrimSpace(r.FormValue(scopeFormField)); scope != "" {
		up.ScopeID = &scope
	}
	return up, nil
}

// Process ingests one upload.
func (f *IngesterFunction) Process(ctx context.Context, up ingest.Upload) (*models.IngestDocumentResponse, error) {
	doc, err := f.coordinator.Ingest(ctx, up)
	if err != nil {
		return nil, err
	}
	return &models.IngestDocumentResponse{Document: doc}, nil
}
