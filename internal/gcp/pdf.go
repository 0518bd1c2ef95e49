package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/ragdocumentflow/internal/extract"
)

const defaultPageConcurrency = 10

// PageTranscriber turns a single-page PDF into text.
type PageTranscriber interface {
	TranscribePage(ctx context.Context, pageNumber int, page []byte) (string, error)
}

// PDFExtractor validates and splits a PDF into pages and transcribes the
// pages concurrently. The result carries a page marker per page.
type PDFExtractor struct {
	transcriber PageTranscriber
	concurrency int
	logger      *slog.Logger
}

var _ extract.Extractor = (*PDFExtractor)(nil)

func NewPDFExtractor(transcriber PageTranscriber, concurrency int, logger *slog.Logger) *PDFExtractor {
	if concurrency <= 0 {
		concurrency = defaultPageConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFExtractor{transcriber: transcriber, concurrency: concurrency, logger: logger}
}

func (e *PDFExtractor) Extract(ctx context.Context, file extract.File) (string, error) {
	logCtx := e.logger.With("filename", file.Filename)

	tempDir, err := os.MkdirTemp("", "pdf-extract-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, file.Content, 0o600); err != nil {
		return "", fmt.Errorf("failed to write temp pdf: %w", err)
	}
	optimizedPath := filepath.Join(tempDir, "optimized.pdf")
	pageFiles, err := splitPages(sourcePath, optimizedPath)
	if err != nil {
		return "", err
	}
	logCtx.Info("PDF optimized and split locally.", "pageCount", len(pageFiles))

	pages := make([]string, len(pageFiles))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.concurrency)
	for i, path := range pageFiles {
		eg.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			text, err := e.transcriber.TranscribePage(gctx, i+1, data)
			if err != nil {
				return err
			}
			if text == "" {
				logCtx.Warn("No text extracted from page. Treating as empty page.", "page", i+1)
			}
			pages[i] = text
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", fmt.Errorf("one or more pages failed to transcribe: %w", err)
	}

	if strings.TrimSpace(strings.Join(pages, "")) == "" {
		return "", extract.ErrEmptyText
	}
	return extract.JoinPages(pages), nil
}

// splitPages optimizes source into optimized and writes one file per page
// next to it, returning the page files in order.
func splitPages(source, optimized string) ([]string, error) {
	if err := optimizePDF(source, optimized); err != nil {
		return nil, fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := api.SplitFile(optimized, filepath.Dir(optimized), 1, nil); err != nil {
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}
	base := strings.TrimSuffix(optimized, filepath.Ext(optimized))
	files := make([]string, pageCount)
	for i := range files {
		files[i] = fmt.Sprintf("%s_%d.pdf", base, i+1)
	}
	return files, nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}
