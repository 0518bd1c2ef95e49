package services

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/retrieval"
)

const retrievalRequestTimeout = 30 * time.Second

// RetrievalFunction serves the conversation layer: POST /query returns the
// context for a question and POST /enrich annotates a user supplied value.
type RetrievalFunction struct {
	service *retrieval.Service
	router  chi.Router
}

// NewRetrieval creates a new RetrievalFunction instance from configuration.
func NewRetrieval(ctx context.Context) (*RetrievalFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f, err := NewRetrievalFromRuntime(rt)
	if err != nil {
		return nil, err
	}
	slog.Info("Retrieval function initialized.", "backend", cfg.Backend, "cacheTTL", cfg.Retrieval.CacheTTL.String())
	return f, nil
}

func NewRetrievalFromRuntime(rt *Runtime) (*RetrievalFunction, error) {
	cfg := rt.Config.Retrieval
	cache, err := retrieval.NewCache(cfg.CacheCapacity, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	service := retrieval.NewService(rt.QueryEmbedder, rt.Repository, cache, retrieval.Config{
		TopK:            cfg.TopK,
		Threshold:       cfg.Threshold,
		EnrichThreshold: cfg.EnrichThreshold,
		NoResults:       cfg.NoRelevantInformation,
		MaxQuestionLen:  cfg.MaxQuestionLen,
		SnippetLen:      cfg.SnippetLen,
	}, rt.Logger)
	return NewRetrievalFunction(service), nil
}

// NewRetrievalFunction wires the HTTP routes around service.
func NewRetrievalFunction(service *retrieval.Service) *RetrievalFunction {
	f := &RetrievalFunction{service: service}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(retrievalRequestTimeout))
	r.Post("/query", f.handleQuery)
	r.Post("/enrich", f.handleEnrich)
	f.router = r
	return f
}

func (f *RetrievalFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

// handleQuery always answers 200 once the body parses: search failures are
// reported as the no-results text.
func (f *RetrievalFunction) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := models.NormalizeScope(req.ScopeID); err != nil {
		WriteError(w, err)
		return
	}
	content := f.service.Query(r.Context(), req.Question, req.ScopeID, req.TopK)
	WriteJSON(w, http.StatusOK, models.QueryResponse{Content: content})
}

func (f *RetrievalFunction) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req models.EnrichRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := models.NormalizeScope(req.ScopeID); err != nil {
		WriteError(w, err)
		return
	}
	value := f.service.Enrich(r.Context(), req.Field, req.Value, req.ScopeID)
	WriteJSON(w, http.StatusOK, models.EnrichResponse{Value: value})
}
