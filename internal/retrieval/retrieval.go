// Package retrieval answers questions from persisted chunks for the
// conversation layer. Callers always get a string back: failures degrade to
// a fixed no-results answer or to the caller's own value.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/ragdocumentflow/internal/embed"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

const (
	// NoRelevantInformation is returned when nothing matched.
	NoRelevantInformation = "Keine relevanten Informationen gefunden."

	DefaultTopK            = 3
	DefaultThreshold       = 0.7
	DefaultEnrichThreshold = 0.5
	DefaultMaxQuestionLen  = 2000
	DefaultSnippetLen      = 280

	contextSeparator = "\n\n---\n\n"
)

// Searcher finds the chunks most similar to an embedding.
type Searcher interface {
	Match(ctx context.Context, q models.MatchQuery) ([]models.Match, error)
}

type Config struct {
	TopK            int
	Threshold       float64
	EnrichThreshold float64
	NoResults       string
	MaxQuestionLen  int
	SnippetLen      int
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.EnrichThreshold <= 0 {
		c.EnrichThreshold = DefaultEnrichThreshold
	}
	if c.NoResults == "" {
		c.NoResults = NoRelevantInformation
	}
	if c.MaxQuestionLen <= 0 {
		c.MaxQuestionLen = DefaultMaxQuestionLen
	}
	if c.SnippetLen <= 0 {
		c.SnippetLen = DefaultSnippetLen
	}
	return c
}

type Service struct {
	embedder embed.Embedder
	searcher Searcher
	cache    *Cache
	cfg      Config
	logger   *slog.Logger
}

func NewService(embedder embed.Embedder, searcher Searcher, cache *Cache, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: embedder,
		searcher: searcher,
		cache:    cache,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Query returns the joined content of the best matches for question within
// scopeID, or the no-results text. Answers are cached per scope and
// normalised question.
func (s *Service) Query(ctx context.Context, question string, scopeID *string, topK int) string {
	if strings.TrimSpace(question) == "" {
		return s.cfg.NoResults
	}
	scopeID, err := models.NormalizeScope(scopeID)
	if err != nil {
		s.logger.Warn("Rejected retrieval scope.", "error", err)
		return s.cfg.NoResults
	}
	if cached, ok := s.cache.Get(scopeID, question); ok {
		return cached
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	matches, err := s.search(ctx, question, scopeID, s.cfg.Threshold, topK)
	if err != nil {
		s.logger.Error("Retrieval query failed.", "scope", models.ScopeKey(scopeID), "error", err)
		return s.cfg.NoResults
	}

	answer := s.cfg.NoResults
	if len(matches) > 0 {
		parts := make([]string, len(matches))
		for i, m := range matches {
			parts[i] = m.Content
		}
		answer = strings.Join(parts, contextSeparator)
	}
	s.cache.Put(scopeID, question, answer)
	return answer
}

// Enrich annotates rawValue with the best matching snippet for field. On any
// failure, or when nothing matches, rawValue is returned unchanged.
func (s *Service) Enrich(ctx context.Context, field, rawValue string, scopeID *string) string {
	if strings.TrimSpace(rawValue) == "" {
		return rawValue
	}
	scopeID, err := models.NormalizeScope(scopeID)
	if err != nil {
		s.logger.Warn("Rejected enrichment scope.", "field", field, "error", err)
		return rawValue
	}
	question := strings.TrimSpace(field + ": " + rawValue)
	matches, err := s.search(ctx, question, scopeID, s.cfg.EnrichThreshold, 1)
	if err != nil {
		s.logger.Warn("Enrichment failed. Returning the raw value.", "field", field, "error", err)
		return rawValue
	}
	if len(matches) == 0 {
		return rawValue
	}
	return fmt.Sprintf("%s (Quelle: %s)", rawValue, snippet(matches[0].Content, s.cfg.SnippetLen))
}

func (s *Service) search(ctx context.Context, question string, scopeID *string, threshold float64, count int) ([]models.Match, error) {
	if utf8.RuneCountInString(question) > s.cfg.MaxQuestionLen {
		question = string([]rune(question)[:s.cfg.MaxQuestionLen])
	}
	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, models.SearchError(fmt.Errorf("embed question: %w", err))
	}
	matches, err := s.searcher.Match(ctx, models.MatchQuery{
		Embedding: vec,
		Threshold: threshold,
		Count:     count,
		ScopeID:   scopeID,
	})
	if err != nil {
		return nil, models.SearchError(err)
	}
	return matches, nil
}

func snippet(content string, limit int) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	return strings.TrimSpace(string([]rune(content)[:limit])) + "…"
}
