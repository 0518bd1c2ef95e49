package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ragdocumentflow/internal/embed"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

type stubSearcher struct {
	calls   atomic.Int32
	matches []models.Match
	err     error
	last    models.MatchQuery
}

func (s *stubSearcher) Match(_ context.Context, q models.MatchQuery) ([]models.Match, error) {
	s.calls.Add(1)
	s.last = q
	return s.matches, s.err
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	c.calls.Add(1)
	return []float32{0.1, 0.2}, c.err
}

func newService(t *testing.T, e embed.Embedder, s Searcher, clock *fakeClock) *Service {
	t.Helper()
	cache, err := NewCache(10, 24*time.Hour, WithCacheClock(clock.Now))
	require.NoError(t, err)
	return NewService(e, s, cache, Config{}, nil)
}

func TestServiceQuery(t *testing.T) {
	ctx := context.Background()
	scope := models.Ptr("user-1")

	t.Run("Should search once per question within the ttl", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
		emb := &countingEmbedder{}
		searcher := &stubSearcher{matches: []models.Match{{Content: "Werbungskosten sind ..."}, {Content: "Pauschbetrag 1230 EUR"}}}
		s := newService(t, emb, searcher, clock)

		first := s.Query(ctx, "Was sind Werbungskosten?", scope, 3)
		assert.Equal(t, "Werbungskosten sind ..."+contextSeparator+"Pauschbetrag 1230 EUR", first)
		assert.Equal(t, 3, searcher.last.Count)
		assert.Equal(t, DefaultThreshold, searcher.last.Threshold)
		assert.Equal(t, scope, searcher.last.ScopeID)

		clock.Advance(23 * time.Hour)
		second := s.Query(ctx, "  was sind  WERBUNGSKOSTEN? ", scope, 3)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), searcher.calls.Load())
		assert.Equal(t, int32(1), emb.calls.Load())

		clock.Advance(2 * time.Hour)
		s.Query(ctx, "Was sind Werbungskosten?", scope, 3)
		assert.Equal(t, int32(2), searcher.calls.Load())
	})

	t.Run("Should return and cache the no-results text", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		searcher := &stubSearcher{}
		s := newService(t, &countingEmbedder{}, searcher, clock)
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "unknown", nil, 0))
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "unknown", nil, 0))
		assert.Equal(t, int32(1), searcher.calls.Load())
		assert.Equal(t, DefaultTopK, searcher.last.Count)
	})

	t.Run("Should swallow search errors and not cache them", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		searcher := &stubSearcher{err: errors.New("rpc unavailable")}
		s := newService(t, &countingEmbedder{}, searcher, clock)
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "q", scope, 3))
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "q", scope, 3))
		assert.Equal(t, int32(2), searcher.calls.Load())
	})

	t.Run("Should swallow embedding errors", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		searcher := &stubSearcher{}
		s := newService(t, &countingEmbedder{err: errors.New("quota")}, searcher, clock)
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "q", scope, 3))
		assert.Zero(t, searcher.calls.Load())
	})

	t.Run("Should search a blank scope as unscoped", func(t *testing.T) {
		searcher := &stubSearcher{matches: []models.Match{{Content: "Anlage N"}}}
		s := newService(t, &countingEmbedder{}, searcher, &fakeClock{now: time.Now()})

		assert.Equal(t, "Anlage N", s.Query(ctx, "Formular?", models.Ptr(" "), 3))
		assert.Nil(t, searcher.last.ScopeID)
		assert.Equal(t, "Anlage N", s.Query(ctx, "Formular?", nil, 3))
		assert.Equal(t, int32(1), searcher.calls.Load())
	})

	t.Run("Should not search the reserved global scope", func(t *testing.T) {
		searcher := &stubSearcher{matches: []models.Match{{Content: "x"}}}
		s := newService(t, &countingEmbedder{}, searcher, &fakeClock{now: time.Now()})
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "q", models.Ptr(models.GlobalScope), 3))
		assert.Equal(t, "raw", s.Enrich(ctx, "field", "raw", models.Ptr(models.GlobalScope)))
		assert.Zero(t, searcher.calls.Load())
	})

	t.Run("Should not search for blank questions", func(t *testing.T) {
		searcher := &stubSearcher{}
		s := newService(t, &countingEmbedder{}, searcher, &fakeClock{now: time.Now()})
		assert.Equal(t, NoRelevantInformation, s.Query(ctx, "  ", scope, 3))
		assert.Zero(t, searcher.calls.Load())
	})
}

func TestServiceEnrich(t *testing.T) {
	ctx := context.Background()

	t.Run("Should annotate the value with the best match", func(t *testing.T) {
		searcher := &stubSearcher{matches: []models.Match{{Content: "Arbeitgeber:\n  Muster GmbH, Berlin"}}}
		s := newService(t, &countingEmbedder{}, searcher, &fakeClock{now: time.Now()})
		out := s.Enrich(ctx, "employer", "Muster GmbH", nil)
		assert.Equal(t, "Muster GmbH (Quelle: Arbeitgeber: Muster GmbH, Berlin)", out)
		assert.Equal(t, 1, searcher.last.Count)
		assert.Equal(t, DefaultEnrichThreshold, searcher.last.Threshold)
	})

	t.Run("Should truncate long snippets", func(t *testing.T) {
		searcher := &stubSearcher{matches: []models.Match{{Content: strings.Repeat("x", 1000)}}}
		s := newService(t, &countingEmbedder{}, searcher, &fakeClock{now: time.Now()})
		out := s.Enrich(ctx, "f", "v", nil)
		assert.True(t, strings.HasSuffix(out, "…)"))
		assert.Less(t, len([]rune(out)), 1000)
	})

	t.Run("Should return the raw value on failure or no match", func(t *testing.T) {
		failing := newService(t, &countingEmbedder{}, &stubSearcher{err: errors.New("down")}, &fakeClock{now: time.Now()})
		assert.Equal(t, "1234", failing.Enrich(ctx, "income", "1234", nil))
		empty := newService(t, &countingEmbedder{}, &stubSearcher{}, &fakeClock{now: time.Now()})
		assert.Equal(t, "1234", empty.Enrich(ctx, "income", "1234", nil))
	})
}
