package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

func seed(t *testing.T, repo *Repository, id string, status models.Status) {
	t.Helper()
	require.NoError(t, repo.CreateDocument(context.Background(), &models.Document{
		ID:     id,
		Status: status,
	}))
}

func TestRepositoryTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("Should reject a stale source status without writing", func(t *testing.T) {
		repo := NewRepository()
		seed(t, repo, "d1", models.StatusPending)
		_, prev, err := repo.Transition(ctx, "d1", store.Transition{
			From:       []models.Status{models.StatusEmbedded, models.StatusError},
			To:         models.StatusProcessing,
			DropChunks: true,
		})
		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
		assert.Equal(t, models.StatusPending, prev)
		doc, err := repo.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, doc.Status)
	})

	t.Run("Should replace chunks with the committed set", func(t *testing.T) {
		repo := NewRepository()
		seed(t, repo, "d1", models.StatusProcessing)
		_, _, err := repo.Transition(ctx, "d1", store.Transition{
			From:         []models.Status{models.StatusProcessing},
			To:           models.StatusEmbedded,
			ChunkCount:   models.Ptr(2),
			DropChunks:   true,
			InsertChunks: []models.Chunk{{ID: "c1", DocumentID: "d1", ChunkIndex: 1}, {ID: "c0", DocumentID: "d1"}},
		})
		require.NoError(t, err)
		chunks, err := repo.ListChunks(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "c0", chunks[0].ID)
	})

	t.Run("Should let exactly one concurrent claim win", func(t *testing.T) {
		repo := NewRepository()
		seed(t, repo, "d1", models.StatusError)
		var wg sync.WaitGroup
		results := make(chan error, 16)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := repo.Transition(ctx, "d1", store.Transition{
					From: []models.Status{models.StatusEmbedded, models.StatusError},
					To:   models.StatusProcessing,
				})
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("Should report missing documents", func(t *testing.T) {
		_, _, err := NewRepository().Transition(ctx, "nope", store.Transition{})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestRepositoryDeleteCascades(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	seed(t, repo, "d1", models.StatusProcessing)
	_, _, err := repo.Transition(ctx, "d1", store.Transition{
		From:         []models.Status{models.StatusProcessing},
		To:           models.StatusEmbedded,
		InsertChunks: []models.Chunk{{ID: "c0", DocumentID: "d1"}},
	})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteDocument(ctx, "d1"))
	n, err := repo.CountChunks(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepositorySetProcessingStage(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	seed(t, repo, "p", models.StatusProcessing)
	seed(t, repo, "e", models.StatusError)
	require.NoError(t, repo.SetProcessingStage(ctx, "p", models.StageChunking))
	doc, _ := repo.GetDocument(ctx, "p")
	assert.Equal(t, models.StageChunking, *doc.ProcessingStage)
	assert.ErrorIs(t, repo.SetProcessingStage(ctx, "e", models.StageChunking), models.ErrConcurrencyConflict)
}

func TestRepositoryListStale(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	now := time.Now()
	require.NoError(t, repo.CreateDocument(ctx, &models.Document{ID: "old", Status: models.StatusProcessing, UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.CreateDocument(ctx, &models.Document{ID: "older", Status: models.StatusProcessing, UpdatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, repo.CreateDocument(ctx, &models.Document{ID: "fresh", Status: models.StatusProcessing, UpdatedAt: now}))
	require.NoError(t, repo.CreateDocument(ctx, &models.Document{ID: "done", Status: models.StatusEmbedded, UpdatedAt: now.Add(-time.Hour)}))

	docs, err := repo.ListStale(ctx, models.StatusProcessing, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "older", docs[0].ID)
	assert.Equal(t, "old", docs[1].ID)
}

func TestRepositoryMatch(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	scope := models.Ptr("s1")
	seed(t, repo, "d1", models.StatusProcessing)
	_, _, err := repo.Transition(ctx, "d1", store.Transition{
		From: []models.Status{models.StatusProcessing},
		To:   models.StatusEmbedded,
		InsertChunks: []models.Chunk{
			{ID: "a", DocumentID: "d1", ScopeID: scope, Content: "alpha", Embedding: []float32{1, 0}},
			{ID: "b", DocumentID: "d1", ScopeID: scope, Content: "beta", Embedding: []float32{0.8, 0.6}},
			{ID: "c", DocumentID: "d1", ScopeID: scope, Content: "gamma", Embedding: []float32{0, 1}},
			{ID: "g", DocumentID: "d1", Content: "global", Embedding: []float32{1, 0}},
		},
	})
	require.NoError(t, err)

	t.Run("Should rank by similarity inside the scope", func(t *testing.T) {
		matches, err := repo.Match(ctx, models.MatchQuery{Embedding: []float32{1, 0}, Threshold: 0.5, Count: 5, ScopeID: scope})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "a", matches[0].ChunkID)
		assert.Equal(t, "b", matches[1].ChunkID)
		assert.InDelta(t, 0.8, matches[1].Similarity, 1e-6)
	})
	t.Run("Should keep global chunks apart", func(t *testing.T) {
		matches, err := repo.Match(ctx, models.MatchQuery{Embedding: []float32{1, 0}, Threshold: 0.5, Count: 5})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "g", matches[0].ChunkID)
	})
}
