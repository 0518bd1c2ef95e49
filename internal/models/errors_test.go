package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageOf(t *testing.T) {
	t.Run("Should find the stage through wrapping", func(t *testing.T) {
		err := fmt.Errorf("chunk 3/9: %w", EmbeddingError(errors.New("quota")))
		stage, ok := StageOf(err)
		assert.True(t, ok)
		assert.Equal(t, ErrorStageEmbedding, stage)
	})
	t.Run("Should report false for plain errors", func(t *testing.T) {
		_, ok := StageOf(errors.New("boom"))
		assert.False(t, ok)
	})
	t.Run("Should keep the cause reachable", func(t *testing.T) {
		err := DatabaseError(ErrConcurrencyConflict)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, "database error: concurrency conflict: document status changed", err.Error())
	})
}

func TestSearchError(t *testing.T) {
	cause := errors.New("timeout")
	err := SearchError(cause)
	assert.ErrorIs(t, err, ErrSearch)
	assert.ErrorIs(t, err, cause)
}

func TestScopeKey(t *testing.T) {
	assert.Equal(t, GlobalScope, ScopeKey(nil))
	assert.Equal(t, GlobalScope, ScopeKey(Ptr("")))
	assert.Equal(t, "user-1", ScopeKey(Ptr("user-1")))
}

func TestDocumentClone(t *testing.T) {
	doc := &Document{ID: "d1", ChunkCount: Ptr(3), ErrorHistory: []ErrorRecord{{Attempt: 1}}}
	clone := doc.Clone()
	*clone.ChunkCount = 9
	clone.ErrorHistory[0].Attempt = 7
	assert.Equal(t, 3, *doc.ChunkCount)
	assert.Equal(t, 1, doc.ErrorHistory[0].Attempt)
}

func TestNormalizeScope(t *testing.T) {
	t.Run("Should map missing and blank scopes to nil", func(t *testing.T) {
		for _, in := range []*string{nil, Ptr(""), Ptr("   ")} {
			got, err := NormalizeScope(in)
			assert.NoError(t, err)
			assert.Nil(t, got)
		}
	})
	t.Run("Should trim a named scope", func(t *testing.T) {
		got, err := NormalizeScope(Ptr(" plant-7 "))
		assert.NoError(t, err)
		assert.Equal(t, Ptr("plant-7"), got)
	})
	t.Run("Should reject the reserved global key", func(t *testing.T) {
		_, err := NormalizeScope(Ptr(GlobalScope))
		assert.ErrorIs(t, err, ErrReservedScope)
	})
}
