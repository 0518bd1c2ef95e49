package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

func TestLocalDispatcher(t *testing.T) {
	t.Run("Should run every submitted job", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[string]bool{}
		d, err := NewLocalDispatcher(4, func(_ context.Context, job models.ProcessJob) error {
			mu.Lock()
			defer mu.Unlock()
			seen[job.DocumentID] = true
			return nil
		})
		require.NoError(t, err)
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, d.Submit(context.Background(), models.ProcessJob{DocumentID: id, Attempt: 1}))
		}
		d.Wait()
		assert.Len(t, seen, 5)
		require.NoError(t, d.Close())
	})

	t.Run("Should detach jobs from the submitting context", func(t *testing.T) {
		done := make(chan error, 1)
		d, err := NewLocalDispatcher(1, func(ctx context.Context, _ models.ProcessJob) error {
			done <- ctx.Err()
			return nil
		})
		require.NoError(t, err)
		defer d.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, d.Submit(ctx, models.ProcessJob{DocumentID: "a"}))
		assert.NoError(t, <-done)
	})

	t.Run("Should keep going after a failing job", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		d, err := NewLocalDispatcher(1, func(context.Context, models.ProcessJob) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return errors.New("boom")
		})
		require.NoError(t, err)
		require.NoError(t, d.Submit(context.Background(), models.ProcessJob{DocumentID: "a"}))
		require.NoError(t, d.Submit(context.Background(), models.ProcessJob{DocumentID: "b"}))
		d.Wait()
		assert.Equal(t, 2, calls)
		require.NoError(t, d.Close())
	})

	t.Run("Should refuse jobs after close", func(t *testing.T) {
		d, err := NewLocalDispatcher(1, func(context.Context, models.ProcessJob) error { return nil })
		require.NoError(t, err)
		require.NoError(t, d.Close())
		assert.ErrorIs(t, d.Submit(context.Background(), models.ProcessJob{DocumentID: "a"}), ErrClosed)
	})

	t.Run("Should require a handler", func(t *testing.T) {
		_, err := NewLocalDispatcher(1, nil)
		assert.Error(t, err)
	})
}
