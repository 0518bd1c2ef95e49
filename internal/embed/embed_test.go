package embed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = EmbedderFunc(func(context.Context, string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
})

func TestRateLimited(t *testing.T) {
	t.Run("Should pass calls through", func(t *testing.T) {
		vec, err := NewRateLimited(fixed, 0, 0).Embed(context.Background(), "x")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3}, vec)
	})
	t.Run("Should stop waiting when the context ends", func(t *testing.T) {
		r := NewRateLimited(fixed, 0.001, 1)
		_, err := r.Embed(context.Background(), "first")
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = r.Embed(ctx, "second")
		assert.Error(t, err)
	})
}

func TestChecked(t *testing.T) {
	_, err := Checked{Next: fixed, Dimension: 768}.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "3 dimensions")

	vec, err := Checked{Next: fixed, Dimension: 3}.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 3)

	empty := EmbedderFunc(func(context.Context, string) ([]float32, error) { return nil, nil })
	_, err = Checked{Next: empty}.Embed(context.Background(), "x")
	assert.Error(t, err)
}
