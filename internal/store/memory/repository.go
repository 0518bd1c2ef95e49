// Package memory is an in-process implementation of the store and search
// ports, used by local runs and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/Lllllllleong/ragdocumentflow/internal/errorlog"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

// Repository keeps documents and chunks in maps guarded by one mutex, which
// makes every Transition trivially atomic.
type Repository struct {
	mu        sync.RWMutex
	documents map[string]*models.Document
	chunks    map[string][]models.Chunk
}

var _ store.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{
		documents: make(map[string]*models.Document),
		chunks:    make(map[string][]models.Chunk),
	}
}

func (r *Repository) CreateDocument(_ context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	r.documents[doc.ID] = doc.Clone()
	return nil
}

func (r *Repository) GetDocument(_ context.Context, id string) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.documents[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return doc.Clone(), nil
}

func (r *Repository) DeleteDocument(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.documents[id]; !ok {
		return models.ErrNotFound
	}
	delete(r.documents, id)
	delete(r.chunks, id)
	return nil
}

func (r *Repository) Transition(_ context.Context, id string, t store.Transition) (*models.Document, models.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.documents[id]
	if !ok {
		return nil, "", models.ErrNotFound
	}
	prev := doc.Status
	if !t.Allows(prev) {
		return nil, prev, fmt.Errorf("%w: %s is %s", models.ErrConcurrencyConflict, id, prev)
	}
	updated := doc.Clone()
	t.Apply(updated, errorlog.Of(updated.ErrorHistory))
	if t.DropChunks {
		delete(r.chunks, id)
	}
	if len(t.InsertChunks) > 0 {
		inserted := make([]models.Chunk, len(t.InsertChunks))
		for i, c := range t.InsertChunks {
			c.Embedding = slices.Clone(c.Embedding)
			inserted[i] = c
		}
		r.chunks[id] = append(r.chunks[id], inserted...)
	}
	r.documents[id] = updated
	return updated.Clone(), prev, nil
}

func (r *Repository) SetProcessingStage(_ context.Context, id, stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.documents[id]
	if !ok {
		return models.ErrNotFound
	}
	if doc.Status != models.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", models.ErrConcurrencyConflict, id, doc.Status)
	}
	doc.ProcessingStage = models.Ptr(stage)
	return nil
}

func (r *Repository) ListStale(_ context.Context, status models.Status, before time.Time, limit int) ([]*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Document
	for _, doc := range r.documents {
		if doc.Status == status && doc.UpdatedAt.Before(before) {
			out = append(out, doc.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Document) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) CountChunks(_ context.Context, documentID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks[documentID]), nil
}

func (r *Repository) ListChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.chunks[documentID])
	slices.SortFunc(out, func(a, b models.Chunk) int {
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	return out, nil
}

// Match runs a brute-force cosine search over the chunks of one scope.
func (r *Repository) Match(ctx context.Context, q models.MatchQuery) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	scope := models.ScopeKey(q.ScopeID)
	var out []models.Match
	for _, chunks := range r.chunks {
		for _, c := range chunks {
			if models.ScopeKey(c.ScopeID) != scope {
				continue
			}
			sim := cosine(q.Embedding, c.Embedding)
			if sim <= q.Threshold {
				continue
			}
			out = append(out, models.Match{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				Content:    c.Content,
				Similarity: sim,
				PageStart:  c.PageStart,
				PageEnd:    c.PageEnd,
			})
		}
	}
	slices.SortStableFunc(out, func(a, b models.Match) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if q.Count > 0 && len(out) > q.Count {
		out = out[:q.Count]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
