package postgres

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/pgvector/pgvector-go"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

const matchChunksSQL = "SELECT id, document_id, content, similarity, page_start, page_end " +
	"FROM match_document_chunks($1, $2, $3, $4)"

type matchRow struct {
	ID         string  `db:"id"`
	DocumentID string  `db:"document_id"`
	Content    string  `db:"content"`
	Similarity float64 `db:"similarity"`
	PageStart  *int    `db:"page_start"`
	PageEnd    *int    `db:"page_end"`
}

// Match runs the match_document_chunks function. Scope comparison is exact:
// a nil scope only matches chunks without one.
func (r *Repository) Match(ctx context.Context, q models.MatchQuery) ([]models.Match, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", models.ErrSearch)
	}
	var rows []matchRow
	err := pgxscan.Select(ctx, r.db, &rows, matchChunksSQL,
		pgvector.NewVector(q.Embedding), q.Threshold, q.Count, q.ScopeID)
	if err != nil {
		return nil, models.SearchError(err)
	}
	out := make([]models.Match, len(rows))
	for i, row := range rows {
		out[i] = models.Match{
			ChunkID:    row.ID,
			DocumentID: row.DocumentID,
			Content:    row.Content,
			Similarity: row.Similarity,
			PageStart:  row.PageStart,
			PageEnd:    row.PageEnd,
		}
	}
	return out, nil
}
