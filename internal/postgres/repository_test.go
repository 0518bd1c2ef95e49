package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock, nil), mock
}

func documentRows(status models.Status, history string) *pgxmock.Rows {
	return pgxmock.NewRows(documentColumns).AddRow(
		"doc-1", "report.pdf", "application/pdf", models.Ptr("global/doc-1/report.pdf"), nil,
		string(status), nil, nil, []byte(history), models.Ptr("abc"),
		int64(42), testNow.Add(-time.Hour), testNow.Add(-time.Hour),
	)
}

func TestRepository_GetDocument(t *testing.T) {
	t.Run("Should map the row to a document", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM documents WHERE id = \\$1").
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusPending, `[]`))

		doc, err := repo.GetDocument(context.Background(), "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", doc.Filename)
		assert.Equal(t, "global/doc-1/report.pdf", doc.StoragePath)
		assert.Equal(t, models.StatusPending, doc.Status)
		assert.Nil(t, doc.ScopeID)
		assert.Empty(t, doc.ErrorHistory)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should normalize a legacy single-object history", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM documents").
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusError,
				`{"stage":"storage","message":"boom","timestamp":"2025-01-01T00:00:00Z"}`))

		doc, err := repo.GetDocument(context.Background(), "doc-1")
		require.NoError(t, err)
		require.Len(t, doc.ErrorHistory, 1)
		assert.Equal(t, 1, doc.ErrorHistory[0].Attempt)
		assert.Equal(t, models.ErrorStageStorage, doc.ErrorHistory[0].Stage)
	})

	t.Run("Should return ErrNotFound when no row matches", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM documents").
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetDocument(context.Background(), "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestRepository_CreateDocument(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(
			"doc-1", "a.txt", "text/plain", models.Ptr("global/doc-1/a.txt"), pgxmock.AnyArg(),
			"pending", pgxmock.AnyArg(), pgxmock.AnyArg(), []byte(`[]`),
			pgxmock.AnyArg(), int64(3), testNow, testNow,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.CreateDocument(context.Background(), &models.Document{
		ID:          "doc-1",
		Filename:    "a.txt",
		MimeType:    "text/plain",
		StoragePath: "global/doc-1/a.txt",
		Status:      models.StatusPending,
		SizeBytes:   3,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// chunkArgs is the number of bound values per inserted chunk row.
const chunkArgs = 11

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestRepository_Transition(t *testing.T) {
	t.Run("Should replace chunks and mark the document embedded in one transaction", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockDocumentSQL)).
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusProcessing, `[]`))
		mock.ExpectExec("DELETE FROM document_chunks WHERE document_id = \\$1").
			WithArgs("doc-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mock.ExpectExec("INSERT INTO document_chunks").
			WithArgs(anyArgs(2 * chunkArgs)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 2))
		mock.ExpectExec("UPDATE documents SET status = \\$1").
			WithArgs("embedded", models.Ptr(2), pgxmock.AnyArg(), []byte(`[]`), testNow, "doc-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		chunks := []models.Chunk{
			{ID: "c0", DocumentID: "doc-1", ChunkIndex: 0, Content: "a", Embedding: []float32{1, 0}},
			{ID: "c1", DocumentID: "doc-1", ChunkIndex: 1, Content: "b", Embedding: []float32{0, 1}},
		}
		doc, prev, err := repo.Transition(context.Background(), "doc-1", store.Transition{
			From:                 []models.Status{models.StatusProcessing},
			To:                   models.StatusEmbedded,
			ChunkCount:           models.Ptr(2),
			ClearProcessingStage: true,
			DropChunks:           true,
			InsertChunks:         chunks,
			At:                   testNow,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, prev)
		assert.Equal(t, models.StatusEmbedded, doc.Status)
		require.NotNil(t, doc.ChunkCount)
		assert.Equal(t, 2, *doc.ChunkCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should append a failure record with the next attempt number", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockDocumentSQL)).
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusProcessing,
				`[{"attempt":1,"stage":"embedding","message":"quota","timestamp":"2025-01-01T00:00:00Z"}]`))
		mock.ExpectExec("DELETE FROM document_chunks").
			WithArgs("doc-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec("UPDATE documents").
			WithArgs("error", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow, "doc-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		doc, _, err := repo.Transition(context.Background(), "doc-1", store.Transition{
			From:            []models.Status{models.StatusProcessing},
			To:              models.StatusError,
			ResetChunkCount: true,
			DropChunks:      true,
			Failure:         &store.Failure{Stage: models.ErrorStageStorage, Message: "gone"},
			At:              testNow,
		})
		require.NoError(t, err)
		require.Len(t, doc.ErrorHistory, 2)
		assert.Equal(t, 2, doc.ErrorHistory[1].Attempt)
		assert.Equal(t, "gone", doc.ErrorHistory[1].Message)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back and report a conflict when the status does not match", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockDocumentSQL)).
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusProcessing, `[]`))
		mock.ExpectRollback()

		_, prev, err := repo.Transition(context.Background(), "doc-1", store.Transition{
			From:       []models.Status{models.StatusEmbedded, models.StatusError},
			To:         models.StatusProcessing,
			DropChunks: true,
			At:         testNow,
		})
		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
		assert.Equal(t, models.StatusProcessing, prev)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back when inserting chunks fails", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lockDocumentSQL)).
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusProcessing, `[]`))
		mock.ExpectExec("INSERT INTO document_chunks").
			WithArgs(anyArgs(chunkArgs)...).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, _, err := repo.Transition(context.Background(), "doc-1", store.Transition{
			From:         []models.Status{models.StatusProcessing},
			To:           models.StatusEmbedded,
			ChunkCount:   models.Ptr(1),
			InsertChunks: []models.Chunk{{ID: "c0", DocumentID: "doc-1", Content: "a", Embedding: []float32{1}}},
			At:           testNow,
		})
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepository_SetProcessingStage(t *testing.T) {
	t.Run("Should update the stage while processing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE documents SET processing_stage = \\$1").
			WithArgs(models.StageEmbedding, "doc-1", "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.SetProcessingStage(context.Background(), "doc-1", models.StageEmbedding))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report a conflict when the document is not processing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE documents").
			WithArgs(models.StageEmbedding, "doc-1", "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT (.+) FROM documents").
			WithArgs("doc-1").
			WillReturnRows(documentRows(models.StatusEmbedded, `[]`))

		err := repo.SetProcessingStage(context.Background(), "doc-1", models.StageEmbedding)
		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	})
}

func TestRepository_ListStale(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE status = \\$1 AND updated_at < \\$2 ORDER BY updated_at ASC LIMIT 10").
		WithArgs("processing", testNow).
		WillReturnRows(documentRows(models.StatusProcessing, `[]`))

	docs, err := repo.ListStale(context.Background(), models.StatusProcessing, testNow, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-1", docs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteDocument(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM documents WHERE id = \\$1").
		WithArgs("doc-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := repo.DeleteDocument(context.Background(), "doc-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRepository_Chunks(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM document_chunks").
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT (.+) FROM document_chunks WHERE document_id = \\$1 ORDER BY chunk_index ASC").
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows(chunkColumns).
			AddRow("c0", "doc-1", nil, 0, "first", 2, models.Ptr(1), models.Ptr(1), models.Ptr(true), testNow).
			AddRow("c1", "doc-1", nil, 1, "second", 2, nil, nil, models.Ptr(false), testNow))

	n, err := repo.CountChunks(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	chunks, err := repo.ListChunks(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "second", chunks[1].Content)
	assert.Equal(t, 1, *chunks[0].PageStart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Match(t *testing.T) {
	t.Run("Should return matches in the order of the search function", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		scope := models.Ptr("team-a")
		mock.ExpectQuery(regexp.QuoteMeta(matchChunksSQL)).
			WithArgs(pgxmock.AnyArg(), 0.7, 3, scope).
			WillReturnRows(pgxmock.NewRows([]string{"id", "document_id", "content", "similarity", "page_start", "page_end"}).
				AddRow("c1", "doc-1", "alpha", 0.93, nil, nil).
				AddRow("c2", "doc-2", "beta", 0.81, models.Ptr(2), models.Ptr(3)))

		matches, err := repo.Match(context.Background(), models.MatchQuery{
			Embedding: []float32{0.1, 0.2},
			Threshold: 0.7,
			Count:     3,
			ScopeID:   scope,
		})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "alpha", matches[0].Content)
		assert.InDelta(t, 0.81, matches[1].Similarity, 1e-9)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should wrap query failures as search errors", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(matchChunksSQL)).
			WillReturnError(errors.New("connection reset"))

		_, err := repo.Match(context.Background(), models.MatchQuery{Embedding: []float32{1}, Threshold: 0.5, Count: 1})
		assert.ErrorIs(t, err, models.ErrSearch)
	})
}
