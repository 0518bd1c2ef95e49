package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/Lllllllleong/ragdocumentflow/internal/errorlog"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

const (
	documentsTable = "documents"
	chunksTable    = "document_chunks"

	// chunkInsertBatch bounds the rows in one INSERT statement.
	chunkInsertBatch = 200
)

var documentColumns = []string{
	"id", "filename", "mime_type", "storage_path", "scope_id", "status",
	"chunk_count", "processing_stage", "error_history", "file_hash",
	"size_bytes", "created_at", "updated_at",
}

var chunkColumns = []string{
	"id", "document_id", "scope_id", "chunk_index", "content", "token_count",
	"page_start", "page_end", "has_page_data", "created_at",
}

var lockDocumentSQL = "SELECT " + strings.Join(documentColumns, ", ") +
	" FROM " + documentsTable + " WHERE id = $1 FOR UPDATE"

type documentRow struct {
	ID              string    `db:"id"`
	Filename        string    `db:"filename"`
	MimeType        string    `db:"mime_type"`
	StoragePath     *string   `db:"storage_path"`
	ScopeID         *string   `db:"scope_id"`
	Status          string    `db:"status"`
	ChunkCount      *int      `db:"chunk_count"`
	ProcessingStage *string   `db:"processing_stage"`
	ErrorHistory    []byte    `db:"error_history"`
	FileHash        *string   `db:"file_hash"`
	SizeBytes       int64     `db:"size_bytes"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *documentRow) toModel() (*models.Document, errorlog.History, error) {
	history, err := errorlog.FromJSON(r.ErrorHistory)
	if err != nil {
		return nil, errorlog.History{}, fmt.Errorf("decode error history of %s: %w", r.ID, err)
	}
	doc := &models.Document{
		ID:              r.ID,
		Filename:        r.Filename,
		MimeType:        r.MimeType,
		ScopeID:         r.ScopeID,
		Status:          models.Status(r.Status),
		ChunkCount:      r.ChunkCount,
		ProcessingStage: r.ProcessingStage,
		ErrorHistory:    history.Normalize(),
		SizeBytes:       r.SizeBytes,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.StoragePath != nil {
		doc.StoragePath = *r.StoragePath
	}
	if r.FileHash != nil {
		doc.FileHash = *r.FileHash
	}
	return doc, history, nil
}

type chunkRow struct {
	ID          string    `db:"id"`
	DocumentID  string    `db:"document_id"`
	ScopeID     *string   `db:"scope_id"`
	ChunkIndex  int       `db:"chunk_index"`
	Content     string    `db:"content"`
	TokenCount  int       `db:"token_count"`
	PageStart   *int      `db:"page_start"`
	PageEnd     *int      `db:"page_end"`
	HasPageData *bool     `db:"has_page_data"`
	CreatedAt   time.Time `db:"created_at"`
}

// Repository implements store.Repository on PostgreSQL.
type Repository struct {
	db     DB
	logger *slog.Logger
}

var _ store.Repository = (*Repository)(nil)

// NewRepository returns a repository backed by db.
func NewRepository(db DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger}
}

func (r *Repository) CreateDocument(ctx context.Context, doc *models.Document) error {
	history, err := errorlog.MarshalRecords(doc.ErrorHistory)
	if err != nil {
		return err
	}
	query, args, err := squirrel.Insert(documentsTable).
		Columns(documentColumns...).
		Values(
			doc.ID, doc.Filename, doc.MimeType, nullIfEmpty(doc.StoragePath), doc.ScopeID,
			string(doc.Status), doc.ChunkCount, doc.ProcessingStage, history,
			nullIfEmpty(doc.FileHash), doc.SizeBytes, doc.CreatedAt, doc.UpdatedAt,
		).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert document query: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query, args, err := squirrel.Select(documentColumns...).
		From(documentsTable).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get document query: %w", err)
	}
	var row documentRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc, _, err := row.toModel()
	return doc, err
}

// DeleteDocument relies on ON DELETE CASCADE for the chunks.
func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM "+documentsTable+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Transition locks the document row, checks the expected status and applies
// every write of t in one transaction.
func (r *Repository) Transition(
	ctx context.Context,
	id string,
	t store.Transition,
) (*models.Document, models.Status, error) {
	var (
		updated *models.Document
		prev    models.Status
	)
	err := withTransaction(ctx, r.db, r.logger, func(tx pgx.Tx) error {
		var row documentRow
		if err := pgxscan.Get(ctx, tx, &row, lockDocumentSQL, id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
			}
			return fmt.Errorf("lock document %s: %w", id, err)
		}
		doc, history, err := row.toModel()
		if err != nil {
			return err
		}
		prev = doc.Status
		if !t.Allows(prev) {
			return fmt.Errorf("document %s is %s, want one of %v: %w", id, prev, t.From, models.ErrConcurrencyConflict)
		}
		if t.DropChunks {
			if _, err := tx.Exec(ctx, "DELETE FROM "+chunksTable+" WHERE document_id = $1", id); err != nil {
				return fmt.Errorf("delete chunks of %s: %w", id, err)
			}
		}
		if err := insertChunks(ctx, tx, t.InsertChunks); err != nil {
			return err
		}
		t.Apply(doc, history)
		raw, err := errorlog.MarshalRecords(doc.ErrorHistory)
		if err != nil {
			return err
		}
		query, args, err := squirrel.Update(documentsTable).
			Set("status", string(doc.Status)).
			Set("chunk_count", doc.ChunkCount).
			Set("processing_stage", doc.ProcessingStage).
			Set("error_history", raw).
			Set("updated_at", doc.UpdatedAt).
			Where(squirrel.Eq{"id": id}).
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update document query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update document %s: %w", id, err)
		}
		updated = doc
		return nil
	})
	if err != nil {
		return nil, prev, err
	}
	return updated, prev, nil
}

func insertChunks(ctx context.Context, tx pgx.Tx, chunks []models.Chunk) error {
	for start := 0; start < len(chunks); start += chunkInsertBatch {
		end := min(start+chunkInsertBatch, len(chunks))
		ib := squirrel.Insert(chunksTable).
			Columns(append(append([]string(nil), chunkColumns...), "embedding")...).
			PlaceholderFormat(squirrel.Dollar)
		for i := range chunks[start:end] {
			c := &chunks[start+i]
			ib = ib.Values(
				c.ID, c.DocumentID, c.ScopeID, c.ChunkIndex, c.Content, c.TokenCount,
				c.PageStart, c.PageEnd, c.HasPageData, c.CreatedAt, pgvector.NewVector(c.Embedding),
			)
		}
		query, args, err := ib.ToSql()
		if err != nil {
			return fmt.Errorf("build insert chunks query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}
	return nil
}

func (r *Repository) SetProcessingStage(ctx context.Context, id, stage string) error {
	query, args, err := squirrel.Update(documentsTable).
		Set("processing_stage", stage).
		Where(squirrel.Eq{"id": id, "status": string(models.StatusProcessing)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set stage query: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set processing stage of %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetDocument(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("document %s is not processing: %w", id, models.ErrConcurrencyConflict)
}

func (r *Repository) ListStale(
	ctx context.Context,
	status models.Status,
	before time.Time,
	limit int,
) ([]*models.Document, error) {
	sb := squirrel.Select(documentColumns...).
		From(documentsTable).
		Where(squirrel.Eq{"status": string(status)}).
		Where(squirrel.Lt{"updated_at": before}).
		OrderBy("updated_at ASC").
		PlaceholderFormat(squirrel.Dollar)
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list stale query: %w", err)
	}
	var rows []documentRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list stale %s documents: %w", status, err)
	}
	out := make([]*models.Document, 0, len(rows))
	for i := range rows {
		doc, _, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *Repository) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+chunksTable+" WHERE document_id = $1", documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks of %s: %w", documentID, err)
	}
	return n, nil
}

func (r *Repository) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	query, args, err := squirrel.Select(chunkColumns...).
		From(chunksTable).
		Where(squirrel.Eq{"document_id": documentID}).
		OrderBy("chunk_index ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chunks query: %w", err)
	}
	var rows []chunkRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", documentID, err)
	}
	out := make([]models.Chunk, len(rows))
	for i, row := range rows {
		out[i] = models.Chunk{
			ID:          row.ID,
			DocumentID:  row.DocumentID,
			ScopeID:     row.ScopeID,
			ChunkIndex:  row.ChunkIndex,
			Content:     row.Content,
			TokenCount:  row.TokenCount,
			PageStart:   row.PageStart,
			PageEnd:     row.PageEnd,
			HasPageData: row.HasPageData,
			CreatedAt:   row.CreatedAt,
		}
	}
	return out, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
