package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/ragdocumentflow/internal/errorlog"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

const (
	chunksCollection    = "chunks"
	vectorDistanceField = "vectorDistance"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// firestoreDocument is the stored shape of a document. ErrorHistory is
// decoded loosely because older records hold a single object.
type firestoreDocument struct {
	Filename        string    `firestore:"filename"`
	MimeType        string    `firestore:"mimeType"`
	StoragePath     string    `firestore:"storagePath"`
	ScopeID         *string   `firestore:"scopeId"`
	ScopeKey        string    `firestore:"scopeKey"`
	Status          string    `firestore:"status"`
	ChunkCount      *int      `firestore:"chunkCount"`
	ProcessingStage *string   `firestore:"processingStage"`
	ErrorHistory    any       `firestore:"errorHistory"`
	FileHash        string    `firestore:"fileHash"`
	SizeBytes       int64     `firestore:"sizeBytes"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

type firestoreChunk struct {
	DocumentID  string             `firestore:"documentId"`
	ScopeID     *string            `firestore:"scopeId"`
	ScopeKey    string             `firestore:"scopeKey"`
	ChunkIndex  int                `firestore:"chunkIndex"`
	Content     string             `firestore:"content"`
	Embedding   firestore.Vector32 `firestore:"embedding"`
	TokenCount  int                `firestore:"tokenCount"`
	PageStart   *int               `firestore:"pageStart"`
	PageEnd     *int               `firestore:"pageEnd"`
	HasPageData *bool              `firestore:"hasPageData"`
	CreatedAt   time.Time          `firestore:"createdAt"`
}

func toFirestoreDocument(doc *models.Document) firestoreDocument {
	history := doc.ErrorHistory
	if history == nil {
		history = []models.ErrorRecord{}
	}
	return firestoreDocument{
		Filename:        doc.Filename,
		MimeType:        doc.MimeType,
		StoragePath:     doc.StoragePath,
		ScopeID:         doc.ScopeID,
		ScopeKey:        models.ScopeKey(doc.ScopeID),
		Status:          string(doc.Status),
		ChunkCount:      doc.ChunkCount,
		ProcessingStage: doc.ProcessingStage,
		ErrorHistory:    history,
		FileHash:        doc.FileHash,
		SizeBytes:       doc.SizeBytes,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*models.Document, errorlog.History, error) {
	var fd firestoreDocument
	if err := snap.DataTo(&fd); err != nil {
		return nil, errorlog.History{}, fmt.Errorf("decode document %s: %w", snap.Ref.ID, err)
	}
	history, err := errorlog.FromValue(fd.ErrorHistory)
	if err != nil {
		return nil, errorlog.History{}, fmt.Errorf("document %s: %w", snap.Ref.ID, err)
	}
	return &models.Document{
		ID:              snap.Ref.ID,
		Filename:        fd.Filename,
		MimeType:        fd.MimeType,
		StoragePath:     fd.StoragePath,
		ScopeID:         fd.ScopeID,
		Status:          models.Status(fd.Status),
		ChunkCount:      fd.ChunkCount,
		ProcessingStage: fd.ProcessingStage,
		ErrorHistory:    history.Normalize(),
		FileHash:        fd.FileHash,
		SizeBytes:       fd.SizeBytes,
		CreatedAt:       fd.CreatedAt,
		UpdatedAt:       fd.UpdatedAt,
	}, history, nil
}

func toFirestoreChunk(c *models.Chunk) firestoreChunk {
	return firestoreChunk{
		DocumentID:  c.DocumentID,
		ScopeID:     c.ScopeID,
		ScopeKey:    models.ScopeKey(c.ScopeID),
		ChunkIndex:  c.ChunkIndex,
		Content:     c.Content,
		Embedding:   firestore.Vector32(c.Embedding),
		TokenCount:  c.TokenCount,
		PageStart:   c.PageStart,
		PageEnd:     c.PageEnd,
		HasPageData: c.HasPageData,
		CreatedAt:   c.CreatedAt,
	}
}

// documentUpdates lists the fields a transition may change.
func documentUpdates(doc *models.Document) []firestore.Update {
	history := doc.ErrorHistory
	if history == nil {
		history = []models.ErrorRecord{}
	}
	updates := []firestore.Update{
		{Path: "status", Value: string(doc.Status)},
		{Path: "errorHistory", Value: history},
		{Path: "updatedAt", Value: doc.UpdatedAt},
		{Path: "chunkCount", Value: nil},
		{Path: "processingStage", Value: nil},
	}
	if doc.ChunkCount != nil {
		updates[3].Value = *doc.ChunkCount
	}
	if doc.ProcessingStage != nil {
		updates[4].Value = *doc.ProcessingStage
	}
	return updates
}

// similarityOf converts the cosine distance FindNearest stores on a hit into
// a similarity. ok is false when the distance field is absent.
func similarityOf(data map[string]any) (float64, bool) {
	switch d := data[vectorDistanceField].(type) {
	case float64:
		return 1 - d, true
	case int64:
		return 1 - float64(d), true
	default:
		return 0, false
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// FirestoreRepository stores documents in a collection and their chunks in a
// "chunks" subcollection of each document.
type FirestoreRepository struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

var _ store.Repository = (*FirestoreRepository)(nil)

func NewFirestoreRepository(client *firestore.Client, collection string, logger *slog.Logger) *FirestoreRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirestoreRepository{client: client, collection: collection, logger: logger}
}

func (r *FirestoreRepository) docRef(id string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(id)
}

func (r *FirestoreRepository) chunksRef(id string) *firestore.CollectionRef {
	return r.docRef(id).Collection(chunksCollection)
}

func (r *FirestoreRepository) CreateDocument(ctx context.Context, doc *models.Document) error {
	if _, err := r.docRef(doc.ID).Create(ctx, toFirestoreDocument(doc)); err != nil {
		return fmt.Errorf("failed to create document %s: %w", doc.ID, err)
	}
	return nil
}

func (r *FirestoreRepository) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	snap, err := r.docRef(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	doc, _, err := fromSnapshot(snap)
	return doc, err
}

// DeleteDocument removes the chunks subcollection and then the document.
func (r *FirestoreRepository) DeleteDocument(ctx context.Context, id string) error {
	if _, err := r.docRef(id).Get(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("failed to get document %s: %w", id, err)
	}
	chunkRefs, err := r.chunksRef(id).DocumentRefs(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to list chunks of %s: %w", id, err)
	}
	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(chunkRefs)+1)
	for _, ref := range append(chunkRefs, r.docRef(id)) {
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue delete of %s: %w", ref.Path, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete document %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// Transition runs t inside a Firestore transaction. Reads (the document and
// its chunk references) happen before any write.
func (r *FirestoreRepository) Transition(
	ctx context.Context,
	id string,
	t store.Transition,
) (*models.Document, models.Status, error) {
	var (
		updated *models.Document
		prev    models.Status
	)
	ref := r.docRef(id)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		updated = nil
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
			}
			return fmt.Errorf("failed to read document %s: %w", id, err)
		}
		doc, history, err := fromSnapshot(snap)
		if err != nil {
			return err
		}
		prev = doc.Status
		if !t.Allows(prev) {
			return fmt.Errorf("document %s is %s, want one of %v: %w", id, prev, t.From, models.ErrConcurrencyConflict)
		}

		var stale []*firestore.DocumentSnapshot
		if t.DropChunks {
			stale, err = tx.Documents(r.chunksRef(id).Select()).GetAll()
			if err != nil {
				return fmt.Errorf("failed to list chunks of %s: %w", id, err)
			}
		}
		for _, s := range stale {
			if err := tx.Delete(s.Ref); err != nil {
				return err
			}
		}
		for i := range t.InsertChunks {
			c := &t.InsertChunks[i]
			if err := tx.Set(r.chunksRef(id).Doc(c.ID), toFirestoreChunk(c)); err != nil {
				return err
			}
		}

		t.Apply(doc, history)
		if err := tx.Update(ref, documentUpdates(doc)); err != nil {
			return err
		}
		updated = doc
		return nil
	})
	if err != nil {
		return nil, prev, err
	}
	return updated, prev, nil
}

func (r *FirestoreRepository) SetProcessingStage(ctx context.Context, id, stage string) error {
	ref := r.docRef(id)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
			}
			return fmt.Errorf("failed to read document %s: %w", id, err)
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", id, err)
		}
		if current != string(models.StatusProcessing) {
			return fmt.Errorf("document %s is %v: %w", id, current, models.ErrConcurrencyConflict)
		}
		return tx.Update(ref, []firestore.Update{{Path: "processingStage", Value: stage}})
	})
}

func (r *FirestoreRepository) ListStale(
	ctx context.Context,
	st models.Status,
	before time.Time,
	limit int,
) ([]*models.Document, error) {
	q := r.client.Collection(r.collection).
		Where("status", "==", string(st)).
		Where("updatedAt", "<", before).
		OrderBy("updatedAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale %s documents: %w", st, err)
	}
	out := make([]*models.Document, 0, len(snaps))
	for _, snap := range snaps {
		doc, _, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *FirestoreRepository) CountChunks(ctx context.Context, documentID string) (int, error) {
	res, err := r.chunksRef(documentID).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks of %s: %w", documentID, err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result %T", res["all"])
	}
	return int(v.GetIntegerValue()), nil
}

func (r *FirestoreRepository) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	snaps, err := r.chunksRef(documentID).OrderBy("chunkIndex", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", documentID, err)
	}
	out := make([]models.Chunk, 0, len(snaps))
	for _, snap := range snaps {
		var fc firestoreChunk
		if err := snap.DataTo(&fc); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", snap.Ref.ID, err)
		}
		out = append(out, models.Chunk{
			ID:          snap.Ref.ID,
			DocumentID:  fc.DocumentID,
			ScopeID:     fc.ScopeID,
			ChunkIndex:  fc.ChunkIndex,
			Content:     fc.Content,
			Embedding:   []float32(fc.Embedding),
			TokenCount:  fc.TokenCount,
			PageStart:   fc.PageStart,
			PageEnd:     fc.PageEnd,
			HasPageData: fc.HasPageData,
			CreatedAt:   fc.CreatedAt,
		})
	}
	return out, nil
}

// Match runs a cosine nearest-neighbour query over every chunks
// subcollection, restricted to one scope key. Firestore reports distance, so
// similarity is 1 - distance.
func (r *FirestoreRepository) Match(ctx context.Context, q models.MatchQuery) ([]models.Match, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", models.ErrSearch)
	}
	maxDistance := 1 - q.Threshold
	vq := r.client.CollectionGroup(chunksCollection).
		Where("scopeKey", "==", models.ScopeKey(q.ScopeID)).
		FindNearest("embedding", firestore.Vector32(q.Embedding), q.Count, firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{
				DistanceThreshold:   &maxDistance,
				DistanceResultField: vectorDistanceField,
			})
	snaps, err := vq.Documents(ctx).GetAll()
	if err != nil {
		return nil, models.SearchError(err)
	}
	out := make([]models.Match, 0, len(snaps))
	for _, snap := range snaps {
		var fc firestoreChunk
		if err := snap.DataTo(&fc); err != nil {
			return nil, models.SearchError(fmt.Errorf("decode chunk %s: %w", snap.Ref.ID, err))
		}
		similarity, ok := similarityOf(snap.Data())
		if !ok {
			r.logger.Warn("Skipping nearest-neighbour hit without a distance.", "chunkId", snap.Ref.ID)
			continue
		}
		if similarity <= q.Threshold {
			continue
		}
		out = append(out, models.Match{
			ChunkID:    snap.Ref.ID,
			DocumentID: fc.DocumentID,
			Content:    fc.Content,
			Similarity: similarity,
			PageStart:  fc.PageStart,
			PageEnd:    fc.PageEnd,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}
