package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the processing state of a Document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusEmbedded   Status = "embedded"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusEmbedded, StatusError:
		return true
	}
	return false
}

// Processing stages recorded on a document while it is being processed.
const (
	StageDownloading = "downloading"
	StageExtracting  = "extracting"
	StageChunking    = "chunking"
	StageEmbedding   = "embedding"
	StagePersisting  = "persisting"
)

// Document is the record for one uploaded file. It tracks where the bytes
// live, the processing status and every failed attempt.
type Document struct {
	ID              string        `json:"id"`
	Filename        string        `json:"filename"`
	MimeType        string        `json:"mimeType"`
	StoragePath     string        `json:"storagePath,omitempty"`
	ScopeID         *string       `json:"scopeId"`
	Status          Status        `json:"status"`
	ChunkCount      *int          `json:"chunkCount"`
	ProcessingStage *string       `json:"processingStage"`
	ErrorHistory    []ErrorRecord `json:"errorHistory"`
	FileHash        string        `json:"fileHash,omitempty"`
	SizeBytes       int64         `json:"sizeBytes"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.ScopeID = clonePtr(d.ScopeID)
	out.ChunkCount = clonePtr(d.ChunkCount)
	out.ProcessingStage = clonePtr(d.ProcessingStage)
	if d.ErrorHistory != nil {
		out.ErrorHistory = append([]ErrorRecord(nil), d.ErrorHistory...)
	}
	return &out
}

// ScopeKey is the value used to partition storage paths and searches.
func ScopeKey(scopeID *string) string {
	if scopeID == nil || *scopeID == "" {
		return GlobalScope
	}
	return *scopeID
}

// GlobalScope is the scope key of documents that belong to no scope.
const GlobalScope = "global"

// NormalizeScope trims scopeID and maps a blank scope to nil, so every
// backend sees unscoped documents the same way. GlobalScope is reserved.
func NormalizeScope(scopeID *string) (*string, error) {
	if scopeID == nil {
		return nil, nil
	}
	switch s := strings.TrimSpace(*scopeID); s {
	case "":
		return nil, nil
	case GlobalScope:
		return nil, fmt.Errorf("%w: %q", ErrReservedScope, s)
	default:
		return &s, nil
	}
}

// Chunk is a contiguous segment of a document's extracted text together with
// its embedding.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	ScopeID     *string   `json:"scopeId"`
	ChunkIndex  int       `json:"chunkIndex"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"-"`
	TokenCount  int       `json:"tokenCount"`
	PageStart   *int      `json:"pageStart"`
	PageEnd     *int      `json:"pageEnd"`
	HasPageData *bool     `json:"hasPageData"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StatusEvent is published after every committed status transition.
type StatusEvent struct {
	DocumentID string    `json:"documentId"`
	OldStatus  Status    `json:"oldStatus"`
	NewStatus  Status    `json:"newStatus"`
	Timestamp  time.Time `json:"timestamp"`
}

// Match is one similarity search hit.
type Match struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	PageStart  *int    `json:"pageStart,omitempty"`
	PageEnd    *int    `json:"pageEnd,omitempty"`
}

// MatchQuery parameterises a similarity search.
type MatchQuery struct {
	Embedding []float32
	Threshold float64
	Count     int
	ScopeID   *string
}

// ProcessJob is the unit of work handed to the queue after ingestion.
// Attempt is the attempt number the job expects to run as.
type ProcessJob struct {
	DocumentID string `json:"documentId"`
	Attempt    int    `json:"attempt"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
