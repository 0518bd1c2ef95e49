package models

// These structs define the JSON payloads exchanged between the Cloud Workflow,
// the HTTP functions and their callers.

// ProcessDocumentRequest is the input for the document-processor function.
type ProcessDocumentRequest struct {
	DocumentID  string `json:"documentId"`
	Attempt     int    `json:"attempt"`
	ExecutionID string `json:"executionId,omitempty"`
}

// ProcessDocumentResponse is the output of the document-processor function.
type ProcessDocumentResponse struct {
	Status     string `json:"status"`
	ChunkCount int    `json:"chunkCount"`
	// Error is the recorded failure when Status is "error".
	Error string `json:"error,omitempty"`
}

// ReprocessDocumentRequest is the input for the document-reprocessor function.
type ReprocessDocumentRequest struct {
	DocumentID string `json:"documentId"`
}

// ReprocessDocumentResponse is the output of the document-reprocessor function.
type ReprocessDocumentResponse struct {
	Status     string `json:"status"`
	ChunkCount int    `json:"chunkCount"`
	Error      string `json:"error,omitempty"`
}

// IngestDocumentResponse is returned after a successful upload.
type IngestDocumentResponse struct {
	Document *Document `json:"document"`
}

// QueryRequest asks the retrieval function for context on a question.
type QueryRequest struct {
	Question string  `json:"question"`
	ScopeID  *string `json:"scopeId"`
	TopK     int     `json:"topK,omitempty"`
}

// QueryResponse carries the joined context, or the no-results text.
type QueryResponse struct {
	Content string `json:"content"`
}

// EnrichRequest asks the retrieval function to annotate a user supplied value.
type EnrichRequest struct {
	Field   string  `json:"field"`
	Value   string  `json:"value"`
	ScopeID *string `json:"scopeId"`
}

// EnrichResponse carries the enriched value.
type EnrichResponse struct {
	Value string `json:"value"`
}

// SweepResponse summarises a watchdog run.
type SweepResponse struct {
	TimedOut    []string `json:"timedOut"`
	Resubmitted []string `json:"resubmitted"`
	Conflicts   int      `json:"conflicts"`
}
