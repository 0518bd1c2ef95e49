package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("document not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict: document status changed")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrNoStoragePath       = errors.New("document has no storage path")
	ErrInvalidUpload       = errors.New("invalid upload")
	ErrSearch              = errors.New("similarity search failed")
	ErrReservedScope       = errors.New("scope id is reserved")
)

// StageError ties an error to the stage it happened in. Whatever records the
// failure uses Stage for the ErrorRecord.
type StageError struct {
	Stage ErrorStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func StorageError(err error) error    { return &StageError{Stage: ErrorStageStorage, Err: err} }
func DatabaseError(err error) error   { return &StageError{Stage: ErrorStageDatabase, Err: err} }
func ExtractionError(err error) error { return &StageError{Stage: ErrorStageExtraction, Err: err} }
func EmbeddingError(err error) error  { return &StageError{Stage: ErrorStageEmbedding, Err: err} }

// SearchError marks err as a failed embed or similarity search.
func SearchError(err error) error {
	return fmt.Errorf("%w: %w", ErrSearch, err)
}

// StageOf returns the stage carried by err, if any.
func StageOf(err error) (ErrorStage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
