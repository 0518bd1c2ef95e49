package models

import "time"

// ErrorStage names the part of the system a failure happened in.
type ErrorStage string

const (
	ErrorStageExtraction ErrorStage = "extraction"
	ErrorStageEmbedding  ErrorStage = "embedding"
	ErrorStageStorage    ErrorStage = "storage"
	ErrorStageDatabase   ErrorStage = "database"
)

// Valid reports whether s is one of the known stages.
func (s ErrorStage) Valid() bool {
	switch s {
	case ErrorStageExtraction, ErrorStageEmbedding, ErrorStageStorage, ErrorStageDatabase:
		return true
	}
	return false
}

// ErrorRecord describes one failed processing attempt.
type ErrorRecord struct {
	Attempt   int        `json:"attempt" firestore:"attempt"`
	Stage     ErrorStage `json:"stage" firestore:"stage"`
	Message   string     `json:"message" firestore:"message"`
	Timestamp time.Time  `json:"timestamp" firestore:"timestamp"`
}
