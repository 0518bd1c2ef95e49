package config

import "time"

// Backend names accepted by the configuration.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"

	StorageGCS    = "gcs"
	StorageMemory = "memory"

	DispatcherWorkflow = "workflow"
	DispatcherLocal    = "local"
)

// Config is the configuration shared by every function in the repo.
type Config struct {
	Log        LogConfig        `yaml:"log" koanf:"log"`
	GCP        GCPConfig        `yaml:"gcp" koanf:"gcp"`
	Backend    string           `yaml:"backend" koanf:"backend"`
	Firestore  FirestoreConfig  `yaml:"firestore" koanf:"firestore"`
	Postgres   PostgresConfig   `yaml:"postgres" koanf:"postgres"`
	Storage    StorageConfig    `yaml:"storage" koanf:"storage"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" koanf:"dispatcher"`
	Events     EventsConfig     `yaml:"events" koanf:"events"`
	Extraction ExtractionConfig `yaml:"extraction" koanf:"extraction"`
	Embedding  EmbeddingConfig  `yaml:"embedding" koanf:"embedding"`
	Ingest     IngestConfig     `yaml:"ingest" koanf:"ingest"`
	Chunking   ChunkingConfig   `yaml:"chunking" koanf:"chunking"`
	Pipeline   PipelineConfig   `yaml:"pipeline" koanf:"pipeline"`
	Watchdog   WatchdogConfig   `yaml:"watchdog" koanf:"watchdog"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" koanf:"retrieval"`
}

type LogConfig struct {
	Level string `yaml:"level" koanf:"level"`
}

type GCPConfig struct {
	ProjectID      string `yaml:"project_id" koanf:"project_id"`
	VertexAIRegion string `yaml:"vertex_ai_region" koanf:"vertex_ai_region"`
}

type FirestoreConfig struct {
	Collection string `yaml:"collection" koanf:"collection"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" koanf:"dsn"`
	MaxConns int32  `yaml:"max_conns" koanf:"max_conns"`
	// Migrate applies the embedded migrations on start.
	Migrate bool `yaml:"migrate" koanf:"migrate"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" koanf:"backend"`
	Bucket  string `yaml:"bucket" koanf:"bucket"`
}

type DispatcherConfig struct {
	Backend          string        `yaml:"backend" koanf:"backend"`
	WorkflowID       string        `yaml:"workflow_id" koanf:"workflow_id"`
	WorkflowLocation string        `yaml:"workflow_location" koanf:"workflow_location"`
	PoolSize         int           `yaml:"pool_size" koanf:"pool_size"`
	JobTimeout       time.Duration `yaml:"job_timeout" koanf:"job_timeout"`
}

// EventsConfig controls where status events go. An empty Target only logs them.
type EventsConfig struct {
	Target string `yaml:"target" koanf:"target"`
	Source string `yaml:"source" koanf:"source"`
}

type ExtractionConfig struct {
	Model           string `yaml:"model" koanf:"model"`
	PageConcurrency int    `yaml:"page_concurrency" koanf:"page_concurrency"`
}

type EmbeddingConfig struct {
	Model     string  `yaml:"model" koanf:"model"`
	Dimension int     `yaml:"dimension" koanf:"dimension"`
	RPS       float64 `yaml:"rps" koanf:"rps"`
	Burst     int     `yaml:"burst" koanf:"burst"`
}

type IngestConfig struct {
	MaxBytes int64 `yaml:"max_bytes" koanf:"max_bytes"`
}

type ChunkingConfig struct {
	Size          int     `yaml:"size" koanf:"size"`
	Overlap       int     `yaml:"overlap" koanf:"overlap"`
	CharsPerToken float64 `yaml:"chars_per_token" koanf:"chars_per_token"`
}

type PipelineConfig struct {
	Timeout             time.Duration `yaml:"timeout" koanf:"timeout"`
	FailureWriteTimeout time.Duration `yaml:"failure_write_timeout" koanf:"failure_write_timeout"`
}

type WatchdogConfig struct {
	ProcessingTimeout time.Duration `yaml:"processing_timeout" koanf:"processing_timeout"`
	Grace             time.Duration `yaml:"grace" koanf:"grace"`
	ResubmitAfter     time.Duration `yaml:"resubmit_after" koanf:"resubmit_after"`
	BatchSize         int           `yaml:"batch_size" koanf:"batch_size"`
}

type RetrievalConfig struct {
	TopK                  int           `yaml:"top_k" koanf:"top_k"`
	Threshold             float64       `yaml:"threshold" koanf:"threshold"`
	EnrichThreshold       float64       `yaml:"enrich_threshold" koanf:"enrich_threshold"`
	CacheTTL              time.Duration `yaml:"cache_ttl" koanf:"cache_ttl"`
	CacheCapacity         int           `yaml:"cache_capacity" koanf:"cache_capacity"`
	NoRelevantInformation string        `yaml:"no_relevant_information" koanf:"no_relevant_information"`
	MaxQuestionLen        int           `yaml:"max_question_len" koanf:"max_question_len"`
	SnippetLen            int           `yaml:"snippet_len" koanf:"snippet_len"`
}
