// Package config loads the settings of every function from defaults, an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "DOCFLOW_"
	// EnvConfigPath names the YAML file to load, if any.
	EnvConfigPath = "DOCFLOW_CONFIG"
)

// legacyEnv maps the plain variable names used by earlier deployments to
// config keys. DOCFLOW_ variables take precedence over them.
var legacyEnv = map[string]string{
	"PROJECT_ID":           "gcp.project_id",
	"VERTEX_AI_REGION":     "gcp.vertex_ai_region",
	"WORKFLOW_ID":          "dispatcher.workflow_id",
	"WORKFLOW_LOCATION":    "dispatcher.workflow_location",
	"FIRESTORE_COLLECTION": "firestore.collection",
	"DOCUMENTS_BUCKET":     "storage.bucket",
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		GCP:     GCPConfig{VertexAIRegion: "us-central1"},
		Backend: BackendFirestore,
		Firestore: FirestoreConfig{
			Collection: "documents",
		},
		Postgres: PostgresConfig{MaxConns: 10},
		Storage:  StorageConfig{Backend: StorageGCS},
		Dispatcher: DispatcherConfig{
			Backend:          DispatcherWorkflow,
			WorkflowID:       "process-document",
			WorkflowLocation: "us-central1",
			PoolSize:         4,
			JobTimeout:       6 * time.Minute,
		},
		Events: EventsConfig{Source: "ragdocumentflow"},
		Extraction: ExtractionConfig{
			Model:           "gemini-1.5-pro",
			PageConcurrency: 10,
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-004",
			Dimension: 768,
			RPS:       5,
			Burst:     5,
		},
		Ingest: IngestConfig{MaxBytes: 50 << 20},
		Chunking: ChunkingConfig{
			Size:          1000,
			Overlap:       100,
			CharsPerToken: 4.0,
		},
		Pipeline: PipelineConfig{
			Timeout:             5 * time.Minute,
			FailureWriteTimeout: 15 * time.Second,
		},
		Watchdog: WatchdogConfig{
			ProcessingTimeout: 5 * time.Minute,
			Grace:             2 * time.Minute,
			ResubmitAfter:     10 * time.Minute,
			BatchSize:         100,
		},
		Retrieval: RetrievalConfig{
			TopK:                  3,
			Threshold:             0.7,
			EnrichThreshold:       0.5,
			CacheTTL:              24 * time.Hour,
			CacheCapacity:         100,
			NoRelevantInformation: "Keine relevanten Informationen gefunden.",
			MaxQuestionLen:        2000,
			SnippetLen:            280,
		},
	}
}

// LoadFromEnv loads the file named by DOCFLOW_CONFIG, if set.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// Load reads configuration from the given YAML file, then overlays the
// legacy variables and finally DOCFLOW_* overrides. A double underscore
// separates sections: DOCFLOW_PIPELINE__TIMEOUT -> pipeline.timeout.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("applying %s: %w", name, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var (
	validBackends    = map[string]bool{BackendFirestore: true, BackendPostgres: true, BackendMemory: true}
	validStorages    = map[string]bool{StorageGCS: true, StorageMemory: true}
	validDispatchers = map[string]bool{DispatcherWorkflow: true, DispatcherLocal: true}
)

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	var errs []error
	if !validBackends[c.Backend] {
		errs = append(errs, fmt.Errorf("invalid backend %q: must be one of firestore, postgres, memory", c.Backend))
	}
	if c.Backend == BackendFirestore && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.project_id is required for the firestore backend"))
	}
	if c.Backend == BackendFirestore && c.Firestore.Collection == "" {
		errs = append(errs, errors.New("firestore.collection is required"))
	}
	if c.Backend == BackendPostgres && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
	}
	if !validStorages[c.Storage.Backend] {
		errs = append(errs, fmt.Errorf("invalid storage.backend %q: must be one of gcs, memory", c.Storage.Backend))
	}
	if c.Storage.Backend == StorageGCS && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required for gcs storage"))
	}
	if !validDispatchers[c.Dispatcher.Backend] {
		errs = append(errs, fmt.Errorf("invalid dispatcher.backend %q: must be one of workflow, local", c.Dispatcher.Backend))
	}
	if c.Dispatcher.Backend == DispatcherWorkflow && (c.GCP.ProjectID == "" || c.Dispatcher.WorkflowID == "") {
		errs = append(errs, errors.New("gcp.project_id and dispatcher.workflow_id are required for the workflow dispatcher"))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive"))
	}
	if c.Ingest.MaxBytes <= 0 {
		errs = append(errs, errors.New("ingest.max_bytes must be positive"))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunking.overlap %d must be in [0, %d)", c.Chunking.Overlap, c.Chunking.Size))
	}
	if c.Pipeline.Timeout <= 0 {
		errs = append(errs, errors.New("pipeline.timeout must be positive"))
	}
	if c.Chunking.CharsPerToken < 0 {
		errs = append(errs, errors.New("chunking.chars_per_token cannot be negative"))
	}
	// A live run must never look stale to the watchdog.
	if deadline := c.Watchdog.ProcessingTimeout + c.Watchdog.Grace; deadline < c.Pipeline.Timeout {
		errs = append(errs, fmt.Errorf("watchdog.processing_timeout + watchdog.grace (%s) must not be shorter than pipeline.timeout (%s)",
			deadline, c.Pipeline.Timeout))
	}
	for name, v := range map[string]float64{
		"retrieval.threshold":        c.Retrieval.Threshold,
		"retrieval.enrich_threshold": c.Retrieval.EnrichThreshold,
	} {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1)", name))
		}
	}
	if c.Retrieval.CacheCapacity <= 0 {
		errs = append(errs, errors.New("retrieval.cache_capacity must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Log.Level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
