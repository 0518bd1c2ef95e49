package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"

	"github.com/Lllllllleong/ragdocumentflow/internal/chunk"
	"github.com/Lllllllleong/ragdocumentflow/internal/config"
	"github.com/Lllllllleong/ragdocumentflow/internal/embed"
	"github.com/Lllllllleong/ragdocumentflow/internal/extract"
	"github.com/Lllllllleong/ragdocumentflow/internal/gcp"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/pipeline"
	"github.com/Lllllllleong/ragdocumentflow/internal/postgres"
	"github.com/Lllllllleong/ragdocumentflow/internal/queue"
	"github.com/Lllllllleong/ragdocumentflow/internal/retrieval"
	"github.com/Lllllllleong/ragdocumentflow/internal/status"
	objectstore "github.com/Lllllllleong/ragdocumentflow/internal/storage"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
	"github.com/Lllllllleong/ragdocumentflow/internal/store/memory"
)

// Repository is a document store that can also answer similarity searches.
type Repository interface {
	store.Repository
	retrieval.Searcher
}

// Runtime holds the clients and components shared by the functions. Each
// function builds one on cold start.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Repository Repository
	Objects    objectstore.ObjectStore
	Extractor  extract.Extractor
	Chunker    *chunk.Chunker
	// DocumentEmbedder and QueryEmbedder use the same model with different
	// task types.
	DocumentEmbedder embed.Embedder
	QueryEmbedder    embed.Embedder
	Tracker          *status.Tracker
	Pipeline         *pipeline.Pipeline
	Dispatcher       queue.Dispatcher

	closers []func() error
}

// RuntimeOption replaces a component that would otherwise be built from config.
type RuntimeOption func(*Runtime)

func WithRepository(r Repository) RuntimeOption {
	return func(rt *Runtime) { rt.Repository = r }
}

func WithObjectStore(o objectstore.ObjectStore) RuntimeOption {
	return func(rt *Runtime) { rt.Objects = o }
}

func WithExtractor(e extract.Extractor) RuntimeOption {
	return func(rt *Runtime) { rt.Extractor = e }
}

// WithEmbedder uses e for both documents and queries.
func WithEmbedder(e embed.Embedder) RuntimeOption {
	return func(rt *Runtime) {
		rt.DocumentEmbedder = e
		rt.QueryEmbedder = e
	}
}

func WithDispatcher(d queue.Dispatcher) RuntimeOption {
	return func(rt *Runtime) { rt.Dispatcher = d }
}

// LoadConfig reads and validates the configuration and installs a JSON
// logger at the configured level as the default.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return cfg, nil
}

// NewRuntime builds every component from cfg. Components supplied through
// opts are used as is.
func NewRuntime(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	if err := rt.build(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	cfg := rt.Config
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"repository", rt.buildRepository},
		{"object store", rt.buildObjects},
		{"extractor", rt.buildExtractor},
		{"embedder", rt.buildEmbedders},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("failed to create %s: %w", step.name, err)
		}
	}

	chunker, err := chunk.New(chunk.Settings{
		Size:          cfg.Chunking.Size,
		Overlap:       cfg.Chunking.Overlap,
		CharsPerToken: cfg.Chunking.CharsPerToken,
	})
	if err != nil {
		return err
	}
	rt.Chunker = chunker

	publisher, err := rt.publisher()
	if err != nil {
		return fmt.Errorf("failed to create status publisher: %w", err)
	}
	rt.Tracker = status.NewTracker(rt.Repository, publisher, status.WithLogger(rt.Logger))

	rt.Pipeline = pipeline.New(
		rt.Objects, rt.Extractor, rt.Chunker, rt.DocumentEmbedder, rt.Repository, rt.Tracker,
		pipeline.Config{
			Timeout:             cfg.Pipeline.Timeout,
			FailureWriteTimeout: cfg.Pipeline.FailureWriteTimeout,
		},
		pipeline.WithLogger(rt.Logger),
	)

	if err := rt.buildDispatcher(ctx); err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return nil
}

func (rt *Runtime) buildRepository(ctx context.Context) error {
	if rt.Repository != nil {
		return nil
	}
	cfg := rt.Config
	switch cfg.Backend {
	case config.BackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)
		rt.Repository = gcp.NewFirestoreRepository(client, cfg.Firestore.Collection, rt.Logger)
	case config.BackendPostgres:
		if cfg.Postgres.Migrate {
			if err := postgres.ApplyMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return err
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		rt.Repository = postgres.NewRepository(pool, rt.Logger)
	case config.BackendMemory:
		rt.Repository = memory.NewRepository()
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func (rt *Runtime) buildObjects(ctx context.Context) error {
	if rt.Objects != nil {
		return nil
	}
	switch rt.Config.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		rt.Objects = gcp.NewGCSObjectStore(client, rt.Config.Storage.Bucket, rt.Logger)
	case config.StorageMemory:
		rt.Objects = objectstore.NewMemoryStore()
	default:
		return fmt.Errorf("unknown storage backend %q", rt.Config.Storage.Backend)
	}
	return nil
}

// buildExtractor routes text types to the plain text extractor and PDFs to
// Gemini page transcription.
func (rt *Runtime) buildExtractor(ctx context.Context) error {
	if rt.Extractor != nil {
		return nil
	}
	cfg := rt.Config
	router := NewTextRouter()
	if cfg.GCP.ProjectID != "" {
		vertexClient, err := gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.VertexAIRegion, cfg.Extraction.Model)
		if err != nil {
			return fmt.Errorf("failed to create vertex client: %w", err)
		}
		rt.closers = append(rt.closers, vertexClient.Close)
		router.Handle("application/pdf", gcp.NewPDFExtractor(vertexClient, cfg.Extraction.PageConcurrency, rt.Logger))
	}
	rt.Extractor = router
	return nil
}

// NewTextRouter returns a router that handles every text format.
func NewTextRouter() *extract.Router {
	plain := extract.PlainText{}
	return extract.NewRouter().
		Handle("text/", plain).
		Handle("application/json", plain).
		Handle("application/x-ndjson", plain).
		Handle("application/xml", plain).
		Handle("application/x-yaml", plain).
		Handle("application/yaml", plain)
}

func (rt *Runtime) buildEmbedders(ctx context.Context) error {
	if rt.DocumentEmbedder != nil && rt.QueryEmbedder != nil {
		return nil
	}
	cfg := rt.Config
	if cfg.GCP.ProjectID == "" {
		return errors.New("gcp.project_id is required for vertex embeddings")
	}
	client, err := gcp.NewPredictionClient(ctx, cfg.GCP.VertexAIRegion)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, client.Close)
	newEmbedder := func(taskType string) embed.Embedder {
		vertex := gcp.NewVertexEmbedder(client, cfg.GCP.ProjectID, cfg.GCP.VertexAIRegion,
			cfg.Embedding.Model, taskType, cfg.Embedding.Dimension, rt.Logger)
		return embed.Checked{
			Next:      embed.NewRateLimited(vertex, cfg.Embedding.RPS, cfg.Embedding.Burst),
			Dimension: cfg.Embedding.Dimension,
		}
	}
	rt.DocumentEmbedder = newEmbedder(gcp.TaskRetrievalDocument)
	rt.QueryEmbedder = newEmbedder(gcp.TaskRetrievalQuery)
	return nil
}

// publisher logs every event and also posts it as a CloudEvent when a
// target is configured.
func (rt *Runtime) publisher() (status.Publisher, error) {
	publishers := status.MultiPublisher{status.LogPublisher{Logger: rt.Logger}}
	if rt.Config.Events.Target != "" {
		ce, err := status.NewCloudEventsPublisher(rt.Config.Events.Target, rt.Config.Events.Source)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, ce)
	}
	return publishers, nil
}

func (rt *Runtime) buildDispatcher(ctx context.Context) error {
	if rt.Dispatcher != nil {
		return nil
	}
	cfg := rt.Config
	switch cfg.Dispatcher.Backend {
	case config.DispatcherWorkflow:
		client, err := executions.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		rt.Dispatcher = gcp.NewWorkflowDispatcher(client, cfg.GCP.ProjectID,
			cfg.Dispatcher.WorkflowLocation, cfg.Dispatcher.WorkflowID, rt.Logger)
	case config.DispatcherLocal:
		local, err := queue.NewLocalDispatcher(cfg.Dispatcher.PoolSize, rt.runJob,
			queue.WithLogger(rt.Logger), queue.WithJobTimeout(cfg.Dispatcher.JobTimeout))
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, local.Close)
		rt.Dispatcher = local
	default:
		return fmt.Errorf("unknown dispatcher backend %q", cfg.Dispatcher.Backend)
	}
	return nil
}

func (rt *Runtime) runJob(ctx context.Context, job models.ProcessJob) error {
	_, err := rt.Pipeline.Process(ctx, job)
	return err
}

// Close releases clients in reverse creation order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
