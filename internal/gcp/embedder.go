package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Lllllllleong/ragdocumentflow/internal/embed"
)

// Task types understood by the Vertex AI text embedding models.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

const (
	defaultEmbeddingModel = "text-embedding-004"
	defaultEmbedRetries   = 3
	defaultEmbedBackoff   = 500 * time.Millisecond
)

// NewPredictionClient creates the regional Vertex AI prediction client.
func NewPredictionClient(ctx context.Context, region string) (*aiplatform.PredictionClient, error) {
	endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", region)
	client, err := aiplatform.NewPredictionClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction client: %w", err)
	}
	return client, nil
}

// VertexEmbedder calls a Vertex AI text embedding model with one task type.
type VertexEmbedder struct {
	client    *aiplatform.PredictionClient
	endpoint  string
	taskType  string
	dimension int
	retries   uint64
	backoff   time.Duration
	logger    *slog.Logger
}

var _ embed.Embedder = (*VertexEmbedder)(nil)

func NewVertexEmbedder(
	client *aiplatform.PredictionClient,
	projectID, region, modelName, taskType string,
	dimension int,
	logger *slog.Logger,
) *VertexEmbedder {
	if modelName == "" {
		modelName = defaultEmbeddingModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VertexEmbedder{
		client:    client,
		endpoint:  fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", projectID, region, modelName),
		taskType:  taskType,
		dimension: dimension,
		retries:   defaultEmbedRetries,
		backoff:   defaultEmbedBackoff,
		logger:    logger,
	}
}

func (e *VertexEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req, err := e.request(text)
	if err != nil {
		return nil, err
	}
	var vec []float32
	b := retry.WithMaxRetries(e.retries, retry.NewExponential(e.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		resp, err := e.client.Predict(ctx, req)
		if err != nil {
			if isQuotaOrUnavailable(err) {
				e.logger.Warn("Embedding request throttled, will retry.", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		if len(resp.GetPredictions()) == 0 {
			return errors.New("embedding response has no predictions")
		}
		vec, err = parseEmbedding(resp.GetPredictions()[0])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vertex embedding: %w", err)
	}
	return vec, nil
}

func (e *VertexEmbedder) request(text string) (*aiplatformpb.PredictRequest, error) {
	instance, err := structpb.NewStruct(map[string]any{
		"content":   text,
		"task_type": e.taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("build embedding instance: %w", err)
	}
	req := &aiplatformpb.PredictRequest{
		Endpoint:  e.endpoint,
		Instances: []*structpb.Value{structpb.NewStructValue(instance)},
	}
	if e.dimension > 0 {
		params, err := structpb.NewValue(map[string]any{"outputDimensionality": e.dimension})
		if err != nil {
			return nil, fmt.Errorf("build embedding parameters: %w", err)
		}
		req.Parameters = params
	}
	return req, nil
}

// parseEmbedding reads predictions[i].embeddings.values.
func parseEmbedding(pred *structpb.Value) ([]float32, error) {
	embeddings := pred.GetStructValue().GetFields()["embeddings"]
	if embeddings == nil {
		return nil, errors.New("prediction has no embeddings field")
	}
	values := embeddings.GetStructValue().GetFields()["values"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, errors.New("prediction has no embedding values")
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v.GetNumberValue())
	}
	return out, nil
}

func isQuotaOrUnavailable(err error) bool {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable:
		return true
	}
	return false
}
