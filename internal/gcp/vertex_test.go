package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Lllllllleong/ragdocumentflow/internal/extract"
	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

func TestExtractMarkdown(t *testing.T) {
	t.Run("Should strip a markdown fence and join text parts", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("```markdown\n# Title\n"),
				genai.Text("Body text\n```"),
			}},
		}}}
		text, parts := extractMarkdown(resp)
		assert.Equal(t, "# Title\nBody text", text)
		assert.Equal(t, 2, parts)
	})

	t.Run("Should return empty text for an empty response", func(t *testing.T) {
		text, parts := extractMarkdown(&genai.GenerateContentResponse{})
		assert.Empty(t, text)
		assert.Zero(t, parts)
		text, _ = extractMarkdown(nil)
		assert.Empty(t, text)
	})
}

func TestCheckRefusal(t *testing.T) {
	assert.NoError(t, checkRefusal("The pump must be inspected yearly."))
	assert.Error(t, checkRefusal("I am unable to read this document."))
	assert.Error(t, checkRefusal("As a Large Language Model, I cannot"))
}

func TestParseEmbedding(t *testing.T) {
	t.Run("Should read embeddings.values", func(t *testing.T) {
		pred, err := structpb.NewValue(map[string]any{
			"embeddings": map[string]any{
				"values":     []any{0.25, -0.5, 1.0},
				"statistics": map[string]any{"token_count": 3},
			},
		})
		require.NoError(t, err)
		vec, err := parseEmbedding(pred)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
	})

	t.Run("Should reject a prediction without values", func(t *testing.T) {
		pred, err := structpb.NewValue(map[string]any{"other": "x"})
		require.NoError(t, err)
		_, err = parseEmbedding(pred)
		assert.Error(t, err)
	})
}

func TestVertexEmbedder_Request(t *testing.T) {
	e := NewVertexEmbedder(nil, "proj", "europe-west3", "", TaskRetrievalQuery, 768, nil)
	req, err := e.request("what is the torque?")
	require.NoError(t, err)
	assert.Equal(t, "projects/proj/locations/europe-west3/publishers/google/models/text-embedding-004", req.GetEndpoint())
	require.Len(t, req.GetInstances(), 1)
	fields := req.GetInstances()[0].GetStructValue().GetFields()
	assert.Equal(t, "what is the torque?", fields["content"].GetStringValue())
	assert.Equal(t, TaskRetrievalQuery, fields["task_type"].GetStringValue())
	assert.InDelta(t, 768, req.GetParameters().GetStructValue().GetFields()["outputDimensionality"].GetNumberValue(), 0)
}

func TestIsQuotaOrUnavailable(t *testing.T) {
	assert.True(t, isQuotaOrUnavailable(status.Error(codes.ResourceExhausted, "quota")))
	assert.True(t, isQuotaOrUnavailable(status.Error(codes.Unavailable, "down")))
	assert.False(t, isQuotaOrUnavailable(status.Error(codes.InvalidArgument, "bad")))
	assert.False(t, isQuotaOrUnavailable(errors.New("plain")))
}

func TestExecutionRequest(t *testing.T) {
	parent := WorkflowParent("proj", "us-central1", "process-document")
	req, err := executionRequest(parent, models.ProcessJob{DocumentID: "doc-1", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, "projects/proj/locations/us-central1/workflows/process-document", req.GetParent())

	var arg map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.GetExecution().GetArgument()), &arg))
	assert.Equal(t, "doc-1", arg["documentId"])
	assert.EqualValues(t, 2, arg["attempt"])
}

type stubTranscriber struct{}

func (stubTranscriber) TranscribePage(context.Context, int, []byte) (string, error) {
	return "page", nil
}

func TestPDFExtractor_RejectsInvalidPDF(t *testing.T) {
	e := NewPDFExtractor(stubTranscriber{}, 2, nil)
	_, err := e.Extract(context.Background(), extract.File{
		Filename: "broken.pdf",
		MimeType: "application/pdf",
		Content:  []byte("not a pdf"),
	})
	assert.ErrorContains(t, err, "failed to validate/optimize PDF")
}

func TestDocumentUpdates(t *testing.T) {
	doc := &models.Document{
		Status:     models.StatusEmbedded,
		ChunkCount: models.Ptr(4),
	}
	updates := documentUpdates(doc)
	byPath := make(map[string]any, len(updates))
	for _, u := range updates {
		byPath[u.Path] = u.Value
	}
	assert.Equal(t, "embedded", byPath["status"])
	assert.Equal(t, 4, byPath["chunkCount"])
	assert.Nil(t, byPath["processingStage"])
	assert.Equal(t, []models.ErrorRecord{}, byPath["errorHistory"])
}

func TestToFirestoreDocument_ScopeKey(t *testing.T) {
	assert.Equal(t, models.GlobalScope, toFirestoreDocument(&models.Document{}).ScopeKey)
	assert.Equal(t, "team-a", toFirestoreDocument(&models.Document{ScopeID: models.Ptr("team-a")}).ScopeKey)
}

func TestSimilarityOf(t *testing.T) {
	t.Run("Should convert the cosine distance", func(t *testing.T) {
		sim, ok := similarityOf(map[string]any{vectorDistanceField: 0.25})
		assert.True(t, ok)
		assert.InDelta(t, 0.75, sim, 1e-9)
	})
	t.Run("Should reject a hit without a distance", func(t *testing.T) {
		_, ok := similarityOf(map[string]any{"content": "x"})
		assert.False(t, ok)
		_, ok = similarityOf(map[string]any{vectorDistanceField: "0.1"})
		assert.False(t, ok)
	})
}
