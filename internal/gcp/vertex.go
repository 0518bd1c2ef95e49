package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Extraction Model Prompts ---
const ExtractorSystemPrompt = "You are a document parser. Your task is to read one page of a PDF document and transcribe its content as clean markdown text so it can be indexed for search. Accuracy, detail, and information preservation are of utmost importance."
const ExtractorUserPrompt = `You will be provided with a single PDF page.

Follow these instructions to transcribe the page:

Text: Transcribe all text content directly into markdown text.
Lists: Transcribe all lists into markdown lists, maintaining the original structure.
Images: Replace each image with a short descriptive text of its content.
Tables: Transcribe all tables into markdown tables. If a table contains merged cells, copy the content of the parent cell into every child cell.
Headers and Footers: Ignore page numbers, logos, and repeated publisher details.

Return ONLY the transcribed content. Do not add any preamble or commentary.`

const defaultExtractorModel = "gemini-1.5-pro"

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// VertexClient holds the pre-configured generative model used for PDF pages.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
	logger         *slog.Logger
}

// NewVertexClient creates a new client holding the page extraction model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = defaultExtractorModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
		logger:         slog.Default(),
	}, nil
}

// TranscribePage sends one single-page PDF to the model and returns its text.
func (c *VertexClient) TranscribePage(ctx context.Context, pageNumber int, page []byte) (string, error) {
	resp, err := c.ExtractorModel.GenerateContent(ctx,
		genai.Blob{MIMEType: "application/pdf", Data: page},
		genai.Text(ExtractorUserPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini for page %d: %w", pageNumber, err)
	}
	text, parts := extractMarkdown(resp)
	if parts > 1 {
		c.logger.Warn("Gemini response contained several text parts; they have been concatenated.",
			"page", pageNumber, "parts", parts)
	}
	if err := checkRefusal(text); err != nil {
		return "", fmt.Errorf("page %d: %w", pageNumber, err)
	}
	return text, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// extractMarkdown concatenates the text parts of the first candidate and
// strips a surrounding markdown fence.
func extractMarkdown(resp *genai.GenerateContentResponse) (string, int) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", 0
	}

	var sb strings.Builder
	var textParts int
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
			textParts++
		}
	}

	content := strings.TrimSpace(sb.String())
	content = strings.TrimPrefix(content, "```markdown")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content), textParts
}

// checkRefusal fails fast when the model declined to transcribe.
func checkRefusal(content string) error {
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("gemini response indicates refusal: %q", phrase)
		}
	}
	return nil
}
