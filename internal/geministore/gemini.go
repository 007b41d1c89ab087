package geministore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "entity-extractor/internal/errors"

	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultModel = "gemini-2.5-flash"

const transcribePrompt = "Transcribe all of the text in this PDF exactly as written, in reading order. " +
	"Separate pages with a form feed character. Output only the text."

type GeminiClient struct {
	Client *genai.Client
	Model  string
}

func New(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("API key error: %w", err)
	}

	if model == "" {
		model = DefaultModel
	}
	return &GeminiClient{Client: client, Model: model}, nil
}

// ExtractText asks the model to transcribe a PDF, for documents without a
// text layer.
func (g *GeminiClient) ExtractText(ctx context.Context, document []byte) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(document, "application/pdf"),
			genai.NewPartFromText(transcribePrompt),
		}, genai.RoleUser),
	}

	result, err := g.Client.Models.GenerateContent(ctx, g.Model, contents, nil)
	if err != nil {
		return "", classify(err)
	}

	return result.Text(), nil
}

// classify marks errors that retrying cannot fix as permanent. The Gemini
// API backend reports HTTP status codes; errors carrying a gRPC status are
// mapped the same way.
func classify(err error) error {
	if code, ok := httpCode(err); ok {
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("gemini authentication failed: %w", apperrors.Permanent(err))
		case http.StatusBadRequest:
			return fmt.Errorf("gemini invalid input (400): %w", apperrors.Permanent(err))
		}
		return fmt.Errorf("failed to extract text from document: %w", err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return fmt.Errorf("gemini authentication failed: %w", apperrors.Permanent(err))
		case codes.InvalidArgument:
			return fmt.Errorf("gemini invalid input (400): %w", apperrors.Permanent(err))
		}
	}
	return fmt.Errorf("failed to extract text from document: %w", err)
}

func httpCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}
