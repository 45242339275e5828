package generativeAI

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const descriptionModel = "gemini-2.0-flash"

// DescriptionService produces a short editorial description for a resolved
// place. Best-effort enrichment: callers degrade to an empty description on
// failure rather than failing the resolution.
type DescriptionService struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewDescriptionService(ctx context.Context, logger *slog.Logger) (*DescriptionService, error) {
	apiKey := os.Getenv("GOOGLE_GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_GEMINI_API_KEY environment variable is not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &DescriptionService{
		client: client,
		model:  descriptionModel,
		logger: logger,
	}, nil
}

// Describe returns a two-sentence visitor description of the place.
func (s *DescriptionService) Describe(ctx context.Context, name, city string) (string, error) {
	ctx, span := otel.Tracer("GenerativeAI").Start(ctx, "Describe")
	defer span.End()

	prompt := fmt.Sprintf(
		"Write a factual two-sentence description of %q in %s for a travel itinerary. Plain text only.",
		name, city,
	)
	result, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), nil)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to generate place description", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Description generation failed")
		return "", fmt.Errorf("failed to generate description: %w", err)
	}

	span.SetStatus(codes.Ok, "Description generated")
	return strings.TrimSpace(result.Text()), nil
}
