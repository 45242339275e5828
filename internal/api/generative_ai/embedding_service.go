package generativeAI

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const embeddingModel = "text-embedding-004"

// EmbeddingService computes text embeddings through the Gemini API.
// Embeddings for distinct texts are memoized in-process, so repeated queries
// for the same text never recompute.
type EmbeddingService struct {
	client *genai.Client
	model  string
	logger *slog.Logger
	memo   *gocache.Cache
}

func NewEmbeddingService(ctx context.Context, logger *slog.Logger) (*EmbeddingService, error) {
	ctx, span := otel.Tracer("GenerativeAI").Start(ctx, "NewEmbeddingService")
	defer span.End()

	apiKey := os.Getenv("GOOGLE_GEMINI_API_KEY")
	if apiKey == "" {
		err := fmt.Errorf("GOOGLE_GEMINI_API_KEY environment variable is not set")
		span.RecordError(err)
		span.SetStatus(codes.Error, "API key not set")
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create Gemini client")
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	span.SetStatus(codes.Ok, "Embedding service created")
	return &EmbeddingService{
		client: client,
		model:  embeddingModel,
		logger: logger,
		memo:   gocache.New(24*time.Hour, 1*time.Hour),
	}, nil
}

// Embed returns the embedding vector for the given text, computing it at most
// once per distinct text.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := otel.Tracer("GenerativeAI").Start(ctx, "Embed")
	defer span.End()

	if cached, found := s.memo.Get(text); found {
		span.SetAttributes(attribute.Bool("embedding.memoized", true))
		span.SetStatus(codes.Ok, "Embedding served from memo")
		return cached.([]float32), nil
	}

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := s.client.Models.EmbedContent(ctx, s.model, contents, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to generate embedding", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Embedding generation failed")
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		err := fmt.Errorf("embedding response contained no values")
		span.RecordError(err)
		return nil, err
	}

	values := result.Embeddings[0].Values
	s.memo.Set(text, values, gocache.DefaultExpiration)

	span.SetAttributes(attribute.Int("embedding.dimension", len(values)))
	span.SetStatus(codes.Ok, "Embedding generated")
	return values, nil
}
