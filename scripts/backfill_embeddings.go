package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	database "github.com/wanderwiseai/go-place-resolver/app/db"
	"github.com/wanderwiseai/go-place-resolver/config"
	"github.com/wanderwiseai/go-place-resolver/internal/api/cache"
	generativeAI "github.com/wanderwiseai/go-place-resolver/internal/api/generative_ai"
	"github.com/wanderwiseai/go-place-resolver/internal/api/vector"
)

// Backfills missing embeddings for cached places and reports the
// most-accessed places per city as pre-warming candidates for the local
// corpus dataset.
func main() {
	ctx := context.Background()

	batchSize := flag.Int("batch", 50, "number of records to index per repair batch")
	topCity := flag.String("top-city", "", "report pre-warming candidates for this city")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbConfig, err := database.NewDatabaseConfig(&cfg, logger)
	if err != nil {
		logger.Error("Failed to generate database config", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := pgxpool.New(ctx, dbConfig.ConnectionURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbpool.Close()

	if err := dbpool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("Connected to database successfully")

	embeddingService, err := generativeAI.NewEmbeddingService(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to create embedding service: %v", err)
	}

	vectorRepo := vector.NewPostgresRepository(dbpool, logger)
	index := vector.NewIndexImpl(vectorRepo, embeddingService, logger)

	logger.Info("Backfilling embeddings for cached places...")
	total := 0
	for {
		repaired, err := index.Repair(ctx, *batchSize)
		if err != nil {
			logger.Error("Repair batch failed", slog.Any("error", err))
			break
		}
		total += repaired
		if repaired == 0 {
			break
		}
		logger.Info("Repair batch completed", slog.Int("repaired", repaired))
	}
	logger.Info("Embedding backfill done", slog.Int("total_repaired", total))

	if *topCity != "" {
		cacheRepo := cache.NewPostgresRepository(dbpool, logger)
		records, err := cacheRepo.TopPlaces(ctx, *topCity, 20)
		if err != nil {
			logger.Error("Failed to query pre-warming candidates", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Pre-warming candidates", slog.String("city", *topCity), slog.Int("count", len(records)))
		for _, rec := range records {
			logger.Info("candidate",
				slog.String("name", rec.Name),
				slog.Int("access_count", rec.AccessCount),
				slog.Time("last_accessed_at", rec.LastAccessedAt),
			)
		}
	}
}
