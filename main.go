package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	database "github.com/wanderwiseai/go-place-resolver/app/db"
	appLogger "github.com/wanderwiseai/go-place-resolver/app/logger"
	"github.com/wanderwiseai/go-place-resolver/app/observability/metrics"
	"github.com/wanderwiseai/go-place-resolver/app/tracer"
	"github.com/wanderwiseai/go-place-resolver/config"
	"github.com/wanderwiseai/go-place-resolver/internal/api/cache"
	"github.com/wanderwiseai/go-place-resolver/internal/api/corpus"
	"github.com/wanderwiseai/go-place-resolver/internal/api/enrichment"
	generativeAI "github.com/wanderwiseai/go-place-resolver/internal/api/generative_ai"
	"github.com/wanderwiseai/go-place-resolver/internal/api/geofilter"
	"github.com/wanderwiseai/go-place-resolver/internal/api/resolve"
	"github.com/wanderwiseai/go-place-resolver/internal/api/vector"
	"github.com/wanderwiseai/go-place-resolver/internal/router"
)

func main() {
	// Use standard log until slog is configured, in case godotenv fails
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: .env file not found or error loading:", err)
	}

	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("FATAL: Error initializing config: %v", err)
	}

	logger := setupLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer.InitTracingAndMetrics()
	metrics.InitAppMetrics()
	appMetrics := metrics.Get()

	// --- Database Setup ---
	dbConfig, err := database.NewDatabaseConfig(&cfg, logger)
	if err != nil {
		logger.Error("Failed to generate database config", slog.Any("error", err))
		os.Exit(1)
	}

	if err = database.RunMigrations(dbConfig.ConnectionURL, logger); err != nil {
		logger.Error("Failed to run database migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := database.Init(dbConfig.ConnectionURL, logger)
	if err != nil {
		logger.Error("Failed to initialize database pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if !database.WaitForDB(ctx, pool, logger) {
		logger.Error("Database not ready after waiting, exiting.")
		os.Exit(1)
	}

	// --- Dependency Injection ---
	filter := geofilter.New(cfg.Regions)

	localCorpus, err := corpus.Load(cfg.Corpus.DatasetPath, filter, logger)
	if err != nil {
		logger.Error("Failed to load local corpus", slog.Any("error", err))
		os.Exit(1)
	}

	cacheRepo := cache.NewPostgresRepository(pool, logger)

	embeddingService, err := generativeAI.NewEmbeddingService(ctx, logger)
	if err != nil {
		logger.Error("Failed to create embedding service", slog.Any("error", err))
		os.Exit(1)
	}
	vectorRepo := vector.NewPostgresRepository(pool, logger)
	vectorIndex := vector.NewIndexImpl(vectorRepo, embeddingService, logger)

	// A failed description service only costs enrichment flavour text.
	var describer enrichment.Describer
	if descriptionService, err := generativeAI.NewDescriptionService(ctx, logger); err != nil {
		logger.Warn("Description service unavailable, enrichment will skip descriptions", slog.Any("error", err))
	} else {
		describer = descriptionService
	}

	gateway := enrichment.NewGateway(enrichment.Config{
		Timeout:       cfg.Resolver.EnrichmentTimeout,
		Namespace:     cfg.Resolver.EnrichmentNamespace,
		RatePerSecond: cfg.Enrichment.RatePerSecond,
		RateBurst:     cfg.Enrichment.RateBurst,
	}, []enrichment.Source{
		enrichment.NewGeocodeSource(cfg.Enrichment.GeocodeBaseURL, &http.Client{Timeout: cfg.Resolver.EnrichmentTimeout}),
	}, filter, describer, appMetrics, logger)

	resolveService := resolve.NewServiceImpl(resolve.Config{
		Namespace:           cfg.Resolver.EnrichmentNamespace,
		SimilarityThreshold: cfg.Resolver.SimilarityThreshold,
		VectorTopK:          cfg.Resolver.VectorTopK,
	}, localCorpus, cacheRepo, vectorIndex, gateway, filter, logger).WithMetrics(appMetrics)
	resolveHandler := resolve.NewHandler(resolveService, logger)

	// Close index-inconsistency gaps left by earlier runs before serving.
	if repaired, err := vectorIndex.Repair(ctx, 100); err != nil {
		logger.Warn("Vector index repair pass failed", slog.Any("error", err))
	} else if repaired > 0 {
		logger.Info("Vector index repair pass completed", slog.Int("repaired", repaired))
	}

	// --- Router Setup ---
	mainRouter := router.SetupRouter(&router.Config{
		ResolveHandler: resolveHandler,
	})

	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(appLogger.StructuredLogger(logger))
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.StripSlashes)
	mux.Use(middleware.Timeout(cfg.Server.Timeout))
	mux.Use(middleware.Compress(5, "application/json"))
	mux.Mount("/", mainRouter)

	// --- HTTP Server Setup ---
	serverAddress := fmt.Sprintf(":%s", cfg.Server.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddress,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("address", serverAddress))
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server ListenAndServe error", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", slog.Any("error", err))
	} else {
		logger.Info("HTTP server gracefully stopped")
	}

	logger.Info("Application shut down complete.")
}

// setupLogger configures and returns the application logger.
func setupLogger() *slog.Logger {
	var logger *slog.Logger
	env := os.Getenv("APP_ENV")

	if env == "development" || env == "" {
		tintOpts := &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
			AddSource:  true,
		}
		logger = slog.New(tint.NewHandler(os.Stdout, tintOpts))
		log.Println("Initialized development logger (tint)")
	} else {
		jsonOpts := &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, jsonOpts))
		log.Println("Initialized production logger (JSON)")
	}
	return logger
}
