package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/rag/internal/chat"
	"github.com/knoguchi/rag/internal/config"
	"github.com/knoguchi/rag/internal/ingestion"
	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/memory"
	"github.com/knoguchi/rag/internal/query"
	"github.com/knoguchi/rag/internal/queue"
	"github.com/knoguchi/rag/internal/ratelimit"
	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/repository/postgres"
	"github.com/knoguchi/rag/internal/reranker"
	"github.com/knoguchi/rag/internal/search"
	"github.com/knoguchi/rag/internal/server"
	"github.com/knoguchi/rag/internal/vectorstore"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG service", "http_port", cfg.HTTPPort, "environment", cfg.Environment)

	// Metadata store.
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	documentRepo := postgres.NewDocumentRepo(db)
	slog.Info("connected to PostgreSQL")

	// Vector backend.
	vectorClient := vectorstore.New(vectorstore.Config{
		BaseURL:       cfg.VectorBackendURL,
		CallTimeout:   cfg.VectorCallTimeout,
		IndexTimeout:  cfg.VectorIndexTimeout,
		HealthTimeout: cfg.VectorHealthTimeout,
		Logger:        slog.Default(),
	})
	slog.Info("configured vector backend client", "base_url", cfg.VectorBackendURL)

	// LLM provider.
	llmProvider := llm.NewProvider(llm.ProviderConfig{
		ProviderType: cfg.LLMProvider,
		Endpoint:     cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		Timeout:      cfg.LLMTimeout,
		MaxRetries:   cfg.LLMMaxRetries,
		RetryDelay:   cfg.LLMRetryDelay,
	})
	slog.Info("configured LLM provider", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	// Back-pressure primitives (C4, C5).
	llmLimiter := ratelimit.New(cfg.LLMRateLimitCapacity, cfg.LLMRateLimitRefill)
	chatLimiter := ratelimit.New(cfg.ChatRateLimitCapacity, cfg.ChatRateLimitRefill)
	llmQueue := queue.New(cfg.LLMQueueConcurrency, cfg.LLMQueueMaxSize)

	// Query processor (C9).
	queryProcessor := query.New(llmProvider, llmLimiter, llmQueue, query.Config{
		ExpansionEnabled: cfg.QueryExpansionEnabled,
		MaxQueries:       cfg.QueryExpansionMaxN,
		Model:            cfg.LLMModel,
	})

	// Optional reranker (supplemented feature).
	var rerankerImpl reranker.Reranker
	if cfg.RerankerEnabled {
		rerankerImpl = reranker.NewLLMReranker(llmProvider, reranker.WithModel(cfg.LLMModel))
	}

	// Search engine (C10).
	searchEngine := search.New(vectorClient, documentRepo, queryProcessor, rerankerImpl, search.Config{
		DefaultLimit:    cfg.DefaultSearchLimit,
		MaxLimit:        cfg.MaxSearchLimit,
		MinSearchScore:  cfg.MinSearchScore,
		HybridWeights:   [2]float64{cfg.HybridWeightVector, cfg.HybridWeightBM25},
		RerankerEnabled: cfg.RerankerEnabled,
	}, slog.Default())

	// Ingestion coordinator (C11).
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	ingestCoordinator := ingestion.NewCoordinator(documentRepo, vectorClient, chunker, slog.Default())

	// Conversation memory (supplemented feature).
	conversationMemory := memory.DefaultStore()

	// Chat orchestrator (C12).
	chatOrchestrator := chat.New(searchEngine, llmProvider, chatLimiter, conversationMemory, chat.Config{
		DefaultTemperature:    cfg.ChatDefaultTemperature,
		DefaultMaxTokens:      cfg.ChatDefaultMaxTokens,
		DefaultSearchLimit:    cfg.ChatDefaultSearchLimit,
		IncludeSourcesDefault: cfg.ChatIncludeSourcesDefault,
		SystemPromptTemplate:  cfg.ChatSystemPromptTemplate,
	})

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"},
		Engine:         searchEngine,
		Ingest:         ingestCoordinator,
		Chat:           chatOrchestrator,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time.
var _ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
