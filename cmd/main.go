package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docqa-platform/internal/ai"
	"docqa-platform/internal/config"
	"docqa-platform/internal/index"
	"docqa-platform/internal/logger"
	"docqa-platform/internal/queue"
	"docqa-platform/internal/search"
	"docqa-platform/internal/telemetry"
	"docqa-platform/middleware"
	"docqa-platform/routes"
	"docqa-platform/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer := func(context.Context) {}
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(context.Background(), cfg)
		if err != nil {
			logger.Warn("Tracing disabled", "error", err)
		} else {
			shutdownTracer = shutdown
		}
	}

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to initialize metrics:", err)
	}

	// Redis backs rate limiting, the query embedding cache and the embedding queue
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = config.NewRedisClient(cfg)
		if err != nil {
			if cfg.AsyncEmbedding {
				log.Fatal("Failed to connect to Redis:", err)
			}
			logger.Warn("Redis unavailable, continuing without cache and rate limiting", "error", err)
		}
	}

	// MongoDB persists document snapshots across restarts
	var mongoClient *mongo.Client
	var store index.Store
	if cfg.MongoURI != "" {
		mongoClient, err = config.ConnectMongoDB(cfg)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB:", err)
		}
		store = index.NewMongoStore(mongoClient.Database(cfg.DBName))
	}

	// Embedding provider
	var provider ai.Provider
	var embedder *ai.GeminiEmbedder
	if cfg.EmbeddingEnabled() {
		embedder, err = ai.NewGeminiEmbedder(context.Background(), cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			logger.Error("Embedding provider unavailable", "error", err)
		} else {
			provider = embedder
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set, embedding and answer generation are disabled")
	}

	embeddingClient := ai.NewEmbeddingClient(provider, ai.EmbeddingOptions{
		BatchSize:         cfg.EmbeddingBatchSize,
		MaxAttempts:       cfg.EmbeddingMaxAttempts,
		InitialBackoff:    cfg.EmbeddingInitialBackoff,
		MaxBackoff:        cfg.EmbeddingMaxBackoff,
		RequestsPerMinute: cfg.EmbeddingRPM,
		Dimensions:        cfg.EmbeddingDimensions,
	}, metrics)

	// Answer generation
	var generator services.AnswerGenerator
	var geminiClient *ai.GeminiClient
	if cfg.GeminiAPIKey != "" {
		geminiClient, err = ai.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, ai.GeminiOptions{
			Model:             cfg.ChatModel,
			Temperature:       float32(cfg.GenerationTemperature),
			MaxOutputTokens:   int32(cfg.GenerationMaxTokens),
			RequestsPerMinute: cfg.GenerationRPM,
		}, metrics)
		if err != nil {
			logger.Error("Answer generation unavailable", "error", err)
		} else {
			generator = geminiClient
		}
	}

	// Document index and retrieval
	documentIndex := index.New(embeddingClient, index.Options{
		Store:       store,
		PassTimeout: cfg.EmbeddingPassTimeout,
		Metrics:     metrics,
	})

	var queryEmbedder search.QueryEmbedder = embeddingClient
	if rdb != nil && embeddingClient.Enabled() {
		queryEmbedder = services.NewQueryCache(embeddingClient, rdb, cfg.QueryCacheTTL)
	}
	searchEngine := search.NewEngine(documentIndex, queryEmbedder, cfg.SearchTopK, metrics)

	documentService := services.NewDocumentService(
		services.NewConverter(),
		services.NewChunker(cfg.ChunkMinSize, cfg.ChunkMaxSize),
		documentIndex,
		metrics,
	)
	sessions := services.NewSessionStore()
	assembler := services.NewContextAssembler(documentIndex, cfg.SearchTopK, cfg.ContextMaxChars)
	chatService := services.NewChatService(assembler, sessions, generator)

	// Async embedding runs in-process: workers share the in-memory index
	var queueClient *asynq.Client
	var queueServer *asynq.Server
	if cfg.AsyncEmbedding {
		redisOpt, err := queue.RedisConnOpt(cfg)
		if err != nil {
			log.Fatal("Invalid Redis configuration for embedding queue:", err)
		}
		queueClient = asynq.NewClient(redisOpt)

		server, mux := queue.NewServer(redisOpt, cfg.WorkerConcurrency, queue.NewTaskProcessor(documentIndex))
		if err := server.Start(mux); err != nil {
			log.Fatal("Failed to start embedding workers:", err)
		}
		queueServer = server
		logger.Info("Embedding workers started", "concurrency", cfg.WorkerConcurrency)
	}

	scheduler, err := services.NewScheduler(documentIndex, sessions, services.SchedulerOptions{
		RetrySweepInterval: cfg.RetrySweepInterval,
		SessionTTL:         cfg.SessionTTL,
		DocumentTTL:        cfg.DocumentTTL,
	})
	if err != nil {
		log.Fatal("Failed to create scheduler:", err)
	}
	scheduler.Start()

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddlewareWithOrigins(cfg.CORSOrigins))
	if cfg.TracingEnabled {
		router.Use(middleware.TracingMiddleware(cfg.ServiceName))
		router.Use(middleware.EnrichTrace())
	}
	router.Use(middleware.MetricsMiddleware(metrics))
	// multipart overhead on top of the file itself
	router.Use(middleware.RequestSizeLimit(cfg.MaxFileSize + 1<<20))
	router.Use(middleware.DecompressBody())
	if rdb != nil {
		router.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitReqs, cfg.RateLimitWindow))
	}

	deps := &routes.Dependencies{
		MaxFileSize:       cfg.MaxFileSize,
		Documents:         documentService,
		Index:             documentIndex,
		Search:            searchEngine,
		Sessions:          sessions,
		Chat:              chatService,
		EmbeddingEnabled:  embeddingClient.Enabled(),
		GenerationEnabled: generator != nil,
	}
	if queueClient != nil {
		deps.Queue = queueClient
	}
	routes.SetupRoutes(router, deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	scheduler.Stop()
	if queueServer != nil {
		queueServer.Shutdown()
	}
	if queueClient != nil {
		if err := queueClient.Close(); err != nil {
			logger.Warn("Failed to close queue client", "error", err)
		}
	}
	if geminiClient != nil {
		geminiClient.Close()
	}
	if embedder != nil {
		embedder.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.Warn("Failed to disconnect MongoDB", "error", err)
		}
	}
	shutdownTracer(ctx)

	logger.Info("Server exited")
}
