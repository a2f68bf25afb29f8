package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string
	GinMode     string
	CORSOrigins []string
	MaxFileSize int64

	// Gemini (embeddings + answer generation). An empty key disables both.
	GeminiAPIKey          string
	EmbeddingModel        string
	ChatModel             string
	GenerationTemperature float64
	GenerationMaxTokens   int
	GenerationRPM         int

	// Embedding client
	EmbeddingBatchSize      int
	EmbeddingMaxAttempts    int
	EmbeddingInitialBackoff time.Duration
	EmbeddingMaxBackoff     time.Duration
	EmbeddingRPM            int
	EmbeddingDimensions     int
	EmbeddingPassTimeout    time.Duration

	// Chunking
	ChunkMinSize int
	ChunkMaxSize int

	// Retrieval
	SearchTopK      int
	ContextMaxChars int

	// Redis (rate limiting, query cache, async embedding queue)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	QueryCacheTTL   time.Duration
	RateLimitReqs   int
	RateLimitWindow int

	// Async embedding
	AsyncEmbedding    bool
	WorkerConcurrency int

	// MongoDB document store (optional persistence)
	MongoURI string
	DBName   string

	// Scheduled maintenance
	RetrySweepInterval time.Duration
	SessionTTL         time.Duration
	DocumentTTL        time.Duration

	// Telemetry
	TracingEnabled   bool
	OTLPEndpoint     string
	TraceSampleRatio float64
	ServiceName      string
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		MaxFileSize: getEnvInt64("MAX_FILE_SIZE", 20*1024*1024),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		EmbeddingModel:        getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		ChatModel:             getEnv("CHAT_MODEL", "gemini-2.0-flash"),
		GenerationTemperature: getEnvFloat64("GENERATION_TEMPERATURE", 0.3),
		GenerationMaxTokens:   getEnvInt("GENERATION_MAX_TOKENS", 2048),
		GenerationRPM:         getEnvInt("GENERATION_RPM", 60),

		EmbeddingBatchSize:      getEnvInt("EMBEDDING_BATCH_SIZE", 32),
		EmbeddingMaxAttempts:    getEnvInt("EMBEDDING_MAX_ATTEMPTS", 3),
		EmbeddingInitialBackoff: getEnvDuration("EMBEDDING_INITIAL_BACKOFF", 500*time.Millisecond),
		EmbeddingMaxBackoff:     getEnvDuration("EMBEDDING_MAX_BACKOFF", 10*time.Second),
		EmbeddingRPM:            getEnvInt("EMBEDDING_RPM", 1500),
		EmbeddingDimensions:     getEnvInt("EMBEDDING_DIMENSIONS", 768),
		EmbeddingPassTimeout:    getEnvDuration("EMBEDDING_PASS_TIMEOUT", 5*time.Minute),

		ChunkMinSize: getEnvInt("CHUNK_MIN_SIZE", 40),
		ChunkMaxSize: getEnvInt("CHUNK_MAX_SIZE", 1000),

		SearchTopK:      getEnvInt("SEARCH_TOP_K", 5),
		ContextMaxChars: getEnvInt("CONTEXT_MAX_CHARS", 12000),

		RedisURL:        getEnv("REDIS_URL", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		QueryCacheTTL:   getEnvDuration("QUERY_CACHE_TTL", time.Hour),
		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		AsyncEmbedding:    getEnvBool("ASYNC_EMBEDDING", false),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),

		MongoURI: getEnv("MONGO_URI", ""),
		DBName:   getEnv("DB_NAME", "docqa"),

		RetrySweepInterval: getEnvDuration("RETRY_SWEEP_INTERVAL", 5*time.Minute),
		SessionTTL:         getEnvDuration("SESSION_TTL", 2*time.Hour),
		DocumentTTL:        getEnvDuration("DOCUMENT_TTL", 0),

		TracingEnabled:   getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRatio: getEnvFloat64("TRACE_SAMPLE_RATIO", 0.1),
		ServiceName:      getEnv("SERVICE_NAME", "docqa-platform"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. Missing Gemini credentials are not an error:
// embedding and generation report themselves unavailable instead.
func (c *Config) Validate() error {
	if c.ChunkMaxSize <= 0 {
		return fmt.Errorf("CHUNK_MAX_SIZE must be positive - set it in .env file")
	}
	if c.ChunkMinSize < 0 || c.ChunkMinSize >= c.ChunkMaxSize {
		return fmt.Errorf("CHUNK_MIN_SIZE must be between 0 and CHUNK_MAX_SIZE (%d) - set it in .env file", c.ChunkMaxSize)
	}
	if c.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive - set it in .env file")
	}
	if c.EmbeddingMaxAttempts <= 0 {
		return fmt.Errorf("EMBEDDING_MAX_ATTEMPTS must be at least 1 - set it in .env file")
	}
	if c.EmbeddingDimensions < 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS cannot be negative - set it in .env file")
	}
	if c.SearchTopK <= 0 {
		return fmt.Errorf("SEARCH_TOP_K must be positive - set it in .env file")
	}
	if c.ContextMaxChars <= 0 {
		return fmt.Errorf("CONTEXT_MAX_CHARS must be positive - set it in .env file")
	}
	if c.AsyncEmbedding && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when ASYNC_EMBEDDING is enabled - set it in .env file")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0,1] - set it in .env file")
	}
	return nil
}

// EmbeddingEnabled reports whether provider credentials are configured
func (c *Config) EmbeddingEnabled() bool {
	return c.GeminiAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
