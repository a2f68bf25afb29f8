package routes

import (
	"context"
	"net/http"
	"time"

	"docqa-platform/internal/search"
	"docqa-platform/models"
	"docqa-platform/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

// DocumentIndex is what the handlers need from the document index
type DocumentIndex interface {
	EnsureEmbedded(ctx context.Context, id string) (*models.EmbeddingOutcome, error)
	Get(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context) []models.DocumentSummary
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
}

// Searcher ranks a document's chunks
type Searcher interface {
	Search(ctx context.Context, documentID, query string, topK int) (*search.Response, error)
}

// TaskEnqueuer is satisfied by *asynq.Client
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dependencies are the services behind the HTTP API
type Dependencies struct {
	MaxFileSize       int64
	Documents         *services.DocumentService
	Index             DocumentIndex
	Search            Searcher
	Sessions          *services.SessionStore
	Chat              *services.ChatService
	Queue             TaskEnqueuer // nil when async embedding is off
	EmbeddingEnabled  bool
	GenerationEnabled bool
}

// SetupRoutes registers the API on router
func SetupRoutes(router *gin.Engine, deps *Dependencies) {
	router.GET("/health", handleHealth(deps))

	api := router.Group("/api")
	{
		api.POST("/upload", handleUpload(deps))
		api.POST("/embed", handleEmbed(deps))
		api.POST("/search", handleSearch(deps))
		api.POST("/chat", handleChat(deps))

		api.GET("/documents", handleListDocuments(deps))
		api.GET("/documents/:id", handleGetDocument(deps))
		api.DELETE("/documents/:id", handleDeleteDocument(deps))
		api.DELETE("/documents", handleClearDocuments(deps))

		api.PUT("/sessions/:id/selection", handleSelect(deps))
		api.DELETE("/sessions/:id/selection", handleClearSelection(deps))
	}
}

func handleHealth(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":             "healthy",
			"timestamp":          time.Now().UTC(),
			"embedding_enabled":  deps.EmbeddingEnabled,
			"generation_enabled": deps.GenerationEnabled,
		})
	}
}
