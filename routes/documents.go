package routes

import (
	"errors"
	"io"
	"net/http"

	"docqa-platform/internal/logger"
	"docqa-platform/internal/queue"
	"docqa-platform/middleware"
	"docqa-platform/models"
	"docqa-platform/utils"

	"github.com/gin-gonic/gin"
)

// handleUpload converts, chunks and ingests a multipart "file"
func handleUpload(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			utils.RespondWithBadRequest(c, "No file provided", gin.H{"error": err.Error()})
			return
		}
		defer file.Close()

		if header.Size > deps.MaxFileSize {
			utils.RespondWithError(c, http.StatusRequestEntityTooLarge,
				"file_too_large",
				"File size exceeds maximum limit",
				gin.H{"max_size": deps.MaxFileSize})
			return
		}

		content, err := io.ReadAll(io.LimitReader(file, deps.MaxFileSize+1))
		if err != nil {
			utils.RespondWithBadRequest(c, "Cannot read uploaded file", gin.H{"error": err.Error()})
			return
		}
		if int64(len(content)) > deps.MaxFileSize {
			utils.RespondWithError(c, http.StatusRequestEntityTooLarge,
				"file_too_large",
				"File size exceeds maximum limit",
				gin.H{"max_size": deps.MaxFileSize})
			return
		}

		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()

		resp, err := deps.Documents.Upload(ctx, header.Filename, header.Header.Get("Content-Type"), content)
		if err != nil {
			logger.Warn("Upload failed", "request_id", middleware.GetRequestID(c), "filename", header.Filename, "error", err)
			utils.RespondWithDomainError(c, err)
			return
		}

		if session := middleware.GetSessionID(c, c.PostForm("session_id")); session != "" {
			deps.Sessions.SetActiveDocument(session, resp.DocumentID)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleEmbed runs an embedding pass, or queues one when async is requested and available
func handleEmbed(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.EmbedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}

		if req.Async && deps.Queue != nil {
			if _, err := deps.Index.Get(c.Request.Context(), req.DocumentID); err != nil {
				utils.RespondWithDomainError(c, err)
				return
			}
			task, err := queue.NewEmbedDocumentTask(req.DocumentID)
			if err != nil {
				utils.RespondWithInternalError(c, "Failed to create embedding task", gin.H{"error": err.Error()})
				return
			}
			info, err := deps.Queue.Enqueue(task)
			if err != nil {
				utils.RespondWithError(c, http.StatusServiceUnavailable,
					"queue_error",
					"Failed to enqueue embedding task",
					gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, models.EmbedAcceptedResponse{
				DocumentID: req.DocumentID,
				TaskID:     info.ID,
				Queue:      info.Queue,
			})
			return
		}

		outcome, err := deps.Index.EnsureEmbedded(c.Request.Context(), req.DocumentID)
		if err != nil {
			utils.RespondWithDomainError(c, err)
			return
		}

		switch outcome.Kind {
		case models.OutcomeUnavailable:
			utils.RespondWithError(c, http.StatusServiceUnavailable,
				"embedding_unavailable",
				"Embedding service is unavailable",
				outcome)
		default:
			c.JSON(http.StatusOK, outcome)
		}
	}
}

func handleListDocuments(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"documents": deps.Index.List(c.Request.Context())})
	}
}

func handleGetDocument(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := deps.Index.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			utils.RespondWithDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"summary": doc.Summary(),
			"chunks":  doc.Chunks,
		})
	}
}

func handleDeleteDocument(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := deps.Index.Remove(c.Request.Context(), id); err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				logger.Error("Document removal failed", "document_id", id, "error", err)
			}
			utils.RespondWithDomainError(c, err)
			return
		}
		deps.Sessions.ForgetDocument(id)
		c.Status(http.StatusNoContent)
	}
}

// handleClearDocuments empties the index and every session
func handleClearDocuments(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		cleared, err := deps.Index.Clear(c.Request.Context())
		deps.Sessions.Reset()
		if err != nil {
			logger.Error("Clearing documents failed", "error", err)
			utils.RespondWithDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": cleared})
	}
}
