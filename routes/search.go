package routes

import (
	"net/http"

	"docqa-platform/middleware"
	"docqa-platform/models"
	"docqa-platform/utils"

	"github.com/gin-gonic/gin"
)

func handleSearch(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}

		resp, err := deps.Search.Search(c.Request.Context(), req.DocumentID, req.Query, req.TopK)
		if err != nil {
			utils.RespondWithDomainError(c, err)
			return
		}

		if session := middleware.GetSessionID(c, req.SessionID); session != "" {
			deps.Sessions.RecordSearch(session, req.DocumentID, resp.Results)
		}

		c.JSON(http.StatusOK, models.SearchResponse{
			DocumentID:      req.DocumentID,
			Query:           req.Query,
			Results:         resp.Results,
			FailedChunks:    resp.FailedChunks,
			PartialCoverage: resp.PartialCoverage(),
		})
	}
}

// handleSelect stores the user's pick from the session's last results
func handleSelect(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SelectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}

		sessionID := c.Param("id")
		selection, err := deps.Sessions.Select(sessionID, req.Positions)
		if err != nil {
			utils.RespondWithDomainError(c, err)
			return
		}

		results := selection.Results
		if results == nil {
			results = []models.SearchResult{}
		}
		c.JSON(http.StatusOK, models.SelectionResponse{
			SessionID:  sessionID,
			DocumentID: selection.DocumentID,
			Selection:  results,
		})
	}
}

func handleClearSelection(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		deps.Sessions.ClearSelection(c.Param("id"))
		c.Status(http.StatusNoContent)
	}
}
