package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service"
	"github.com/inkdash/inkdash/pkg/utils"
)

// BrowserHandler exposes the browser process history.
type BrowserHandler struct {
	history *service.BrowserHistoryService
	logger  *slog.Logger
}

// NewBrowserHandler creates a new browser handler
func NewBrowserHandler(history *service.BrowserHistoryService) *BrowserHandler {
	return &BrowserHandler{history: history, logger: utils.GetLogger()}
}

// RegisterRoutes registers browser routes
func (h *BrowserHandler) RegisterRoutes(r *gin.RouterGroup) {
	browser := r.Group("/browser")
	{
		browser.GET("/sessions", h.ListSessions)
	}
}

// ListSessions returns launched browser processes, newest first.
func (h *BrowserHandler) ListSessions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := h.history.List(limit)
	if err != nil {
		h.logger.Error("Failed to list browser sessions", "error", err)
		c.JSON(http.StatusInternalServerError, models.Response{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: models.BrowserSessionListResponse{Sessions: records, Total: len(records)}})
}
