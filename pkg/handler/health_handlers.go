package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service"
)

// HealthReporter is satisfied by *service.ScreenshotService.
type HealthReporter interface {
	Health() service.HealthReport
}

type HealthHandler struct {
	svc HealthReporter
}

func NewHealthHandler(svc HealthReporter) *HealthHandler {
	return &HealthHandler{svc: svc}
}

func (h *HealthHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.Health)
}

// Health answers 503 while the browser is unhealthy so probes can act on it.
func (h *HealthHandler) Health(c *gin.Context) {
	report := h.svc.Health()
	if !report.Healthy {
		c.JSON(http.StatusServiceUnavailable, models.Response{Code: 503, Message: report.Reason, Data: report})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: report})
}
