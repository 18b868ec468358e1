package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service"
	"github.com/inkdash/inkdash/pkg/utils"
)

// ScheduleRunner runs schedules on demand and reports cron timing.
type ScheduleRunner interface {
	RunNow(ctx context.Context, id string) (*service.ExecutionResult, error)
	NextRun(id string) (time.Time, bool)
}

// ScheduleView is a schedule plus when it fires next.
type ScheduleView struct {
	models.Schedule
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// ScheduleHandler provides HTTP handlers for schedule operations
type ScheduleHandler struct {
	store  *service.ScheduleStore
	runner ScheduleRunner
	logger *slog.Logger
}

func NewScheduleHandler(store *service.ScheduleStore, runner ScheduleRunner, logger *slog.Logger) *ScheduleHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ScheduleHandler{store: store, runner: runner, logger: logger}
}

func (h *ScheduleHandler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/schedules")
	{
		g.GET("", h.List)
		g.POST("", h.Create)
		g.GET("/:id", h.Get)
		g.PUT("/:id", h.Update)
		g.DELETE("/:id", h.Delete)
		g.POST("/:id/run", h.Run)
	}
}

func (h *ScheduleHandler) view(sc models.Schedule) ScheduleView {
	v := ScheduleView{Schedule: sc}
	if h.runner != nil {
		if next, ok := h.runner.NextRun(sc.ID); ok {
			v.NextRun = &next
		}
	}
	return v
}

// List handles listing all schedules
func (h *ScheduleHandler) List(c *gin.Context) {
	list := h.store.List()
	views := make([]ScheduleView, 0, len(list))
	for _, sc := range list {
		views = append(views, h.view(sc))
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: gin.H{"schedules": views, "total": len(views)}})
}

// Get handles retrieving a single schedule
func (h *ScheduleHandler) Get(c *gin.Context) {
	sc, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: h.view(*sc)})
}

// Create handles adding a new schedule
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req models.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request: " + err.Error()})
		return
	}
	sc, err := h.store.Create(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: err.Error()})
		return
	}
	h.logger.Info("Schedule created", "scheduleID", sc.ID, "name", sc.Name, "cron", sc.Cron)
	c.JSON(http.StatusCreated, models.Response{Code: 200, Message: "Created", Data: sc})
}

// Update handles modifying an existing schedule
func (h *ScheduleHandler) Update(c *gin.Context) {
	id := c.Param("id")
	var req models.UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request: " + err.Error()})
		return
	}
	sc, err := h.store.Update(id, &req)
	if errors.Is(err, service.ErrScheduleNotFound) {
		c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "Updated", Data: sc})
}

// Delete handles removing a schedule
func (h *ScheduleHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrScheduleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, models.Response{Code: status, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "Deleted"})
}

// Run executes a schedule now and returns its result.
func (h *ScheduleHandler) Run(c *gin.Context) {
	id := c.Param("id")
	res, err := h.runner.RunNow(c.Request.Context(), id)
	if errors.Is(err, service.ErrScheduleNotFound) {
		c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: err.Error()})
		return
	}
	if err != nil {
		status := StatusForError(err)
		c.JSON(status, models.Response{Code: status, Message: err.Error(), Data: res})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: res})
}
