package handler

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdash/inkdash/pkg/db"
	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service"
)

func TestBrowserHandler_ListSessions(t *testing.T) {
	gdb, err := db.Open(filepath.Join(t.TempDir(), "inkdash.db"))
	require.NoError(t, err)
	hist, err := service.NewBrowserHistoryService(gdb, nil)
	require.NoError(t, err)
	em := event.NewEmitter()
	hist.Attach(em)
	em.Emit(event.BrowserLaunchedEvent{SessionID: "s1", Driver: "chromedp"})
	em.Emit(event.BrowserClosedEvent{SessionID: "s1", Reason: "idle"})

	r := gin.New()
	NewBrowserHandler(hist).RegisterRoutes(r.Group("/api"))

	w := do(r, http.MethodGet, "/api/browser/sessions?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out models.BrowserSessionListResponse
	decode(t, w, &out)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "s1", out.Sessions[0].ID)
	assert.Equal(t, models.BrowserSessionStatusClosed, out.Sessions[0].Status)

	w = do(r, http.MethodGet, "/api/browser/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
