package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service"
	"github.com/inkdash/inkdash/pkg/service/browser"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func parse(t *testing.T, target string) (models.ScreenshotParams, error) {
	t.Helper()
	var (
		params models.ScreenshotParams
		err    error
	)
	r := gin.New()
	r.GET("/api/screenshot/*path", func(c *gin.Context) {
		params, err = ParseScreenshotParams(c)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	return params, err
}

func TestParseScreenshotParams_Full(t *testing.T) {
	p, err := parse(t, "/api/screenshot/lovelace/kitchen?viewport=800x480&zoom=1.5&format=jpg&rotate=90&invert"+
		"&eink=4&dithering=threshold&lang=fr&theme=ink&dark=false&wait=250&next=60"+
		"&crop_x=10&crop_y=20&crop_width=300&crop_height=200")
	require.NoError(t, err)

	assert.Equal(t, "/lovelace/kitchen", p.PagePath)
	assert.Equal(t, models.Viewport{Width: 800, Height: 480}, p.Viewport)
	assert.Equal(t, 1.5, p.Zoom)
	assert.Equal(t, models.FormatJPEG, p.Format)
	assert.Equal(t, 90, p.Rotate)
	assert.True(t, p.Invert)
	assert.Equal(t, &models.DitheringConfig{Method: models.DitherThreshold, Levels: 4}, p.Dithering)
	assert.Equal(t, "fr", p.Lang)
	assert.Equal(t, "ink", p.Theme)
	require.NotNil(t, p.Dark)
	assert.False(t, *p.Dark)
	require.NotNil(t, p.WaitMs)
	assert.Equal(t, 250, *p.WaitMs)
	assert.Equal(t, 60, p.NextSeconds)
	assert.Equal(t, &models.CropRegion{X: 10, Y: 20, Width: 300, Height: 200}, p.Crop)
}

func TestParseScreenshotParams_Defaults(t *testing.T) {
	p, err := parse(t, "/api/screenshot/?viewport=600x800")
	require.NoError(t, err)
	assert.Equal(t, "/", p.PagePath)
	assert.Equal(t, models.FormatPNG, p.Format)
	assert.Nil(t, p.Dithering)
	assert.Nil(t, p.Crop)
	assert.Nil(t, p.Dark)
	assert.Nil(t, p.WaitMs)
	assert.False(t, p.Invert)
}

func TestParseScreenshotParams_EinkDefaultsToFloydSteinberg(t *testing.T) {
	p, err := parse(t, "/api/screenshot/x?viewport=10x10&eink=16")
	require.NoError(t, err)
	assert.Equal(t, &models.DitheringConfig{Method: models.DitherFloydSteinberg, Levels: 16}, p.Dithering)
}

func TestParseScreenshotParams_TargetURL(t *testing.T) {
	p, err := parse(t, "/api/screenshot/?viewport=10x10&url=https://example.com/weather")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/weather", p.TargetURL)

	_, err = parse(t, "/api/screenshot/?viewport=10x10&url=file:///etc/passwd")
	assert.Error(t, err)
}

func TestParseScreenshotParams_Invalid(t *testing.T) {
	cases := []string{
		"viewport=",
		"viewport=800",
		"viewport=0x480",
		"viewport=800x480&zoom=-1",
		"viewport=800x480&format=webp",
		"viewport=800x480&rotate=45",
		"viewport=800x480&invert=maybe",
		"viewport=800x480&eink=3",
		"viewport=800x480&dithering=atkinson",
		"viewport=800x480&wait=-5",
		"viewport=800x480&next=soon",
		"viewport=800x480&crop_x=-1",
		"viewport=800x480&dark=perhaps",
	}
	for _, q := range cases {
		t.Run(q, func(t *testing.T) {
			_, err := parse(t, "/api/screenshot/?"+q)
			require.Error(t, err)
			var pe *ParamError
			assert.True(t, errors.As(err, &pe))
			assert.Equal(t, http.StatusBadRequest, StatusForError(err))
		})
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{browser.CannotOpenPage(404, "http://ha/x", nil), http.StatusNotFound},
		{browser.BrowserCrash("gone", nil), http.StatusServiceUnavailable},
		{browser.PageCorrupted("js", nil), http.StatusServiceUnavailable},
		{browser.HealthCheckFailed("down", nil), http.StatusServiceUnavailable},
		{browser.RecoveryFailed(2, errors.New("x")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", browser.CannotOpenPage(0, "u", nil)), http.StatusNotFound},
		{service.ErrServiceClosed, http.StatusServiceUnavailable},
		{errors.New("process image: bad png"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusForError(tc.err), tc.err.Error())
	}
}

type fakeShooter struct {
	err  error
	last models.ScreenshotParams
}

func (f *fakeShooter) TakeScreenshot(ctx context.Context, p models.ScreenshotParams) (*service.ScreenshotResult, error) {
	f.last = p
	if f.err != nil {
		return nil, f.err
	}
	return &service.ScreenshotResult{
		Image:       []byte("BM-bytes"),
		ContentType: "image/bmp",
		Format:      models.FormatBMP,
		Navigate:    120 * time.Millisecond,
		Capture:     30 * time.Millisecond,
	}, nil
}

func screenshotRouter(svc service.Screenshotter) *gin.Engine {
	r := gin.New()
	NewScreenshotHandler(svc, nil).RegisterRoutes(r.Group("/api"))
	return r
}

func TestScreenshotHandler_ServesImage(t *testing.T) {
	shots := &fakeShooter{}
	w := httptest.NewRecorder()
	screenshotRouter(shots).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/screenshot/lovelace/0?viewport=800x480&format=bmp", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/bmp", w.Header().Get("Content-Type"))
	assert.Equal(t, "BM-bytes", w.Body.String())
	assert.Equal(t, "120", w.Header().Get("X-Navigate-Ms"))
	assert.Equal(t, "/lovelace/0", shots.last.PagePath)
}

func TestScreenshotHandler_ErrorStatuses(t *testing.T) {
	cases := map[string]struct {
		target string
		err    error
		want   int
	}{
		"bad params":   {"/api/screenshot/x", nil, http.StatusBadRequest},
		"missing page": {"/api/screenshot/x?viewport=1x1", browser.CannotOpenPage(404, "http://ha/x", nil), http.StatusNotFound},
		"crash":        {"/api/screenshot/x?viewport=1x1", browser.RecoveryFailed(2, errors.New("no chrome")), http.StatusServiceUnavailable},
		"other":        {"/api/screenshot/x?viewport=1x1", errors.New("disk full"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			screenshotRouter(&fakeShooter{err: tc.err}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.target, nil))
			assert.Equal(t, tc.want, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
		})
	}
}
