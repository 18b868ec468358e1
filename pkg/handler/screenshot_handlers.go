package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service"
	"github.com/inkdash/inkdash/pkg/service/browser"
	"github.com/inkdash/inkdash/pkg/utils"
)

var viewportPattern = regexp.MustCompile(`^(\d+)x(\d+)$`)

// ParamError is a malformed screenshot query parameter.
type ParamError struct {
	Param   string
	Message string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Message)
}

func paramErr(param, format string, args ...any) error {
	return &ParamError{Param: param, Message: fmt.Sprintf(format, args...)}
}

// ParseScreenshotParams reads a capture request from the route path and
// query string.
func ParseScreenshotParams(c *gin.Context) (models.ScreenshotParams, error) {
	var p models.ScreenshotParams
	q := c.Request.URL.Query()

	p.PagePath = c.Param("path")
	if p.PagePath == "" {
		p.PagePath = "/"
	}
	if raw := q.Get("url"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return p, paramErr("url", "must be an absolute http(s) URL")
		}
		p.TargetURL = raw
	}

	m := viewportPattern.FindStringSubmatch(q.Get("viewport"))
	if m == nil {
		return p, paramErr("viewport", "expected WIDTHxHEIGHT, got %q", q.Get("viewport"))
	}
	p.Viewport.Width, _ = strconv.Atoi(m[1])
	p.Viewport.Height, _ = strconv.Atoi(m[2])
	if !p.Viewport.Valid() {
		return p, paramErr("viewport", "width and height must be positive")
	}

	if raw := q.Get("zoom"); raw != "" {
		z, err := strconv.ParseFloat(raw, 64)
		if err != nil || z <= 0 {
			return p, paramErr("zoom", "must be a positive number")
		}
		p.Zoom = z
	}

	p.Format = models.NormalizeFormat(q.Get("format"))
	switch p.Format {
	case models.FormatPNG, models.FormatJPEG, models.FormatBMP:
	default:
		return p, paramErr("format", "unsupported format %q", q.Get("format"))
	}

	if raw := q.Get("rotate"); raw != "" {
		r, err := strconv.Atoi(raw)
		if err != nil || (r != 0 && r != 90 && r != 180 && r != 270) {
			return p, paramErr("rotate", "must be 0, 90, 180 or 270")
		}
		p.Rotate = r
	}

	var err error
	if p.Invert, err = flag(q, "invert"); err != nil {
		return p, err
	}

	if err := parseDithering(q, &p); err != nil {
		return p, err
	}

	p.Lang = q.Get("lang")
	p.Theme = q.Get("theme")
	if q.Has("dark") {
		dark, err := flag(q, "dark")
		if err != nil {
			return p, err
		}
		p.Dark = &dark
	}

	if raw := q.Get("wait"); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil || w < 0 {
			return p, paramErr("wait", "must be a non-negative number of milliseconds")
		}
		p.WaitMs = &w
	}
	if raw := q.Get("next"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, paramErr("next", "must be a non-negative number of seconds")
		}
		p.NextSeconds = n
	}

	return p, parseCrop(q, &p)
}

// flag reads a boolean parameter. A bare "?invert" counts as true.
func flag(q url.Values, name string) (bool, error) {
	if !q.Has(name) {
		return false, nil
	}
	raw := q.Get(name)
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, paramErr(name, "must be a boolean")
	}
	return v, nil
}

func parseDithering(q url.Values, p *models.ScreenshotParams) error {
	rawLevels, rawMethod := q.Get("eink"), q.Get("dithering")
	if rawLevels == "" && rawMethod == "" {
		return nil
	}
	cfg := &models.DitheringConfig{Method: models.DitherFloydSteinberg, Levels: 2}
	if rawLevels != "" {
		n, err := strconv.Atoi(rawLevels)
		if err != nil || (n != 2 && n != 4 && n != 16) {
			return paramErr("eink", "must be 2, 4 or 16")
		}
		cfg.Levels = n
	}
	if rawMethod != "" {
		switch m := strings.ToLower(rawMethod); m {
		case models.DitherFloydSteinberg, models.DitherThreshold, models.DitherNone:
			cfg.Method = m
		default:
			return paramErr("dithering", "unknown method %q", rawMethod)
		}
	}
	p.Dithering = cfg
	return nil
}

func parseCrop(q url.Values, p *models.ScreenshotParams) error {
	names := [4]string{"crop_x", "crop_y", "crop_width", "crop_height"}
	var vals [4]int
	set := false
	for i, name := range names {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return paramErr(name, "must be a non-negative integer")
		}
		vals[i] = v
		set = true
	}
	if set {
		p.Crop = &models.CropRegion{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}
	}
	return nil
}

// StatusForError maps capture failures onto HTTP statuses.
func StatusForError(err error) int {
	var pe *ParamError
	if errors.As(err, &pe) {
		return http.StatusBadRequest
	}
	if kind, ok := browser.KindOf(err); ok {
		switch kind {
		case browser.KindCannotOpenPage:
			return http.StatusNotFound
		case browser.KindBrowserCrash, browser.KindPageCorrupted, browser.KindHealthCheck, browser.KindRecoveryFailed:
			return http.StatusServiceUnavailable
		}
	}
	switch {
	case errors.Is(err, service.ErrServiceClosed), errors.Is(err, browser.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ScreenshotHandler serves captures over HTTP.
type ScreenshotHandler struct {
	svc    service.Screenshotter
	logger *slog.Logger
}

func NewScreenshotHandler(svc service.Screenshotter, logger *slog.Logger) *ScreenshotHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ScreenshotHandler{svc: svc, logger: logger}
}

func (h *ScreenshotHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/screenshot/*path", h.Screenshot)
}

// Screenshot returns the processed image bytes.
func (h *ScreenshotHandler) Screenshot(c *gin.Context) {
	params, err := ParseScreenshotParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: err.Error()})
		return
	}

	res, err := h.svc.TakeScreenshot(c.Request.Context(), params)
	if err != nil {
		status := StatusForError(err)
		h.logger.Warn("Screenshot request failed", "path", params.PagePath, "status", status, "error", err)
		c.JSON(status, models.Response{Code: status, Message: err.Error()})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("X-Navigate-Ms", strconv.FormatInt(res.Navigate.Milliseconds(), 10))
	c.Header("X-Capture-Ms", strconv.FormatInt(res.Capture.Milliseconds(), 10))
	c.Data(http.StatusOK, res.ContentType, res.Image)
}
