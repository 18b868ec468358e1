// Package browser owns the headless browser: one process, one page at a
// time, navigation to a settled state, and recovery when the process dies.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service/eink"
	"github.com/inkdash/inkdash/pkg/utils"
)

// ImageProcessor converts a raw PNG into the requested output.
type ImageProcessor interface {
	Process(bitmap []byte, opts eink.Options) ([]byte, error)
}

type SessionConfig struct {
	AccessToken string
	Navigator   NavigatorConfig
}

type CaptureRequest struct {
	Viewport  models.Viewport
	Format    string
	Rotate    int
	Invert    bool
	Dithering *models.DitheringConfig
	Crop      *models.CropRegion
}

type CaptureResult struct {
	Image   []byte
	Elapsed time.Duration
}

// Session manages exactly one browser process and its active page. Navigate
// and Capture refuse to overlap; callers serialize access themselves.
type Session struct {
	launcher    Launcher
	processor   ImageProcessor
	navigator   *Navigator
	accessToken string
	logger      *slog.Logger
	emitter     *event.Emitter

	mu       sync.Mutex
	busy     bool
	id       string
	process  Process
	page     Page
	nav      PageState
	viewport models.Viewport

	pageGen atomic.Uint64
	errMu   sync.Mutex
	pageErr string
}

func NewSession(launcher Launcher, processor ImageProcessor, cfg SessionConfig, logger *slog.Logger, emitter *event.Emitter) (*Session, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	if processor == nil {
		return nil, errors.New("image processor is required")
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	nav, err := NewNavigator(cfg.Navigator, logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		launcher:    launcher,
		processor:   processor,
		navigator:   nav,
		accessToken: cfg.AccessToken,
		logger:      logger,
		emitter:     emitter,
	}, nil
}

// ID is the identifier of the running process, or "" when none is running.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Driver() string { return s.launcher.Name() }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process != nil && s.process.Connected()
}

func (s *Session) Navigator() *Navigator { return s.navigator }

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Navigate opens a fresh page and drives it to the requested destination.
// Every call starts from a full load; the Navigator's client-side path only
// applies to a page the caller keeps across navigations.
func (s *Session) Navigate(ctx context.Context, req NavigateRequest) (*NavigateResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()
	s.takePageError()

	target, dashboard, err := s.navigator.Resolve(req)
	if err != nil {
		return nil, err
	}

	s.closePage()
	page, err := s.openPage(ctx, req.Viewport)
	if err != nil {
		return nil, err
	}

	// Credentials only ever go to the dashboard origin.
	if dashboard {
		script, err := AuthInitScript(AuthSettings{
			Origin:      s.navigator.Origin(),
			AccessToken: s.accessToken,
			Lang:        req.Lang,
			Theme:       req.Theme,
			Dark:        req.Dark,
		})
		if err != nil {
			return nil, err
		}
		err = s.navigator.call(ctx, "install init script", func(ctx context.Context) error {
			return page.AddInitScript(ctx, script)
		})
		if err != nil {
			return nil, s.classify(ctx, fmt.Errorf("install init script: %w", err), target)
		}
	}

	s.mu.Lock()
	st := s.nav
	s.mu.Unlock()

	res, err := s.navigator.Navigate(ctx, page, &st, req)

	s.mu.Lock()
	s.nav = st
	s.mu.Unlock()

	if err != nil {
		return nil, s.classify(ctx, err, target)
	}
	if msg := s.takePageError(); msg != "" {
		s.logger.Debug("Page reported errors during navigation", "target", target, "message", msg)
	}
	return res, nil
}

// Capture screenshots the current page and runs it through the processor.
func (s *Session) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()
	start := time.Now()

	s.mu.Lock()
	page := s.page
	viewport := s.viewport
	s.mu.Unlock()
	if page == nil {
		return nil, ErrNoPage
	}

	// Zoom is part of navigation; only the viewport may differ here.
	if req.Viewport.Valid() && req.Viewport != viewport {
		if err := s.setViewport(ctx, page, req.Viewport); err != nil {
			return nil, err
		}
	}

	var clip *Clip
	if c := req.Crop; c != nil && c.Width > 0 && c.Height > 0 {
		clip = &Clip{X: float64(c.X), Y: float64(c.Y), Width: float64(c.Width), Height: float64(c.Height)}
	}

	var raw []byte
	err := s.navigator.call(ctx, "screenshot", func(ctx context.Context) error {
		var err error
		raw, err = page.Screenshot(ctx, clip)
		return err
	})
	if err != nil {
		return nil, s.classify(ctx, fmt.Errorf("screenshot: %w", err), "")
	}
	if msg := s.takePageError(); msg != "" {
		s.logger.Debug("Page reported errors before capture", "message", msg)
	}

	out, err := s.processor.Process(raw, eink.Options{
		Format:    req.Format,
		Rotate:    req.Rotate,
		Invert:    req.Invert,
		Dithering: req.Dithering,
	})
	if err != nil {
		return nil, fmt.Errorf("process image: %w", err)
	}
	return &CaptureResult{Image: out, Elapsed: time.Since(start)}, nil
}

// Relaunch starts a process and opens a blank page without navigating.
func (s *Session) Relaunch(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	s.closePage()
	_, err := s.openPage(ctx, models.Viewport{})
	return err
}

// Cleanup closes the page and the process. Safe to call at any time.
func (s *Session) Cleanup() {
	s.CleanupWithReason("cleanup")
}

// CleanupWithReason is Cleanup with the reason recorded on the closed event.
func (s *Session) CleanupWithReason(reason string) {
	s.mu.Lock()
	page, proc, id := s.page, s.process, s.id
	s.page, s.process, s.id = nil, nil, ""
	s.nav = PageState{}
	s.viewport = models.Viewport{}
	s.pageGen.Add(1)
	s.mu.Unlock()
	s.takePageError()

	if page != nil {
		if err := page.Close(); err != nil {
			s.logger.Warn("Failed to close page", "sessionID", id, "error", err)
		}
	}
	if proc == nil {
		return
	}
	if err := proc.Close(); err != nil {
		s.logger.Warn("Failed to close browser", "sessionID", id, "error", err)
	}
	s.logger.Info("Browser closed", "sessionID", id, "reason", reason)
	s.emitter.Emit(event.BrowserClosedEvent{SessionID: id, Reason: reason})
}

func (s *Session) closePage() {
	s.mu.Lock()
	page := s.page
	s.page = nil
	s.nav = PageState{}
	s.viewport = models.Viewport{}
	s.pageGen.Add(1)
	s.mu.Unlock()

	if page != nil {
		if err := page.Close(); err != nil {
			s.logger.Debug("Failed to close previous page", "error", err)
		}
	}
}

func (s *Session) ensureProcess(ctx context.Context) (Process, error) {
	s.mu.Lock()
	proc, id := s.process, s.id
	s.mu.Unlock()
	if proc != nil && proc.Connected() {
		return proc, nil
	}
	if proc != nil {
		s.logger.Warn("Browser disconnected, relaunching", "sessionID", id)
		s.CleanupWithReason("disconnected")
	}

	start := time.Now()
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, BrowserCrash("launch failed", err)
	}
	id = uuid.NewString()

	s.mu.Lock()
	s.process, s.id = proc, id
	s.mu.Unlock()

	s.logger.Info("Browser launched", "sessionID", id, "driver", s.launcher.Name(), "elapsed", time.Since(start))
	s.emitter.Emit(event.BrowserLaunchedEvent{SessionID: id, Driver: s.launcher.Name()})
	return proc, nil
}

func (s *Session) openPage(ctx context.Context, viewport models.Viewport) (Page, error) {
	proc, err := s.ensureProcess(ctx)
	if err != nil {
		return nil, err
	}

	gen := s.pageGen.Add(1)
	var page Page
	err = s.navigator.call(ctx, "open page", func(ctx context.Context) error {
		var err error
		page, err = proc.NewPage(ctx, s.observer(gen))
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsKind(err, KindBrowserCrash) {
			return nil, err
		}
		return nil, BrowserCrash("open page", err)
	}

	s.mu.Lock()
	s.page = page
	s.nav = PageState{}
	s.mu.Unlock()

	if viewport.Valid() {
		if err := s.setViewport(ctx, page, viewport); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (s *Session) setViewport(ctx context.Context, page Page, viewport models.Viewport) error {
	err := s.navigator.call(ctx, "set viewport", func(ctx context.Context) error {
		return page.SetViewport(ctx, viewport.Width, viewport.Height)
	})
	if err != nil {
		return s.classify(ctx, fmt.Errorf("set viewport: %w", err), "")
	}
	s.mu.Lock()
	s.viewport = viewport
	s.mu.Unlock()
	return nil
}

// classify maps err onto the error taxonomy, using any observed page error
// to explain otherwise unexplained failures.
func (s *Session) classify(ctx context.Context, err error, url string) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	msg := s.takePageError()
	classified := Classify(err, url)
	if _, ok := KindOf(classified); ok {
		return classified
	}
	if msg != "" {
		return PageCorrupted(msg, err)
	}
	return classified
}

func (s *Session) observer(gen uint64) PageObserver {
	return func(ev PageEvent) {
		if s.pageGen.Load() != gen {
			return
		}
		switch ev.Kind {
		case PageEventConsoleError:
			s.logger.Debug("Page console error", "message", ev.Message)
			return
		case PageEventException:
			if benignPageError(ev.Message) {
				s.logger.Debug("Ignoring benign page error", "message", ev.Message)
				return
			}
		}

		msg := ev.Kind.String() + ": " + ev.Message
		s.errMu.Lock()
		if s.pageErr == "" {
			s.pageErr = msg
		}
		s.errMu.Unlock()

		id := s.ID()
		s.logger.Warn("Page error", "sessionID", id, "kind", ev.Kind.String(), "message", ev.Message)
		s.emitter.Emit(event.BrowserPageErrorEvent{SessionID: id, Message: msg})
	}
}

// takePageError returns the first recorded page error and clears it.
func (s *Session) takePageError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	msg := s.pageErr
	s.pageErr = ""
	return msg
}

func benignPageError(msg string) bool {
	if strings.Contains(msg, "ResizeObserver loop") {
		return true
	}
	return strings.Contains(msg, "localStorage") &&
		(strings.Contains(msg, "SecurityError") || strings.Contains(msg, "Access is denied"))
}
