package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service/browser"
	"github.com/inkdash/inkdash/pkg/utils"
)

const (
	DefaultPreloadMargin = 15 * time.Second
	preloadTimeout       = 2 * time.Minute
)

// ErrServiceClosed is returned to callers arriving after Close.
var ErrServiceClosed = errors.New("screenshot service is closed")

// BrowserSession is the browser.Session surface the serializer drives.
type BrowserSession interface {
	Navigate(ctx context.Context, req browser.NavigateRequest) (*browser.NavigateResult, error)
	Capture(ctx context.Context, req browser.CaptureRequest) (*browser.CaptureResult, error)
	CleanupWithReason(reason string)
	ID() string
}

// HealthTracker is the browser.HealthCoordinator surface the serializer drives.
type HealthTracker interface {
	RecordSuccess()
	RecordFailure(err error) bool
	Recover(ctx context.Context) error
	CheckHealth() browser.HealthStatus
	Stats() browser.RecoveryStats
}

type ScreenshotConfig struct {
	IdleTimeout              time.Duration
	KeepBrowserOpen          bool
	MaxCapturesBeforeRestart int
	MaxPendingPreloads       int
	PreloadMargin            time.Duration
}

type ScreenshotResult struct {
	Image       []byte
	ContentType string
	Format      string
	Navigate    time.Duration
	Capture     time.Duration
	Total       time.Duration
}

// HealthReport is what the liveness endpoint shows.
type HealthReport struct {
	Healthy             bool                `json:"healthy"`
	State               browser.HealthState `json:"state"`
	Reason              string              `json:"reason,omitempty"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastFailureAt       *time.Time          `json:"lastFailureAt,omitempty"`
	TotalRecoveries     int                 `json:"totalRecoveries"`
	LastRecoveryAt      *time.Time          `json:"lastRecoveryAt,omitempty"`
	Recovering          bool                `json:"recovering"`
	Busy                bool                `json:"busy"`
	QueueDepth          int                 `json:"queueDepth"`
	PendingPreloads     int                 `json:"pendingPreloads"`
}

type preload struct {
	params models.ScreenshotParams
	timer  *time.Timer
}

// ScreenshotService lets HTTP handlers, preload timers and the scheduler
// share one browser session. Callers are served strictly in arrival order.
type ScreenshotService struct {
	session BrowserSession
	health  HealthTracker
	cfg     ScreenshotConfig
	logger  *slog.Logger
	emitter *event.Emitter

	mu        sync.Mutex
	busy      bool
	waiters   []chan struct{}
	idleTimer *time.Timer
	idleGen   uint64
	captures  int
	preloads  []*preload
	closed    bool
	done      chan struct{}
}

func NewScreenshotService(session BrowserSession, health HealthTracker, cfg ScreenshotConfig, logger *slog.Logger, emitter *event.Emitter) *ScreenshotService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if cfg.PreloadMargin < 0 {
		cfg.PreloadMargin = 0
	}
	return &ScreenshotService{
		session: session,
		health:  health,
		cfg:     cfg,
		logger:  logger,
		emitter: emitter,
		done:    make(chan struct{}),
	}
}

// TakeScreenshot navigates and captures. It is the single entry point for
// both the HTTP API and the scheduler.
func (s *ScreenshotService) TakeScreenshot(ctx context.Context, params models.ScreenshotParams) (*ScreenshotResult, error) {
	start := time.Now()
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	// Once the session is ours the operation runs to completion.
	ctx = context.WithoutCancel(ctx)

	res, err := s.run(ctx, params)
	if err != nil {
		s.fail(params, err)
		return nil, err
	}
	res.Total = time.Since(start)

	s.health.RecordSuccess()
	recordCapture("success")
	s.emitter.Emit(event.ScreenshotCompletedEvent{
		SessionID:  s.session.ID(),
		Target:     describeTarget(params),
		Bytes:      len(res.Image),
		DurationMs: res.Total.Milliseconds(),
	})
	s.countCapture()
	s.schedulePreload(params, res.Total)
	return res, nil
}

func (s *ScreenshotService) run(ctx context.Context, params models.ScreenshotParams) (*ScreenshotResult, error) {
	if err := s.preflight(ctx); err != nil {
		return nil, err
	}

	navReq := navigateRequest(params)
	navStart := time.Now()
	err := s.withRecovery(ctx, "navigate", func(bool) error {
		_, err := s.session.Navigate(ctx, navReq)
		return err
	})
	if err != nil {
		return nil, err
	}
	navDur := time.Since(navStart)
	observeStep("navigate", navDur.Seconds())

	capStart := time.Now()
	var shot *browser.CaptureResult
	err = s.withRecovery(ctx, "capture", func(retry bool) error {
		// Recovery discarded the page, so it has to be loaded again.
		if retry {
			if _, err := s.session.Navigate(ctx, navReq); err != nil {
				return err
			}
		}
		r, err := s.session.Capture(ctx, captureRequest(params))
		if err != nil {
			return err
		}
		shot = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	capDur := time.Since(capStart)
	observeStep("capture", capDur.Seconds())

	format := models.NormalizeFormat(params.Format)
	return &ScreenshotResult{
		Image:       shot.Image,
		ContentType: models.ContentType(format),
		Format:      format,
		Navigate:    navDur,
		Capture:     capDur,
	}, nil
}

func (s *ScreenshotService) preflight(ctx context.Context) error {
	st := s.health.CheckHealth()
	if st.Healthy {
		return nil
	}
	s.logger.Warn("Browser unhealthy before capture, recovering", "reason", st.Reason, "failures", st.ConsecutiveFailures)
	if err := s.recover(ctx); err != nil {
		return browser.HealthCheckFailed(st.Reason, err)
	}
	return nil
}

// withRecovery runs step and, for browser failures that warrant it,
// recovers the session and runs step once more.
func (s *ScreenshotService) withRecovery(ctx context.Context, op string, step func(retry bool) error) error {
	err := step(false)
	if err == nil {
		return nil
	}
	kind, ok := browser.KindOf(err)
	if !ok {
		return err
	}

	switch kind {
	case browser.KindCannotOpenPage:
		return err
	case browser.KindBrowserCrash, browser.KindPageCorrupted:
		if !s.health.RecordFailure(err) {
			return err
		}
		s.logger.Warn("Browser failure, recovering", "step", op, "error", err)
		if rerr := s.recover(ctx); rerr != nil {
			return rerr
		}
		if err := step(true); err != nil {
			if k, ok := browser.KindOf(err); ok && (k == browser.KindBrowserCrash || k == browser.KindPageCorrupted) {
				s.health.RecordFailure(err)
			}
			return err
		}
		s.logger.Info("Step succeeded after recovery", "step", op)
		return nil
	case browser.KindHealthCheck, browser.KindRecoveryFailed:
		return err
	default:
		return err
	}
}

func (s *ScreenshotService) recover(ctx context.Context) error {
	err := s.health.Recover(ctx)
	recordRecovery(err == nil)
	if err == nil {
		s.mu.Lock()
		s.captures = 0
		s.mu.Unlock()
	}
	return err
}

func (s *ScreenshotService) fail(params models.ScreenshotParams, err error) {
	kind, _ := browser.KindOf(err)
	recordCapture("failure")
	s.logger.Warn("Screenshot failed", "target", describeTarget(params), "kind", kind, "error", err)
	s.emitter.Emit(event.ScreenshotFailedEvent{
		Target: describeTarget(params),
		Kind:   string(kind),
		Error:  err.Error(),
	})
}

// countCapture restarts the browser after the configured number of captures.
func (s *ScreenshotService) countCapture() {
	if s.cfg.MaxCapturesBeforeRestart <= 0 {
		return
	}
	s.mu.Lock()
	s.captures++
	restart := s.captures >= s.cfg.MaxCapturesBeforeRestart
	if restart {
		s.captures = 0
	}
	s.mu.Unlock()

	if restart {
		s.logger.Info("Capture limit reached, restarting browser", "limit", s.cfg.MaxCapturesBeforeRestart)
		s.session.CleanupWithReason("restart")
		metricBrowserCleanups.WithLabelValues("restart").Inc()
	}
}

func (s *ScreenshotService) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if !s.busy {
		s.busy = true
		s.stopIdleLocked()
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	metricQueueDepth.Set(float64(len(s.waiters)))
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.abandon(ch)
		return ctx.Err()
	case <-s.done:
		s.abandon(ch)
		return ErrServiceClosed
	}
}

// abandon drops a waiter, passing the slot on if it was granted meanwhile.
func (s *ScreenshotService) abandon(ch chan struct{}) {
	s.mu.Lock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			metricQueueDepth.Set(float64(len(s.waiters)))
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.release()
}

func (s *ScreenshotService) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.closed {
		return false
	}
	s.busy = true
	s.stopIdleLocked()
	return true
}

func (s *ScreenshotService) release() {
	s.releaseSlot(true)
}

// releaseSlot hands the session to the oldest waiter, or marks it free.
func (s *ScreenshotService) releaseSlot(armIdle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		metricQueueDepth.Set(float64(len(s.waiters)))
		close(next)
		return
	}
	s.busy = false
	if armIdle {
		s.resetIdleLocked()
	}
}

func (s *ScreenshotService) stopIdleLocked() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *ScreenshotService) resetIdleLocked() {
	s.stopIdleLocked()
	if s.cfg.KeepBrowserOpen || s.cfg.IdleTimeout <= 0 || s.closed {
		return
	}
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() { s.onIdle(gen) })
}

func (s *ScreenshotService) onIdle(gen uint64) {
	s.mu.Lock()
	if gen != s.idleGen || s.busy || s.closed {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()

	s.logger.Info("Browser idle, cleaning up", "timeout", s.cfg.IdleTimeout)
	s.session.CleanupWithReason("idle")
	metricBrowserCleanups.WithLabelValues("idle").Inc()
	s.releaseSlot(false)
}

func (s *ScreenshotService) schedulePreload(params models.ScreenshotParams, elapsed time.Duration) {
	if s.cfg.MaxPendingPreloads <= 0 || params.NextSeconds <= 0 {
		return
	}
	delay := time.Duration(params.NextSeconds)*time.Second - elapsed - s.cfg.PreloadMargin
	if delay <= 0 {
		return
	}

	p := &preload{params: params}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	p.timer = time.AfterFunc(delay, func() { s.runPreload(p) })
	s.preloads = append(s.preloads, p)
	for len(s.preloads) > s.cfg.MaxPendingPreloads {
		oldest := s.preloads[0]
		oldest.timer.Stop()
		s.preloads = s.preloads[1:]
		metricPreloads.WithLabelValues("dropped").Inc()
	}
	s.logger.Debug("Preload scheduled", "target", describeTarget(params), "in", delay, "pending", len(s.preloads))
}

func (s *ScreenshotService) removePreloadLocked(p *preload) bool {
	for i, q := range s.preloads {
		if q == p {
			s.preloads = append(s.preloads[:i], s.preloads[i+1:]...)
			return true
		}
	}
	return false
}

// runPreload navigates ahead of an expected request, but only when nobody
// else is using the session.
func (s *ScreenshotService) runPreload(p *preload) {
	s.mu.Lock()
	pending := s.removePreloadLocked(p)
	s.mu.Unlock()
	if !pending {
		return
	}
	if !s.tryAcquire() {
		metricPreloads.WithLabelValues("skipped").Inc()
		s.logger.Debug("Preload skipped, session busy", "target", describeTarget(p.params))
		return
	}
	defer s.release()

	ctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
	defer cancel()

	_, err := s.session.Navigate(ctx, navigateRequest(p.params))
	if err != nil {
		metricPreloads.WithLabelValues("failure").Inc()
		if k, ok := browser.KindOf(err); ok && (k == browser.KindBrowserCrash || k == browser.KindPageCorrupted) {
			s.health.RecordFailure(err)
		}
		s.logger.Debug("Preload failed", "target", describeTarget(p.params), "error", err)
		return
	}
	s.health.RecordSuccess()
	metricPreloads.WithLabelValues("success").Inc()
	s.logger.Debug("Preload done", "target", describeTarget(p.params))
}

// PendingPreloads reports how many preload timers are armed.
func (s *ScreenshotService) PendingPreloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.preloads)
}

func (s *ScreenshotService) Health() HealthReport {
	st := s.health.CheckHealth()
	rs := s.health.Stats()
	s.mu.Lock()
	defer s.mu.Unlock()
	return HealthReport{
		Healthy:             st.Healthy,
		State:               st.State,
		Reason:              st.Reason,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastFailureAt:       st.LastFailureAt,
		TotalRecoveries:     rs.TotalRecoveries,
		LastRecoveryAt:      rs.LastRecoveryAt,
		Recovering:          rs.Recovering,
		Busy:                s.busy,
		QueueDepth:          len(s.waiters),
		PendingPreloads:     len(s.preloads),
	}
}

// Close waits for the running operation, stops all timers and shuts the
// browser down. Queued and later callers get ErrServiceClosed.
func (s *ScreenshotService) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		if errors.Is(err, ErrServiceClosed) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.closed = true
	close(s.done)
	s.stopIdleLocked()
	for _, p := range s.preloads {
		p.timer.Stop()
	}
	s.preloads = nil
	s.mu.Unlock()

	s.session.CleanupWithReason("shutdown")
	return nil
}

func navigateRequest(p models.ScreenshotParams) browser.NavigateRequest {
	req := browser.NavigateRequest{
		PagePath:  p.PagePath,
		TargetURL: p.TargetURL,
		Viewport:  p.Viewport,
		Zoom:      p.Zoom,
		Lang:      p.Lang,
		Theme:     p.Theme,
		Dark:      p.Dark,
	}
	if p.WaitMs != nil {
		d := time.Duration(*p.WaitMs) * time.Millisecond
		req.ExtraWait = &d
	}
	return req
}

func captureRequest(p models.ScreenshotParams) browser.CaptureRequest {
	return browser.CaptureRequest{
		Viewport:  p.Viewport,
		Format:    p.Format,
		Rotate:    p.Rotate,
		Invert:    p.Invert,
		Dithering: p.Dithering,
		Crop:      p.Crop,
	}
}

func describeTarget(p models.ScreenshotParams) string {
	if p.TargetURL != "" {
		return p.TargetURL
	}
	return p.PagePath
}
