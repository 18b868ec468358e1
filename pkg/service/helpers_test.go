package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkdash/inkdash/pkg/service/browser"
	"github.com/inkdash/inkdash/pkg/service/browser/browsertest"
)

func testNavigatorConfig() browser.NavigatorConfig {
	return browser.NavigatorConfig{
		DashboardURL:      "http://ha.local:8123",
		NavigationTimeout: time.Second,
		ProtocolTimeout:   500 * time.Millisecond,
		MinSettle:         5 * time.Millisecond,
		Wait: browser.WaitTimings{
			NetworkIdleTimeout: 20 * time.Millisecond,
			AppReadyTimeout:    20 * time.Millisecond,
			LoadingTimeout:     20 * time.Millisecond,
			StabilityTimeout:   50 * time.Millisecond,
			StabilityInterval:  time.Millisecond,
			StabilitySamples:   2,
			PollInterval:       time.Millisecond,
		},
	}
}

type harness struct {
	launcher *browsertest.Launcher
	session  *browser.Session
	health   *browser.HealthCoordinator
	svc      *ScreenshotService
}

func newHarness(t *testing.T, l *browsertest.Launcher, cfg ScreenshotConfig) *harness {
	t.Helper()
	return newHarnessWithNavigator(t, l, cfg, testNavigatorConfig())
}

func newHarnessWithNavigator(t *testing.T, l *browsertest.Launcher, cfg ScreenshotConfig, nav browser.NavigatorConfig) *harness {
	t.Helper()
	session, err := browser.NewSession(l, &browsertest.Processor{}, browser.SessionConfig{
		AccessToken: "token",
		Navigator:   nav,
	}, nil, nil)
	require.NoError(t, err)
	health := browser.NewHealthCoordinator(session, browser.HealthConfig{FailureThreshold: 3, RecoveryAttempts: 2}, nil, nil)
	svc := NewScreenshotService(session, health, cfg, nil, nil)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &harness{launcher: l, session: session, health: health, svc: svc}
}

// gateSession blocks Navigate for the "block" path until gate is closed.
type gateSession struct {
	mu       sync.Mutex
	order    []string
	gate     chan struct{}
	entered  chan struct{}
	once     sync.Once
	cleanups []string
}

func newGateSession() *gateSession {
	return &gateSession{gate: make(chan struct{}), entered: make(chan struct{})}
}

func (g *gateSession) Navigate(ctx context.Context, req browser.NavigateRequest) (*browser.NavigateResult, error) {
	g.mu.Lock()
	g.order = append(g.order, req.PagePath)
	g.mu.Unlock()
	if req.PagePath == "block" {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return &browser.NavigateResult{Target: req.PagePath}, nil
}

func (g *gateSession) Capture(ctx context.Context, req browser.CaptureRequest) (*browser.CaptureResult, error) {
	return &browser.CaptureResult{Image: []byte("img")}, nil
}

func (g *gateSession) CleanupWithReason(reason string) {
	g.mu.Lock()
	g.cleanups = append(g.cleanups, reason)
	g.mu.Unlock()
}

func (g *gateSession) Relaunch(ctx context.Context) error { return nil }

func (g *gateSession) ID() string { return "gate" }

func (g *gateSession) Order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func (g *gateSession) Cleanups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cleanups...)
}

func newGateService(t *testing.T, cfg ScreenshotConfig) (*gateSession, *ScreenshotService) {
	t.Helper()
	g := newGateSession()
	health := browser.NewHealthCoordinator(g, browser.HealthConfig{}, nil, nil)
	svc := NewScreenshotService(g, health, cfg, nil, nil)
	return g, svc
}
