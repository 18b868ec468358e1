package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/service/browser"
	"github.com/inkdash/inkdash/pkg/service/browser/browsertest"
)

func newSession(t *testing.T, l *browsertest.Launcher, proc *browsertest.Processor, em *event.Emitter) *browser.Session {
	t.Helper()
	if proc == nil {
		proc = &browsertest.Processor{}
	}
	s, err := browser.NewSession(l, proc, browser.SessionConfig{
		AccessToken: "secret-token",
		Navigator:   fastNavigatorConfig(),
	}, nil, em)
	require.NoError(t, err)
	return s
}

func TestSession_FreshPagePerNavigate(t *testing.T) {
	l := &browsertest.Launcher{}
	s := newSession(t, l, nil, nil)
	ctx := context.Background()

	_, err := s.Navigate(ctx, browser.NavigateRequest{PagePath: "/a", Viewport: models.Viewport{Width: 800, Height: 480}})
	require.NoError(t, err)
	_, err = s.Navigate(ctx, browser.NavigateRequest{PagePath: "/b"})
	require.NoError(t, err)

	assert.Equal(t, 1, l.Launches, "process is reused")
	pages := l.AllPages()
	require.Len(t, pages, 2)
	assert.True(t, pages[0].Closed(), "previous page closed before the next one opens")
	assert.False(t, pages[1].Closed())
	assert.Equal(t, [][2]int{{800, 480}}, pages[0].Viewports)
	assert.Len(t, pages[1].Gotos, 1, "fresh page always loads fully")

	entries := l.Entries()
	closeIdx, openIdx := -1, -1
	for i, e := range entries {
		if e == "closePage" && closeIdx < 0 {
			closeIdx = i
		}
		if e == "newPage" {
			openIdx = i
		}
	}
	assert.Less(t, closeIdx, openIdx)
}

func TestSession_AuthOnlyForDashboard(t *testing.T) {
	l := &browsertest.Launcher{}
	s := newSession(t, l, nil, nil)
	ctx := context.Background()

	_, err := s.Navigate(ctx, browser.NavigateRequest{PagePath: "/lovelace/0", Lang: "de"})
	require.NoError(t, err)
	_, err = s.Navigate(ctx, browser.NavigateRequest{TargetURL: "https://example.com/"})
	require.NoError(t, err)

	pages := l.AllPages()
	require.Len(t, pages, 2)
	require.Len(t, pages[0].InitScripts, 1)
	script := pages[0].InitScripts[0]
	assert.Contains(t, script, "secret-token")
	assert.Contains(t, script, "hassTokens")
	assert.Contains(t, script, `location.origin !== "http://ha.local:8123"`)
	assert.Contains(t, script, "selectedLanguage")
	assert.Empty(t, pages[1].InitScripts, "credentials never reach other origins")
}

func TestSession_CaptureCropPolicy(t *testing.T) {
	l := &browsertest.Launcher{}
	proc := &browsertest.Processor{}
	s := newSession(t, l, proc, nil)
	ctx := context.Background()

	_, err := s.Navigate(ctx, browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)

	res, err := s.Capture(ctx, browser.CaptureRequest{
		Format: "bmp",
		Rotate: 90,
		Crop:   &models.CropRegion{X: 10, Y: 20, Width: 100, Height: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("processed:raw-png"), res.Image)
	assert.Equal(t, "bmp", proc.LastOpts.Format)
	assert.Equal(t, 90, proc.LastOpts.Rotate)

	_, err = s.Capture(ctx, browser.CaptureRequest{Crop: &models.CropRegion{X: 10, Y: 20, Width: 0, Height: 50}})
	require.NoError(t, err)
	_, err = s.Capture(ctx, browser.CaptureRequest{})
	require.NoError(t, err)

	page := l.AllPages()[0]
	require.Len(t, page.Clips, 3)
	assert.Equal(t, &browser.Clip{X: 10, Y: 20, Width: 100, Height: 50}, page.Clips[0])
	assert.Nil(t, page.Clips[1], "zero width means full viewport")
	assert.Nil(t, page.Clips[2])
}

func TestSession_CaptureLeavesZoomToNavigation(t *testing.T) {
	l := &browsertest.Launcher{}
	s := newSession(t, l, nil, nil)
	ctx := context.Background()

	_, err := s.Navigate(ctx, browser.NavigateRequest{PagePath: "/", Zoom: 1.5})
	require.NoError(t, err)
	page := l.AllPages()[0]
	zoomEvals := countContaining(page.Evaluations, "style.zoom")
	require.Equal(t, 1, zoomEvals)

	_, err = s.Capture(ctx, browser.CaptureRequest{})
	require.NoError(t, err)
	assert.Equal(t, zoomEvals, countContaining(page.Evaluations, "style.zoom"))
	assert.Empty(t, page.Viewports, "no viewport requested, none set")
}

func TestSession_CaptureBeforeNavigate(t *testing.T) {
	s := newSession(t, &browsertest.Launcher{}, nil, nil)
	_, err := s.Capture(context.Background(), browser.CaptureRequest{})
	assert.ErrorIs(t, err, browser.ErrNoPage)
}

func TestSession_ProcessorErrorIsNotABrowserError(t *testing.T) {
	l := &browsertest.Launcher{}
	s := newSession(t, l, &browsertest.Processor{Err: errors.New("bad bitmap")}, nil)
	ctx := context.Background()
	_, err := s.Navigate(ctx, browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)

	_, err = s.Capture(ctx, browser.CaptureRequest{})
	require.Error(t, err)
	_, typed := browser.KindOf(err)
	assert.False(t, typed)
	assert.Contains(t, err.Error(), "process image")
}

func TestSession_CleanupIsIdempotent(t *testing.T) {
	l := &browsertest.Launcher{}
	em := event.NewEmitter()
	var reasons []string
	em.On(event.BrowserClosed, func(ev event.Event) {
		reasons = append(reasons, ev.(event.BrowserClosedEvent).Reason)
	})
	s := newSession(t, l, nil, em)

	s.Cleanup()
	assert.Empty(t, reasons, "nothing running, nothing to close")

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)
	require.True(t, s.Connected())
	require.NotEmpty(t, s.ID())

	s.CleanupWithReason("idle")
	s.Cleanup()

	assert.False(t, s.Connected())
	assert.Empty(t, s.ID())
	assert.True(t, l.LastProcess().Closed())
	assert.True(t, l.AllPages()[0].Closed())
	assert.Equal(t, []string{"idle"}, reasons)

	_, err = s.Capture(context.Background(), browser.CaptureRequest{})
	assert.ErrorIs(t, err, browser.ErrNoPage)
}

func TestSession_BusyGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	l := &browsertest.Launcher{PageFunc: func(p *browsertest.Page) {
		p.OnGoto = func(string) {
			once.Do(func() { close(started) })
			<-release
		}
	}}
	s := newSession(t, l, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
		done <- err
	}()
	<-started

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/other"})
	assert.ErrorIs(t, err, browser.ErrBusy)
	_, err = s.Capture(context.Background(), browser.CaptureRequest{})
	assert.ErrorIs(t, err, browser.ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestSession_PageErrorReclassifiesFailure(t *testing.T) {
	l := &browsertest.Launcher{PageFunc: func(p *browsertest.Page) {
		p.GotoErr = errors.New("navigation aborted")
		p.OnGoto = func(string) {
			p.Emit(browser.PageEvent{Kind: browser.PageEventException, Message: "TypeError: x is undefined"})
		}
	}}
	s := newSession(t, l, nil, nil)

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
	require.Error(t, err)
	var be *browser.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, browser.KindPageCorrupted, be.Kind)
	assert.Contains(t, be.Message, "TypeError")
}

func TestSession_BenignPageErrorsIgnored(t *testing.T) {
	l := &browsertest.Launcher{PageFunc: func(p *browsertest.Page) {
		p.GotoErr = errors.New("navigation aborted")
		p.OnGoto = func(string) {
			p.Emit(browser.PageEvent{Kind: browser.PageEventException, Message: "ResizeObserver loop limit exceeded"})
			p.Emit(browser.PageEvent{Kind: browser.PageEventConsoleError, Message: "failed to fetch icon"})
		}
	}}
	s := newSession(t, l, nil, nil)

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
	require.Error(t, err)
	_, typed := browser.KindOf(err)
	assert.False(t, typed)
}

func TestSession_PageErrorWithoutFailureSucceeds(t *testing.T) {
	em := event.NewEmitter()
	var pageErrors int
	em.On(event.BrowserPageError, func(event.Event) { pageErrors++ })
	l := &browsertest.Launcher{PageFunc: func(p *browsertest.Page) {
		p.OnGoto = func(string) {
			p.Emit(browser.PageEvent{Kind: browser.PageEventException, Message: "ReferenceError"})
		}
	}}
	s := newSession(t, l, nil, em)

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)
	assert.Equal(t, 1, pageErrors)
}

func TestSession_LaunchFailureIsCrash(t *testing.T) {
	l := &browsertest.Launcher{LaunchErr: errors.New("chrome not found")}
	s := newSession(t, l, nil, nil)

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
	assert.True(t, browser.IsKind(err, browser.KindBrowserCrash))
	assert.False(t, s.Connected())
}

func TestSession_RelaunchesDisconnectedProcess(t *testing.T) {
	l := &browsertest.Launcher{}
	em := event.NewEmitter()
	var launched int
	em.On(event.BrowserLaunched, func(event.Event) { launched++ })
	s := newSession(t, l, nil, em)
	ctx := context.Background()

	_, err := s.Navigate(ctx, browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)
	firstID := s.ID()
	l.LastProcess().Disconnect()

	_, err = s.Navigate(ctx, browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Launches)
	assert.Equal(t, 2, launched)
	assert.NotEqual(t, firstID, s.ID())
	assert.True(t, l.Processes[0].Closed())
}

func TestSession_CrashOnGoto(t *testing.T) {
	l := &browsertest.Launcher{PageFunc: func(p *browsertest.Page) {
		p.GotoErr = errors.New("websocket: close 1006 (abnormal closure): unexpected EOF")
	}}
	s := newSession(t, l, nil, nil)

	_, err := s.Navigate(context.Background(), browser.NavigateRequest{PagePath: "/"})
	assert.True(t, browser.IsKind(err, browser.KindBrowserCrash))
}

func TestSession_UnansweredScreenshotIsCrash(t *testing.T) {
	l := &browsertest.Launcher{PageFunc: func(p *browsertest.Page) { p.HangScreenshot = true }}
	cfg := fastNavigatorConfig()
	cfg.ProtocolTimeout = 50 * time.Millisecond
	s, err := browser.NewSession(l, &browsertest.Processor{}, browser.SessionConfig{Navigator: cfg}, nil, nil)
	require.NoError(t, err)
	ctx := context.WithoutCancel(context.Background())

	_, err = s.Navigate(ctx, browser.NavigateRequest{PagePath: "/"})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Capture(ctx, browser.CaptureRequest{})
	assert.Less(t, time.Since(start), time.Second)

	var be *browser.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, browser.KindBrowserCrash, be.Kind)
	assert.Contains(t, be.Message, "screenshot")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The session is free again for the next caller.
	_, err = s.Navigate(ctx, browser.NavigateRequest{PagePath: "/"})
	assert.NoError(t, err)
}

func TestSession_RelaunchOpensBlankPage(t *testing.T) {
	l := &browsertest.Launcher{}
	s := newSession(t, l, nil, nil)

	require.NoError(t, s.Relaunch(context.Background()))
	assert.True(t, s.Connected())
	pages := l.AllPages()
	require.Len(t, pages, 1)
	assert.Empty(t, pages[0].Gotos)
	assert.Equal(t, "fake", s.Driver())
}
