package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/inkdash/inkdash/pkg/utils"
)

// ChromedpLauncher starts Chrome through chromedp, either as a local
// process or by attaching to a remote DevTools endpoint.
type ChromedpLauncher struct {
	ExecPath  string
	RemoteURL string
	Headless  bool
	Logger    *slog.Logger
}

func (l *ChromedpLauncher) Name() string { return "chromedp" }

func (l *ChromedpLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return utils.GetLogger()
}

func (l *ChromedpLauncher) Launch(ctx context.Context) (Process, error) {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if l.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", l.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("mute-audio", true),
		)
		if l.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(l.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	logger := l.logger()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("chromedp error", "message", fmt.Sprintf(format, args...))
		}),
	)

	// The browser context outlives ctx; only abort the startup itself.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &chromedpProcess{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

type chromedpProcess struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger
	lost        atomic.Bool
}

func (p *chromedpProcess) Connected() bool {
	return p.ctx.Err() == nil && !p.lost.Load()
}

func (p *chromedpProcess) NewPage(ctx context.Context, observer PageObserver) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(p.ctx)
	pg := &chromedpPage{
		proc:     p,
		ctx:      tabCtx,
		cancel:   tabCancel,
		tracker:  newNetworkTracker(),
		observer: observer,
	}
	chromedp.ListenTarget(tabCtx, pg.handleEvent)

	runCtx, done := pg.bind(ctx)
	defer done()
	if err := chromedp.Run(runCtx, network.Enable()); err != nil {
		tabCancel()
		p.markLost(err)
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return pg, nil
}

func (p *chromedpProcess) markLost(err error) {
	if IsCrashError(err) {
		p.lost.Store(true)
	}
}

func (p *chromedpProcess) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	p.allocCancel()
	return err
}

type chromedpPage struct {
	proc     *chromedpProcess
	ctx      context.Context
	cancel   context.CancelFunc
	tracker  *networkTracker
	observer PageObserver
}

func (pg *chromedpPage) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		pg.tracker.start(string(e.RequestID))
	case *network.EventLoadingFinished:
		pg.tracker.finish(string(e.RequestID))
	case *network.EventLoadingFailed:
		pg.tracker.finish(string(e.RequestID))
	case *cdpruntime.EventExceptionThrown:
		msg := "uncaught exception"
		if e.ExceptionDetails != nil {
			msg = e.ExceptionDetails.Error()
		}
		pg.notify(PageEvent{Kind: PageEventException, Message: msg})
	case *cdpruntime.EventConsoleAPICalled:
		if e.Type != cdpruntime.APITypeError {
			return
		}
		var msg string
		for _, arg := range e.Args {
			if arg.Description != "" {
				msg += arg.Description + " "
			} else if len(arg.Value) > 0 {
				msg += string(arg.Value) + " "
			}
		}
		pg.notify(PageEvent{Kind: PageEventConsoleError, Message: msg})
	case *inspector.EventTargetCrashed:
		pg.proc.lost.Store(true)
		pg.notify(PageEvent{Kind: PageEventCrashed, Message: "target crashed"})
	case *inspector.EventDetached:
		pg.notify(PageEvent{Kind: PageEventDetached, Message: string(e.Reason)})
	}
}

// notify runs off the event loop so a slow observer cannot stall CDP.
func (pg *chromedpPage) notify(ev PageEvent) {
	if pg.observer != nil {
		go pg.observer(ev)
	}
}

// bind derives a context from the tab that is cancelled together with ctx.
func (pg *chromedpPage) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(pg.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (pg *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, done := pg.bind(ctx)
	defer done()
	err := chromedp.Run(runCtx, actions...)
	if err != nil {
		pg.proc.markLost(err)
	}
	return err
}

func (pg *chromedpPage) SetViewport(ctx context.Context, width, height int) error {
	return pg.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (pg *chromedpPage) AddInitScript(ctx context.Context, source string) error {
	return pg.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := cdppage.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
		return err
	}))
}

func (pg *chromedpPage) Goto(ctx context.Context, url string) (*Response, error) {
	pg.tracker.reset()
	runCtx, done := pg.bind(ctx)
	defer done()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		pg.proc.markLost(err)
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return &Response{Status: int(resp.Status), URL: resp.URL}, nil
}

func (pg *chromedpPage) Evaluate(ctx context.Context, expr string, out any) error {
	if out == nil {
		var raw []byte
		out = &raw
	}
	return pg.run(ctx, chromedp.Evaluate(expr, out, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (pg *chromedpPage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	return pg.tracker.waitIdle(ctx, quiet)
}

func (pg *chromedpPage) Screenshot(ctx context.Context, clip *Clip) ([]byte, error) {
	var buf []byte
	err := pg.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := cdppage.CaptureScreenshot().WithFormat(cdppage.CaptureScreenshotFormatPng)
		if clip != nil {
			params = params.WithClip(&cdppage.Viewport{
				X:      clip.X,
				Y:      clip.Y,
				Width:  clip.Width,
				Height: clip.Height,
				Scale:  1,
			})
		}
		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	return buf, err
}

func (pg *chromedpPage) URL(ctx context.Context) (string, error) {
	var u string
	err := pg.run(ctx, chromedp.Location(&u))
	return u, err
}

func (pg *chromedpPage) Close() error {
	err := chromedp.Cancel(pg.ctx)
	pg.cancel()
	return err
}
