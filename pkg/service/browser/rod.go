package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/inkdash/inkdash/pkg/utils"
)

// RodLauncher starts Chrome through go-rod.
type RodLauncher struct {
	ExecPath  string
	RemoteURL string
	Headless  bool
	Logger    *slog.Logger
}

func (l *RodLauncher) Name() string { return "rod" }

func (l *RodLauncher) Launch(ctx context.Context) (Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}

	var lnch *launcher.Launcher
	var controlURL string
	var err error
	if l.RemoteURL != "" {
		controlURL, err = launcher.ResolveURL(l.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("resolve remote browser: %w", err)
		}
	} else {
		lnch = launcher.New().
			Headless(l.Headless).
			Set("no-sandbox").
			Set("disable-gpu").
			Set("disable-dev-shm-usage").
			Set("hide-scrollbars")
		if l.ExecPath != "" {
			lnch = lnch.Bin(l.ExecPath)
		}
		controlURL, err = lnch.Context(ctx).Launch()
		if err != nil {
			lnch.Kill()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := rod.New().ControlURL(controlURL).Context(bctx)
	if err := b.Connect(); err != nil {
		cancel()
		if lnch != nil {
			lnch.Kill()
		}
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	return &rodProcess{browser: b, launcher: lnch, ctx: bctx, cancel: cancel, logger: logger}, nil
}

type rodProcess struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	lost     atomic.Bool
}

func (p *rodProcess) Connected() bool {
	return p.ctx.Err() == nil && !p.lost.Load()
}

func (p *rodProcess) markLost(err error) {
	if IsCrashError(err) {
		p.lost.Store(true)
	}
}

func (p *rodProcess) NewPage(ctx context.Context, observer PageObserver) (Page, error) {
	page, err := p.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		p.markLost(err)
		return nil, fmt.Errorf("open tab: %w", err)
	}
	page = page.Context(p.ctx)

	pctx, cancel := context.WithCancel(p.ctx)
	pg := &rodPage{
		proc:     p,
		page:     page,
		cancel:   cancel,
		tracker:  newNetworkTracker(),
		observer: observer,
	}
	for _, domain := range []interface{ Call(proto.Client) error }{
		proto.NetworkEnable{},
		proto.RuntimeEnable{},
		proto.InspectorEnable{},
	} {
		if err := domain.Call(page.Context(ctx)); err != nil {
			cancel()
			_ = page.Close()
			p.markLost(err)
			return nil, fmt.Errorf("enable domains: %w", err)
		}
	}

	wait := page.Context(pctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) { pg.tracker.start(string(e.RequestID)) },
		func(e *proto.NetworkLoadingFinished) { pg.tracker.finish(string(e.RequestID)) },
		func(e *proto.NetworkLoadingFailed) { pg.tracker.finish(string(e.RequestID)) },
		func(e *proto.NetworkResponseReceived) {
			if e.Type == proto.NetworkResourceTypeDocument && e.FrameID == page.FrameID && e.Response != nil {
				pg.setDocument(&Response{Status: e.Response.Status, URL: e.Response.URL})
			}
		},
		func(e *proto.RuntimeExceptionThrown) {
			msg := "uncaught exception"
			if d := e.ExceptionDetails; d != nil {
				msg = d.Text
				if d.Exception != nil && d.Exception.Description != "" {
					msg += " " + d.Exception.Description
				}
			}
			pg.notify(PageEvent{Kind: PageEventException, Message: msg})
		},
		func(e *proto.RuntimeConsoleAPICalled) {
			if e.Type != proto.RuntimeConsoleAPICalledTypeError {
				return
			}
			var msg string
			for _, arg := range e.Args {
				if arg.Description != "" {
					msg += arg.Description + " "
				} else {
					msg += arg.Value.String() + " "
				}
			}
			pg.notify(PageEvent{Kind: PageEventConsoleError, Message: msg})
		},
		func(e *proto.InspectorTargetCrashed) {
			p.lost.Store(true)
			pg.notify(PageEvent{Kind: PageEventCrashed, Message: "target crashed"})
		},
		func(e *proto.InspectorDetached) {
			pg.notify(PageEvent{Kind: PageEventDetached, Message: e.Reason})
		},
	)
	go wait()

	return pg, nil
}

func (p *rodProcess) Close() error {
	err := p.browser.Close()
	p.cancel()
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher.Cleanup()
	}
	return err
}

type rodPage struct {
	proc     *rodProcess
	page     *rod.Page
	cancel   context.CancelFunc
	tracker  *networkTracker
	observer PageObserver

	mu       sync.Mutex
	document *Response
}

func (pg *rodPage) notify(ev PageEvent) {
	if pg.observer != nil {
		go pg.observer(ev)
	}
}

func (pg *rodPage) setDocument(r *Response) {
	pg.mu.Lock()
	pg.document = r
	pg.mu.Unlock()
}

func (pg *rodPage) takeDocument() *Response {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	r := pg.document
	pg.document = nil
	return r
}

func (pg *rodPage) check(err error) error {
	if err != nil {
		pg.proc.markLost(err)
	}
	return err
}

func (pg *rodPage) SetViewport(ctx context.Context, width, height int) error {
	return pg.check(pg.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}))
}

func (pg *rodPage) AddInitScript(ctx context.Context, source string) error {
	_, err := pg.page.Context(ctx).EvalOnNewDocument(source)
	return pg.check(err)
}

func (pg *rodPage) Goto(ctx context.Context, url string) (*Response, error) {
	pg.tracker.reset()
	pg.takeDocument()

	p := pg.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return nil, pg.check(err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, pg.check(err)
	}
	return pg.takeDocument(), nil
}

func (pg *rodPage) Evaluate(ctx context.Context, expr string, out any) error {
	res, err := pg.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           "() => (" + expr + ")",
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return pg.check(err)
	}
	if out == nil {
		return nil
	}
	if res == nil {
		return errors.New("evaluate: no result")
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func (pg *rodPage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	return pg.tracker.waitIdle(ctx, quiet)
}

func (pg *rodPage) Screenshot(ctx context.Context, clip *Clip) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if clip != nil {
		req.Clip = &proto.PageViewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}
	}
	buf, err := pg.page.Context(ctx).Screenshot(false, req)
	return buf, pg.check(err)
}

func (pg *rodPage) URL(ctx context.Context) (string, error) {
	info, err := pg.page.Context(ctx).Info()
	if err != nil {
		return "", pg.check(err)
	}
	return info.URL, nil
}

func (pg *rodPage) Close() error {
	err := pg.page.Close()
	pg.cancel()
	return err
}
