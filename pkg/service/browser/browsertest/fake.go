// Package browsertest provides in-memory browser drivers for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/inkdash/inkdash/pkg/service/browser"
	"github.com/inkdash/inkdash/pkg/service/eink"
)

// Launcher is a fake browser.Launcher. Zero value is ready to use.
type Launcher struct {
	mu sync.Mutex

	// LaunchErr fails every launch; FailLaunches fails only the next N.
	LaunchErr    error
	FailLaunches int
	// PageFunc customizes each new page before it is returned.
	PageFunc func(*Page)
	// Delay is applied to Goto and Screenshot.
	Delay time.Duration

	Launches  int
	Processes []*Process
	Log       []string

	active    int
	MaxActive int
}

func (l *Launcher) Name() string { return "fake" }

func (l *Launcher) Launch(ctx context.Context) (browser.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launches++
	l.Log = append(l.Log, "launch")
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	if l.FailLaunches > 0 {
		l.FailLaunches--
		return nil, errors.New("fake launch failure")
	}
	p := &Process{launcher: l}
	l.Processes = append(l.Processes, p)
	return p, nil
}

func (l *Launcher) record(entry string) {
	l.mu.Lock()
	l.Log = append(l.Log, entry)
	l.mu.Unlock()
}

func (l *Launcher) enter() {
	l.mu.Lock()
	l.active++
	if l.active > l.MaxActive {
		l.MaxActive = l.active
	}
	l.mu.Unlock()
}

func (l *Launcher) exit() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

// LastProcess returns the most recently launched process.
func (l *Launcher) LastProcess() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Processes) == 0 {
		return nil
	}
	return l.Processes[len(l.Processes)-1]
}

// AllPages returns every page opened by every process.
func (l *Launcher) AllPages() []*Page {
	l.mu.Lock()
	procs := append([]*Process(nil), l.Processes...)
	l.mu.Unlock()
	var pages []*Page
	for _, p := range procs {
		p.mu.Lock()
		pages = append(pages, p.Pages...)
		p.mu.Unlock()
	}
	return pages
}

func (l *Launcher) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Log...)
}

type Process struct {
	launcher *Launcher

	mu           sync.Mutex
	NewPageErr   error
	Pages        []*Page
	closed       bool
	disconnected bool
}

func (p *Process) NewPage(ctx context.Context, observer browser.PageObserver) (browser.Page, error) {
	p.mu.Lock()
	if p.NewPageErr != nil {
		err := p.NewPageErr
		p.mu.Unlock()
		return nil, err
	}
	pg := &Page{Status: 200, Observer: observer, launcher: p.launcher, current: "about:blank"}
	p.Pages = append(p.Pages, pg)
	p.mu.Unlock()

	p.launcher.record("newPage")
	if p.launcher.PageFunc != nil {
		p.launcher.PageFunc(pg)
	}
	return pg, nil
}

func (p *Process) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.disconnected
}

// Disconnect simulates the browser going away.
func (p *Process) Disconnect() {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
}

func (p *Process) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Process) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.launcher.record("closeProcess")
	return nil
}

// Page is a fake browser.Page. Fields may be set before use from PageFunc.
type Page struct {
	launcher *Launcher
	Observer browser.PageObserver

	mu             sync.Mutex
	Status         int
	NilResponse    bool
	GotoErr        error
	ScreenshotErr  error
	EvaluateErr    error
	EvalFunc       func(expr string) (any, error)
	OnGoto         func(url string)
	ScreenshotData []byte
	// HangScreenshot and HangEvaluate make those calls block until their
	// context ends, like a renderer that stopped answering.
	HangScreenshot bool
	HangEvaluate   bool

	Gotos       []string
	Evaluations []string
	InitScripts []string
	Clips       []*browser.Clip
	Viewports   [][2]int
	closed      bool
	current     string
}

func (pg *Page) SetViewport(ctx context.Context, width, height int) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.Viewports = append(pg.Viewports, [2]int{width, height})
	return nil
}

func (pg *Page) AddInitScript(ctx context.Context, source string) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.InitScripts = append(pg.InitScripts, source)
	return nil
}

func (pg *Page) Goto(ctx context.Context, url string) (*browser.Response, error) {
	pg.launcher.enter()
	defer pg.launcher.exit()
	pg.launcher.record("goto " + url)

	if pg.OnGoto != nil {
		pg.OnGoto(url)
	}
	if err := pg.delay(ctx); err != nil {
		return nil, err
	}

	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.Gotos = append(pg.Gotos, url)
	if pg.GotoErr != nil {
		return nil, pg.GotoErr
	}
	pg.current = url
	if pg.NilResponse {
		return nil, nil
	}
	return &browser.Response{Status: pg.Status, URL: url}, nil
}

func (pg *Page) delay(ctx context.Context) error {
	if pg.launcher.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pg.launcher.Delay):
		return nil
	}
}

// Evaluate answers true for bool outputs and a constant sample for the
// stability probe unless EvalFunc overrides it.
func (pg *Page) Evaluate(ctx context.Context, expr string, out any) error {
	pg.mu.Lock()
	pg.Evaluations = append(pg.Evaluations, expr)
	evalErr, fn, hang := pg.EvaluateErr, pg.EvalFunc, pg.HangEvaluate
	pg.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if evalErr != nil {
		return evalErr
	}
	var result any
	if fn != nil {
		v, err := fn(expr)
		if err != nil {
			return err
		}
		result = v
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *bool:
		if result == nil {
			*o = !isSpinnerProbe(expr)
			return nil
		}
		b, ok := result.(bool)
		if !ok {
			return fmt.Errorf("fake evaluate: want bool result, got %T", result)
		}
		*o = b
		return nil
	case *[]byte:
		if result == nil {
			*o = []byte("true")
			return nil
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		*o = raw
		return nil
	default:
		if result == nil {
			result = map[string]int{"h": 1, "s": 1}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
}

// isSpinnerProbe recognizes the loading-indicator probe, which must report
// false for the page to be considered settled.
func isSpinnerProbe(expr string) bool {
	return strings.Contains(expr, "ha-circular-progress")
}

func (pg *Page) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	return nil
}

func (pg *Page) Screenshot(ctx context.Context, clip *browser.Clip) ([]byte, error) {
	pg.launcher.enter()
	defer pg.launcher.exit()
	pg.launcher.record("screenshot")
	if err := pg.delay(ctx); err != nil {
		return nil, err
	}
	pg.mu.Lock()
	hang := pg.HangScreenshot
	pg.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.Clips = append(pg.Clips, clip)
	if pg.ScreenshotErr != nil {
		return nil, pg.ScreenshotErr
	}
	if pg.ScreenshotData != nil {
		return append([]byte(nil), pg.ScreenshotData...), nil
	}
	return []byte("raw-png"), nil
}

func (pg *Page) URL(ctx context.Context) (string, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.current, nil
}

// SetURL simulates the page navigating on its own.
func (pg *Page) SetURL(u string) {
	pg.mu.Lock()
	pg.current = u
	pg.mu.Unlock()
}

func (pg *Page) Close() error {
	pg.mu.Lock()
	pg.closed = true
	pg.mu.Unlock()
	pg.launcher.record("closePage")
	return nil
}

func (pg *Page) Closed() bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.closed
}

// Emit delivers an event to the page's observer as a driver would.
func (pg *Page) Emit(ev browser.PageEvent) {
	if pg.Observer != nil {
		pg.Observer(ev)
	}
}

// Processor is a fake browser.ImageProcessor that tags its output.
type Processor struct {
	mu       sync.Mutex
	Err      error
	Calls    int
	LastOpts eink.Options
}

func (p *Processor) Process(bitmap []byte, opts eink.Options) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	p.LastOpts = opts
	if p.Err != nil {
		return nil, p.Err
	}
	return append([]byte("processed:"), bitmap...), nil
}
