package browser

import (
	"context"
	"sync"
	"time"
)

// Launcher starts browser processes. One implementation exists per
// automation library.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
	Name() string
}

// Process is a running browser.
type Process interface {
	NewPage(ctx context.Context, observer PageObserver) (Page, error)
	Connected() bool
	Close() error
}

// Page is a single tab. Methods are not safe for concurrent use.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	AddInitScript(ctx context.Context, source string) error
	// Goto returns the main document response, or nil if none arrived.
	Goto(ctx context.Context, url string) (*Response, error)
	// Evaluate runs expr in the page and decodes its JSON value into out.
	Evaluate(ctx context.Context, expr string, out any) error
	WaitNetworkIdle(ctx context.Context, quiet time.Duration) error
	Screenshot(ctx context.Context, clip *Clip) ([]byte, error)
	URL(ctx context.Context) (string, error)
	Close() error
}

type Response struct {
	Status int
	URL    string
}

// Clip is a screenshot region in CSS pixels.
type Clip struct {
	X, Y          float64
	Width, Height float64
}

type PageEventKind int

const (
	PageEventException PageEventKind = iota
	PageEventConsoleError
	PageEventCrashed
	PageEventDetached
)

func (k PageEventKind) String() string {
	switch k {
	case PageEventException:
		return "exception"
	case PageEventConsoleError:
		return "console"
	case PageEventCrashed:
		return "crashed"
	case PageEventDetached:
		return "detached"
	default:
		return "unknown"
	}
}

type PageEvent struct {
	Kind    PageEventKind
	Message string
}

// PageObserver receives page events. It may be called from driver goroutines.
type PageObserver func(PageEvent)

// networkTracker counts in-flight requests for network idle detection.
type networkTracker struct {
	mu         sync.Mutex
	inflight   map[string]struct{}
	lastChange time.Time
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{inflight: make(map[string]struct{}), lastChange: time.Now()}
}

func (t *networkTracker) start(id string) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.lastChange = time.Now()
	t.mu.Unlock()
}

func (t *networkTracker) finish(id string) {
	t.mu.Lock()
	if _, ok := t.inflight[id]; ok {
		delete(t.inflight, id)
		t.lastChange = time.Now()
	}
	t.mu.Unlock()
}

func (t *networkTracker) reset() {
	t.mu.Lock()
	t.inflight = make(map[string]struct{})
	t.lastChange = time.Now()
	t.mu.Unlock()
}

func (t *networkTracker) idleFor() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inflight) > 0 {
		return 0, false
	}
	return time.Since(t.lastChange), true
}

// waitIdle blocks until no request has been in flight for quiet.
func (t *networkTracker) waitIdle(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d, ok := t.idleFor(); ok && d >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
