package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

// NavigateRequest is one navigation. It is not modified by the navigator.
type NavigateRequest struct {
	PagePath  string
	TargetURL string
	Viewport  models.Viewport
	// ExtraWait, when set, replaces the adaptive readiness stages.
	ExtraWait *time.Duration
	Zoom      float64
	Lang      string
	Theme     string
	Dark      *bool
}

type NavigateResult struct {
	Target    string
	Dashboard bool
	FullLoad  bool
	Status    int
	Waited    time.Duration
}

type NavigatorConfig struct {
	DashboardURL      string
	NavigationTimeout time.Duration
	// ProtocolTimeout bounds every other single browser command.
	ProtocolTimeout time.Duration
	MinSettle       time.Duration
	// RemountPath is visited briefly when the same path is requested twice.
	RemountPath string
	Wait        WaitTimings
}

// PageState is what the navigator remembers about one page. The zero
// value describes a page that has not been loaded yet.
type PageState struct {
	loaded      bool
	onDashboard bool
	path        string
	zoom        float64
	lang        string
	theme       string
	dark        *bool
}

// Navigator drives a page to a settled state.
type Navigator struct {
	cfg       NavigatorConfig
	dashboard *url.URL
	logger    *slog.Logger
}

func NewNavigator(cfg NavigatorConfig, logger *slog.Logger) (*Navigator, error) {
	if logger == nil {
		logger = utils.GetLogger()
	}
	u, err := url.Parse(strings.TrimRight(cfg.DashboardURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse dashboard url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("dashboard url must be absolute http(s), got %q", cfg.DashboardURL)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ProtocolTimeout <= 0 {
		cfg.ProtocolTimeout = 30 * time.Second
	}
	if cfg.RemountPath == "" {
		cfg.RemountPath = "/profile"
	}
	cfg.Wait = cfg.Wait.withDefaults()
	return &Navigator{cfg: cfg, dashboard: u, logger: logger}, nil
}

// Origin is the dashboard origin, e.g. http://homeassistant:8123.
func (n *Navigator) Origin() string {
	return n.dashboard.Scheme + "://" + n.dashboard.Host
}

// Resolve returns the absolute destination and whether it is on the dashboard.
func (n *Navigator) Resolve(req NavigateRequest) (string, bool, error) {
	if req.TargetURL != "" {
		u, err := url.Parse(req.TargetURL)
		if err != nil {
			return "", false, fmt.Errorf("parse target url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return "", false, fmt.Errorf("target url must be absolute http(s), got %q", req.TargetURL)
		}
		return u.String(), n.sameOrigin(u), nil
	}

	p := req.PagePath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	ref, err := url.Parse(p)
	if err != nil {
		return "", false, fmt.Errorf("parse page path: %w", err)
	}
	return n.dashboard.ResolveReference(ref).String(), true, nil
}

func (n *Navigator) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, n.dashboard.Scheme) && strings.EqualFold(u.Host, n.dashboard.Host)
}

// Navigate brings page to req's destination and waits for it to settle.
func (n *Navigator) Navigate(ctx context.Context, page Page, st *PageState, req NavigateRequest) (*NavigateResult, error) {
	target, dashboard, err := n.Resolve(req)
	if err != nil {
		return nil, err
	}
	res := &NavigateResult{Target: target, Dashboard: dashboard}
	path := pathOf(target)

	full, err := n.needsFullLoad(ctx, page, st, dashboard)
	if err != nil {
		return nil, err
	}
	if !full {
		if err := n.clientNavigate(ctx, page, st, path); err != nil {
			if IsCrashError(err) || ctx.Err() != nil {
				return nil, err
			}
			n.logger.Debug("Client-side navigation failed, falling back to full load", "path", path, "error", err)
			full = true
		}
	}
	if full {
		status, err := n.gotoPage(ctx, page, target)
		if err != nil {
			*st = PageState{}
			return nil, err
		}
		res.FullLoad = true
		res.Status = status
		*st = PageState{loaded: true, onDashboard: dashboard, path: path, zoom: 1}
		if dashboard {
			// Language and theme were seeded through localStorage before load.
			st.lang, st.theme, st.dark = req.Lang, req.Theme, req.Dark
		}
	}

	waitStart := time.Now()
	settle, err := n.applyPresentation(ctx, page, st, req, dashboard)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, settle); err != nil {
		return nil, err
	}

	if req.ExtraWait != nil {
		if err := sleepCtx(ctx, *req.ExtraWait); err != nil {
			return nil, err
		}
	} else {
		if err := n.waitReady(ctx, page, dashboard); err != nil {
			return nil, err
		}
		if rest := n.cfg.MinSettle - time.Since(waitStart); rest > 0 {
			if err := sleepCtx(ctx, rest); err != nil {
				return nil, err
			}
		}
	}
	res.Waited = time.Since(waitStart)

	n.logger.Debug("Navigation settled", "target", target, "fullLoad", res.FullLoad, "waited", res.Waited)
	return res, nil
}

func (n *Navigator) needsFullLoad(ctx context.Context, page Page, st *PageState, dashboard bool) (bool, error) {
	if !st.loaded || !dashboard || !st.onDashboard {
		return true, nil
	}
	var current string
	err := n.call(ctx, "read url", func(ctx context.Context) error {
		var err error
		current, err = page.URL(ctx)
		return err
	})
	if err != nil {
		if IsCrashError(err) {
			return false, Classify(err, "")
		}
		return true, nil
	}
	u, err := url.Parse(current)
	if err != nil || !n.sameOrigin(u) {
		return true, nil
	}
	return false, nil
}

func (n *Navigator) gotoPage(ctx context.Context, page Page, target string) (int, error) {
	navCtx, cancel := context.WithTimeout(ctx, n.cfg.NavigationTimeout)
	defer cancel()

	resp, err := page.Goto(navCtx, target)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return 0, CannotOpenPage(0, target, fmt.Errorf("navigation timed out after %s: %w", n.cfg.NavigationTimeout, err))
		}
		return 0, Classify(err, target)
	}
	if resp == nil {
		return 0, CannotOpenPage(0, target, errors.New("no response"))
	}
	if !statusOK(resp.Status) {
		return resp.Status, CannotOpenPage(resp.Status, target, nil)
	}
	return resp.Status, nil
}

func statusOK(status int) bool {
	return status >= 200 && status < 300 || status == 304
}

func (n *Navigator) clientNavigate(ctx context.Context, page Page, st *PageState, path string) error {
	if path == st.path {
		if err := n.eval(ctx, page, clientNavigateScript(n.cfg.RemountPath), nil); err != nil {
			return err
		}
		if err := sleepCtx(ctx, n.cfg.Wait.RemountPause); err != nil {
			return err
		}
	}
	if err := n.eval(ctx, page, clientNavigateScript(path), nil); err != nil {
		return err
	}
	st.path = path
	return nil
}

// applyPresentation applies zoom, language and theme when they changed and
// returns the settle time the changes need.
func (n *Navigator) applyPresentation(ctx context.Context, page Page, st *PageState, req NavigateRequest, dashboard bool) (time.Duration, error) {
	var settle time.Duration
	w := n.cfg.Wait

	zoom := req.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	if zoom != st.zoom {
		ok, err := n.tryEval(ctx, page, "zoom", zoomScript(zoom))
		if err != nil {
			return 0, err
		}
		if ok {
			st.zoom = zoom
			settle += w.ZoomSettle
		}
	}

	if !dashboard {
		return settle, nil
	}

	if req.Lang != "" && req.Lang != st.lang {
		ok, err := n.tryEval(ctx, page, "language", languageScript(req.Lang))
		if err != nil {
			return 0, err
		}
		if ok {
			st.lang = req.Lang
			settle += w.LangSettle
		}
	}

	if (req.Theme != "" || req.Dark != nil) && (req.Theme != st.theme || !sameBool(req.Dark, st.dark)) {
		dark := req.Dark != nil && *req.Dark
		ok, err := n.tryEval(ctx, page, "theme", themeScript(req.Theme, dark))
		if err != nil {
			return 0, err
		}
		if ok {
			st.theme, st.dark = req.Theme, req.Dark
			settle += w.ThemeSettle
		}
	}
	return settle, nil
}

// tryEval runs a presentation script. Only crashes and cancellation are errors.
func (n *Navigator) tryEval(ctx context.Context, page Page, what, expr string) (bool, error) {
	var applied bool
	err := n.eval(ctx, page, expr, &applied)
	switch {
	case err == nil:
		if !applied {
			n.logger.Debug("Presentation change not applied", "setting", what)
		}
		return applied, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case IsCrashError(err):
		return false, Classify(err, "")
	default:
		n.logger.Debug("Presentation change failed", "setting", what, "error", err)
		return false, nil
	}
}

func (n *Navigator) eval(ctx context.Context, page Page, expr string, out any) error {
	if out == nil {
		var ignored bool
		out = &ignored
	}
	return n.call(ctx, "evaluate", func(ctx context.Context) error {
		return page.Evaluate(ctx, expr, out)
	})
}

// call runs one browser command under the protocol timeout. A renderer that
// stops answering without closing the connection is reported as a crash.
func (n *Navigator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, n.cfg.ProtocolTimeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return BrowserCrash(fmt.Sprintf("%s unanswered after %s", op, n.cfg.ProtocolTimeout), err)
	}
	return err
}

func pathOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p += "#" + u.EscapedFragment()
	}
	return p
}

func sameBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
