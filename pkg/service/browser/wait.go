package browser

import (
	"context"
	"time"
)

// WaitTimings bounds each readiness stage.
type WaitTimings struct {
	NetworkIdleTimeout time.Duration
	NetworkQuiet       time.Duration
	AppReadyTimeout    time.Duration
	LoadingTimeout     time.Duration
	StabilityTimeout   time.Duration
	StabilityInterval  time.Duration
	StabilitySamples   int
	PollInterval       time.Duration
	ZoomSettle         time.Duration
	LangSettle         time.Duration
	ThemeSettle        time.Duration
	RemountPause       time.Duration
}

func DefaultWaitTimings() WaitTimings {
	return WaitTimings{
		NetworkIdleTimeout: 10 * time.Second,
		NetworkQuiet:       500 * time.Millisecond,
		AppReadyTimeout:    10 * time.Second,
		LoadingTimeout:     5 * time.Second,
		StabilityTimeout:   5 * time.Second,
		StabilityInterval:  200 * time.Millisecond,
		StabilitySamples:   3,
		PollInterval:       100 * time.Millisecond,
		ZoomSettle:         250 * time.Millisecond,
		LangSettle:         time.Second,
		ThemeSettle:        500 * time.Millisecond,
		RemountPause:       100 * time.Millisecond,
	}
}

// withDefaults only fills values that drive loops; zero timeouts skip a stage.
func (w WaitTimings) withDefaults() WaitTimings {
	d := DefaultWaitTimings()
	if w.PollInterval <= 0 {
		w.PollInterval = d.PollInterval
	}
	if w.StabilityInterval <= 0 {
		w.StabilityInterval = d.StabilityInterval
	}
	if w.StabilitySamples < 2 {
		w.StabilitySamples = 2
	}
	return w
}

func (n *Navigator) waitReady(ctx context.Context, page Page, dashboard bool) error {
	w := n.cfg.Wait

	if err := n.stage(ctx, "network idle", w.NetworkIdleTimeout, func(ctx context.Context) error {
		return page.WaitNetworkIdle(ctx, w.NetworkQuiet)
	}); err != nil {
		return err
	}

	if dashboard {
		if err := n.stage(ctx, "app ready", w.AppReadyTimeout, func(ctx context.Context) error {
			return n.pollBool(ctx, page, appReadyScript, true)
		}); err != nil {
			return err
		}
	}

	if err := n.stage(ctx, "loading indicators", w.LoadingTimeout, func(ctx context.Context) error {
		return n.pollBool(ctx, page, spinnersVisibleScript, false)
	}); err != nil {
		return err
	}

	if dashboard {
		if err := n.stage(ctx, "toast dismissal", w.LoadingTimeout, func(ctx context.Context) error {
			var dismissed bool
			if err := page.Evaluate(ctx, dismissToastScript, &dismissed); err != nil {
				return err
			}
			if dismissed {
				n.logger.Debug("Dismissed toast notification")
			}
			return nil
		}); err != nil {
			return err
		}
	}

	return n.stage(ctx, "paint stability", w.StabilityTimeout, func(ctx context.Context) error {
		return n.waitStable(ctx, page)
	})
}

// stage runs fn under its own timeout. Running out of time is not fatal.
func (n *Navigator) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(sctx)
	switch {
	case err == nil:
		n.logger.Debug("Readiness stage done", "stage", name, "elapsed", time.Since(start))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case IsCrashError(err):
		return Classify(err, "")
	default:
		n.logger.Debug("Readiness stage gave up", "stage", name, "timeout", timeout, "error", err)
		return nil
	}
}

// pollBool evaluates expr until it yields want. Evaluation errors other than
// crashes are retried since the page may be mid-render.
func (n *Navigator) pollBool(ctx context.Context, page Page, expr string, want bool) error {
	ticker := time.NewTicker(n.cfg.Wait.PollInterval)
	defer ticker.Stop()
	for {
		var got bool
		err := page.Evaluate(ctx, expr, &got)
		if err == nil && got == want {
			return nil
		}
		if err != nil && IsCrashError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Navigator) waitStable(ctx context.Context, page Page) error {
	w := n.cfg.Wait
	ticker := time.NewTicker(w.StabilityInterval)
	defer ticker.Stop()

	var last stabilitySample
	same := 0
	for {
		var cur stabilitySample
		err := page.Evaluate(ctx, stabilitySampleScript, &cur)
		switch {
		case err != nil && IsCrashError(err):
			return err
		case err != nil:
			same = 0
		case same > 0 && cur == last:
			same++
		default:
			same = 1
			last = cur
		}
		if same >= w.StabilitySamples {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
