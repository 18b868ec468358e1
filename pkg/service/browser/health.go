package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/utils"
)

// HealthState is the circuit breaker state.
type HealthState string

const (
	StateHealthy    HealthState = "healthy"
	StateDegraded   HealthState = "degraded"
	StateRecovering HealthState = "recovering"
)

const (
	DefaultFailureThreshold = 3
	DefaultRecoveryAttempts = 2
)

// Recoverable is the part of Session the coordinator drives.
type Recoverable interface {
	CleanupWithReason(reason string)
	Relaunch(ctx context.Context) error
}

type HealthConfig struct {
	FailureThreshold int
	RecoveryAttempts int
}

type HealthStatus struct {
	Healthy             bool        `json:"healthy"`
	State               HealthState `json:"state"`
	Reason              string      `json:"reason,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastFailureAt       *time.Time  `json:"lastFailureAt,omitempty"`
}

type RecoveryStats struct {
	TotalRecoveries int        `json:"totalRecoveries"`
	LastRecoveryAt  *time.Time `json:"lastRecoveryAt,omitempty"`
	Recovering      bool       `json:"recovering"`
}

// HealthCoordinator counts consecutive failures and tears the session down
// and relaunches it when they become serious.
type HealthCoordinator struct {
	session Recoverable
	cfg     HealthConfig
	logger  *slog.Logger
	emitter *event.Emitter

	mu              sync.Mutex
	state           HealthState
	failures        int
	lastFailure     error
	lastFailureAt   time.Time
	totalRecoveries int
	lastRecoveryAt  time.Time
}

func NewHealthCoordinator(session Recoverable, cfg HealthConfig, logger *slog.Logger, emitter *event.Emitter) *HealthCoordinator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryAttempts <= 0 {
		cfg.RecoveryAttempts = DefaultRecoveryAttempts
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &HealthCoordinator{
		session: session,
		cfg:     cfg,
		logger:  logger,
		emitter: emitter,
		state:   StateHealthy,
	}
}

func (h *HealthCoordinator) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastFailure = nil
	if h.state != StateRecovering {
		h.state = StateHealthy
	}
}

// RecordFailure notes a classified failure and reports whether the session
// should be recovered now.
func (h *HealthCoordinator) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastFailure = err
	h.lastFailureAt = time.Now()
	if h.state != StateRecovering {
		h.state = StateDegraded
	}

	if IsKind(err, KindBrowserCrash) {
		return true
	}
	return h.failures >= h.cfg.FailureThreshold
}

// Recover cleans the session up and relaunches it.
func (h *HealthCoordinator) Recover(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateRecovering {
		h.mu.Unlock()
		return errors.New("recovery already in progress")
	}
	h.state = StateRecovering
	h.mu.Unlock()

	h.logger.Info("Recovering browser session", "attempts", h.cfg.RecoveryAttempts)
	h.session.CleanupWithReason("recovery")

	var lastErr error
	for attempt := 1; attempt <= h.cfg.RecoveryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		lastErr = h.session.Relaunch(ctx)
		if lastErr == nil {
			h.mu.Lock()
			h.state = StateHealthy
			h.failures = 0
			h.lastFailure = nil
			h.totalRecoveries++
			h.lastRecoveryAt = time.Now()
			total := h.totalRecoveries
			h.mu.Unlock()

			h.logger.Info("Browser session recovered", "attempt", attempt, "totalRecoveries", total)
			h.emitter.Emit(event.HealthRecoveredEvent{TotalRecoveries: total})
			return nil
		}
		h.logger.Warn("Browser relaunch failed", "attempt", attempt, "error", lastErr)
		h.session.CleanupWithReason("recovery")
	}

	h.mu.Lock()
	h.state = StateDegraded
	h.lastFailure = lastErr
	h.lastFailureAt = time.Now()
	h.mu.Unlock()
	return RecoveryFailed(h.cfg.RecoveryAttempts, lastErr)
}

func (h *HealthCoordinator) CheckHealth() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := HealthStatus{
		State:               h.state,
		ConsecutiveFailures: h.failures,
	}
	if !h.lastFailureAt.IsZero() {
		t := h.lastFailureAt
		st.LastFailureAt = &t
	}
	switch {
	case h.state == StateRecovering:
		st.Reason = "recovery in progress"
	case h.failures >= h.cfg.FailureThreshold:
		st.Reason = fmt.Sprintf("%d consecutive failures", h.failures)
		if h.lastFailure != nil {
			st.Reason += ": " + h.lastFailure.Error()
		}
	default:
		st.Healthy = true
	}
	return st
}

func (h *HealthCoordinator) Stats() RecoveryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	rs := RecoveryStats{
		TotalRecoveries: h.totalRecoveries,
		Recovering:      h.state == StateRecovering,
	}
	if !h.lastRecoveryAt.IsZero() {
		t := h.lastRecoveryAt
		rs.LastRecoveryAt = &t
	}
	return rs
}
