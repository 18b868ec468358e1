package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	BrowserLaunched     = "browser.launched"
	BrowserClosed       = "browser.closed"
	BrowserPageError    = "browser.pageError"
	ScreenshotCompleted = "screenshot.completed"
	ScreenshotFailed    = "screenshot.failed"
	HealthRecovered     = "health.recovered"
	HealthSnapshot      = "health.snapshot"
	ScheduleExecuted    = "schedule.executed"
	SchedulesChanged    = "schedule.listChanged"
)

// ============================================================================
// Browser Events
// ============================================================================

// BrowserLaunchedEvent is emitted when a browser process has started.
type BrowserLaunchedEvent struct {
	SessionID string
	Driver    string
}

func (e BrowserLaunchedEvent) EventName() string { return BrowserLaunched }

// BrowserClosedEvent is emitted after the process has been torn down.
// Reason is one of idle, restart, recovery, shutdown, cleanup or disconnected.
type BrowserClosedEvent struct {
	SessionID string
	Reason    string
}

func (e BrowserClosedEvent) EventName() string { return BrowserClosed }

// BrowserPageErrorEvent carries an uncaught page exception.
type BrowserPageErrorEvent struct {
	SessionID string
	Message   string
}

func (e BrowserPageErrorEvent) EventName() string { return BrowserPageError }

// ============================================================================
// Screenshot Events
// ============================================================================

type ScreenshotCompletedEvent struct {
	SessionID  string
	Target     string
	Bytes      int
	DurationMs int64
}

func (e ScreenshotCompletedEvent) EventName() string { return ScreenshotCompleted }

type ScreenshotFailedEvent struct {
	Target string
	Kind   string
	Error  string
}

func (e ScreenshotFailedEvent) EventName() string { return ScreenshotFailed }

// HealthRecoveredEvent is emitted after a successful browser relaunch.
type HealthRecoveredEvent struct {
	TotalRecoveries int
}

func (e HealthRecoveredEvent) EventName() string { return HealthRecovered }

// HealthSnapshotEvent is sent to each websocket client when it connects.
type HealthSnapshotEvent struct {
	Healthy    bool
	State      string
	Reason     string
	Busy       bool
	QueueDepth int
}

func (e HealthSnapshotEvent) EventName() string { return HealthSnapshot }

// ============================================================================
// Schedule Events
// ============================================================================

type ScheduleExecutedEvent struct {
	ScheduleID string
	Success    bool
	SavedPath  string
	Error      string
}

func (e ScheduleExecutedEvent) EventName() string { return ScheduleExecuted }

// SchedulesChangedEvent: clients should refetch the schedule list.
type SchedulesChangedEvent struct{}

func (e SchedulesChangedEvent) EventName() string { return SchedulesChanged }
