package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

var outputFilePattern = regexp.MustCompile(`^inkdash-(\d+)-.*\.(png|jpg|bmp)$`)

// networkErrorPatterns are the failures worth retrying: the target was
// briefly unreachable, not broken.
var networkErrorPatterns = []string{
	"ERR_NAME_NOT_RESOLVED",
	"ERR_CONNECTION_REFUSED",
	"ERR_INTERNET_DISCONNECTED",
	"ERR_NETWORK_CHANGED",
	"ERR_ADDRESS_UNREACHABLE",
	"ENOTFOUND",
	"ECONNREFUSED",
	"no such host",
	"connection refused",
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range networkErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Screenshotter is the capture entry point shared with the HTTP API.
type Screenshotter interface {
	TakeScreenshot(ctx context.Context, params models.ScreenshotParams) (*ScreenshotResult, error)
}

// WebhookUploader posts a finished image somewhere.
type WebhookUploader interface {
	Upload(ctx context.Context, u WebhookUpload) (*WebhookResponse, error)
}

// ImageSink publishes a finished image under a key.
type ImageSink interface {
	Publish(ctx context.Context, key string, image []byte, format string) error
}

type ExecutorConfig struct {
	OutputDir           string
	MaxRetries          int
	RetryDelay          time.Duration
	RetentionMultiplier int
}

type WebhookResult struct {
	Attempted  bool   `json:"attempted"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type SinkResult struct {
	Key     string `json:"key"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ExecutionResult struct {
	ScheduleID string         `json:"scheduleId"`
	Success    bool           `json:"success"`
	SavedPath  string         `json:"savedPath,omitempty"`
	Attempts   int            `json:"attempts"`
	Webhook    *WebhookResult `json:"webhook,omitempty"`
	Redis      *SinkResult    `json:"redis,omitempty"`
}

// ScheduleExecutor runs one schedule: capture with retries, save, prune,
// and deliver.
type ScheduleExecutor struct {
	shots   Screenshotter
	lister  ScheduleLister
	webhook WebhookUploader
	sink    ImageSink
	cfg     ExecutorConfig
	logger  *slog.Logger
	emitter *event.Emitter

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewScheduleExecutor wires an executor. webhook and sink may be nil.
func NewScheduleExecutor(shots Screenshotter, lister ScheduleLister, webhook WebhookUploader, sink ImageSink, cfg ExecutorConfig, logger *slog.Logger, emitter *event.Emitter) *ScheduleExecutor {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if cfg.RetentionMultiplier <= 0 {
		cfg.RetentionMultiplier = 2
	}
	return &ScheduleExecutor{
		shots:   shots,
		lister:  lister,
		webhook: webhook,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		emitter: emitter,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

func (e *ScheduleExecutor) Execute(ctx context.Context, sc models.Schedule) (*ExecutionResult, error) {
	res := &ExecutionResult{ScheduleID: sc.ID}

	shot, attempts, err := e.capture(ctx, sc)
	res.Attempts = attempts
	if err != nil {
		e.finish(sc, res, err)
		return res, err
	}

	path, err := e.save(sc, shot)
	if err != nil {
		e.finish(sc, res, err)
		return res, err
	}
	res.SavedPath = path
	res.Success = true
	e.prune()

	if sc.Webhook != nil && sc.Webhook.URL != "" && e.webhook != nil {
		res.Webhook = e.deliver(ctx, sc, shot)
	}
	if sc.RedisKey != "" && e.sink != nil {
		res.Redis = e.publish(ctx, sc, shot)
	}

	e.finish(sc, res, nil)
	return res, nil
}

func (e *ScheduleExecutor) capture(ctx context.Context, sc models.Schedule) (*ScreenshotResult, int, error) {
	attempts := e.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		shot, err := e.shots.TakeScreenshot(ctx, sc.Params)
		if err == nil {
			return shot, attempt, nil
		}
		lastErr = err
		if attempt == attempts || !isNetworkError(err) {
			return nil, attempt, err
		}
		e.logger.Warn("Scheduled capture failed, retrying",
			"scheduleID", sc.ID, "attempt", attempt, "maxAttempts", attempts, "delay", e.cfg.RetryDelay, "error", err)
		if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, attempts, lastErr
}

func (e *ScheduleExecutor) save(sc models.Schedule, shot *ScreenshotResult) (string, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("inkdash-%d-%s.%s", e.now().UnixMilli(), slugify(sc.Name, sc.ID), models.FileExtension(shot.Format))
	path := filepath.Join(e.cfg.OutputDir, name)
	if err := os.WriteFile(path, shot.Image, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// prune keeps the newest max(1, enabled*multiplier) output files.
func (e *ScheduleExecutor) prune() {
	enabled := 0
	if list, err := e.lister.LoadSchedules(); err == nil {
		for _, sc := range list {
			if sc.Enabled {
				enabled++
			}
		}
	}
	keep := enabled * e.cfg.RetentionMultiplier
	if keep < 1 {
		keep = 1
	}

	entries, err := os.ReadDir(e.cfg.OutputDir)
	if err != nil {
		e.logger.Warn("Failed to list output dir", "dir", e.cfg.OutputDir, "error", err)
		return
	}
	type outFile struct {
		name string
		ts   int64
	}
	var files []outFile
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := outputFilePattern.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		ts, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, outFile{name: ent.Name(), ts: ts})
	}
	if len(files) <= keep {
		return
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ts != files[j].ts {
			return files[i].ts < files[j].ts
		}
		return files[i].name < files[j].name
	})
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(filepath.Join(e.cfg.OutputDir, f.name)); err != nil {
			e.logger.Warn("Failed to prune output file", "file", f.name, "error", err)
			continue
		}
		e.logger.Debug("Pruned output file", "file", f.name)
	}
}

func (e *ScheduleExecutor) deliver(ctx context.Context, sc models.Schedule, shot *ScreenshotResult) *WebhookResult {
	wr := &WebhookResult{Attempted: true}
	resp, err := e.webhook.Upload(ctx, WebhookUpload{
		URL:     sc.Webhook.URL,
		Headers: sc.Webhook.Headers,
		Image:   shot.Image,
		Format:  shot.Format,
	})
	if resp != nil {
		wr.StatusCode = resp.Status
	}
	if err != nil {
		var se *WebhookStatusError
		if errors.As(err, &se) {
			wr.StatusCode = se.Status
		}
		wr.Error = err.Error()
		e.logger.Warn("Webhook delivery failed", "scheduleID", sc.ID, "url", sc.Webhook.URL, "error", err)
	} else {
		wr.Success = true
		e.logger.Info("Webhook delivered", "scheduleID", sc.ID, "status", wr.StatusCode)
	}
	metricWebhookDeliveries.WithLabelValues(resultLabel(wr.Success)).Inc()
	return wr
}

func (e *ScheduleExecutor) publish(ctx context.Context, sc models.Schedule, shot *ScreenshotResult) *SinkResult {
	sr := &SinkResult{Key: sc.RedisKey}
	if err := e.sink.Publish(ctx, sc.RedisKey, shot.Image, shot.Format); err != nil {
		sr.Error = err.Error()
		e.logger.Warn("Redis publish failed", "scheduleID", sc.ID, "key", sc.RedisKey, "error", err)
		return sr
	}
	sr.Success = true
	return sr
}

func (e *ScheduleExecutor) finish(sc models.Schedule, res *ExecutionResult, err error) {
	metricScheduleRuns.WithLabelValues(resultLabel(res.Success)).Inc()
	ev := event.ScheduleExecutedEvent{ScheduleID: sc.ID, Success: res.Success, SavedPath: res.SavedPath}
	if err != nil {
		ev.Error = err.Error()
	}
	e.emitter.Emit(ev)
}

// slugify makes a short file-name-safe tag from a schedule name.
func slugify(name, fallback string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		s = fallback
		if len(s) > 8 {
			s = s[:8]
		}
	}
	if s == "" {
		s = "schedule"
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
