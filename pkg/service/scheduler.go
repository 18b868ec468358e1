package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

// cronParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduleRunner executes one schedule.
type ScheduleRunner interface {
	Execute(ctx context.Context, sc models.Schedule) (*ExecutionResult, error)
}

// Scheduler fires enabled schedules on their cron specs.
type Scheduler struct {
	lister ScheduleLister
	runner ScheduleRunner
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
}

func NewScheduler(lister ScheduleLister, runner ScheduleRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		lister: lister,
		runner: runner,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// Run starts the cron loop and blocks until ctx is done. Jobs still running
// at that point are waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		s.logger.Warn("Initial schedule load failed", "error", err)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

// Reload replaces all cron entries with the currently enabled schedules.
func (s *Scheduler) Reload() error {
	list, err := s.lister.LoadSchedules()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, sc := range list {
		if !sc.Enabled {
			continue
		}
		sc := sc
		entry, err := s.cron.AddFunc(sc.Cron, func() { s.fire(sc) })
		if err != nil {
			s.logger.Warn("Skipping schedule with invalid cron", "scheduleID", sc.ID, "cron", sc.Cron, "error", err)
			continue
		}
		s.entries[sc.ID] = entry
	}
	s.logger.Info("Schedules loaded", "enabled", len(s.entries), "total", len(list))
	return nil
}

func (s *Scheduler) fire(sc models.Schedule) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	s.logger.Info("Running schedule", "scheduleID", sc.ID, "name", sc.Name)
	res, err := s.runner.Execute(ctx, sc)
	if err != nil {
		s.logger.Warn("Schedule run failed", "scheduleID", sc.ID, "error", err)
		return
	}
	s.logger.Info("Schedule run finished", "scheduleID", sc.ID, "savedPath", res.SavedPath, "attempts", res.Attempts)
}

// RunNow executes a schedule immediately, outside its cron spec.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*ExecutionResult, error) {
	list, err := s.lister.LoadSchedules()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	for _, sc := range list {
		if sc.ID == id {
			return s.runner.Execute(ctx, sc)
		}
	}
	return nil, ErrScheduleNotFound
}

// NextRun reports when a schedule fires next.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(entry).Next
	return next, !next.IsZero()
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
