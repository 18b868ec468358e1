package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdash/inkdash/pkg/models"
)

type recordingRunner struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRunner) Execute(ctx context.Context, sc models.Schedule) (*ExecutionResult, error) {
	r.mu.Lock()
	r.ids = append(r.ids, sc.ID)
	r.mu.Unlock()
	return &ExecutionResult{ScheduleID: sc.ID, Success: true, Attempts: 1}, nil
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestScheduler_RunNow(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(fakeLister{schedules: []models.Schedule{
		{ID: "a", Enabled: false, Cron: "@hourly"},
	}}, runner, nil)

	res, err := s.RunNow(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", res.ScheduleID)
	assert.Equal(t, []string{"a"}, runner.Calls(), "disabled schedules can still be run by hand")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestScheduler_ReloadSkipsDisabledAndInvalid(t *testing.T) {
	s := NewScheduler(fakeLister{schedules: []models.Schedule{
		{ID: "on", Enabled: true, Cron: "@hourly"},
		{ID: "off", Enabled: false, Cron: "@hourly"},
		{ID: "broken", Enabled: true, Cron: "not a cron"},
	}}, &recordingRunner{}, nil)

	require.NoError(t, s.Reload())
	assert.Len(t, s.entries, 1)
	assert.Contains(t, s.entries, "on")
}

func TestScheduler_FiresAndReportsNextRun(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(fakeLister{schedules: []models.Schedule{
		{ID: "fast", Enabled: true, Cron: "@every 1s"},
		{ID: "slow", Enabled: true, Cron: "@every 1h"},
	}}, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := s.NextRun("slow")
		return ok
	}, time.Second, 10*time.Millisecond)
	next, _ := s.NextRun("slow")
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	require.Eventually(t, func() bool {
		for _, id := range runner.Calls() {
			if id == "fast" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	_, ok := s.NextRun("unknown")
	assert.False(t, ok)

	cancel()
	require.NoError(t, <-done)
}
