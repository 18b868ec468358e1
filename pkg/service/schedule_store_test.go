package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdash/inkdash/pkg/models"
)

func createReq(name string) *models.CreateScheduleRequest {
	return &models.CreateScheduleRequest{
		Name:   name,
		Cron:   "*/5 * * * *",
		Params: models.ScreenshotParams{PagePath: "/lovelace/0", Viewport: models.Viewport{Width: 800, Height: 480}},
	}
}

func TestScheduleStore_CRUDPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewScheduleStore(dir, nil, nil)
	require.NoError(t, err)

	var changes atomic.Int32
	store.OnChange(func() { changes.Add(1) })

	created, err := store.Create(createReq("  Kitchen  "))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Kitchen", created.Name)
	assert.True(t, created.Enabled, "enabled by default")

	disabled := false
	name := "Hallway"
	updated, err := store.Update(created.ID, &models.UpdateScheduleRequest{Name: &name, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, "Hallway", updated.Name)
	assert.False(t, updated.Enabled)

	second, err := store.Create(createReq("Office"))
	require.NoError(t, err)

	reopened, err := NewScheduleStore(dir, nil, nil)
	require.NoError(t, err)
	list := reopened.List()
	require.Len(t, list, 2)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, "Hallway", list[0].Name)
	assert.Equal(t, second.ID, list[1].ID)

	require.NoError(t, store.Delete(created.ID))
	_, err = store.Get(created.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	assert.ErrorIs(t, store.Delete(created.ID), ErrScheduleNotFound)
	assert.EqualValues(t, 4, changes.Load())
}

func TestScheduleStore_ReturnsCopies(t *testing.T) {
	store, err := NewScheduleStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	req := createReq("Kitchen")
	req.Webhook = &models.WebhookConfig{URL: "http://display.local/upload", Headers: map[string]string{"A": "1"}}
	created, err := store.Create(req)
	require.NoError(t, err)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.Webhook.Headers["A"] = "2"

	again, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", again.Name)
	assert.Equal(t, "1", again.Webhook.Headers["A"])
}

func TestScheduleStore_UpdateClearsWebhook(t *testing.T) {
	store, err := NewScheduleStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	req := createReq("Kitchen")
	req.Webhook = &models.WebhookConfig{URL: "http://display.local/upload"}
	created, err := store.Create(req)
	require.NoError(t, err)

	updated, err := store.Update(created.ID, &models.UpdateScheduleRequest{Webhook: &models.WebhookConfig{}})
	require.NoError(t, err)
	assert.Nil(t, updated.Webhook)
}

func TestScheduleStore_RollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	store, err := NewScheduleStore(dir, nil, nil)
	require.NoError(t, err)
	created, err := store.Create(createReq("Kitchen"))
	require.NoError(t, err)

	// A directory where the temp file goes makes every save fail.
	require.NoError(t, os.Mkdir(store.Path()+".tmp", 0o755))

	_, err = store.Create(createReq("Office"))
	require.Error(t, err)
	assert.Len(t, store.List(), 1)

	name := "Renamed"
	_, err = store.Update(created.ID, &models.UpdateScheduleRequest{Name: &name})
	require.Error(t, err)
	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", got.Name)

	require.Error(t, store.Delete(created.ID))
	assert.Len(t, store.List(), 1)
}

func TestScheduleStore_Validation(t *testing.T) {
	store, err := NewScheduleStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	cases := map[string]func(*models.CreateScheduleRequest){
		"missing name":  func(r *models.CreateScheduleRequest) { r.Name = " " },
		"bad cron":      func(r *models.CreateScheduleRequest) { r.Cron = "every tuesday" },
		"no target":     func(r *models.CreateScheduleRequest) { r.Params.PagePath = "" },
		"bad format":    func(r *models.CreateScheduleRequest) { r.Params.Format = "webp" },
		"bad webhook":   func(r *models.CreateScheduleRequest) { r.Webhook = &models.WebhookConfig{URL: "ftp://x"} },
		"relative hook": func(r *models.CreateScheduleRequest) { r.Webhook = &models.WebhookConfig{URL: "/upload"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := createReq("Kitchen")
			mutate(req)
			_, err := store.Create(req)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, store.List())

	for _, spec := range []string{"0 */5 * * * *", "@every 10m", "@hourly", "30 6 * * 1-5"} {
		req := createReq("ok")
		req.Cron = spec
		_, err := store.Create(req)
		assert.NoError(t, err, spec)
	}
}

func TestScheduleStore_WatchReloadsExternalEdits(t *testing.T) {
	dir := t.TempDir()
	store, err := NewScheduleStore(dir, nil, nil)
	require.NoError(t, err)
	_, err = store.Create(createReq("Kitchen"))
	require.NoError(t, err)

	var changes atomic.Int32
	store.OnChange(func() { changes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- store.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	external := []models.Schedule{
		{ID: "ext-1", Name: "From disk", Enabled: true, Cron: "@hourly", Params: models.ScreenshotParams{PagePath: "/"}},
	}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedules.json"), data, 0o644))

	require.Eventually(t, func() bool {
		list := store.List()
		return len(list) == 1 && list[0].ID == "ext-1"
	}, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(1))

	cancel()
	assert.NoError(t, <-watchDone)
}

func TestScheduleStore_LoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	body := `[{"id":"a","name":"A","enabled":true,"cron":"@hourly","params":{"pagePath":"/"}},` +
		`{"id":"a","name":"dup","enabled":true,"cron":"@hourly","params":{"pagePath":"/"}},` +
		`{"name":"no id","enabled":false,"cron":"@daily","params":{"pagePath":"/x"}}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedules.json"), []byte(body), 0o644))

	store, err := NewScheduleStore(dir, nil, nil)
	require.NoError(t, err)
	list, err := store.LoadSchedules()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Name)
	assert.NotEmpty(t, list[1].ID)
}

func TestScheduleStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedules.json"), []byte("{not json"), 0o644))
	_, err := NewScheduleStore(dir, nil, nil)
	assert.Error(t, err)
}
