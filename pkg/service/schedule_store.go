package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

// ErrScheduleNotFound is returned for unknown schedule IDs.
var ErrScheduleNotFound = errors.New("schedule not found")

const watchDebounce = 200 * time.Millisecond

// ScheduleLister is how the scheduler and executor read schedules.
type ScheduleLister interface {
	LoadSchedules() ([]models.Schedule, error)
}

// ScheduleStore keeps schedules in memory backed by a JSON file.
type ScheduleStore struct {
	mu       sync.RWMutex
	store    map[string]*models.Schedule
	order    []string
	dataFile string

	writes      keyedMutex
	lastWritten []byte

	subsMu sync.Mutex
	subs   []func()

	logger  *slog.Logger
	emitter *event.Emitter
}

// NewScheduleStore loads <dataDir>/schedules.json, creating dataDir if needed.
func NewScheduleStore(dataDir string, logger *slog.Logger, emitter *event.Emitter) (*ScheduleStore, error) {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &ScheduleStore{
		store:    make(map[string]*models.Schedule),
		dataFile: filepath.Join(dataDir, "schedules.json"),
		logger:   logger,
		emitter:  emitter,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	return s, nil
}

func (s *ScheduleStore) Path() string { return s.dataFile }

func (s *ScheduleStore) load() error {
	data, err := os.ReadFile(s.dataFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.replace(data)
}

func (s *ScheduleStore) replace(data []byte) error {
	var list []models.Schedule
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
	}
	store := make(map[string]*models.Schedule, len(list))
	order := make([]string, 0, len(list))
	for i := range list {
		sc := list[i]
		if sc.ID == "" {
			sc.ID = uuid.New().String()
		}
		if _, dup := store[sc.ID]; dup {
			continue
		}
		store[sc.ID] = &sc
		order = append(order, sc.ID)
	}
	s.mu.Lock()
	s.store, s.order = store, order
	s.mu.Unlock()
	return nil
}

// save writes the current state atomically.
func (s *ScheduleStore) save() error {
	unlock := s.writes.Lock(s.dataFile)
	defer unlock()

	s.mu.RLock()
	list := make([]models.Schedule, 0, len(s.order))
	for _, id := range s.order {
		if sc, ok := s.store[id]; ok {
			list = append(list, *sc)
		}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.dataFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dataFile); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.mu.Lock()
	s.lastWritten = data
	s.mu.Unlock()
	return nil
}

// OnChange registers fn to run after every change, local or on disk.
func (s *ScheduleStore) OnChange(fn func()) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

func (s *ScheduleStore) notify() {
	s.subsMu.Lock()
	subs := append([]func(){}, s.subs...)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
	s.emitter.Emit(event.SchedulesChangedEvent{})
}

func (s *ScheduleStore) List() []models.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]models.Schedule, 0, len(s.order))
	for _, id := range s.order {
		if sc, ok := s.store[id]; ok {
			res = append(res, cloneSchedule(sc))
		}
	}
	return res
}

// LoadSchedules implements ScheduleLister.
func (s *ScheduleStore) LoadSchedules() ([]models.Schedule, error) {
	return s.List(), nil
}

func (s *ScheduleStore) Get(id string) (*models.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.store[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	c := cloneSchedule(sc)
	return &c, nil
}

func (s *ScheduleStore) Create(req *models.CreateScheduleRequest) (*models.Schedule, error) {
	sc := models.Schedule{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(req.Name),
		Enabled:   true,
		Cron:      strings.TrimSpace(req.Cron),
		Params:    req.Params,
		Webhook:   req.Webhook,
		RedisKey:  req.RedisKey,
		UpdatedAt: time.Now().UTC(),
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if err := ValidateSchedule(&sc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.store[sc.ID] = &sc
	s.order = append(s.order, sc.ID)
	s.mu.Unlock()
	if err := s.save(); err != nil {
		// rollback
		s.mu.Lock()
		delete(s.store, sc.ID)
		s.order = s.order[:len(s.order)-1]
		s.mu.Unlock()
		return nil, err
	}
	s.notify()
	c := cloneSchedule(&sc)
	return &c, nil
}

func (s *ScheduleStore) Update(id string, req *models.UpdateScheduleRequest) (*models.Schedule, error) {
	s.mu.Lock()
	cur, ok := s.store[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrScheduleNotFound
	}
	next := cloneSchedule(cur)
	s.mu.Unlock()

	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
	}
	if req.Cron != nil {
		next.Cron = strings.TrimSpace(*req.Cron)
	}
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if req.Params != nil {
		next.Params = *req.Params
	}
	if req.Webhook != nil {
		if req.Webhook.URL == "" {
			next.Webhook = nil
		} else {
			next.Webhook = req.Webhook
		}
	}
	if req.RedisKey != nil {
		next.RedisKey = *req.RedisKey
	}
	next.UpdatedAt = time.Now().UTC()
	if err := ValidateSchedule(&next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.store[id]
	s.store[id] = &next
	s.mu.Unlock()
	if err := s.save(); err != nil {
		// rollback
		s.mu.Lock()
		s.store[id] = old
		s.mu.Unlock()
		return nil, err
	}
	s.notify()
	c := cloneSchedule(&next)
	return &c, nil
}

func (s *ScheduleStore) Delete(id string) error {
	s.mu.Lock()
	old, ok := s.store[id]
	if !ok {
		s.mu.Unlock()
		return ErrScheduleNotFound
	}
	oldOrder := append([]string{}, s.order...)
	delete(s.store, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if err := s.save(); err != nil {
		// rollback
		s.mu.Lock()
		s.store[id] = old
		s.order = oldOrder
		s.mu.Unlock()
		return err
	}
	s.notify()
	return nil
}

// Watch reloads the file when it is edited by something other than this
// store. It blocks until ctx is done.
func (s *ScheduleStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.dataFile)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.dataFile), err)
	}

	name := filepath.Clean(s.dataFile)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Schedule watcher error", "error", err)
		case <-debounce:
			debounce = nil
			s.reloadFromDisk()
		}
	}
}

func (s *ScheduleStore) reloadFromDisk() {
	data, err := os.ReadFile(s.dataFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Failed to read schedules file", "path", s.dataFile, "error", err)
		return
	}
	s.mu.RLock()
	same := bytes.Equal(data, s.lastWritten)
	s.mu.RUnlock()
	if same {
		return
	}
	if err := s.replace(data); err != nil {
		s.logger.Warn("Ignoring invalid schedules file", "path", s.dataFile, "error", err)
		return
	}
	s.mu.Lock()
	s.lastWritten = data
	s.mu.Unlock()
	s.logger.Info("Schedules reloaded from disk", "path", s.dataFile)
	s.notify()
}

// ValidateSchedule checks a schedule before it is stored.
func ValidateSchedule(sc *models.Schedule) error {
	if sc.Name == "" {
		return errors.New("name is required")
	}
	if sc.Cron == "" {
		return errors.New("cron is required")
	}
	if _, err := cronParser.Parse(sc.Cron); err != nil {
		return fmt.Errorf("invalid cron %q: %w", sc.Cron, err)
	}
	if sc.Params.TargetURL == "" && sc.Params.PagePath == "" {
		return errors.New("params.pagePath or params.targetUrl is required")
	}
	switch models.NormalizeFormat(sc.Params.Format) {
	case models.FormatPNG, models.FormatJPEG, models.FormatBMP:
	default:
		return fmt.Errorf("unsupported format %q", sc.Params.Format)
	}
	if sc.Webhook != nil {
		u, err := url.Parse(sc.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook url %q", sc.Webhook.URL)
		}
	}
	return nil
}

func cloneSchedule(sc *models.Schedule) models.Schedule {
	c := *sc
	c.Params = cloneParams(sc.Params)
	if sc.Webhook != nil {
		w := *sc.Webhook
		if sc.Webhook.Headers != nil {
			w.Headers = make(map[string]string, len(sc.Webhook.Headers))
			for k, v := range sc.Webhook.Headers {
				w.Headers[k] = v
			}
		}
		c.Webhook = &w
	}
	return c
}

func cloneParams(p models.ScreenshotParams) models.ScreenshotParams {
	c := p
	if p.WaitMs != nil {
		v := *p.WaitMs
		c.WaitMs = &v
	}
	if p.Dark != nil {
		v := *p.Dark
		c.Dark = &v
	}
	if p.Dithering != nil {
		v := *p.Dithering
		c.Dithering = &v
	}
	if p.Crop != nil {
		v := *p.Crop
		c.Crop = &v
	}
	return c
}
