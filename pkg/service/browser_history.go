package service

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

// BrowserHistoryService records every browser process launched by the
// session, with its capture count and why it was closed.
type BrowserHistoryService struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewBrowserHistoryService(db *gorm.DB, logger *slog.Logger) (*BrowserHistoryService, error) {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if err := db.AutoMigrate(&models.BrowserSessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate browser sessions: %w", err)
	}
	s := &BrowserHistoryService{db: db, logger: logger}
	s.closeStaleRecords()
	return s, nil
}

// closeStaleRecords marks rows left running by a previous process as closed.
func (s *BrowserHistoryService) closeStaleRecords() {
	res := s.db.Model(&models.BrowserSessionRecord{}).
		Where("status = ?", models.BrowserSessionStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.BrowserSessionStatusClosed,
			"close_reason": "stale",
			"closed_at":    time.Now(),
		})
	if res.Error != nil {
		s.logger.Warn("Failed to close stale browser records", "error", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Marked stale browser records as closed", "count", res.RowsAffected)
	}
}

// Attach subscribes the recorder to browser and capture events. The
// returned function detaches it.
func (s *BrowserHistoryService) Attach(em *event.Emitter) func() {
	offs := []func(){
		em.On(event.BrowserLaunched, func(ev event.Event) {
			e := ev.(event.BrowserLaunchedEvent)
			s.recordLaunch(e.SessionID, e.Driver)
		}),
		em.On(event.BrowserClosed, func(ev event.Event) {
			e := ev.(event.BrowserClosedEvent)
			s.recordClose(e.SessionID, e.Reason)
		}),
		em.On(event.ScreenshotCompleted, func(ev event.Event) {
			s.increment(ev.(event.ScreenshotCompletedEvent).SessionID, "captures")
		}),
		em.On(event.BrowserPageError, func(ev event.Event) {
			s.increment(ev.(event.BrowserPageErrorEvent).SessionID, "page_errors")
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (s *BrowserHistoryService) recordLaunch(id, driver string) {
	rec := &models.BrowserSessionRecord{
		ID:         id,
		Driver:     driver,
		Status:     models.BrowserSessionStatusRunning,
		LaunchedAt: time.Now(),
	}
	if err := s.db.Create(rec).Error; err != nil {
		s.logger.Warn("Failed to save browser session record", "sessionID", id, "error", err)
	}
}

func (s *BrowserHistoryService) recordClose(id, reason string) {
	if id == "" {
		return
	}
	status := models.BrowserSessionStatusClosed
	if reason == "recovery" || reason == "disconnected" {
		status = models.BrowserSessionStatusCrashed
	}
	err := s.db.Model(&models.BrowserSessionRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       status,
		"close_reason": reason,
		"closed_at":    time.Now(),
	}).Error
	if err != nil {
		s.logger.Warn("Failed to update browser session record", "sessionID", id, "error", err)
	}
}

func (s *BrowserHistoryService) increment(id, column string) {
	if id == "" {
		return
	}
	err := s.db.Model(&models.BrowserSessionRecord{}).Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
	if err != nil {
		s.logger.Debug("Failed to update browser session counter", "sessionID", id, "column", column, "error", err)
	}
}

// List returns the most recent sessions first.
func (s *BrowserHistoryService) List(limit int) ([]models.BrowserSessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var records []models.BrowserSessionRecord
	if err := s.db.Order("launched_at desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
