package models

import "time"

// BrowserSessionStatus is the lifecycle state of one launched browser process
type BrowserSessionStatus string

const (
	BrowserSessionStatusRunning BrowserSessionStatus = "running"
	BrowserSessionStatusClosed  BrowserSessionStatus = "closed"
	BrowserSessionStatusCrashed BrowserSessionStatus = "crashed"
)

// BrowserSessionRecord is the persisted history of a browser process, from
// launch until it was closed for idleness, restart, recovery or shutdown.
type BrowserSessionRecord struct {
	ID          string               `json:"id" gorm:"primaryKey;size:36"`
	Driver      string               `json:"driver" gorm:"size:20"`
	Status      BrowserSessionStatus `json:"status" gorm:"size:20;index"`
	Captures    int                  `json:"captures"`
	PageErrors  int                  `json:"page_errors"`
	CloseReason string               `json:"close_reason,omitempty" gorm:"size:200"`
	LaunchedAt  time.Time            `json:"launched_at" gorm:"index"`
	ClosedAt    *time.Time           `json:"closed_at,omitempty"`
}

// TableName specifies the table name
func (BrowserSessionRecord) TableName() string {
	return "browser_sessions"
}

// BrowserSessionListResponse browser history list response
type BrowserSessionListResponse struct {
	Sessions []BrowserSessionRecord `json:"sessions"`
	Total    int                    `json:"total"`
}
