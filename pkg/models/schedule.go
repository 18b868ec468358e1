package models

import "time"

// Schedule captures a page on a cron trigger and delivers the result.
type Schedule struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Enabled   bool             `json:"enabled"`
	Cron      string           `json:"cron"`
	Params    ScreenshotParams `json:"params"`
	Webhook   *WebhookConfig   `json:"webhook,omitempty"`
	RedisKey  string           `json:"redisKey,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// WebhookConfig is where a scheduled image gets POSTed.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type CreateScheduleRequest struct {
	Name     string           `json:"name" binding:"required"`
	Cron     string           `json:"cron" binding:"required"`
	Enabled  *bool            `json:"enabled"`
	Params   ScreenshotParams `json:"params"`
	Webhook  *WebhookConfig   `json:"webhook"`
	RedisKey string           `json:"redisKey"`
}

type UpdateScheduleRequest struct {
	Name     *string           `json:"name"`
	Cron     *string           `json:"cron"`
	Enabled  *bool             `json:"enabled"`
	Params   *ScreenshotParams `json:"params"`
	Webhook  *WebhookConfig    `json:"webhook"`
	RedisKey *string           `json:"redisKey"`
}

type ScheduleListResponse struct {
	Schedules []Schedule `json:"schedules"`
	Total     int        `json:"total"`
}
