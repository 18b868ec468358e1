package models

// RuntimeInfo describes the running service for clients and dashboards.
// It is intentionally small and stable.
type RuntimeInfo struct {
	HTTPBaseURL  string `json:"http_base_url"`
	WSBaseURL    string `json:"ws_base_url"`
	Port         int    `json:"port"`
	Driver       string `json:"driver"`
	DashboardURL string `json:"dashboard_url"`
}
