package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory
// (or the path in INKDASH_CONFIG). All fields are optional; accessors
// apply defaults and ApplyEnv overlays environment variables.
//
// Example (~/.inkdash/config.yaml):
//
//	server:
//	  host: 0.0.0.0
//	  port: 10000
//	home_assistant:
//	  url: http://homeassistant.local:8123
//	  token: <long-lived access token>
//	browser:
//	  driver: chromedp
//	  idle_timeout_ms: 30000
//	  protocol_timeout_ms: 30000
//	  max_captures_before_restart: 100
//	scheduler:
//	  max_retries: 3
//	  retry_delay_ms: 5000
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
type AppConfig struct {
	Server        ServerConfig        `yaml:"server"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Browser       BrowserConfig       `yaml:"browser"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type HomeAssistantConfig struct {
	URL   *string `yaml:"url"`
	Token *string `yaml:"token"`
}

type BrowserConfig struct {
	Driver                   *string    `yaml:"driver"`
	ExecPath                 *string    `yaml:"exec_path"`
	RemoteURL                *string    `yaml:"remote_url"`
	Headless                 *bool      `yaml:"headless"`
	IdleTimeoutMs            *int       `yaml:"idle_timeout_ms"`
	KeepOpen                 *bool      `yaml:"keep_open"`
	MaxCapturesBeforeRestart *int       `yaml:"max_captures_before_restart"`
	MaxPendingPreloads       *int       `yaml:"max_pending_preloads"`
	NavigationTimeoutMs      *int       `yaml:"navigation_timeout_ms"`
	ProtocolTimeoutMs        *int       `yaml:"protocol_timeout_ms"`
	MinSettleMs              *int       `yaml:"min_settle_ms"`
	FailureThreshold         *int       `yaml:"failure_threshold"`
	RecoveryAttempts         *int       `yaml:"recovery_attempts"`
	Wait                     WaitConfig `yaml:"wait"`
}

// WaitConfig bounds each readiness stage. A zero timeout disables the stage.
type WaitConfig struct {
	NetworkIdleTimeoutMs *int `yaml:"network_idle_timeout_ms"`
	NetworkQuietMs       *int `yaml:"network_quiet_ms"`
	AppReadyTimeoutMs    *int `yaml:"app_ready_timeout_ms"`
	LoadingTimeoutMs     *int `yaml:"loading_timeout_ms"`
	StabilityTimeoutMs   *int `yaml:"stability_timeout_ms"`
	StabilityIntervalMs  *int `yaml:"stability_interval_ms"`
	StabilitySamples     *int `yaml:"stability_samples"`
	ZoomSettleMs         *int `yaml:"zoom_settle_ms"`
	LangSettleMs         *int `yaml:"lang_settle_ms"`
	ThemeSettleMs        *int `yaml:"theme_settle_ms"`
}

type SchedulerConfig struct {
	MaxRetries          *int    `yaml:"max_retries"`
	RetryDelayMs        *int    `yaml:"retry_delay_ms"`
	RetentionMultiplier *int    `yaml:"retention_multiplier"`
	OutputDir           *string `yaml:"output_dir"`
}

type StorageConfig struct {
	DataDir *string `yaml:"data_dir"`
}

type RedisConfig struct {
	URL *string `yaml:"url"`
}

type LogConfig struct {
	Level *string `yaml:"level"`
}

const (
	DefaultHost                     = "0.0.0.0"
	DefaultPort                     = 10000
	DefaultHomeAssistantURL         = "http://homeassistant:8123"
	DefaultDriver                   = "chromedp"
	DefaultIdleTimeoutMs            = 30000
	DefaultMaxCapturesBeforeRestart = 100
	DefaultMaxPendingPreloads       = 100
	DefaultNavigationTimeoutMs      = 30000
	DefaultProtocolTimeoutMs        = 30000
	DefaultMinSettleMs              = 500
	DefaultFailureThreshold         = 3
	DefaultRecoveryAttempts         = 2
	DefaultSchedulerMaxRetries      = 3
	DefaultSchedulerRetryDelayMs    = 5000
	DefaultRetentionMultiplier      = 2
	DefaultLogLevel                 = "info"

	DriverChromedp = "chromedp"
	DriverRod      = "rod"
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	if p := strings.TrimSpace(os.Getenv("INKDASH_CONFIG")); p != "" {
		return filepath.Dir(p), p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".inkdash")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads the config file.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w in %s", err, configFile)
	}

	return cfg, configFile, nil
}

// Validate checks values that have no sensible fallback.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return errors.New("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	u, err := url.Parse(c.HomeAssistantURL())
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid home_assistant.url %q", c.HomeAssistantURL())
	}
	switch c.Driver() {
	case DriverChromedp, DriverRod:
	default:
		return fmt.Errorf("invalid browser.driver %q (want %s or %s)", c.Driver(), DriverChromedp, DriverRod)
	}
	if c.Browser.MaxPendingPreloads != nil && *c.Browser.MaxPendingPreloads < 0 {
		return errors.New("invalid browser.max_pending_preloads (negative)")
	}
	if c.Browser.MaxCapturesBeforeRestart != nil && *c.Browser.MaxCapturesBeforeRestart < 0 {
		return errors.New("invalid browser.max_captures_before_restart (negative)")
	}
	if c.ProtocolTimeout() <= 0 {
		return errors.New("invalid browser.protocol_timeout_ms (must be positive)")
	}
	if c.SchedulerMaxRetries() < 1 {
		return errors.New("invalid scheduler.max_retries (must be at least 1)")
	}
	return nil
}

// ApplyEnv overlays environment variables on top of file values.
func (c *AppConfig) ApplyEnv() error {
	var errs []error
	setString := func(key string, dst **string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = ptr(strings.TrimSpace(v))
		}
	}
	setInt := func(key string, dst **int) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
			return
		}
		*dst = ptr(n)
	}
	setBool := func(key string, dst **bool) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
			return
		}
		*dst = ptr(b)
	}

	setString("INKDASH_HOST", &c.Server.Host)
	setInt("INKDASH_PORT", &c.Server.Port)
	setString("HOME_ASSISTANT_URL", &c.HomeAssistant.URL)
	setString("HOME_ASSISTANT_TOKEN", &c.HomeAssistant.Token)
	setString("BROWSER_DRIVER", &c.Browser.Driver)
	setString("BROWSER_EXEC_PATH", &c.Browser.ExecPath)
	setString("BROWSER_REMOTE_URL", &c.Browser.RemoteURL)
	setInt("BROWSER_IDLE_TIMEOUT_MS", &c.Browser.IdleTimeoutMs)
	setInt("BROWSER_PROTOCOL_TIMEOUT_MS", &c.Browser.ProtocolTimeoutMs)
	setBool("KEEP_BROWSER_OPEN", &c.Browser.KeepOpen)
	setInt("MAX_SCREENSHOTS_BEFORE_RESTART", &c.Browser.MaxCapturesBeforeRestart)
	setInt("MAX_NEXT_REQUESTS", &c.Browser.MaxPendingPreloads)
	setInt("SCHEDULER_MAX_RETRIES", &c.Scheduler.MaxRetries)
	setInt("SCHEDULER_RETRY_DELAY_MS", &c.Scheduler.RetryDelayMs)
	setInt("SCHEDULER_RETENTION_MULTIPLIER", &c.Scheduler.RetentionMultiplier)
	setString("OUTPUT_DIR", &c.Scheduler.OutputDir)
	setString("DATA_DIR", &c.Storage.DataDir)
	setString("REDIS_URL", &c.Redis.URL)
	setString("INKDASH_LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:        ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		HomeAssistant: HomeAssistantConfig{URL: ptr(DefaultHomeAssistantURL)},
		Browser: BrowserConfig{
			Driver:                   ptr(DefaultDriver),
			IdleTimeoutMs:            ptr(DefaultIdleTimeoutMs),
			MaxCapturesBeforeRestart: ptr(DefaultMaxCapturesBeforeRestart),
			MaxPendingPreloads:       ptr(DefaultMaxPendingPreloads),
		},
		Scheduler: SchedulerConfig{
			MaxRetries:          ptr(DefaultSchedulerMaxRetries),
			RetryDelayMs:        ptr(DefaultSchedulerRetryDelayMs),
			RetentionMultiplier: ptr(DefaultRetentionMultiplier),
		},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// The file may hold an access token.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) HomeAssistantURL() string {
	if c == nil {
		return DefaultHomeAssistantURL
	}
	return strings.TrimRight(str(c.HomeAssistant.URL, DefaultHomeAssistantURL), "/")
}

func (c *AppConfig) HomeAssistantToken() string {
	if c == nil {
		return ""
	}
	return str(c.HomeAssistant.Token, "")
}

func (c *AppConfig) Driver() string {
	if c == nil {
		return DefaultDriver
	}
	return strings.ToLower(str(c.Browser.Driver, DefaultDriver))
}

func (c *AppConfig) BrowserExecPath() string  { return str(c.Browser.ExecPath, "") }
func (c *AppConfig) BrowserRemoteURL() string { return str(c.Browser.RemoteURL, "") }
func (c *AppConfig) Headless() bool           { return boolean(c.Browser.Headless, true) }
func (c *AppConfig) KeepBrowserOpen() bool    { return boolean(c.Browser.KeepOpen, false) }

func (c *AppConfig) BrowserIdleTimeout() time.Duration {
	return millis(c.Browser.IdleTimeoutMs, DefaultIdleTimeoutMs)
}

func (c *AppConfig) MaxCapturesBeforeRestart() int {
	return integer(c.Browser.MaxCapturesBeforeRestart, DefaultMaxCapturesBeforeRestart)
}

func (c *AppConfig) MaxPendingPreloads() int {
	return integer(c.Browser.MaxPendingPreloads, DefaultMaxPendingPreloads)
}

func (c *AppConfig) NavigationTimeout() time.Duration {
	return millis(c.Browser.NavigationTimeoutMs, DefaultNavigationTimeoutMs)
}

// ProtocolTimeout bounds each single browser command outside of page loads.
func (c *AppConfig) ProtocolTimeout() time.Duration {
	return millis(c.Browser.ProtocolTimeoutMs, DefaultProtocolTimeoutMs)
}

func (c *AppConfig) MinSettle() time.Duration {
	return millis(c.Browser.MinSettleMs, DefaultMinSettleMs)
}

func (c *AppConfig) FailureThreshold() int {
	if n := integer(c.Browser.FailureThreshold, DefaultFailureThreshold); n > 0 {
		return n
	}
	return DefaultFailureThreshold
}

func (c *AppConfig) RecoveryAttempts() int {
	if n := integer(c.Browser.RecoveryAttempts, DefaultRecoveryAttempts); n > 0 {
		return n
	}
	return DefaultRecoveryAttempts
}

func (c *AppConfig) SchedulerMaxRetries() int {
	return integer(c.Scheduler.MaxRetries, DefaultSchedulerMaxRetries)
}

func (c *AppConfig) SchedulerRetryDelay() time.Duration {
	return millis(c.Scheduler.RetryDelayMs, DefaultSchedulerRetryDelayMs)
}

func (c *AppConfig) RetentionMultiplier() int {
	if n := integer(c.Scheduler.RetentionMultiplier, DefaultRetentionMultiplier); n > 0 {
		return n
	}
	return DefaultRetentionMultiplier
}

// DataDir holds schedules.json and the sqlite database.
func (c *AppConfig) DataDir() string {
	if v := str(c.Storage.DataDir, ""); v != "" {
		return v
	}
	dir, _, err := DefaultPaths()
	if err != nil {
		return ".inkdash"
	}
	return dir
}

func (c *AppConfig) OutputDir() string {
	if v := str(c.Scheduler.OutputDir, ""); v != "" {
		return v
	}
	return filepath.Join(c.DataDir(), "output")
}

func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir(), "inkdash.db")
}

func (c *AppConfig) RedisURL() string { return str(c.Redis.URL, "") }

func (c *AppConfig) LogLevel() string { return str(c.Log.Level, DefaultLogLevel) }

// WaitTimeouts returns the readiness stage settings with defaults applied.
func (c *AppConfig) WaitTimeouts() WaitSettings {
	w := c.Browser.Wait
	return WaitSettings{
		NetworkIdleTimeout: millis(w.NetworkIdleTimeoutMs, 10000),
		NetworkQuiet:       millis(w.NetworkQuietMs, 500),
		AppReadyTimeout:    millis(w.AppReadyTimeoutMs, 10000),
		LoadingTimeout:     millis(w.LoadingTimeoutMs, 5000),
		StabilityTimeout:   millis(w.StabilityTimeoutMs, 5000),
		StabilityInterval:  millis(w.StabilityIntervalMs, 200),
		StabilitySamples:   integer(w.StabilitySamples, 3),
		ZoomSettle:         millis(w.ZoomSettleMs, 250),
		LangSettle:         millis(w.LangSettleMs, 1000),
		ThemeSettle:        millis(w.ThemeSettleMs, 500),
	}
}

// WaitSettings is the resolved form of WaitConfig.
type WaitSettings struct {
	NetworkIdleTimeout time.Duration
	NetworkQuiet       time.Duration
	AppReadyTimeout    time.Duration
	LoadingTimeout     time.Duration
	StabilityTimeout   time.Duration
	StabilityInterval  time.Duration
	StabilitySamples   int
	ZoomSettle         time.Duration
	LangSettle         time.Duration
	ThemeSettle        time.Duration
}

func str(v *string, def string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return def
	}
	return strings.TrimSpace(*v)
}

func integer(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolean(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func millis(v *int, def int) time.Duration {
	return time.Duration(integer(v, def)) * time.Millisecond
}

func ptr[T any](v T) *T { return &v }
