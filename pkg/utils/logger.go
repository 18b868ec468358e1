package utils

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger   *slog.Logger
	logLevel = new(slog.LevelVar)
	initOnce sync.Once
)

// InitLogger installs the process-wide slog logger. INKDASH_LOG_LEVEL picks
// the initial level; SetLogLevel can change it later.
func InitLogger() {
	initOnce.Do(func() {
		SetLogLevel(os.Getenv("INKDASH_LOG_LEVEL"))
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	})
}

// GetLogger returns the shared logger, initializing it on first use.
func GetLogger() *slog.Logger {
	InitLogger()
	return logger
}

// SetLogLevel accepts debug, info, warn or error. Anything else means info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}
