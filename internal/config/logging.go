package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLogLevel maps telemetry.log_level to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("telemetry.log_level %q must be one of debug|info|warn|error", level)
	}
}
