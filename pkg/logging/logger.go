package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level and handler format of the process logger.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
	Redact bool   `mapstructure:"redact"`
}

// ParseLevel maps a level name to a slog level. Unknown names fall back to
// info and report ok=false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// Setup builds the process logger and installs it as the slog default.
func Setup(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, levelOK := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	formatOK := true
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		formatOK = false
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	if !levelOK {
		logger.Warn("invalid_log_level", "specified_level", cfg.Level)
	}
	if !formatOK {
		logger.Warn("invalid_log_format", "specified_format", cfg.Format)
	}
	return logger
}

// NewComponentLogger creates a component-specific logger.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", component))
}

// ForSession scopes a logger to one interview session.
func ForSession(base *slog.Logger, sessionID, kind string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("session_id", sessionID), slog.String("transport", kind))
}
