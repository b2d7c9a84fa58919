// Package logging provides structured logging for the corral daemon.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports text, JSON, and
// colorized console output, configurable log levels, and component-based
// loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, logging.FormatText)
//	logging.Init(slog.LevelDebug, logging.FormatJSON) // for production
//
//	// Get a component logger
//	log := logging.Component("catalog")
//	log.Info("bucket rolled over", "namespace", ns, "bucket", id)
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Format selects the log output encoding.
type Format string

const (
	// FormatText is slog's key=value text handler.
	FormatText Format = "text"
	// FormatJSON is slog's JSON handler, intended for production.
	FormatJSON Format = "json"
	// FormatConsole is a colorized human-friendly handler for terminals.
	FormatConsole Format = "console"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
func Init(level slog.Level, format Format) {
	var handler slog.Handler

	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		})
	case FormatConsole:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		})
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, FormatText)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("ingest")
//	log.Info("started") // time=... level=INFO component=ingest msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, FormatText)
	}
	return Logger.With("component", name)
}

// ParseLevel converts a config string into a slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
