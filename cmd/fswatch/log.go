package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// initLog sets up the default logger. The LOG_LEVEL environment variable takes
// precedence over level.
func initLog(w io.Writer, level, typ string) *slog.Logger {
	logOptions := slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	switch strings.ToUpper(level) {
	case "DEBUG":
		logOptions.Level = slog.LevelDebug
	case "INFO":
		logOptions.Level = slog.LevelInfo
	case "WARN", "WARNING":
		logOptions.Level = slog.LevelWarn
	case "ERROR":
		logOptions.Level = slog.LevelError
	}

	var logHandler slog.Handler
	switch typ {
	case "json":
		logHandler = slog.NewJSONHandler(w, &logOptions)
	default:
		logHandler = slog.NewTextHandler(w, &logOptions)
	}

	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	return logger
}
