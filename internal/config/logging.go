package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FILE. The
// returned func closes the log file.
func SetupLogger(cfg Config, service string) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	if cfg.LogFile == "" {
		return NewLogger(service, os.Stderr, nil, cfg.LogLevel), noop
	}

	file, err := openLogFile(cfg.LogFile)
	if err != nil {
		logger := NewLogger(service, os.Stderr, nil, cfg.LogLevel)
		logger.Error("Log file unavailable, logging to stderr only", "error", err)
		return logger, noop
	}
	return NewLogger(service, os.Stderr, file, cfg.LogLevel), file.Close
}

// NewLogger writes text records to console and, when file is non-nil, JSON
// records to file. Records carry a service attribute.
func NewLogger(service string, console, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(console, opts)
	if file != nil {
		h = slogmulti.Fanout(h, slog.NewJSONHandler(file, opts))
	}
	return slog.New(h).With("service", service)
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
