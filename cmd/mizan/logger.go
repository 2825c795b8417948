package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mizanlabs/mizan/pkg/config"
)

// setupLogger builds the process logger from config. The returned close
// func is a no-op when logging to stderr.
func setupLogger(cfg config.LoggerConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closeFn = func() { _ = f.Close() }
	}

	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeFn, nil
}
