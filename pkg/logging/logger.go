// Package logging provides structured logging configuration and utilities.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

var level = new(slog.LevelVar)

// NewLogger builds a slog logger writing JSON, or text when Pretty is set.
// Every logger shares one level, which SetLevel changes at runtime.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	level.Set(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Pretty {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// SetLevel changes the level of every logger built by NewLogger.
func SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// Level returns the current shared level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel accepts debug, info, warn and error, case-insensitively.
// An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}
