// Copyright (C) 2026 Streamgate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for gateway components.
//
// The package is a thin layer over Go's standard library slog package
// that adds multi-destination output:
//
//   - Default: JSON to stdout (the gateway runs containerized; stdout
//     is collected by the runtime)
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("starting gateway", "port", port)
//	logger.Error("request failed", "error", err)
//
// # File Logging
//
// To enable file logging alongside stdout:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.streamgate/logs",  // Supports ~ expansion
//	    Service: "gateway",
//	})
//	defer logger.Close()  // Important: flushes and closes file
//
// This creates log files named `{service}_{date}.log` in JSON format.
//
// # Thread Safety
//
// Logger is safe for concurrent use. Internal state is protected by a
// mutex, and the underlying slog.Logger is thread-safe.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure API keys and prompt contents are not logged.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered by severity:
// Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota
	// LevelInfo is for normal operations.
	LevelInfo
	// LevelWarn is for recoverable issues, including degraded mode.
	LevelWarn
	// LevelError is for operation failures.
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to emit. Defaults to LevelInfo.
	Level Level

	// LogDir enables file logging when non-empty. The directory is
	// created if missing; "~" expands to the user's home.
	LogDir string

	// Service names the component, used in the log file name.
	// Defaults to "gateway".
	Service string
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog with optional file output.
type Logger struct {
	mu      sync.Mutex
	slogger *slog.Logger
	file    *os.File
}

// New builds a Logger per config. Construction never fails: if the
// log directory cannot be created, file logging is skipped with a
// warning on stderr.
func New(config Config) *Logger {
	if config.Service == "" {
		config.Service = "gateway"
	}
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	handlers := []slog.Handler{slog.NewJSONHandler(os.Stdout, opts)}
	var file *os.File

	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot create log dir %s: %v\n", dir, err)
		} else {
			name := fmt.Sprintf("%s_%s.log", config.Service, time.Now().Format("2006-01-02"))
			f, err := os.OpenFile(filepath.Join(dir, name),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logging: cannot open log file: %v\n", err)
			} else {
				file = f
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			}
		}
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}
	return &Logger{slogger: slog.New(handler), file: file}
}

// Default returns a stdout-only logger at Info level.
func Default() *Logger {
	return New(Config{Level: LevelInfo})
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.slogger.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slogger.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

// With returns a Logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogger: l.slogger.With(args...), file: nil}
}

// Slog exposes the underlying slog.Logger for packages that take one
// directly (and for slog.SetDefault).
func (l *Logger) Slog() *slog.Logger {
	return l.slogger
}

// Close flushes and closes the log file, if any. Loggers derived via
// With do not own the file and close nothing.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// =============================================================================
// Multi-Destination Handler
// =============================================================================

// multiHandler fans records out to every destination handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[1:])
}
