// Package logging wraps log/slog the way the rest of the dispatchd stack
// expects: a filtering handler that keeps third-party library noise out of
// non-debug output, plus a simple CLI/env-friendly level parser.
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const dispatchPackagePrefix = "github.com/opsloop/dispatchd"

// ParseLevel converts a string log level to slog.Level. Unknown values fall
// back to Info rather than erroring, matching the permissive CLI flag
// handling this is meant to back.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// filteringHandler suppresses third-party log records unless the configured
// level is Debug, so operators see dispatchd's own structured logs by
// default without drowning in dependency chatter.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isOwnPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isOwnPackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), dispatchPackagePrefix) || strings.Contains(file, "dispatchd/")
}

// Init builds and installs the process-wide default slog.Logger.
func Init(level slog.Level, output *os.File, addSource bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: addSource}
	base := slog.NewJSONHandler(output, opts)
	logger := slog.New(&filteringHandler{handler: base, minLevel: level})
	slog.SetDefault(logger)
	return logger
}

// OpenLogFile opens (creating if necessary) a log file for append, returning
// a cleanup function the caller should defer.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
