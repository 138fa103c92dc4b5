// Package logging wraps log/slog with a runtime adjustable level, a
// component tag and a console format for interactive runs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config selects the level, destination and format of a Logger.
type Config struct {
	Level     Level
	Output    io.Writer
	JSON      bool
	AddSource bool
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

var levelNames = map[string]Level{
	"":        LevelInfo,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel maps a configured level name to a Level.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is a slog.Logger whose level can change while running. Loggers
// derived with WithComponent share the level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: lv, AddSource: cfg.AddSource, ReplaceAttr: nameAudit}

	var h slog.Handler = NewConsoleHandler(cfg.Output, opts)
	if cfg.JSON {
		h = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &Logger{Logger: slog.New(h), level: lv}
}

var std atomic.Pointer[Logger]

// Default returns the process logger.
func Default() *Logger {
	if l := std.Load(); l != nil {
		return l
	}
	std.CompareAndSwap(nil, New(DefaultConfig()))
	return std.Load()
}

// SetDefault replaces the process logger.
func SetDefault(l *Logger) {
	std.Store(l)
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent tags every record with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With("component", name), level: l.level}
}

// Critical logs an internal inconsistency; the caller carries on.
func (l *Logger) Critical(msg string, args ...any) {
	l.Error(msg, append([]any{"critical", true}, args...)...)
}

// Audit records an operator action that changed guard state. Audit
// records bypass the level filter.
func (l *Logger) Audit(action string, args ...any) {
	l.Log(context.Background(), auditLevel, action, append([]any{"audit", true}, args...)...)
}

// auditLevel sits above error so that no configured level hides it.
const auditLevel = slog.LevelError + 4

func levelName(l slog.Level) string {
	if l == auditLevel {
		return "AUDIT"
	}
	return l.String()
}

func nameAudit(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelName(l))
		}
	}
	return a
}
