// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for RaptorSetup.
//
// The logger is a thin layer over log/slog with three destinations:
//
//   - stderr (default, text or JSON)
//   - a daily JSON log file under LogDir (optional)
//   - a Mirror that receives every Warn and Error entry (optional)
//
// The mirror is how a front end keeps its status indicator in step with the
// log: the installer facade registers one and renders the latest warning
// next to the remediation list.
//
//	┌──────────────────────────────────────────────────────────┐
//	│                         Logger                           │
//	│  ┌─────────────┐  ┌─────────────┐  ┌──────────────────┐  │
//	│  │   stderr    │  │  log file   │  │  Mirror (Warn+)  │  │
//	│  └─────────────┘  └─────────────┘  └──────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.raptorsetup/logs",
//	    Service: "raptorsetup",
//	})
//	defer logger.Close()
//
//	logger.Info("step finished", "step", "PatchConfig", "duration_ms", 12)
//
// # Security Considerations
//
// Nothing is redacted automatically. Passwords and client secrets must be
// logged as presence flags only:
//
//	logger.Info("credentials", "password_present", pw != "")
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages such as step transitions.
	LevelInfo

	// LevelWarn is for degraded but recoverable situations, e.g. a service
	// registration that fell back to foreground-process mode.
	LevelWarn

	// LevelError is for failures that abort an operation.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a flag value ("debug", "info", "warn", "error") into a
// Level. Matching is case-insensitive; "warning" is accepted for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
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

// Config configures the Logger. A zero value logs Info+ as text to stderr.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging. Files are named "{Service}_{YYYY-MM-DD}.log"
	// and are always JSON. "~" is expanded to the home directory.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// Mirror receives every Warn and Error entry synchronously.
	Mirror Mirror
}

// =============================================================================
// Mirror
// =============================================================================

// Entry is a single Warn or Error record delivered to a Mirror.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// Mirror receives warning and error entries as they are logged.
//
// Mirror is called on the logging goroutine. Implementations must not block
// and must be safe for concurrent use.
type Mirror interface {
	Mirror(entry Entry)
}

// MirrorFunc adapts a function to the Mirror interface.
type MirrorFunc func(entry Entry)

// Mirror calls f(entry).
func (f MirrorFunc) Mirror(entry Entry) { f(entry) }

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// Logger is safe for concurrent use. Child loggers created with With share the
// parent's file handle and mirror; only the root logger should be closed.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	mirror Mirror
	mu     *sync.Mutex
}

// New creates a Logger from config.
//
// # Description
//
// Builds the stderr handler (unless Quiet), the JSON file handler (when
// LogDir is set and writable), and fans records out to both. A LogDir that
// cannot be created is ignored so logging never blocks a CLI command.
//
// # Inputs
//
//   - config: Logger configuration.
//
// # Outputs
//
//   - *Logger: Ready to use. Call Close when done.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{
		config: config,
		mirror: config.Mirror,
		mu:     &sync.Mutex{},
	}

	if config.LogDir != "" {
		if file, err := openLogFile(config); err == nil {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(discard{}, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger for service "raptorsetup".
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "raptorsetup",
	})
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return New(Config{Quiet: true})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level and forwards it to the mirror.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level and forwards it to the mirror.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child logger carrying additional attributes.
//
// Attributes passed to With are also included in mirrored entries.
//
// # Examples
//
//	runLog := logger.With("run_id", run.ID)
//	runLog.Info("run started")
func (l *Logger) With(args ...any) *Logger {
	l.mu.Lock()
	mirror := l.mirror
	l.mu.Unlock()

	child := &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		mirror: mirror,
		mu:     l.mu,
	}
	if mirror != nil && len(args) > 0 {
		child.mirror = &attrMirror{next: mirror, attrs: argsToMap(args)}
	}
	return child
}

// SetMirror replaces the mirror on this logger. Loggers derived earlier with
// With keep the mirror they were created with.
func (l *Logger) SetMirror(m Mirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.file = nil
	return nil
}

func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if level < LevelWarn {
		return
	}
	l.mu.Lock()
	mirror := l.mirror
	l.mu.Unlock()
	if mirror == nil {
		return
	}
	mirror.Mirror(Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Service:   l.config.Service,
		Attrs:     argsToMap(args),
	})
}

// attrMirror merges With() attributes into mirrored entries.
type attrMirror struct {
	next  Mirror
	attrs map[string]any
}

func (m *attrMirror) Mirror(entry Entry) {
	merged := make(map[string]any, len(m.attrs)+len(entry.Attrs))
	for k, v := range m.attrs {
		merged[k] = v
	}
	for k, v := range entry.Attrs {
		merged[k] = v
	}
	entry.Attrs = merged
	m.next.Mirror(entry)
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several slog handlers (stderr text plus
// file JSON).
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to every enabled handler.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

func openLogFile(config Config) (*os.File, error) {
	logDir := expandPath(config.LogDir)
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, err
	}
	service := config.Service
	if service == "" {
		service = "raptorsetup"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map. A trailing key
// without a value and non-string keys are dropped.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// =============================================================================
// BufferedMirror
// =============================================================================

// BufferedMirror collects mirrored entries in memory. Useful in tests and for
// the installer's warning summary.
type BufferedMirror struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBufferedMirror creates an empty BufferedMirror.
func NewBufferedMirror() *BufferedMirror {
	return &BufferedMirror{}
}

// Mirror appends entry to the buffer.
func (b *BufferedMirror) Mirror(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
}

// Entries returns a copy of the collected entries.
func (b *BufferedMirror) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

var _ Mirror = (*BufferedMirror)(nil)
var _ Mirror = MirrorFunc(nil)
