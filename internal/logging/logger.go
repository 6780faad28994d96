package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the file created inside the runtime directory.
const LogFileName = "pacer.log"

// Logger provides structured logging with persistent attributes.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	out    *sharedFile
	attrs  []any
}

// sharedFile is shared between a root logger and all of its children so
// that Close on any of them closes the file exactly once.
type sharedFile struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogger creates a Logger that writes JSON records to
// {dir}/pacer.log. If dir is empty, records go to stderr.
// Unrecognized levels fall back to INFO.
func NewLogger(dir string, level string) (*Logger, error) {
	var writer io.Writer = os.Stderr
	out := &sharedFile{}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out.file = f
		writer = f
	}

	return newLogger(writer, level, out), nil
}

// NewWithWriter creates a Logger over an arbitrary writer. Close on the
// returned Logger does not close w.
func NewWithWriter(w io.Writer, level string) *Logger {
	return newLogger(w, level, &sharedFile{})
}

func newLogger(w io.Writer, level string, out *sharedFile) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		out:    out,
	}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
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

// WithInstance returns a child Logger tagged with the instance ID.
func (l *Logger) WithInstance(instanceID string) *Logger {
	return l.With("instance_id", instanceID)
}

// WithComponent returns a child Logger tagged with a component name
// such as "registry" or "scheduler".
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// With returns a child Logger with arbitrary key-value attributes.
// Pairs whose key is not a string are dropped.
func (l *Logger) With(args ...any) *Logger {
	if len(args) < 2 {
		return l
	}

	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	for i := 0; i+1 < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			continue
		}
		attrs = append(attrs, args[i], args[i+1])
	}

	return &Logger{logger: l.logger, out: l.out, attrs: attrs}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	all := make([]any, 0, len(l.attrs)+len(args))
	all = append(all, l.attrs...)
	all = append(all, args...)
	l.logger.Log(context.Background(), level, msg, all...)
}

// Close syncs and closes the log file. Loggers writing to stderr or to a
// caller-supplied writer treat Close as a no-op.
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.file == nil {
		return nil
	}
	if err := l.out.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := l.out.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	l.out.file = nil
	return nil
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// ParseLevel normalizes a user-provided level string.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return strings.ToUpper(level)
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
