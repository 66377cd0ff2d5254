package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level names accepted by Options.Level, matched case-insensitively.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var levelByName = map[string]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// Options configures a Logger.
type Options struct {
	// Level is the minimum level written. Unknown names mean INFO.
	Level string

	// File sends records to a rotating log file. Writer is ignored when set.
	File     string
	Rotation RotationConfig

	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// sink is the output shared by a root Logger and every child derived from it.
type sink struct {
	mu     sync.Mutex
	closer io.Closer
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// Logger writes JSON records through log/slog. A nil *Logger discards
// everything, so optional loggers need no guards at call sites.
type Logger struct {
	sl  *slog.Logger
	out *sink
}

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	out := &sink{}
	w := opts.Writer
	if opts.File != "" {
		rw, err := NewRotatingWriter(opts.File, opts.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, out.closer = rw, rw
	}
	if w == nil {
		w = os.Stderr
	}

	level, ok := levelByName[strings.ToUpper(opts.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{sl: slog.New(h), out: out}, nil
}

// NopLogger returns a Logger with no output.
func NopLogger() *Logger {
	return &Logger{sl: slog.New(slog.NewJSONHandler(io.Discard, nil)), out: &sink{}}
}

// ValidLevels lists the accepted level names, most verbose first.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

// WithComponent tags every record of the child with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// With returns a child carrying the given key/value pairs. Pairs whose key
// is not a string are dropped.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || len(args) == 0 {
		return l
	}
	kv := make([]any, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		if _, ok := args[i].(string); ok {
			kv = append(kv, args[i], args[i+1])
		}
	}
	return &Logger{sl: l.sl.With(kv...), out: l.out}
}

func (l *Logger) Debug(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.emit(slog.LevelError, msg, args) }

func (l *Logger) emit(level slog.Level, msg string, args []any) {
	if l == nil {
		return
	}
	l.sl.Log(context.Background(), level, msg, args...)
}

// Close releases the log file. Children share it with their root, so only
// the root should be closed. Repeated calls return nil.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.close()
}
