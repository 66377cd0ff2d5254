package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const megabyte = 1 << 20

// RotationConfig bounds the size of the log file.
type RotationConfig struct {
	// MaxSizeMB is the size at which the file is rolled over. Zero keeps a
	// single ever-growing file.
	MaxSizeMB int
	// MaxBackups is how many rolled-over files (path.1 … path.N) survive.
	MaxBackups int
}

// DefaultRotationConfig is used when the configuration leaves rotation unset.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3}
}

// RotatingWriter appends to a file and rolls it over to path.1 before a
// write would push it past the size limit. Older backups shift up by one and
// the oldest is discarded. It is safe for concurrent use.
type RotatingWriter struct {
	path    string
	limit   int64
	backups int

	mu      sync.Mutex
	f       *os.File
	written int64
}

// NewRotatingWriter opens path for appending, creating parent directories.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:    path,
		limit:   int64(cfg.MaxSizeMB) * megabyte,
		backups: cfg.MaxBackups,
	}
	if err := w.reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) reopen() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.f, w.written = f, info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.limit > 0 && w.written > 0 && w.written+int64(len(p)) > w.limit {
		if err := w.roll(); err != nil {
			fmt.Fprintf(os.Stderr, "almabot: log rotation failed: %v\n", err)
		}
		if w.f == nil {
			return 0, os.ErrClosed
		}
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingWriter) backup(n int) string {
	return w.path + "." + strconv.Itoa(n)
}

// roll must be called with mu held. On failure the current file stays open
// when possible so records are not lost.
func (w *RotatingWriter) roll() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.f = nil

	var moveErr error
	if w.backups > 0 {
		for n := w.backups; n > 1; n-- {
			err := os.Rename(w.backup(n-1), w.backup(n))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				moveErr = err
			}
		}
		if err := os.Rename(w.path, w.backup(1)); err != nil {
			moveErr = fmt.Errorf("failed to rename log file: %w", err)
		}
	} else if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		moveErr = err
	}

	if err := w.reopen(); err != nil {
		return errors.Join(moveErr, err)
	}
	return moveErr
}

// Close syncs and closes the file. Later calls return nil.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	return errors.Join(f.Sync(), f.Close())
}
