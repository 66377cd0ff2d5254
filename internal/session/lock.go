package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/afero"

	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/logging"
)

// LockFileName is the name of the lock file within a session directory
const LockFileName = ".almabot.lock"

// DefaultStaleAfter is the default lock staleness threshold.
const DefaultStaleAfter = 120 * time.Second

// Options configures Acquire.
type Options struct {
	// StaleAfter is how old the lock file's mtime must be before it is
	// reclaimed. Zero means DefaultStaleAfter.
	StaleAfter time.Duration

	// ForceReset deletes any existing lock unconditionally before acquiring.
	ForceReset bool

	// Fs is the filesystem holding the session directory. Defaults to the OS.
	Fs afero.Fs

	// Logger is optional; the lock is usually taken before anything else.
	Logger *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	return o
}

// Lock represents an acquired session lock
type Lock struct {
	OwnerID    string    `json:"owner_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`

	// Internal fields (not serialized)
	path     string
	fs       afero.Fs
	logger   *logging.Logger
	mu       sync.Mutex
	released bool
}

// Acquire takes the lock on dir, creating the directory if needed.
//
// An existing lock whose mtime is within StaleAfter fails with an error
// matching errors.ErrSessionLocked. An older one is deleted and replaced.
// If another process creates the lock between that check and our exclusive
// create, the error matches both errors.ErrSessionLocked and
// errors.ErrLockRace. All returned errors are fatal to the caller.
func Acquire(dir string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	fsys, logger := opts.Fs, opts.Logger.WithComponent("lock")
	lockPath := filepath.Join(dir, LockFileName)

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewLockError("create session directory", err).WithDir(dir)
	}

	if opts.ForceReset {
		if err := fsys.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.NewLockError("force reset", err).WithDir(dir)
		}
		logger.Warn("lock force reset", "path", lockPath)
	} else if info, err := fsys.Stat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		if age <= opts.StaleAfter {
			owner := "unknown"
			if existing, readErr := ReadLock(fsys, lockPath); readErr == nil {
				owner = existing.describe()
			}
			logger.Error("failed to acquire lock",
				"path", lockPath,
				"owner", owner,
				"age", age.Round(time.Second).String(),
			)
			return nil, errors.NewLockError("acquire", errors.ErrSessionLocked).WithDir(dir).WithOwner(owner)
		}

		if err := fsys.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.NewLockError("remove stale lock", err).WithDir(dir)
		}
		logger.Warn("stale lock cleaned",
			"path", lockPath,
			"age", age.Round(time.Second).String(),
		)
	} else if !os.IsNotExist(err) {
		return nil, errors.NewLockError("stat lock file", err).WithDir(dir)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	lock := &Lock{
		OwnerID:    uuid.NewString(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		path:       lockPath,
		fs:         fsys,
		logger:     logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, errors.NewLockError("marshal lock", err).WithDir(dir)
	}

	// O_EXCL so a concurrent starter that passed the same check loses here
	f, err := fsys.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) || errors.Is(err, fs.ErrExist) {
			logger.Error("failed to acquire lock", "path", lockPath, "reason", "lost creation race")
			return nil, errors.NewLockError("create lock file",
				fmt.Errorf("%w: %w", errors.ErrSessionLocked, errors.ErrLockRace)).WithDir(dir)
		}
		return nil, errors.NewLockError("create lock file", err).WithDir(dir)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = fsys.Remove(lockPath)
		return nil, errors.NewLockError("write lock file", err).WithDir(dir)
	}

	logger.Info("session lock acquired",
		"path", lockPath,
		"owner_id", lock.OwnerID,
		"pid", lock.PID,
	)
	return lock, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release deletes the lock file if this process still owns it.
// Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	existing, err := ReadLock(l.fs, l.path)
	if err != nil {
		// Lock file doesn't exist or can't be read - nothing to do
		return nil
	}
	if existing.OwnerID != l.OwnerID {
		l.logger.Warn("lock owned by another process, not releasing",
			"path", l.path,
			"owner", existing.describe(),
		)
		return nil
	}

	if err := l.fs.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewLockError("release", err).WithDir(filepath.Dir(l.path))
	}
	l.logger.Info("session lock released", "path", l.path)
	return nil
}

// Refresh bumps the lock file's mtime so the lock keeps looking alive.
// Returns errors.ErrLockNotHeld if the file is gone or now belongs to
// someone else.
func (l *Lock) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return errors.ErrLockNotHeld
	}

	existing, err := ReadLock(l.fs, l.path)
	if err != nil || existing.OwnerID != l.OwnerID {
		return errors.NewLockError("refresh", errors.ErrLockNotHeld).WithDir(filepath.Dir(l.path))
	}

	now := time.Now()
	if err := l.fs.Chtimes(l.path, now, now); err != nil {
		return errors.NewLockError("refresh", err).WithDir(filepath.Dir(l.path))
	}
	return nil
}

// KeepAlive refreshes the lock every interval until ctx is canceled. It
// returns nil on cancellation and an error matching errors.ErrLockNotHeld
// if the lock was lost. Transient refresh failures are logged and retried
// on the next tick.
func (l *Lock) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.Refresh()
			if err == nil {
				continue
			}
			if errors.Is(err, errors.ErrLockNotHeld) {
				l.logger.Error("session lock lost", "path", l.path)
				return err
			}
			l.logger.Warn("lock refresh failed", "path", l.path, "error", err.Error())
		}
	}
}

func (l *Lock) describe() string {
	return fmt.Sprintf("pid %d on %s", l.PID, l.Hostname)
}

// ReadLock reads and parses the lock file at lockPath.
func ReadLock(fsys afero.Fs, lockPath string) (*Lock, error) {
	data, err := afero.ReadFile(fsys, lockPath)
	if err != nil {
		return nil, err
	}

	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.path = lockPath
	lock.fs = fsys
	return &lock, nil
}

// LockStatus describes the lock on a session directory as seen from outside.
type LockStatus struct {
	Path    string
	Held    bool      // a lock file exists
	Holder  *Lock     // nil if the file is missing or unreadable
	ModTime time.Time // last refresh
	Age     time.Duration
	Stale   bool // Age exceeds the staleness threshold

	// OwnerAlive reports whether Holder.PID is a running process on this
	// host. Meaningless when the holder is on another host.
	OwnerAlive bool
}

// Inspect reports the state of the lock in dir without modifying it.
func Inspect(fsys afero.Fs, dir string, staleAfter time.Duration) (*LockStatus, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	status := &LockStatus{Path: filepath.Join(dir, LockFileName)}
	info, err := fsys.Stat(status.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return status, nil
		}
		return nil, errors.NewStoreError("inspect lock", status.Path, err)
	}

	status.Held = true
	status.ModTime = info.ModTime()
	status.Age = time.Since(info.ModTime())
	status.Stale = status.Age > staleAfter

	if holder, err := ReadLock(fsys, status.Path); err == nil {
		status.Holder = holder
		status.OwnerAlive = pidAlive(holder.PID)
	}
	return status, nil
}

// pidAlive reports whether pid is a running process on this host.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
