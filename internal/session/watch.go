package session

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/laprincesa/almabot/internal/logging"
)

// Watcher notices when a held lock file is removed or renamed out from under
// its owner, e.g. by an operator or a second process running with a forced
// reset. It works on the real filesystem only.
type Watcher struct {
	lock    *Lock
	watcher *fsnotify.Watcher
	logger  *logging.Logger
}

// NewWatcher starts watching the directory containing l's lock file.
// Events that happen after NewWatcher returns are observed by Run.
func NewWatcher(l *Lock, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: removal of a watched file drops
	// the watch on some platforms before the event is delivered.
	if err := fw.Add(filepath.Dir(l.Path())); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		lock:    l,
		watcher: fw,
		logger:  logger.WithComponent("lock-watch"),
	}, nil
}

// Run blocks until ctx is canceled or the lock file disappears, in which
// case onLost is called once before Run returns. The watcher is closed when
// Run returns.
func (w *Watcher) Run(ctx context.Context, onLost func()) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.lock.Path())
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Release removes the file too; that is not a loss
			if w.released() {
				return nil
			}
			if _, err := w.lock.fs.Stat(target); err == nil {
				// Replaced atomically; Refresh will tell whether it is still ours
				continue
			} else if !os.IsNotExist(err) {
				continue
			}
			w.logger.Error("session lock file removed while held", "path", target)
			onLost()
			return nil

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("lock watcher error", "error", err.Error())
		}
	}
}

func (w *Watcher) released() bool {
	w.lock.mu.Lock()
	defer w.lock.mu.Unlock()
	return w.lock.released
}
