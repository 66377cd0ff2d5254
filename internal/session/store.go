package session

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/logging"
)

// Store is the adapter over the session directory that the automation
// bridge persists its auth state into. It never touches the lock file.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *logging.Logger
	mu     sync.Mutex
}

// NewStore creates a Store for dir. A nil fs means the OS filesystem.
func NewStore(fsys afero.Fs, dir string, logger *logging.Logger) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Store{
		fs:     fsys,
		dir:    dir,
		logger: logger.WithComponent("store"),
	}
}

// Dir returns the session directory path.
func (s *Store) Dir() string {
	return s.dir
}

// HasState reports whether the directory holds anything besides the lock,
// i.e. whether a previous pairing may be reused.
func (s *Store) HasState() (bool, error) {
	entries, err := s.entries()
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Wipe deletes the directory's contents, keeping the directory and the lock
// file. Every entry is attempted; failures are joined into one StoreError
// matching errors.ErrWipeFailed.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entries()
	if err != nil {
		return err
	}

	var failed []error
	for _, name := range entries {
		path := filepath.Join(s.dir, name)
		if err := s.fs.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove session entry", "path", path, "error", err.Error())
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		return errors.NewStoreError("wipe", s.dir, errors.Join(append([]error{errors.ErrWipeFailed}, failed...)...))
	}
	s.logger.Info("session store wiped", "dir", s.dir, "entries", len(entries))
	return nil
}

// entries lists the top-level names in the directory except the lock file.
// A missing directory has no entries.
func (s *Store) entries() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStoreError("list", s.dir, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Name() == LockFileName {
			continue
		}
		names = append(names, info.Name())
	}
	return names, nil
}
