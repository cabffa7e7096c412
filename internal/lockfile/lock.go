// Package lockfile guards a data directory against concurrent opens by a
// second engine process, using a real cross-platform advisory file lock
// (github.com/gofrs/flock) rather than the hand-rolled, per-OS syscall
// shims the retrieval pack otherwise reaches for (see DESIGN.md).
package lockfile

import (
	"errors"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// ErrLocked is returned when the data directory is already held by
// another process.
var ErrLocked = errors.New("lockfile: data directory is locked by another process")

// Lock is a held advisory lock on a data directory's LOCK file.
type Lock struct {
	fl *flock.Flock
}

// Acquire tries to take an exclusive, non-blocking lock on
// <dataDir>/LOCK. Returns ErrLocked if another process holds it.
func Acquire(dataDir string) (*Lock, error) {
	fl := flock.New(filepath.Join(dataDir, "LOCK"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "acquire lock on %s", dataDir)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock, allowing another process to open the data
// directory.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "release lock on %s", l.fl.Path())
	}
	return nil
}

// IsLocked reports whether err indicates the data directory is held by
// another process.
func IsLocked(err error) bool { return errors.Is(err, ErrLocked) }
