// Package filelock provides cross-process advisory locking for the
// on-disk state files shared by the rate limiter, session store, and
// distributed node/task manager.
package filelock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock wraps an OS-level advisory file lock at path+".lock", guarding a
// sibling data file against concurrent read-modify-write races across
// processes.
type Lock struct {
	fl *flock.Flock
}

// New returns a Lock guarding path. It does not acquire the lock.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path + ".lock")}
}

// WithLock acquires an exclusive lock, runs fn, and releases the lock
// even if fn returns an error.
func (l *Lock) WithLock(fn func() error) error {
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("filelock: acquire %s: %w", l.fl.Path(), err)
	}
	defer l.fl.Unlock()
	return fn()
}
