// Package filelock implements a cross-process mutual exclusion lock over a
// plain file.
//
// The lock is a sentinel file that exists under one of two names: path when
// unlocked and path + ".locked" when locked. Acquiring is a single rename,
// which is atomic on POSIX file systems, so at most one process can win.
// There is no waiting and no retry: contention is reported to the caller
// as dberr.ErrBusy.
//
// If a process dies while holding the lock the sentinel stays under the
// locked name. Use ForceUnlock (or `mailstore unlock`) after making sure no
// writer is running.
package filelock

import (
	"fmt"
	"os"
	"sync"

	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/log"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
)

// LockedSuffix is appended to the sentinel name while the lock is held.
const LockedSuffix = ".locked"

var (
	// locks currently held by this process, for ReleaseAll
	held   = map[*Lock]struct{}{}
	heldMu sync.Mutex
)

// Lock is a handle to a sentinel file. A handle is not safe for concurrent use.
type Lock struct {
	Path   string
	locked bool
}

// Exists returns true if sentinel at path exists, locked or not
func Exists(path string) bool {
	return u.PathExists(path) || u.PathExists(path+LockedSuffix)
}

// Create creates the sentinel file in unlocked state. Fails with
// dberr.ErrExists if the sentinel exists, locked or not.
func Create(path string) error {
	if u.PathExists(path + LockedSuffix) {
		return errors.Wrapf(dberr.ErrExists, "lock '%s' exists and is locked", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return errors.Wrapf(dberr.ErrExists, "lock '%s'", path)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// New returns an unlocked handle for sentinel at path.
func New(path string) *Lock {
	return &Lock{Path: path}
}

func (l *Lock) String() string {
	return fmt.Sprintf("<FileLock: %q, locked=%v>", l.Path, l.locked)
}

// IsHeld returns true if this handle holds the lock.
func (l *Lock) IsHeld() bool {
	return l.locked
}

// Acquire takes the lock. Returns dberr.ErrLock if this handle already
// holds it and dberr.ErrBusy if the sentinel is missing, which means
// someone else holds it.
func (l *Lock) Acquire() error {
	if l.locked {
		return errors.Wrapf(dberr.ErrLock, "already acquired: %s", l)
	}
	if err := os.Rename(l.Path, l.Path+LockedSuffix); err != nil {
		return errors.Wrapf(dberr.ErrBusy, "failed to acquire: %s: %s", l, err)
	}
	l.locked = true
	heldMu.Lock()
	held[l] = struct{}{}
	heldMu.Unlock()
	log.Verbosef("filelock: acquired '%s' pid: %d\n", l.Path, os.Getpid())
	return nil
}

// Release gives up the lock. Returns dberr.ErrLock if not held.
// Panics if the sentinel can't be renamed back; that only happens when
// something outside of this package touched the lock files.
func (l *Lock) Release() error {
	if !l.locked {
		return errors.Wrapf(dberr.ErrLock, "not acquired: %s", l)
	}
	err := os.Rename(l.Path+LockedSuffix, l.Path)
	u.PanicIfErr(err, "failed to release: %s (THIS MUST NOT HAPPEN!): %s", l, err)
	l.locked = false
	heldMu.Lock()
	delete(held, l)
	heldMu.Unlock()
	log.Verbosef("filelock: released '%s' pid: %d\n", l.Path, os.Getpid())
	return nil
}

// With runs fn while holding the lock at path. The lock is released on
// every exit path of fn, including a panic.
func With(path string, fn func() error) error {
	l := New(path)
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// ReleaseAll releases every lock still held by this process.
// Meant to be called when the program exits or gets a termination signal
// so that a forgotten writer doesn't lock out everyone else.
// Returns number of released locks.
func ReleaseAll() int {
	heldMu.Lock()
	var locks []*Lock
	for l := range held {
		locks = append(locks, l)
	}
	heldMu.Unlock()

	for _, l := range locks {
		log.Errorf("Emergency lock released: %d: %s\n", os.Getpid(), l.Path)
		log.Event("lock_emergency_release", "path", l.Path, "pid", os.Getpid())
		l.Release()
	}
	return len(locks)
}

// IsLocked returns true if the sentinel at path is in locked state.
func IsLocked(path string) bool {
	return u.FileExists(path + LockedSuffix)
}

// ForceUnlock moves a stale sentinel back to unlocked state.
// It's the manual recovery path after a writer crashed; it must not be
// used while a writer is running.
func ForceUnlock(path string) error {
	if u.FileExists(path) {
		return nil
	}
	if !IsLocked(path) {
		return errors.Errorf("no lock sentinel at '%s'", path)
	}
	return os.Rename(path+LockedSuffix, path)
}
