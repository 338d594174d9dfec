// Package filelock provides OS advisory file locking with a bounded try-lock,
// used by the Task Registry (per-spec lock), the Workspace Pool (per-slot lock,
// per-pool metadata lock), and anywhere else the engine needs mutual exclusion
// across process boundaries backed by the filesystem.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Lock wraps a single advisory lockfile.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock for the given path. The lockfile's parent directory is
// created if it does not already exist.
func New(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filelock: create parent dir for %s: %w", path, err)
	}
	return &Lock{path: path, fl: flock.New(path)}, nil
}

// TryLock attempts to acquire the exclusive lock, retrying until timeout
// elapses. Returns ErrTimeout if the lock could not be acquired in time.
func (l *Lock) TryLock(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := l.fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("filelock: acquire %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrTimeout, l.path)
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("filelock: release %s: %w", l.path, err)
	}
	return nil
}

// Path returns the underlying lockfile path.
func (l *Lock) Path() string {
	return l.path
}

// ErrTimeout is returned when a lock could not be acquired within the
// requested timeout.
var ErrTimeout = fmt.Errorf("filelock: timed out acquiring lock")

// WithLock acquires the lock, runs fn, and always releases the lock
// afterward, even if fn panics or returns an error.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	l, err := New(path)
	if err != nil {
		return err
	}
	if err := l.TryLock(timeout); err != nil {
		return err
	}
	defer l.Unlock() //nolint:errcheck // best-effort release

	return fn()
}
