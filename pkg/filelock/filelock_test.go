package filelock_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/filelock"
)

func TestTryLockAcquiresAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.lock")

	l, err := filelock.New(path)
	require.NoError(t, err)

	require.NoError(t, l.TryLock(time.Second))
	require.NoError(t, l.Unlock())
}

func TestTryLockTimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.lock")

	holder, err := filelock.New(path)
	require.NoError(t, err)
	require.NoError(t, holder.TryLock(time.Second))
	defer holder.Unlock()

	contender, err := filelock.New(path)
	require.NoError(t, err)

	err = contender.TryLock(50 * time.Millisecond)
	assert.ErrorIs(t, err, filelock.ErrTimeout)
}

func TestWithLockRunsAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.lock")

	ran := false
	err := filelock.WithLock(path, time.Second, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Lock must be free again afterward.
	l, err := filelock.New(path)
	require.NoError(t, err)
	assert.NoError(t, l.TryLock(100*time.Millisecond))
	l.Unlock()
}
