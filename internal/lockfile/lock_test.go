package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusiveNonBlockingSucceedsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.db.lock")

	lock, err := AcquireExclusiveNonBlocking(path)
	require.NoError(t, err)
	defer lock.Close()
}

func TestAcquireExclusiveNonBlockingRejectsSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.db.lock")

	first, err := AcquireExclusiveNonBlocking(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = AcquireExclusiveNonBlocking(path)
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestCloseReleasesLockForNextWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wisp.db.lock")

	first, err := AcquireExclusiveNonBlocking(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := AcquireExclusiveNonBlocking(path)
	require.NoError(t, err)
	defer second.Close()
}

func TestIsLockedRecognizesBusyError(t *testing.T) {
	assert.True(t, IsLocked(ErrLockBusy))
	assert.True(t, IsLocked(ErrLocked))
}
