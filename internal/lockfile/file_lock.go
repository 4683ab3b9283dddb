package lockfile

import (
	"errors"
	"os"
)

// Lock is a held exclusive lock on a path, releasable with Close.
type Lock struct {
	file *os.File
}

// AcquireExclusiveNonBlocking opens (creating if necessary) the file at
// path and takes a non-blocking exclusive flock on it, the primitive
// the Local DB Adapter uses to enforce that only one process writes to
// a given local database at a time. Returns ErrLockBusy if another
// process already holds the lock.
func AcquireExclusiveNonBlocking(path string) (*Lock, error) {
	// #nosec G304 - path is caller-controlled, not user input
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	if err := FlockExclusiveNonBlocking(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) || err == errDaemonLocked {
			return nil, ErrLockBusy
		}
		return nil, err
	}

	return &Lock{file: f}, nil
}

// Close releases the lock and closes the underlying file handle.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	_ = FlockUnlock(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}
