// Package lockfile provides advisory file locking used to serialize
// access to an environment's data directory.
package lockfile

import (
	"errors"
	"os"
)

// ErrLocked is returned when a lock cannot be acquired because it is
// held by another process.
var ErrLocked = errDaemonLocked

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLocked returns true if the error indicates a lock is held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, errDaemonLocked)
}

// LockPath opens path (creating it if necessary) and acquires an
// exclusive non-blocking lock on it, returning the open file so the
// caller can release the lock later with UnlockPath. Returns ErrLocked
// if the lock is already held.
func LockPath(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := FlockExclusiveNonBlocking(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// UnlockPath releases the lock acquired by LockPath and closes the file.
func UnlockPath(f *os.File) error {
	if f == nil {
		return nil
	}
	unlockErr := FlockUnlock(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
