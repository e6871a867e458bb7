//go:build !windows

package crypto

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// errSaltLocked mirrors the teacher's errDaemonLocked sentinel
// (internal/lockfile/lock.go) — returned when the blocking flock call
// below fails.
var errSaltLocked = errors.New("crypto: salt file locked by another process")

// lockFileShared and lockFileExclusive take an advisory, cross-process
// lock on the salt file for the duration of a read or write, the same
// flock-based approach as the teacher's TryDaemonLock, generalized from a
// single non-blocking probe to a blocking acquire (readers/writers of a
// salt file are expected to be brief, unlike a long-lived daemon lock).
func lockFileShared(path string) (unlock func(), err error) {
	return lockFile(path, unix.LOCK_SH)
}

func lockFileExclusive(path string) (unlock func(), err error) {
	return lockFile(path, unix.LOCK_EX)
}

func lockFile(path string, how int) (unlock func(), err error) {
	// #nosec G304 - path is operator-controlled configuration, not user input
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, errSaltLocked
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
