package store

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"mvccdb/pkg/dberrors"
)

const lockFileName = "LOCK"

// lockDir takes an exclusive advisory lock on the database directory so
// that only one engine writes to it.
func lockDir(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, dberrors.Durability(err, "failed to open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, dberrors.State("database %s is in use by another engine", dir)
		}
		return nil, dberrors.Durability(err, "failed to lock %s", path)
	}
	return f, nil
}

func unlockDir(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return dberrors.Durability(err, "failed to unlock database directory")
	}
	return f.Close()
}
