// Package vfs holds the small file system helpers shared by the log, table
// and manifest writers.
package vfs

import (
	"io"
	"os"

	"mvccdb/pkg/dberrors"
)

// WritableFile is the subset of *os.File an append-only log writes through.
type WritableFile interface {
	io.Writer
	io.Closer
	Sync() error
	Truncate(size int64) error
}

var _ WritableFile = (*os.File)(nil)

// SyncDir makes the entries of dir durable. A file created or renamed in dir
// can vanish after a power loss until its directory has been synced.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.Durability(err, "failed to open directory %s for sync", dir)
	}
	syncErr := d.Sync()
	closeErr := d.Close()
	if syncErr != nil {
		return dberrors.Durability(syncErr, "failed to sync directory %s", dir)
	}
	if closeErr != nil {
		return dberrors.Durability(closeErr, "failed to close directory %s", dir)
	}
	return nil
}
