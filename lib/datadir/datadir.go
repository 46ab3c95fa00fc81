package datadir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("datadir")

const (
	// LockFileName is the fixed name of the lock file inside a data directory
	LockFileName = ".lock"

	dirPermissions = 0o755
)

// ErrDirectoryLocked is returned when the directory lock is already held by
// another process. Callers must treat this as an unrecoverable startup failure.
var ErrDirectoryLocked = errors.New("data directory is already in use by another process")

// --------------------------------------------------------------------------
// Working directory
// --------------------------------------------------------------------------

// WorkingDirName returns the deterministic directory name for the replica's
// log partition, e.g. "cluster-metadata-0"
func WorkingDirName(logName string, partition uint32) string {
	return fmt.Sprintf("%s-%d", logName, partition)
}

// WorkingDirPath joins the metadata directory with the working directory
// name without creating anything on disk
func WorkingDirPath(metadataDir, logName string, partition uint32) string {
	return filepath.Join(metadataDir, WorkingDirName(logName, partition))
}

// EnsureWorkingDir resolves the working directory for the given log partition
// below the metadata directory and creates it if it does not exist yet.
// Creating an already-existing directory is not an error.
func EnsureWorkingDir(metadataDir, logName string, partition uint32) (string, error) {
	dir := WorkingDirPath(metadataDir, logName, partition)

	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}

	log.Debugf("resolved working directory %s", dir)
	return dir, nil
}

// --------------------------------------------------------------------------
// Exclusivity lock
// --------------------------------------------------------------------------

// DirLock is an exclusive lock over a data directory, bound to a single lock
// file in the directory root. It is acquired at most once per process per
// directory and released only during orchestrated shutdown.
type DirLock struct {
	flk *flock.Flock
}

// AcquireDirLock tries to acquire the exclusive lock for the given data
// directory. The acquisition is non-blocking: it either succeeds immediately
// or fails immediately with ErrDirectoryLocked.
func AcquireDirLock(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	flk := flock.New(path)

	locked, err := flk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock file %s: %w", path, ErrDirectoryLocked)
	}

	log.Infof("acquired exclusive lock on %s", path)
	return &DirLock{flk: flk}, nil
}

// Path returns the path of the underlying lock file
func (l *DirLock) Path() string {
	return l.flk.Path()
}

// Release releases the lock. It must only be called during shutdown, after
// all users of the directory's contents have been closed.
func (l *DirLock) Release() error {
	if err := l.flk.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.flk.Path(), err)
	}
	log.Infof("released exclusive lock on %s", l.flk.Path())
	return nil
}
