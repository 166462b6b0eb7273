package mirror

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	lockFilename = ".lock"
)

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within the work directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if filepath.Dir(cleanLock) != cleanBase {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// acquireLock takes the run lock in workDir. The returned function
// releases it. The lock file itself is left in place so that every process
// locks the same inode.
func acquireLock(workDir string) (func(), error) {
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, err
	}
	lockFile := filepath.Join(workDir, lockFilename)
	if err := validateLockFilePath(lockFile, workDir); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
	if err != nil {
		return nil, err
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		_ = file.Close()
		return nil, err
	}
	slog.Debug("acquired run lock", "path", lockFile)

	return func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}, nil
}
