package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the run lock.
var ErrLocked = errors.New("another bigrig process holds the lock")

// Flock provides an advisory exclusive lock on an open file.
type Flock struct {
	f *os.File
}

// Lock acquires the lock without blocking.
func (fl Flock) Lock() error {
	err := unix.Flock(int(fl.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errors.Mark(errors.Wrapf(err, "flock %s", fl.f.Name()), ErrLocked)
	}
	if err != nil {
		return errors.Wrapf(err, "flock %s", fl.f.Name())
	}
	return nil
}

// Unlock releases the lock.
func (fl Flock) Unlock() error {
	return unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
}
