//go:build !windows

package storage

import (
	"io"
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// ErrLocked is returned when another process already holds the store
// lock.
var ErrLocked = errors.New("storage: lock already held")

type fileLock struct {
	f *os.File
}

func (l fileLock) Close() error {
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Wrap(err, "storage: release lock")
	}
	return l.f.Close()
}

// Lock takes an exclusive flock on name without blocking.
func (fs *diskFS) Lock(name string) (io.Closer, error) {
	f, err := os.OpenFile(fs.path(name), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open lock file %s", name)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, errors.Wrap(err, "storage: acquire lock")
	}
	return fileLock{f: f}, nil
}
