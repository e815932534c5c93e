// Package storage is the narrow file shim the engine sits on. It
// exposes a directory-scoped namespace of flat file names (current,
// version.N, sst.ID, mem.log, imm.log) and two implementations: Disk
// backed by the operating system, and Mem, a memory-backed variant
// for tests that can inject faults and simulate crashes.
package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// File is a readable, writable sequence of bytes.
//
// Typically it is an *os.File, but test code substitutes the
// memory-backed implementation.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	// Sync flushes previously written bytes to a crash-durable level.
	Sync() error
	// Size returns the current length of the file in bytes.
	Size() (int64, error)
}

// FS is a namespace for the files of one store directory. Names are
// flat: no separators, no traversal. Rename is atomic within the
// directory.
type FS interface {
	// Create opens name for writing, truncating it if it exists.
	Create(name string) (File, error)
	// Open opens name read-only.
	Open(name string) (File, error)
	// OpenAppend opens name for appending, creating it if absent.
	OpenAppend(name string) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	// Exists reports whether name is present.
	Exists(name string) bool
	// List returns every file name in the directory.
	List() ([]string, error)
	// Lock takes an exclusive advisory lock on name, creating it if
	// necessary. Close the returned Closer to release. Used to keep
	// two processes out of the same store.
	Lock(name string) (io.Closer, error)
}

// Disk returns an FS rooted at dir, creating the directory if
// needed.
func Disk(dir string) (FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "storage: create dir %s", dir)
	}
	return &diskFS{dir: dir}, nil
}

type diskFS struct {
	dir string
}

func (fs *diskFS) path(name string) string {
	return filepath.Join(fs.dir, name)
}

type diskFile struct {
	*os.File
}

func (f diskFile) Size() (int64, error) {
	st, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (fs *diskFS) Create(name string) (File, error) {
	f, err := os.OpenFile(fs.path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return diskFile{f}, nil
}

func (fs *diskFS) Open(name string) (File, error) {
	f, err := os.Open(fs.path(name))
	if err != nil {
		return nil, err
	}
	return diskFile{f}, nil
}

func (fs *diskFS) OpenAppend(name string) (File, error) {
	f, err := os.OpenFile(fs.path(name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return diskFile{f}, nil
}

func (fs *diskFS) Remove(name string) error {
	return os.Remove(fs.path(name))
}

func (fs *diskFS) Rename(oldname, newname string) error {
	return os.Rename(fs.path(oldname), fs.path(newname))
}

func (fs *diskFS) Exists(name string) bool {
	_, err := os.Stat(fs.path(name))
	return err == nil
}

func (fs *diskFS) List() ([]string, error) {
	d, err := os.Open(fs.dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Readdirnames(-1)
}
