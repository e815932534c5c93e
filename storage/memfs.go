package storage

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Op identifies a shim operation for fault injection.
type Op string

const (
	OpCreate Op = "create"
	OpOpen   Op = "open"
	OpAppend Op = "append"
	OpRemove Op = "remove"
	OpRename Op = "rename"
	OpWrite  Op = "write"
	OpRead   Op = "read"
	OpSync   Op = "sync"
)

// FaultFn is consulted before every operation on a Mem filesystem. A
// non-nil return aborts the operation with that error.
type FaultFn func(op Op, name string) error

// Mem is a memory-backed FS for tests. It tracks how much of each
// file has been synced so Crash can roll the directory back to its
// last durable state, and it accepts a fault hook to fail chosen
// operations.
type Mem struct {
	mu     sync.Mutex
	files  map[string]*memData
	locked map[string]bool
	fault  FaultFn
}

type memData struct {
	data   []byte
	synced int // bytes guaranteed to survive Crash
}

// NewMem returns an empty memory filesystem.
func NewMem() *Mem {
	return &Mem{
		files:  make(map[string]*memData),
		locked: make(map[string]bool),
	}
}

// SetFault installs (or clears, with nil) the fault hook.
func (fs *Mem) SetFault(f FaultFn) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fault = f
}

// Crash simulates a power failure: every file is truncated to its
// last synced length, and every lock is released along with the
// process that held it. Directory operations (create, rename, remove)
// are treated as durable metadata.
func (fs *Mem) Crash() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, f := range fs.files {
		f.data = f.data[:f.synced]
	}
	fs.locked = make(map[string]bool)
}

func (fs *Mem) check(op Op, name string) error {
	if fs.fault != nil {
		return fs.fault(op, name)
	}
	return nil
}

func (fs *Mem) Create(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(OpCreate, name); err != nil {
		return nil, err
	}
	d := &memData{}
	fs.files[name] = d
	return &memFile{fs: fs, name: name, d: d, writable: true}, nil
}

func (fs *Mem) Open(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(OpOpen, name); err != nil {
		return nil, err
	}
	d, ok := fs.files[name]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "memfs: open %s", name)
	}
	return &memFile{fs: fs, name: name, d: d}, nil
}

func (fs *Mem) OpenAppend(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(OpAppend, name); err != nil {
		return nil, err
	}
	d, ok := fs.files[name]
	if !ok {
		d = &memData{}
		fs.files[name] = d
	}
	return &memFile{fs: fs, name: name, d: d, writable: true, pos: int64(len(d.data))}, nil
}

func (fs *Mem) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(OpRemove, name); err != nil {
		return err
	}
	if _, ok := fs.files[name]; !ok {
		return errors.Wrapf(os.ErrNotExist, "memfs: remove %s", name)
	}
	delete(fs.files, name)
	return nil
}

func (fs *Mem) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(OpRename, oldname); err != nil {
		return err
	}
	d, ok := fs.files[oldname]
	if !ok {
		return errors.Wrapf(os.ErrNotExist, "memfs: rename %s", oldname)
	}
	delete(fs.files, oldname)
	fs.files[newname] = d
	return nil
}

func (fs *Mem) Exists(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[name]
	return ok
}

func (fs *Mem) List() ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.files))
	for name := range fs.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memLock struct {
	fs   *Mem
	name string
}

func (l memLock) Close() error {
	l.fs.mu.Lock()
	defer l.fs.mu.Unlock()
	delete(l.fs.locked, l.name)
	return nil
}

func (fs *Mem) Lock(name string) (io.Closer, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.locked[name] {
		return nil, ErrLocked
	}
	fs.locked[name] = true
	return memLock{fs: fs, name: name}, nil
}

// memFile is a handle on a memData. Reads via Read use the handle's
// position; ReadAt is positional and stateless like pread.
type memFile struct {
	fs       *Mem
	name     string
	d        *memData
	pos      int64
	writable bool
	closed   bool
}

func (f *memFile) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.check(OpRead, f.name); err != nil {
		return 0, err
	}
	if f.pos >= int64(len(f.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.check(OpRead, f.name); err != nil {
		return 0, err
	}
	if off >= int64(len(f.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.check(OpWrite, f.name); err != nil {
		return 0, err
	}
	if !f.writable {
		return 0, errors.Newf("memfs: %s not open for writing", f.name)
	}
	f.d.data = append(f.d.data, p...)
	f.pos = int64(len(f.d.data))
	return len(p), nil
}

func (f *memFile) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.check(OpSync, f.name); err != nil {
		return err
	}
	f.d.synced = len(f.d.data)
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(len(f.d.data)), nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}
