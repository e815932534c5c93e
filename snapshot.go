package strata

import (
	"sync/atomic"

	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/memtable"
)

// Snapshot is a read-only view of the store frozen at the LSN
// assigned when it was taken. It pins the version current at that
// moment and the memtable handles, so later writes, flushes, and
// compactions never change what it sees. Close releases the pinned
// version; a snapshot left open keeps its table files alive.
type Snapshot struct {
	e       *Engine
	readLSN uint64
	mut     *memtable.Memtable
	imm     *memtable.Memtable
	version *Version
	closed  atomic.Bool
}

// Snapshot captures the current read view.
func (e *Engine) Snapshot() (*Snapshot, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	lsn := e.lsn.Add(1)

	e.memLock.RLock()
	defer e.memLock.RUnlock()
	return &Snapshot{
		e:       e,
		readLSN: lsn,
		mut:     e.mut,
		imm:     e.imm,
		version: e.versions.Current(),
	}, nil
}

// ReadLSN returns the snapshot's read view.
func (s *Snapshot) ReadLSN() uint64 {
	return s.readLSN
}

// Get returns the value visible at the snapshot's LSN, or
// ErrNotFound.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !keys.IsValidUserKey(key) {
		return nil, ErrInvalidArgument
	}
	if val, st := s.mut.Get(key, s.readLSN); st != keys.NotPresent {
		return liveOrNotFound(val, st)
	}
	if s.imm != nil {
		if val, st := s.imm.Get(key, s.readLSN); st != keys.NotPresent {
			return liveOrNotFound(val, st)
		}
	}
	val, st, err := s.version.PointGet(keys.NewTaggedKey(key, s.readLSN))
	if err != nil {
		return nil, err
	}
	return liveOrNotFound(val, st)
}

func liveOrNotFound(val []byte, st keys.Lookup) ([]byte, error) {
	if st != keys.Live {
		return nil, ErrNotFound
	}
	return val, nil
}

// RangeScan visits every user key in [lower, upper] live at the
// snapshot's LSN, ascending.
func (s *Snapshot) RangeScan(lower, upper []byte, visitor Visitor) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !keys.IsValidUserKey(lower) || !keys.IsValidUserKey(upper) {
		return ErrInvalidArgument
	}
	if keys.UserKey(lower).Compare(upper) > 0 {
		return ErrInvalidArgument
	}
	return scanLayers(s.mut, s.imm, s.version, lower, upper, s.readLSN, visitor)
}

// Close releases the pinned version. Idempotent.
func (s *Snapshot) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.e.versions.Release(s.version)
	return nil
}
