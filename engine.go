// Package strata is an embedded, durable, ordered key-value store: a
// write-ahead log in front of a sharded memtable, flushed into
// immutable sorted tables that a background worker compacts across
// levels. Reads are MVCC snapshots addressed by log sequence number.
package strata

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/iterator"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/memtable"
	"github.com/twlk9/strata/storage"
	"github.com/twlk9/strata/wal"
)

const lockFileName = "lock"

// Visitor receives range scan results in ascending user-key order.
// Returning an error stops the scan and propagates. The byte slices
// are only valid during the call.
type Visitor func(key, value []byte) error

// Engine is the public facade. All methods are safe for concurrent
// use. One background goroutine owns flushing and compaction;
// foreground operations never run either.
type Engine struct {
	opts    *Options
	fs      storage.FS
	logger  *slog.Logger
	metrics *Metrics

	log      *wal.Manager
	versions *Versions

	// memLock guards the (mut, imm) handle pair. Writers and readers
	// take it shared; rotation takes it exclusive, which doubles as
	// the writer fence for log rotation and the barrier for Sync.
	memLock sync.RWMutex
	mut     *memtable.Memtable
	imm     *memtable.Memtable

	// rotateCond wakes writers blocked on a full log while a flush
	// is still pending. Tied to memLock's write side.
	rotateCond *sync.Cond

	// lsn is the global sequence counter. Every operation — writes
	// and reads alike — consumes one; a read's LSN is its view.
	lsn atomic.Uint64

	bgSignal    chan struct{}
	bgScheduled atomic.Bool
	killed      atomic.Bool
	bgWg        sync.WaitGroup

	// flushInstalled remembers that the pending immutable memtable
	// already made it into a version, so a DropImm retry doesn't
	// build its tables twice.
	flushInstalled bool

	closed atomic.Bool
	flock  io.Closer
}

// Open opens or creates a store rooted at opts.Dir (or on opts.FS
// when set). Recovery replays imm.log then mem.log, garbage-collects
// orphan table files, and restarts the background worker; a flush
// that was pending at crash time resumes.
func Open(opts *Options) (*Engine, error) {
	if opts == nil {
		return nil, ErrInvalidDir
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		opts.Logger.Error("options did not validate", "error", err)
		return nil, err
	}

	fs := opts.FS
	if fs == nil {
		var err error
		if fs, err = storage.Disk(opts.Dir); err != nil {
			return nil, errors.Mark(err, ErrIO)
		}
	}

	flock, err := fs.Lock(lockFileName)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return nil, ErrAlreadyOpen
		}
		return nil, errors.Mark(err, ErrIO)
	}

	e := &Engine{
		opts:     opts,
		fs:       fs,
		logger:   opts.Logger,
		metrics:  newMetrics(opts.MetricsRegisterer),
		bgSignal: make(chan struct{}, 1),
	}
	e.rotateCond = sync.NewCond(&e.memLock)

	fail := func(err error) (*Engine, error) {
		flock.Close()
		return nil, err
	}

	exists := fs.Exists(currentName)
	if opts.ErrorIfExists && exists {
		return fail(ErrStoreAlreadyExists)
	}
	if !opts.CreateIfMissing && !exists {
		return fail(ErrStoreMissing)
	}

	e.versions, err = OpenVersions(fs, opts)
	if err != nil {
		return fail(err)
	}

	// Leftovers from flushes or compactions that died mid-publish are
	// invisible to the recovered version and safe to unlink.
	if !opts.ReadOnly {
		if err := e.versions.GC(); err != nil {
			e.logger.Warn("startup garbage collection failed", "error", err)
		}
	}

	e.log = wal.NewManager(fs, opts.Logger)
	immRecs, memRecs, err := e.log.Recover()
	if err != nil {
		e.versions.Close()
		return fail(errors.Mark(err, ErrCorruption))
	}

	e.mut, err = memtable.NewFromRecords(opts.MemtableShards, memRecs)
	if err != nil {
		e.log.Close()
		e.versions.Close()
		return fail(err)
	}
	if len(immRecs) > 0 {
		imm, err := memtable.NewFromRecords(opts.MemtableShards, immRecs)
		if err != nil {
			e.log.Close()
			e.versions.Close()
			return fail(err)
		}
		imm.Freeze()
		e.imm = imm
	}

	// The LSN counter must climb past everything recovered from the
	// logs and everything already flushed into tables.
	maxLSN, err := e.versions.MaxLSN()
	if err != nil {
		e.log.Close()
		e.versions.Close()
		return fail(err)
	}
	for _, rec := range immRecs {
		if rec.Key.LSN() > maxLSN {
			maxLSN = rec.Key.LSN()
		}
	}
	for _, rec := range memRecs {
		if rec.Key.LSN() > maxLSN {
			maxLSN = rec.Key.LSN()
		}
	}
	e.lsn.Store(maxLSN)
	e.flock = flock

	if !opts.ReadOnly {
		e.bgWg.Add(1)
		go e.backgroundWorker()
		if e.imm != nil {
			// Resume the flush that was pending at crash time.
			e.scheduleBackground()
		}
	}

	e.logger.Info("store opened",
		"version", e.versions.VersionNumber(), "max_lsn", maxLSN,
		"recovered_mem", len(memRecs), "recovered_imm", len(immRecs))
	return e, nil
}

// scheduleBackground wakes the background worker, coalescing
// redundant wakeups.
func (e *Engine) scheduleBackground() {
	if e.bgScheduled.Swap(true) {
		return
	}
	select {
	case e.bgSignal <- struct{}{}:
	default:
	}
}

// backgroundWorker owns the FLUSHING and COMPACTING states: it
// drains the immutable memtable into level 0, then runs at most one
// compaction step, then sleeps until the next trigger.
func (e *Engine) backgroundWorker() {
	defer e.bgWg.Done()
	for range e.bgSignal {
		e.bgScheduled.Store(false)
		e.backgroundStep()
		if e.killed.Load() {
			return
		}
	}
}

func (e *Engine) backgroundStep() {
	e.memLock.RLock()
	imm := e.imm
	e.memLock.RUnlock()

	if imm != nil {
		if !e.flushInstalled {
			n, err := e.versions.InstallFlush(imm)
			if err != nil {
				e.logger.Error("memtable flush failed, will retry", "error", err)
				e.metrics.BgErrors.Inc()
				return
			}
			e.flushInstalled = true
			e.metrics.Flushes.Inc()
			e.metrics.FlushTables.Add(float64(n))
		}
		if err := e.log.DropImm(); err != nil {
			e.logger.Error("dropping imm.log failed, will retry", "error", err)
			e.metrics.BgErrors.Inc()
			return
		}
		e.flushInstalled = false

		e.memLock.Lock()
		e.imm = nil
		e.rotateCond.Broadcast()
		e.memLock.Unlock()
	}

	ran, err := e.versions.MaybeCompact()
	if err != nil {
		e.logger.Error("compaction failed, will retry", "error", err)
		e.metrics.BgErrors.Inc()
	} else if ran {
		e.metrics.Compactions.Inc()
		// More work may remain (L0 still over trigger, cascades).
		if !e.killed.Load() {
			e.scheduleBackground()
		}
	}

	v := e.versions.Current()
	e.metrics.L0Tables.Set(float64(len(v.level0)))
	e.versions.Release(v)
}

// maybeRotate is the RUNNING -> ROTATING edge. When the log is full
// it freezes the mutable memtable, rotates the log, and hands the
// frozen table to the background worker. While a previous flush is
// still pending, writers block here until the slot clears.
func (e *Engine) maybeRotate() error {
	// Cheap unlocked check first; the vast majority of writes skip
	// the exclusive section entirely.
	if e.log.Size() < int64(e.opts.MaxLogSize) {
		return nil
	}

	e.memLock.Lock()
	defer e.memLock.Unlock()
	for e.imm != nil && e.log.Size() >= int64(e.opts.MaxLogSize) {
		if e.closed.Load() {
			return ErrClosed
		}
		e.rotateCond.Wait()
	}
	if e.log.Size() < int64(e.opts.MaxLogSize) || e.imm != nil {
		return nil
	}

	// Writers are fenced: they hold memLock shared for the whole
	// assign-and-append, and we hold it exclusive.
	if err := e.log.Rotate(); err != nil {
		return errors.Mark(err, ErrIO)
	}
	e.mut.Freeze()
	e.imm = e.mut
	e.mut = memtable.New(e.opts.MemtableShards)
	e.scheduleBackground()
	return nil
}

func (e *Engine) checkWritable() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opts.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Put writes a value for a key. The write is durable only after a
// subsequent Sync.
func (e *Engine) Put(key, value []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if !keys.IsValidUserKey(key) || !keys.IsValidValue(value) {
		return ErrInvalidArgument
	}
	if err := e.maybeRotate(); err != nil {
		return err
	}

	e.memLock.RLock()
	defer e.memLock.RUnlock()
	lsn := e.lsn.Add(1)
	if err := e.mut.Insert(key, lsn, value, e.log); err != nil {
		return errors.Mark(err, ErrIO)
	}
	e.metrics.Puts.Inc()
	return nil
}

// Delete removes a key. It performs a read at its own LSN first and
// only writes a tombstone when a live record is visible; deleting an
// absent key returns ErrNotFound without logging anything.
func (e *Engine) Delete(key []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if !keys.IsValidUserKey(key) {
		return ErrInvalidArgument
	}
	if err := e.maybeRotate(); err != nil {
		return err
	}

	e.memLock.RLock()
	defer e.memLock.RUnlock()
	lsn := e.lsn.Add(1)

	_, st, err := e.lookupLocked(key, lsn)
	if err != nil {
		return err
	}
	if st != keys.Live {
		return ErrNotFound
	}
	if err := e.mut.Delete(key, lsn, e.log); err != nil {
		return errors.Mark(err, ErrIO)
	}
	e.metrics.Deletes.Inc()
	return nil
}

// Get returns the value last put for key, or ErrNotFound. Reads
// consume an LSN; that LSN is the read view.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !keys.IsValidUserKey(key) {
		return nil, ErrInvalidArgument
	}
	lsn := e.lsn.Add(1)

	e.memLock.RLock()
	defer e.memLock.RUnlock()
	val, st, err := e.lookupLocked(key, lsn)
	if err != nil {
		return nil, err
	}
	if st != keys.Live {
		return nil, ErrNotFound
	}
	e.metrics.Gets.Inc()
	return val, nil
}

// lookupLocked resolves key at readLSN through the three layers:
// mutable memtable, immutable memtable, then the current version.
// Caller holds memLock shared.
func (e *Engine) lookupLocked(key []byte, readLSN uint64) ([]byte, keys.Lookup, error) {
	if val, st := e.mut.Get(key, readLSN); st != keys.NotPresent {
		return val, st, nil
	}
	if e.imm != nil {
		if val, st := e.imm.Get(key, readLSN); st != keys.NotPresent {
			return val, st, nil
		}
	}
	v := e.versions.Current()
	defer e.versions.Release(v)
	val, st, err := v.PointGet(keys.NewTaggedKey(key, readLSN))
	if err != nil {
		return nil, keys.NotPresent, err
	}
	return val, st, nil
}

// Sync durably persists every write whose LSN was assigned before
// the call. Taking memLock exclusively fences in-flight writers, so
// their appends are in the log before the fsync.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opts.ReadOnly {
		return nil
	}
	e.memLock.Lock()
	defer e.memLock.Unlock()
	if err := e.log.Sync(); err != nil {
		return errors.Mark(err, ErrIO)
	}
	return nil
}

// RangeScan invokes visitor for every user key in [lower, upper]
// with a visible live record at the scan's LSN, in ascending order.
// The view is fixed when the call assigns its LSN: concurrent writes
// are invisible.
func (e *Engine) RangeScan(lower, upper []byte, visitor Visitor) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !keys.IsValidUserKey(lower) || !keys.IsValidUserKey(upper) {
		return ErrInvalidArgument
	}
	if keys.UserKey(lower).Compare(upper) > 0 {
		return ErrInvalidArgument
	}
	lsn := e.lsn.Add(1)

	e.memLock.RLock()
	mut, imm := e.mut, e.imm
	v := e.versions.Current()
	e.memLock.RUnlock()
	defer e.versions.Release(v)

	e.metrics.Scans.Inc()
	return scanLayers(mut, imm, v, lower, upper, lsn, visitor)
}

// scanLayers merges every layer overlapping [lower, upper] and walks
// the stream, resolving per-key visibility at readLSN. Shared by
// engine scans and snapshot scans.
func scanLayers(mut, imm *memtable.Memtable, v *Version, lower, upper []byte, readLSN uint64, visitor Visitor) error {
	// Memtable layers materialize their slice of the range under
	// their locks; table layers stream.
	sources := []iterator.Ordered{
		iterator.FromRecords(mut.ScanAll(lower, upper, readLSN)),
	}
	if imm != nil {
		sources = append(sources, iterator.FromRecords(imm.ScanAll(lower, upper, readLSN)))
	}
	tableSources, err := v.RangeSources(lower, upper)
	if err != nil {
		closeAll(sources)
		return err
	}
	sources = append(sources, tableSources...)

	merge := iterator.NewMerge(sources...)
	defer merge.Close()

	// Records arrive ascending by (user key, LSN). The visible
	// record for a key is the last one with LSN <= readLSN, emitted
	// when the stream moves to the next key.
	var (
		pending    keys.Record
		hasPending bool
	)
	emit := func() error {
		if !hasPending || pending.Deleted {
			return nil
		}
		return visitor(pending.Key.UserKey(), pending.Value)
	}
	for {
		rec, ok := merge.Next()
		if !ok {
			break
		}
		if keys.UserKey(upper).CompareTagged(rec.Key) < 0 {
			break
		}
		if rec.Key.LSN() > readLSN {
			continue
		}
		if hasPending && pending.Key.UserKey().Compare(rec.Key.UserKey()) != 0 {
			if err := emit(); err != nil {
				return err
			}
		}
		pending, hasPending = rec, true
	}
	if err := emit(); err != nil {
		return err
	}
	if err := merge.Close(); err != nil {
		return errors.Mark(err, ErrIO)
	}
	return nil
}

// GarbageCollect removes table files no version references.
// Best-effort; also runs automatically at open.
func (e *Engine) GarbageCollect() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.versions.GC()
}

// TableIDs returns the current version's table IDs per level, level
// 0 first. For inspection and tooling.
func (e *Engine) TableIDs() [][]uint64 {
	if e.closed.Load() {
		return nil
	}
	v := e.versions.Current()
	defer e.versions.Release(v)
	return v.Tables()
}

// Close shuts the engine down: the background worker finishes any
// pending flush and compaction step, the log is closed, and table
// handles are released. Safe to call twice.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	if !e.opts.ReadOnly {
		e.killed.Store(true)
		e.bgScheduled.Store(false)
		select {
		case e.bgSignal <- struct{}{}:
		default:
		}
		e.memLock.Lock()
		e.rotateCond.Broadcast()
		e.memLock.Unlock()
		e.bgWg.Wait()
	}

	var firstErr error
	if err := e.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.versions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.flock != nil {
		if err := e.flock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.logger.Info("store closed")
	return firstErr
}
