// Package memtable is the ordered in-memory write buffer. The
// mutable flavor shards records across a fixed number of skiplists by
// a hash of the user key so concurrent writers to different keys
// don't contend; the frozen flavor is a single merged shard that
// backs flushes and scans.
package memtable

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/keys"
)

// Log is the append surface the memtable writes through before
// inserting. Satisfied by *wal.Manager.
type Log interface {
	Append(rec keys.Record) error
}

// tombstoneFiller is the placeholder value stored with deletion
// markers.
var tombstoneFiller = []byte("_")

type shard struct {
	mu sync.RWMutex
	sl *skiplist
}

// Memtable maps TaggedKey to value and tombstone flag. A fresh
// memtable is mutable and sharded; Freeze merges every shard into
// shard 0 and makes it immutable.
//
// Scans over the mutable flavor materialize their results under the
// shard locks rather than iterating lazily: Freeze relocates records
// between shards, and a lazy cursor would watch the ground move
// under it.
type Memtable struct {
	shards []*shard
	frozen atomic.Bool
}

// New creates an empty mutable memtable with the given shard count.
func New(shardCount int) *Memtable {
	m := &Memtable{shards: make([]*shard, shardCount)}
	for i := range m.shards {
		m.shards[i] = &shard{sl: newSkiplist(uint64(i + 1))}
	}
	return m
}

// NewFromRecords rebuilds a memtable from recovered log records, in
// append order.
func NewFromRecords(shardCount int, recs []keys.Record) (*Memtable, error) {
	m := New(shardCount)
	for _, rec := range recs {
		s := m.target(rec.Key.UserKey())
		if !s.sl.insert(rec.Key, rec.Value, rec.Deleted) {
			return nil, errors.AssertionFailedf("memtable: duplicate tagged key during rebuild")
		}
	}
	return m, nil
}

func (m *Memtable) target(user keys.UserKey) *shard {
	if m.frozen.Load() {
		return m.shards[0]
	}
	return m.shards[xxhash.Sum64(user)%uint64(len(m.shards))]
}

// Insert writes a live record and appends it to the log under the
// owning shard's exclusive lock, so the log line and the in-memory
// record commit together relative to rotation.
func (m *Memtable) Insert(user []byte, lsn uint64, value []byte, log Log) error {
	return m.put(keys.Record{Key: keys.NewTaggedKey(user, lsn), Value: value}, log)
}

// Delete writes a tombstone for the key.
func (m *Memtable) Delete(user []byte, lsn uint64, log Log) error {
	return m.put(keys.Record{Key: keys.NewTaggedKey(user, lsn), Value: tombstoneFiller, Deleted: true}, log)
}

func (m *Memtable) put(rec keys.Record, log Log) error {
	if m.frozen.Load() {
		return errors.AssertionFailedf("memtable: write to frozen memtable")
	}
	s := m.target(rec.Key.UserKey())
	s.mu.Lock()
	defer s.mu.Unlock()
	if log != nil {
		if err := log.Append(rec); err != nil {
			return err
		}
	}
	if !s.sl.insert(rec.Key, rec.Value, rec.Deleted) {
		return errors.AssertionFailedf("memtable: duplicate tagged key %q@%d",
			rec.Key.UserKey(), rec.Key.LSN())
	}
	return nil
}

// Get looks up the record visible at readLSN: the greatest TaggedKey
// <= (user, readLSN) whose user key matches. The value is only
// meaningful for Live.
func (m *Memtable) Get(user []byte, readLSN uint64) ([]byte, keys.Lookup) {
	for {
		frozen := m.frozen.Load()
		s := m.target(user)
		s.mu.RLock()
		if m.frozen.Load() != frozen {
			// Freeze ran between shard selection and lock; the
			// record may have moved to shard 0. Pick again.
			s.mu.RUnlock()
			continue
		}
		val, st := getInShard(s, user, readLSN)
		s.mu.RUnlock()
		return val, st
	}
}

func getInShard(s *shard, user []byte, readLSN uint64) ([]byte, keys.Lookup) {
	node := s.sl.seekLE(keys.NewTaggedKey(user, readLSN))
	if node == 0 {
		return nil, keys.NotPresent
	}
	found := s.sl.nodeKey(node)
	if found.UserKey().Compare(user) != 0 {
		return nil, keys.NotPresent
	}
	if s.sl.nodeDeleted(node) {
		return nil, keys.Tombstone
	}
	return s.sl.nodeValue(node), keys.Live
}

// lockAllShared takes every shard lock in index order, excluding a
// concurrent Freeze, which takes them all exclusively in the same
// order.
func (m *Memtable) lockAllShared() {
	for _, s := range m.shards {
		s.mu.RLock()
	}
}

func (m *Memtable) unlockAllShared() {
	for i := len(m.shards) - 1; i >= 0; i-- {
		m.shards[i].mu.RUnlock()
	}
}

// ScanAll returns every record in [lower, upper] with LSN <=
// readLSN, sorted by TaggedKey — multiple versions of a key
// included, tombstones included. The caller owns the copies. This is
// the layer's contribution to a cross-layer merge.
func (m *Memtable) ScanAll(lower, upper []byte, readLSN uint64) []keys.Record {
	from := keys.NewTaggedKey(lower, 0)
	var recs []keys.Record

	m.lockAllShared()
	shards := m.shards
	if m.frozen.Load() {
		shards = m.shards[:1]
	}
	for _, s := range shards {
		node, _ := s.sl.findGE(from, false)
		for node != 0 {
			k := s.sl.nodeKey(node)
			if keys.UserKey(upper).CompareTagged(k) < 0 {
				break
			}
			if k.LSN() <= readLSN {
				recs = append(recs, keys.Record{
					Key:     k.Clone(),
					Value:   append([]byte(nil), s.sl.nodeValue(node)...),
					Deleted: s.sl.nodeDeleted(node),
				})
			}
			node = s.sl.next(node)
		}
	}
	m.unlockAllShared()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Key.Compare(recs[j].Key) < 0
	})
	return recs
}

// RangeScan returns, per user key in [lower, upper], the visible
// record at readLSN — highest LSN <= readLSN and not deleted — in
// ascending user-key order.
func (m *Memtable) RangeScan(lower, upper []byte, readLSN uint64) []keys.Record {
	merged := m.ScanAll(lower, upper, readLSN)
	out := merged[:0]
	for _, rec := range merged {
		if len(out) > 0 && out[len(out)-1].Key.UserKey().Compare(rec.Key.UserKey()) == 0 {
			out = out[:len(out)-1]
		}
		out = append(out, rec)
	}
	// The per-key winner decided, drop tombstones.
	live := out[:0]
	for _, rec := range out {
		if !rec.Deleted {
			live = append(live, rec)
		}
	}
	return live
}

// Freeze merges every shard into shard 0 and marks the memtable
// immutable. It holds every shard lock for the duration, so
// concurrent readers never observe a half-moved record. Writers must
// already be fenced by the caller.
func (m *Memtable) Freeze() {
	if m.frozen.Load() {
		return
	}
	for _, s := range m.shards {
		s.mu.Lock()
	}
	dst := m.shards[0]
	for _, s := range m.shards[1:] {
		for node := s.sl.first(); node != 0; node = s.sl.next(node) {
			dst.sl.insert(s.sl.nodeKey(node), s.sl.nodeValue(node), s.sl.nodeDeleted(node))
		}
		s.sl = newSkiplist(1)
	}
	m.frozen.Store(true)
	for i := len(m.shards) - 1; i >= 0; i-- {
		m.shards[i].mu.Unlock()
	}
}

// Frozen reports whether Freeze has run.
func (m *Memtable) Frozen() bool {
	return m.frozen.Load()
}

// Len is the total record count.
func (m *Memtable) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += s.sl.n
		s.mu.RUnlock()
	}
	return n
}

// ApproxSize is the arena memory footprint across shards.
func (m *Memtable) ApproxSize() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += s.sl.approxSize()
		s.mu.RUnlock()
	}
	return total
}

// Iterator walks the merged shard of a frozen memtable in TaggedKey
// order. The skiplist is immutable by then, so no locks are taken.
type Iterator struct {
	sl   *skiplist
	node int
	init bool
}

// OrderedIterator returns the full sorted sequence of a frozen
// memtable. Panics on a mutable one: the flush path freezes first by
// construction.
func (m *Memtable) OrderedIterator() *Iterator {
	if !m.frozen.Load() {
		panic("memtable: ordered iterator on mutable memtable")
	}
	return &Iterator{sl: m.shards[0].sl}
}

// Next returns the next record, or false when drained.
func (it *Iterator) Next() (keys.Record, bool) {
	if !it.init {
		it.init = true
		it.node = it.sl.first()
	} else if it.node != 0 {
		it.node = it.sl.next(it.node)
	}
	if it.node == 0 {
		return keys.Record{}, false
	}
	return keys.Record{
		Key:     it.sl.nodeKey(it.node),
		Value:   it.sl.nodeValue(it.node),
		Deleted: it.sl.nodeDeleted(it.node),
	}, true
}

// Close releases nothing; memtable iterators hold no resources.
func (it *Iterator) Close() error {
	return nil
}
