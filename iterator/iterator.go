// Package iterator defines the pull-based ordered record stream the
// engine composes everywhere: memtable walks, table scans, and the
// N-way merge feeding the table builder and range scans.
package iterator

import (
	"container/heap"

	"github.com/twlk9/strata/keys"
)

// Ordered is a finite, single-pass stream of records in
// non-descending TaggedKey order. Implementations own whatever
// resources they opened and release them in Close.
type Ordered interface {
	// Next returns the next record, or ok=false once drained. A
	// drained iterator stays drained.
	Next() (keys.Record, bool)
	Close() error
}

// sliceIter serves a pre-sorted record slice. Used by tests and to
// feed memtable scan results into a merge.
type sliceIter struct {
	recs []keys.Record
	pos  int
}

// FromRecords wraps an already-sorted slice as an Ordered stream.
func FromRecords(recs []keys.Record) Ordered {
	return &sliceIter{recs: recs}
}

func (it *sliceIter) Next() (keys.Record, bool) {
	if it.pos >= len(it.recs) {
		return keys.Record{}, false
	}
	rec := it.recs[it.pos]
	it.pos++
	return rec, true
}

func (it *sliceIter) Close() error { return nil }

// mergeEntry is one source with its buffered head record.
type mergeEntry struct {
	rec keys.Record
	src Ordered
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }

// Ties between equal TaggedKeys cannot occur: LSNs are unique.
func (h mergeHeap) Less(i, j int) bool {
	return h[i].rec.Key.Compare(h[j].rec.Key) < 0
}

func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator combines N ordered sources into one ordered stream
// with a min-heap keyed by the sources' head records.
type MergeIterator struct {
	h       mergeHeap
	sources []Ordered
	err     error
}

// NewMerge builds a merge over the given sources. Sources that are
// already empty drop out immediately.
func NewMerge(sources ...Ordered) *MergeIterator {
	m := &MergeIterator{sources: sources, h: make(mergeHeap, 0, len(sources))}
	for _, src := range sources {
		if rec, ok := src.Next(); ok {
			m.h = append(m.h, mergeEntry{rec: rec, src: src})
		}
	}
	heap.Init(&m.h)
	return m
}

// Next pops the globally smallest record, advances its source, and
// reinserts the source if it still has records.
func (m *MergeIterator) Next() (keys.Record, bool) {
	if len(m.h) == 0 {
		return keys.Record{}, false
	}
	top := m.h[0]
	if rec, ok := top.src.Next(); ok {
		m.h[0] = mergeEntry{rec: rec, src: top.src}
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return top.rec, true
}

// Close closes every source, returning the first error.
func (m *MergeIterator) Close() error {
	for _, src := range m.sources {
		if err := src.Close(); err != nil && m.err == nil {
			m.err = err
		}
	}
	return m.err
}
