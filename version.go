package strata

import (
	"sort"

	"github.com/twlk9/strata/iterator"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/sstable"
)

// Version is an immutable snapshot of the on-disk table set. Level 0
// holds freshly flushed tables that may overlap by key range, oldest
// first; levels[i] (the i-th level beyond L0) holds tables with
// pairwise disjoint ranges in ascending key order. Once published a
// version never changes; derived versions copy the slices.
//
// A version owns one reference on every table it lists. Retain and
// Release manage the version's own lifetime for readers that need
// the table set to stay alive across an operation.
type Version struct {
	level0 []*sstable.Table
	levels [][]*sstable.Table

	// lastCompact[i] is the right edge of the last compaction run on
	// levels[i], the round-robin cursor that spreads work across a
	// level. In-memory only; the cursor resets on restart.
	lastCompact []keys.TaggedKey

	refs int32 // guarded by the owning Versions' mutex
}

// retainTables adds one reference per listed table, claiming
// ownership for this version.
func (v *Version) retainTables() {
	for _, t := range v.level0 {
		t.Retain()
	}
	for _, lvl := range v.levels {
		for _, t := range lvl {
			t.Retain()
		}
	}
}

// releaseTables drops this version's references. Tables no longer
// referenced by any version delete their files.
func (v *Version) releaseTables() {
	for _, t := range v.level0 {
		t.Release()
	}
	for _, lvl := range v.levels {
		for _, t := range lvl {
			t.Release()
		}
	}
}

// clone copies the level structure into a new, mutable-for-now
// version. Table references are not adjusted; the caller retains on
// install.
func (v *Version) clone() *Version {
	next := &Version{
		level0:      append([]*sstable.Table(nil), v.level0...),
		levels:      make([][]*sstable.Table, len(v.levels)),
		lastCompact: append([]keys.TaggedKey(nil), v.lastCompact...),
	}
	for i, lvl := range v.levels {
		next.levels[i] = append([]*sstable.Table(nil), lvl...)
	}
	return next
}

// Tables returns the table IDs per level, level 0 first. For
// inspection and the manifest dump.
func (v *Version) Tables() [][]uint64 {
	out := make([][]uint64, 0, 1+len(v.levels))
	ids := make([]uint64, 0, len(v.level0))
	for _, t := range v.level0 {
		ids = append(ids, t.ID())
	}
	out = append(out, ids)
	for _, lvl := range v.levels {
		ids = make([]uint64, 0, len(lvl))
		for _, t := range lvl {
			ids = append(ids, t.ID())
		}
		out = append(out, ids)
	}
	return out
}

// refed reports whether id is referenced anywhere in this version.
func (v *Version) refed(id uint64) bool {
	for _, t := range v.level0 {
		if t.ID() == id {
			return true
		}
	}
	for _, lvl := range v.levels {
		for _, t := range lvl {
			if t.ID() == id {
				return true
			}
		}
	}
	return false
}

// PointGet resolves q layer by layer: level 0 first, where every
// overlapping table is consulted and the hit with the greatest LSN
// wins, then each deeper level, where at most one table can contain
// the key. The first layer with a definitive answer wins.
func (v *Version) PointGet(q keys.TaggedKey) ([]byte, keys.Lookup, error) {
	var (
		bestVal []byte
		bestLSN uint64
		bestSt  = keys.NotPresent
	)
	for _, t := range v.level0 {
		val, lsn, st, err := t.PointGet(q)
		if err != nil {
			return nil, keys.NotPresent, err
		}
		if st == keys.NotPresent {
			continue
		}
		if bestSt == keys.NotPresent || lsn > bestLSN {
			bestVal, bestLSN, bestSt = val, lsn, st
		}
	}
	if bestSt != keys.NotPresent {
		return bestVal, bestSt, nil
	}

	for _, lvl := range v.levels {
		// The single candidate is the first table whose last user key
		// is >= the query's; disjoint ranges make it the only one
		// that can hold the user key. The comparison must ignore the
		// LSN tag: the query carries the read LSN, which is almost
		// always newer than the table's boundary record.
		i := sort.Search(len(lvl), func(i int) bool {
			return lvl[i].Last().UserKey().Compare(q.UserKey()) >= 0
		})
		if i == len(lvl) {
			continue
		}
		val, _, st, err := lvl[i].PointGet(q)
		if err != nil {
			return nil, keys.NotPresent, err
		}
		if st != keys.NotPresent {
			return val, st, nil
		}
	}
	return nil, keys.NotPresent, nil
}

// overlapsRange reports whether a table's key range intersects the
// user-key interval [lower, upper].
func overlapsRange(t *sstable.Table, lower, upper keys.UserKey) bool {
	if t.Last().UserKey().Compare(lower) < 0 {
		return false
	}
	if t.First().UserKey().Compare(upper) > 0 {
		return false
	}
	return true
}

// RangeSources opens one iterator per table overlapping [lower,
// upper] in any level: every overlapping L0 table, and the
// contiguous run of overlapping tables per deeper level. Each
// iterator retains its table until closed.
func (v *Version) RangeSources(lower, upper keys.UserKey) ([]iterator.Ordered, error) {
	from := keys.NewTaggedKey(lower, 0)
	var sources []iterator.Ordered
	fail := func(err error) ([]iterator.Ordered, error) {
		for _, s := range sources {
			s.Close()
		}
		return nil, err
	}
	for _, t := range v.level0 {
		if !overlapsRange(t, lower, upper) {
			continue
		}
		it, err := t.NewIterator(from)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, it)
	}
	for _, lvl := range v.levels {
		lo, hi := overlapSpan(lvl, lower, upper)
		for _, t := range lvl[lo:hi] {
			it, err := t.NewIterator(from)
			if err != nil {
				return fail(err)
			}
			sources = append(sources, it)
		}
	}
	return sources, nil
}

// overlapSpan returns the contiguous index range [lo, hi) of tables
// in a sorted, disjoint level that intersect [lower, upper].
func overlapSpan(lvl []*sstable.Table, lower, upper keys.UserKey) (lo, hi int) {
	lo = sort.Search(len(lvl), func(i int) bool {
		return lvl[i].Last().UserKey().Compare(lower) >= 0
	})
	hi = sort.Search(len(lvl), func(i int) bool {
		return lvl[i].First().UserKey().Compare(upper) > 0
	})
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// pickL0Sources computes the transitive overlap closure seeded at
// the oldest level-0 table: any L0 table overlapping the growing
// [left, right] range joins and widens it, until a pass adds
// nothing. Needed because a freshly flushed table can bridge two L0
// tables that do not overlap each other.
func (v *Version) pickL0Sources() (picked []int, left, right keys.TaggedKey) {
	if len(v.level0) == 0 {
		return nil, nil, nil
	}
	in := make([]bool, len(v.level0))
	left, right = v.level0[0].First(), v.level0[0].Last()
	for {
		added := false
		for i, t := range v.level0 {
			if in[i] {
				continue
			}
			// Overlap is a user-key question; a table whose boundary
			// record shares the user key but carries an older LSN
			// still overlaps and must join the merge.
			if t.Last().UserKey().Compare(left.UserKey()) < 0 ||
				t.First().UserKey().Compare(right.UserKey()) > 0 {
				continue
			}
			in[i] = true
			added = true
			if t.First().Compare(left) < 0 {
				left = t.First()
			}
			if t.Last().Compare(right) > 0 {
				right = t.Last()
			}
		}
		if !added {
			break
		}
	}
	for i, ok := range in {
		if ok {
			picked = append(picked, i)
		}
	}
	return picked, left, right
}

// pickLevelSource chooses the compaction source in levels[idx]: the
// first table past the level's cursor, wrapping to the start when
// the cursor is at or beyond the level's end.
func (v *Version) pickLevelSource(idx int) int {
	lvl := v.levels[idx]
	cursor := v.lastCompact[idx]
	if cursor == nil {
		return 0
	}
	for i, t := range lvl {
		if t.First().Compare(cursor) > 0 {
			return i
		}
	}
	return 0
}
