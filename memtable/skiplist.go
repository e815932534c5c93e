package memtable

import (
	"math/rand/v2"

	"github.com/twlk9/strata/keys"
)

const tMaxHeight = 12

const (
	posKV     = iota // offset of the key/value bytes in the data arena
	posKey           // length of the encoded key
	posVal           // length of the value
	posDel           // 1 if the record is a tombstone
	posHeight        // number of next pointers
	posNext          // first next pointer (level 0)
)

// skiplist is an append-only arena skiplist keyed by TaggedKey. Keys
// and values live contiguously in d; md holds per-node metadata and
// the forward pointers. Node 0 is the head. Nothing is ever removed,
// which is what lets readers walk level-0 links under a shared lock.
type skiplist struct {
	rnd       *rand.Rand
	d         []byte
	md        []int
	prev      [tMaxHeight]int
	maxHeight int
	n         int
}

func newSkiplist(seed uint64) *skiplist {
	sl := &skiplist{
		rnd:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxHeight: 1,
		md:        make([]int, posNext+tMaxHeight),
	}
	sl.md[posHeight] = tMaxHeight
	return sl
}

func (sl *skiplist) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && sl.rnd.Int()%b == 0 {
		h++
	}
	return h
}

func (sl *skiplist) nodeKey(node int) keys.TaggedKey {
	o := sl.md[node+posKV]
	return keys.TaggedKey(sl.d[o : o+sl.md[node+posKey]])
}

func (sl *skiplist) nodeValue(node int) []byte {
	o := sl.md[node+posKV] + sl.md[node+posKey]
	return sl.d[o : o+sl.md[node+posVal]]
}

func (sl *skiplist) nodeDeleted(node int) bool {
	return sl.md[node+posDel] == 1
}

// findGE returns the first node whose key is >= key, or 0 if none.
// With fillPrev set, sl.prev is positioned for an insertion and, as a
// side effect, prev[0] is the last node strictly less than key.
func (sl *skiplist) findGE(key keys.TaggedKey, fillPrev bool) (int, bool) {
	node := 0
	h := sl.maxHeight - 1
	for {
		next := sl.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			cmp = sl.nodeKey(next).Compare(key)
		}
		if cmp < 0 {
			node = next
		} else {
			if fillPrev {
				sl.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

// insert adds a record. Returns false if a node with the same
// TaggedKey already exists (unreachable in practice: LSNs are unique
// per write).
func (sl *skiplist) insert(key keys.TaggedKey, value []byte, deleted bool) bool {
	if _, found := sl.findGE(key, true); found {
		return false
	}

	h := sl.randHeight()
	if h > sl.maxHeight {
		for i := sl.maxHeight; i < h; i++ {
			sl.prev[i] = 0
		}
		sl.maxHeight = h
	}

	off := len(sl.d)
	sl.d = append(sl.d, key...)
	sl.d = append(sl.d, value...)
	node := len(sl.md)
	del := 0
	if deleted {
		del = 1
	}
	sl.md = append(sl.md, off, len(key), len(value), del, h)
	for i, n := range sl.prev[:h] {
		m := n + posNext + i
		sl.md = append(sl.md, sl.md[m])
		sl.md[m] = node
	}
	sl.n++
	return true
}

// seekLE returns the greatest node whose key is <= key, or 0. Unlike
// findGE with fillPrev it touches no shared state, so concurrent
// readers can call it under a shared lock.
func (sl *skiplist) seekLE(key keys.TaggedKey) int {
	node := 0
	h := sl.maxHeight - 1
	for {
		next := sl.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			cmp = sl.nodeKey(next).Compare(key)
		}
		switch {
		case cmp < 0:
			node = next
		case cmp == 0:
			return next
		default:
			if h == 0 {
				return node
			}
			h--
		}
	}
}

// first returns the first node, or 0 when empty.
func (sl *skiplist) first() int {
	return sl.md[posNext]
}

// next returns the node after node at level 0, or 0.
func (sl *skiplist) next(node int) int {
	return sl.md[node+posNext]
}

// approxSize is the arena memory footprint in bytes.
func (sl *skiplist) approxSize() int {
	return len(sl.d) + len(sl.md)*8
}
