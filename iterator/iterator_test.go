package iterator

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/strata/keys"
)

func rec(key string, lsn uint64) keys.Record {
	return keys.Record{Key: keys.NewTaggedKey([]byte(key), lsn), Value: []byte("v")}
}

func drain(t *testing.T, it Ordered) []keys.Record {
	t.Helper()
	var out []keys.Record
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, r)
	}
	// A drained iterator must stay drained.
	_, ok := it.Next()
	require.False(t, ok)
	return out
}

func TestMergeInterleaves(t *testing.T) {
	a := FromRecords([]keys.Record{rec("a", 1), rec("c", 3), rec("e", 5)})
	b := FromRecords([]keys.Record{rec("b", 2), rec("d", 4)})

	out := drain(t, NewMerge(a, b))
	require.Len(t, out, 5)
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, want, out[i].Key.UserKey().String())
	}
}

func TestMergeSameUserKeyOrdersByLSN(t *testing.T) {
	a := FromRecords([]keys.Record{rec("k", 1), rec("k", 9)})
	b := FromRecords([]keys.Record{rec("k", 4)})

	out := drain(t, NewMerge(a, b))
	require.Len(t, out, 3)
	require.Equal(t, uint64(1), out[0].Key.LSN())
	require.Equal(t, uint64(4), out[1].Key.LSN())
	require.Equal(t, uint64(9), out[2].Key.LSN())
}

func TestMergeEmptySources(t *testing.T) {
	out := drain(t, NewMerge(FromRecords(nil), FromRecords(nil)))
	require.Empty(t, out)

	out = drain(t, NewMerge())
	require.Empty(t, out)
}

func TestMergeIsOrdered(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	var sources []Ordered
	var all []keys.Record
	lsn := uint64(1)
	for range 7 {
		var recs []keys.Record
		for range 200 {
			key := []byte{byte('a' + rnd.IntN(26)), byte('a' + rnd.IntN(26))}
			r := rec(string(key), lsn)
			lsn++
			recs = append(recs, r)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Key.Compare(recs[j].Key) < 0 })
		all = append(all, recs...)
		sources = append(sources, FromRecords(recs))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key.Compare(all[j].Key) < 0 })

	out := drain(t, NewMerge(sources...))
	require.Len(t, out, len(all))
	for i := range all {
		require.Equal(t, 0, all[i].Key.Compare(out[i].Key), "position %d", i)
	}
}
