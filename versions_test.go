package strata

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/memtable"
	"github.com/twlk9/strata/storage"
)

func testVersions(t *testing.T) (*Versions, *storage.Mem) {
	t.Helper()
	fs := storage.NewMem()
	opts := testOptions(fs)
	vs, err := OpenVersions(fs, opts.withDefaults())
	require.NoError(t, err)
	return vs, fs
}

// frozenMemtable builds a frozen memtable holding keys [start,
// start+n) at ascending LSNs beginning at firstLSN.
func frozenMemtable(t *testing.T, start, n int, firstLSN uint64) *memtable.Memtable {
	t.Helper()
	m := memtable.New(16)
	for i := range n {
		require.NoError(t, m.Insert(testKey(start+i), firstLSN+uint64(i), testValue(start+i), nil))
	}
	m.Freeze()
	return m
}

func TestOpenVersionsCreatesManifest(t *testing.T) {
	vs, fs := testVersions(t)
	defer vs.Close()
	require.True(t, fs.Exists("current"))
	require.True(t, fs.Exists("version.0"))
	require.Equal(t, uint64(0), vs.VersionNumber())
}

func TestInstallFlushAppendsToL0(t *testing.T) {
	vs, fs := testVersions(t)
	defer vs.Close()

	n, err := vs.InstallFlush(frozenMemtable(t, 0, 50, 1))
	require.NoError(t, err)
	require.Positive(t, n)
	require.Equal(t, uint64(1), vs.VersionNumber())
	require.True(t, fs.Exists("version.1"))

	v := vs.Current()
	require.Len(t, v.level0, n)
	val, st, err := v.PointGet(keys.NewTaggedKey(testKey(7), keys.MaxLSN))
	require.NoError(t, err)
	require.Equal(t, keys.Live, st)
	require.Equal(t, string(testValue(7)), string(val))
	vs.Release(v)
}

func TestManifestSurvivesReopen(t *testing.T) {
	vs, fs := testVersions(t)
	_, err := vs.InstallFlush(frozenMemtable(t, 0, 50, 1))
	require.NoError(t, err)
	ids := func() [][]uint64 {
		v := vs.Current()
		defer vs.Release(v)
		return v.Tables()
	}()
	require.NoError(t, vs.Close())

	vs2, err := OpenVersions(fs, testOptions(fs).withDefaults())
	require.NoError(t, err)
	defer vs2.Close()
	v := vs2.Current()
	require.Equal(t, ids, v.Tables())
	vs2.Release(v)
}

func TestL0PointGetNewestWins(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	// Two flushes of the same key: both tables overlap in L0 and the
	// higher LSN must win.
	m1 := memtable.New(16)
	require.NoError(t, m1.Insert([]byte("k"), 1, []byte("old"), nil))
	m1.Freeze()
	m2 := memtable.New(16)
	require.NoError(t, m2.Insert([]byte("k"), 2, []byte("new"), nil))
	m2.Freeze()
	_, err := vs.InstallFlush(m1)
	require.NoError(t, err)
	_, err = vs.InstallFlush(m2)
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)
	val, st, err := v.PointGet(keys.NewTaggedKey([]byte("k"), keys.MaxLSN))
	require.NoError(t, err)
	require.Equal(t, keys.Live, st)
	require.Equal(t, "new", string(val))

	// An older read view resolves to the older table's record.
	val, st, err = v.PointGet(keys.NewTaggedKey([]byte("k"), 1))
	require.NoError(t, err)
	require.Equal(t, keys.Live, st)
	require.Equal(t, "old", string(val))
}

func TestL0CompactionMergesIntoL1(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	// Five overlapping flushes trip the L0 trigger of four.
	for f := range 5 {
		_, err := vs.InstallFlush(frozenMemtable(t, 0, 40, uint64(f*40+1)))
		require.NoError(t, err)
	}
	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	v := vs.Current()
	defer vs.Release(v)
	require.Empty(t, v.level0, "overlapping L0 tables should all join the closure")
	require.NotEmpty(t, v.levels[0])

	// Every key visible, newest version.
	for i := range 40 {
		val, st, err := v.PointGet(keys.NewTaggedKey(testKey(i), keys.MaxLSN))
		require.NoError(t, err)
		require.Equal(t, keys.Live, st)
		require.Equal(t, string(testValue(i)), string(val))
	}

	// L1 sorted and disjoint.
	lvl := v.levels[0]
	for i := 1; i < len(lvl); i++ {
		require.Negative(t, lvl[i-1].Last().Compare(lvl[i].First()))
	}
}

func TestDeepLevelPointGetAtBoundaryKeys(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	for f := range 5 {
		_, err := vs.InstallFlush(frozenMemtable(t, 0, 40, uint64(f*40+1)))
		require.NoError(t, err)
	}
	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	// The first and last user key of every table must resolve at a
	// read LSN newer than the boundary records themselves — the
	// common case for any read after the write.
	v := vs.Current()
	defer vs.Release(v)
	require.NotEmpty(t, v.levels[0])
	for _, tbl := range v.levels[0] {
		for _, user := range []keys.UserKey{tbl.First().UserKey(), tbl.Last().UserKey()} {
			_, st, err := v.PointGet(keys.NewTaggedKey(user, keys.MaxLSN))
			require.NoError(t, err)
			require.Equal(t, keys.Live, st, "boundary key %q of table %d", user, tbl.ID())
		}
	}
}

func TestL0CompactionClosure(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	// Table A covers [0,10), table B covers [20,30), and table C
	// bridges them. The closure must pull in all three.
	_, err := vs.InstallFlush(frozenMemtable(t, 0, 10, 1))
	require.NoError(t, err)
	_, err = vs.InstallFlush(frozenMemtable(t, 20, 10, 100))
	require.NoError(t, err)
	_, err = vs.InstallFlush(frozenMemtable(t, 5, 20, 200))
	require.NoError(t, err)

	v := vs.Current()
	picked, left, right := v.pickL0Sources()
	vs.Release(v)
	require.Len(t, picked, 3)
	require.Equal(t, string(testKey(0)), left.UserKey().String())
	require.Equal(t, string(testKey(29)), right.UserKey().String())
}

func TestL0CompactionLeavesDisjointTables(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	// Two disjoint key bands: the closure seeded at the oldest table
	// only picks its own band.
	_, err := vs.InstallFlush(frozenMemtable(t, 0, 10, 1))
	require.NoError(t, err)
	_, err = vs.InstallFlush(frozenMemtable(t, 1000, 10, 100))
	require.NoError(t, err)

	v := vs.Current()
	picked, _, _ := v.pickL0Sources()
	vs.Release(v)
	require.Equal(t, []int{0}, picked)
}

func TestCompactionMergesBoundaryUserKey(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	// Settle keys [0,10] into the first level.
	for f := range 5 {
		_, err := vs.InstallFlush(frozenMemtable(t, 0, 11, uint64(f*11+1)))
		require.NoError(t, err)
	}
	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	// New flushes cover [10,20]: they share only the user key at the
	// boundary with the settled table, and its record there carries
	// an older LSN. The merge must still pull that table in, or two
	// first-level tables end up holding the boundary key.
	for f := range 5 {
		_, err := vs.InstallFlush(frozenMemtable(t, 10, 11, uint64(1000+f*11)))
		require.NoError(t, err)
	}
	ran, err = vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	v := vs.Current()
	defer vs.Release(v)
	lvl := v.levels[0]
	for i := 1; i < len(lvl); i++ {
		require.Negative(t, lvl[i-1].Last().UserKey().Compare(lvl[i].First().UserKey()),
			"tables %d and %d share a user key", lvl[i-1].ID(), lvl[i].ID())
	}
	val, st, err := v.PointGet(keys.NewTaggedKey(testKey(10), keys.MaxLSN))
	require.NoError(t, err)
	require.Equal(t, keys.Live, st)
	require.Equal(t, string(testValue(10)), string(val))
}

func TestCompactionDropsShadowedVersions(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	// The same key overwritten in five flushes; after compaction to
	// the bottom of the tree exactly one record survives.
	for f := range 5 {
		m := memtable.New(16)
		require.NoError(t, m.Insert([]byte("hot"), uint64(f+1), fmt.Appendf(nil, "v%d", f+1), nil))
		m.Freeze()
		_, err := vs.InstallFlush(m)
		require.NoError(t, err)
	}
	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	v := vs.Current()
	defer vs.Release(v)
	require.Len(t, v.levels[0], 1)

	it, err := v.levels[0][0].NewIterator(nil)
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		count++
		require.Equal(t, "v5", string(rec.Value))
		require.Equal(t, uint64(5), rec.Key.LSN())
	}
	require.Equal(t, 1, count)
}

func TestBottomCompactionDropsTombstones(t *testing.T) {
	vs, _ := testVersions(t)
	defer vs.Close()

	m := memtable.New(16)
	require.NoError(t, m.Insert([]byte("a"), 1, []byte("va"), nil))
	require.NoError(t, m.Insert([]byte("b"), 2, []byte("vb"), nil))
	m.Freeze()
	_, err := vs.InstallFlush(m)
	require.NoError(t, err)

	for f := range 4 {
		m := memtable.New(16)
		require.NoError(t, m.Delete([]byte("a"), uint64(10+f), nil))
		require.NoError(t, m.Insert([]byte("c"), uint64(20+f), []byte("vc"), nil))
		m.Freeze()
		_, err := vs.InstallFlush(m)
		require.NoError(t, err)
	}

	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	v := vs.Current()
	defer vs.Release(v)
	// Compacting into the only level: the tombstone for "a" and the
	// record it shadowed are both gone.
	_, st, err := v.PointGet(keys.NewTaggedKey([]byte("a"), keys.MaxLSN))
	require.NoError(t, err)
	require.Equal(t, keys.NotPresent, st)

	val, st, err := v.PointGet(keys.NewTaggedKey([]byte("b"), keys.MaxLSN))
	require.NoError(t, err)
	require.Equal(t, keys.Live, st)
	require.Equal(t, "vb", string(val))
}

func TestCompactionDropsDeadTables(t *testing.T) {
	vs, fs := testVersions(t)
	defer vs.Close()

	for f := range 5 {
		_, err := vs.InstallFlush(frozenMemtable(t, 0, 20, uint64(f*20+1)))
		require.NoError(t, err)
	}
	before := countFiles(t, fs, "sst.")
	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	// The merged L0 inputs are unreferenced now and their files gone.
	after := countFiles(t, fs, "sst.")
	require.Less(t, after, before)

	v := vs.Current()
	defer vs.Release(v)
	for _, name := range listFiles(t, fs, "sst.") {
		id := mustParseID(t, name)
		require.True(t, v.refed(id), "file %s not referenced by current version", name)
	}
}

func TestGCRemovesOrphans(t *testing.T) {
	vs, fs := testVersions(t)
	defer vs.Close()
	_, err := vs.InstallFlush(frozenMemtable(t, 0, 20, 1))
	require.NoError(t, err)

	// Drop plausible leftovers from a crashed flush.
	for _, name := range []string{"tmp.000900", "sst.999"} {
		f, err := fs.Create(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	require.NoError(t, vs.GC())
	require.False(t, fs.Exists("tmp.000900"))
	require.False(t, fs.Exists("sst.999"))

	// Referenced tables stay.
	v := vs.Current()
	for _, id := range v.Tables()[0] {
		require.True(t, fs.Exists(TableName(id)))
	}
	vs.Release(v)
}

func TestCrashBetweenVersionFileAndCurrent(t *testing.T) {
	vs, fs := testVersions(t)
	_, err := vs.InstallFlush(frozenMemtable(t, 0, 20, 1))
	require.NoError(t, err)
	require.NoError(t, vs.Close())

	// Simulate a crash that wrote version.2 but never flipped
	// current: the extra file references nothing that exists.
	f, err := fs.Create("version.2")
	require.NoError(t, err)
	_, err = fmt.Fprintln(f, "1 12345")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	vs2, err := OpenVersions(fs, testOptions(fs).withDefaults())
	require.NoError(t, err)
	defer vs2.Close()
	require.Equal(t, uint64(1), vs2.VersionNumber())
}

func TestReleasedVersionDropsTables(t *testing.T) {
	vs, fs := testVersions(t)
	defer vs.Close()
	_, err := vs.InstallFlush(frozenMemtable(t, 0, 200, 1))
	require.NoError(t, err)

	// Hold the old version across a compacting install.
	held := vs.Current()
	for f := range 5 {
		_, err := vs.InstallFlush(frozenMemtable(t, 0, 200, uint64((f+1)*200+1)))
		require.NoError(t, err)
	}
	ran, err := vs.MaybeCompact()
	require.NoError(t, err)
	require.True(t, ran)

	// Tables of the held version must still be readable.
	val, st, err := held.PointGet(keys.NewTaggedKey(testKey(3), keys.MaxLSN))
	require.NoError(t, err)
	require.Equal(t, keys.Live, st)
	require.Equal(t, string(testValue(3)), string(val))

	heldIDs := held.Tables()
	vs.Release(held)

	// Now the old flush-only tables are unreferenced and deleted.
	v := vs.Current()
	defer vs.Release(v)
	for _, ids := range heldIDs {
		for _, id := range ids {
			if !v.refed(id) {
				require.False(t, fs.Exists(TableName(id)), "table %d should be gone", id)
			}
		}
	}
}

func countFiles(t *testing.T, fs storage.FS, prefix string) int {
	t.Helper()
	return len(listFiles(t, fs, prefix))
}

func listFiles(t *testing.T, fs storage.FS, prefix string) []string {
	t.Helper()
	names, err := fs.List()
	require.NoError(t, err)
	var out []string
	for _, name := range names {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, name)
		}
	}
	return out
}

func mustParseID(t *testing.T, name string) uint64 {
	t.Helper()
	var id uint64
	_, err := fmt.Sscanf(name, "sst.%d", &id)
	require.NoError(t, err)
	return id
}
