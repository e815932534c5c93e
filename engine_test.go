package strata

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twlk9/strata/storage"
)

func TestBasicOperations(t *testing.T) {
	e, _ := openTestEngine(t)

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	_, err = e.Get([]byte("c"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Delete([]byte("a")))
	_, err = e.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOverwrites(t *testing.T) {
	e, _ := openTestEngine(t)
	for i := range 100 {
		require.NoError(t, e.Put([]byte("k"), fmt.Appendf(nil, "v%d", i)))
	}
	v, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v99", string(v))
}

func TestOverwriteDeleteOverwrite(t *testing.T) {
	e, _ := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	require.NoError(t, e.Delete([]byte("k")))
	_, err := e.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, e.Put([]byte("k"), []byte("v3")))
	v, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v3", string(v))
}

func TestDeleteAbsentKeyReturnsNotFound(t *testing.T) {
	e, _ := openTestEngine(t)
	require.ErrorIs(t, e.Delete([]byte("ghost")), ErrNotFound)

	// A tombstoned key deletes like an absent one.
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	require.ErrorIs(t, e.Delete([]byte("k")), ErrNotFound)
}

func TestInvalidArguments(t *testing.T) {
	e, _ := openTestEngine(t)

	require.ErrorIs(t, e.Put(nil, []byte("v")), ErrInvalidArgument)
	require.ErrorIs(t, e.Put([]byte("k"), nil), ErrInvalidArgument)
	require.ErrorIs(t, e.Put(make([]byte, 4*KiB+1), []byte("v")), ErrInvalidArgument)
	require.ErrorIs(t, e.Put([]byte("k"), make([]byte, 16*KiB+1)), ErrInvalidArgument)
	_, err := e.Get(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Maximum sizes are accepted.
	require.NoError(t, e.Put(make([]byte, 4*KiB), make([]byte, 16*KiB)))
}

func TestRangeScanOrdering(t *testing.T) {
	e, _ := openTestEngine(t)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("c"), []byte("3")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	var got []string
	require.NoError(t, e.RangeScan([]byte("a"), []byte("c"), func(k, v []byte) error {
		got = append(got, string(k)+"="+string(v))
		return nil
	}))
	require.Equal(t, []string{"a=1", "b=2", "c=3"}, got)
}

func TestRangeScanSkipsDeletedAndRespectsBounds(t *testing.T) {
	e, _ := openTestEngine(t)
	for i := range 20 {
		require.NoError(t, e.Put(testKey(i), testValue(i)))
	}
	require.NoError(t, e.Delete(testKey(5)))

	var got []string
	require.NoError(t, e.RangeScan(testKey(3), testKey(8), func(k, v []byte) error {
		got = append(got, string(k))
		return nil
	}))
	require.Equal(t, []string{
		string(testKey(3)), string(testKey(4)), string(testKey(6)),
		string(testKey(7)), string(testKey(8)),
	}, got)

	// Empty range.
	count := 0
	require.NoError(t, e.RangeScan([]byte("zzx"), []byte("zzz"), func(k, v []byte) error {
		count++
		return nil
	}))
	require.Zero(t, count)
}

func TestRangeScanVisitorError(t *testing.T) {
	e, _ := openTestEngine(t)
	fillKeys(t, e, 10)
	boom := fmt.Errorf("stop here")
	seen := 0
	err := e.RangeScan(testKey(0), testKey(9), func(k, v []byte) error {
		seen++
		if seen == 3 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, seen)
}

func TestRangeScanSpansTablesAndMemtable(t *testing.T) {
	e, _ := openTestEngine(t)

	// Push enough data through to land records in tables, let the
	// immutable memtable drain, then keep one record in the mutable
	// memtable.
	fillKeys(t, e, 600)
	waitForQuiescence(t, e)
	require.NoError(t, e.Put(testKey(600), testValue(600)))

	var got []string
	require.NoError(t, e.RangeScan(testKey(0), testKey(600), func(k, v []byte) error {
		got = append(got, string(k))
		return nil
	}))
	require.Len(t, got, 601)
	for i, k := range got {
		require.Equal(t, string(testKey(i)), k)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	e, _ := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v1")))

	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	v, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestSnapshotSurvivesFlushAndCompaction(t *testing.T) {
	e, _ := openTestEngine(t)
	require.NoError(t, e.Put([]byte("pinned"), []byte("before")))
	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, e.Put([]byte("pinned"), []byte("after")))
	fillKeys(t, e, 2000)
	waitForQuiescence(t, e)

	v, err := s.Get([]byte("pinned"))
	require.NoError(t, err)
	require.Equal(t, "before", string(v))

	// The snapshot's scan view matches too.
	var scanned string
	require.NoError(t, s.RangeScan([]byte("pinned"), []byte("pinned"), func(k, v []byte) error {
		scanned = string(v)
		return nil
	}))
	require.Equal(t, "before", scanned)

	// Deletes after the snapshot are invisible to it.
	require.NoError(t, e.Delete([]byte("pinned")))
	v, err = s.Get([]byte("pinned"))
	require.NoError(t, err)
	require.Equal(t, "before", string(v))
}

func TestSnapshotSeesTombstone(t *testing.T) {
	e, _ := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))

	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, e.Put([]byte("k"), []byte("resurrected")))

	_, err = s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFlushAndCompactionSettle(t *testing.T) {
	e, _ := openTestEngine(t)

	// Enough writes for several rotations at the tiny log size.
	for round := range 8 {
		for i := range 200 {
			require.NoError(t, e.Put(testKey(i), fmt.Appendf(nil, "round-%d-%d", round, i)))
		}
	}
	waitForQuiescence(t, e)

	v := e.versions.Current()
	l0 := len(v.level0)
	e.versions.Release(v)
	require.LessOrEqual(t, l0, e.opts.L0CompactionTrigger)
	requireLevelInvariants(t, e)

	// All data still visible with the last written values.
	for i := range 200 {
		val, err := e.Get(testKey(i))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("round-7-%d", i), string(val))
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	e, _ := openTestEngine(t)
	const writers, readers, perWorker = 4, 4, 300

	errCh := make(chan error, writers+readers)
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWorker {
				key := fmt.Appendf(nil, "w%d-%06d", w, i)
				if err := e.Put(key, testValue(i)); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key := fmt.Appendf(nil, "w%d-%06d", i%writers, i)
				if _, err := e.Get(key); err != nil && !errors.Is(err, ErrNotFound) {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	waitForQuiescence(t, e)

	for w := range writers {
		for i := range perWorker {
			key := fmt.Appendf(nil, "w%d-%06d", w, i)
			v, err := e.Get(key)
			require.NoError(t, err)
			require.Equal(t, string(testValue(i)), string(v))
		}
	}
}

func TestSecondOpenFails(t *testing.T) {
	e, fs := openTestEngine(t)
	_, err := Open(testOptions(fs))
	require.ErrorIs(t, err, ErrAlreadyOpen)
	require.NoError(t, e.Close())

	e2, err := Open(testOptions(fs))
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}

func TestOpenFlags(t *testing.T) {
	fs := storage.NewMem()

	opts := testOptions(fs)
	opts.CreateIfMissing = false
	_, err := Open(opts)
	require.ErrorIs(t, err, ErrStoreMissing)

	e, err := Open(testOptions(fs))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	opts = testOptions(fs)
	opts.ErrorIfExists = true
	_, err = Open(opts)
	require.ErrorIs(t, err, ErrStoreAlreadyExists)
}

func TestReadOnlyEngine(t *testing.T) {
	fs := storage.NewMem()
	e, err := Open(testOptions(fs))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Sync())
	require.NoError(t, e.Close())

	opts := testOptions(fs)
	opts.ReadOnly = true
	ro, err := Open(opts)
	require.NoError(t, err)
	defer ro.Close()

	v, err := ro.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
	require.ErrorIs(t, ro.Put([]byte("x"), []byte("y")), ErrReadOnly)
	require.ErrorIs(t, ro.Delete([]byte("k")), ErrReadOnly)
}

func TestClosedEngineRejectsOps(t *testing.T) {
	e, _ := openTestEngine(t)
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Put([]byte("k"), []byte("v")), ErrClosed)
	_, err := e.Get([]byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.Sync(), ErrClosed)
	_, err = e.Snapshot()
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, e.Close())
}

func TestMetricsRegistered(t *testing.T) {
	fs := storage.NewMem()
	reg := prometheus.NewRegistry()
	opts := testOptions(fs)
	opts.MetricsRegisterer = reg
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	_, err = e.Get([]byte("k"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]bool{}
	for _, f := range families {
		byName[f.GetName()] = true
	}
	require.True(t, byName["strata_puts_total"])
	require.True(t, byName["strata_gets_total"])
}
