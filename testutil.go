package strata

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twlk9/strata/storage"
)

func sleepTick() {
	time.Sleep(time.Millisecond)
}

// testOptions returns options tuned for fast tests on the in-memory
// shim: tiny log and table targets so flushes and compactions
// trigger with little data.
func testOptions(fs storage.FS) *Options {
	return &Options{
		Dir:                 "test",
		FS:                  fs,
		MaxLogSize:          8 * KiB,
		MaxTableSize:        4 * KiB,
		BlockSize:           1 * KiB,
		MemtableShards:      DefaultMemtableShards,
		L0CompactionTrigger: DefaultL0CompactionTrigger,
		CreateIfMissing:     true,
		Logger:              slog.New(slog.DiscardHandler),
	}
}

// openTestEngine opens an engine on a fresh memory filesystem.
func openTestEngine(t *testing.T) (*Engine, *storage.Mem) {
	t.Helper()
	fs := storage.NewMem()
	e, err := Open(testOptions(fs))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, fs
}

// reopen closes the engine and opens a new one on the same
// filesystem.
func reopen(t *testing.T, e *Engine, fs *storage.Mem) *Engine {
	t.Helper()
	require.NoError(t, e.Close())
	ne, err := Open(testOptions(fs))
	require.NoError(t, err)
	t.Cleanup(func() { ne.Close() })
	return ne
}

func testKey(i int) []byte {
	return fmt.Appendf(nil, "key-%06d", i)
}

func testValue(i int) []byte {
	return fmt.Appendf(nil, "value-%06d", i)
}

// fillKeys puts n sequential key/value pairs.
func fillKeys(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, e.Put(testKey(i), testValue(i)))
	}
}

// requireLevelInvariants checks that every level beyond 0 holds
// sorted tables with pairwise disjoint user-key ranges.
func requireLevelInvariants(t *testing.T, e *Engine) {
	t.Helper()
	v := e.versions.Current()
	defer e.versions.Release(v)
	for li, lvl := range v.levels {
		for i := 1; i < len(lvl); i++ {
			require.Negative(t, lvl[i-1].Last().UserKey().Compare(lvl[i].First().UserKey()),
				"level %d tables %d and %d overlap or are misordered", li+1, lvl[i-1].ID(), lvl[i].ID())
		}
	}
}

// waitForQuiescence lets the background worker drain pending flush
// and compaction work.
func waitForQuiescence(t *testing.T, e *Engine) {
	t.Helper()
	for range 1000 {
		e.memLock.RLock()
		pendingFlush := e.imm != nil
		e.memLock.RUnlock()
		if !pendingFlush {
			ran, err := e.versions.MaybeCompact()
			require.NoError(t, err)
			if !ran {
				return
			}
			continue
		}
		// Nudge the worker and let it run.
		e.scheduleBackground()
		sleepTick()
	}
	t.Fatal("engine did not quiesce")
}
