package strata

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/iterator"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/memtable"
	"github.com/twlk9/strata/sstable"
	"github.com/twlk9/strata/storage"
)

const (
	currentName   = "current"
	versionPrefix = "version."
	tablePrefix   = "sst."
	tmpPrefix     = "tmp."
)

// Versions is the mutable registry around the immutable Version
// chain: it assigns table and version numbers, persists the current
// pointer, and installs the versions produced by flushes and
// compactions.
//
// Publication is two steps — write version.N+1 completely, then
// overwrite current — so a crash between them leaves the old version
// in effect and at worst some orphan sst files for GC.
type Versions struct {
	fs     storage.FS
	opts   *Options
	logger *slog.Logger

	// mu is the manifest lock: exclusive during flush install and
	// compaction install, and guards the version refcounts.
	mu sync.Mutex

	latest     *Version
	versionNum uint64
	tableNum   uint64 // next table ID, never reused
}

// OpenVersions reads current and the version it names, opening every
// referenced table. When current is missing, an empty version.0 and a
// current pointing at it are written first.
func OpenVersions(fs storage.FS, opts *Options) (*Versions, error) {
	vs := &Versions{fs: fs, opts: opts, logger: opts.Logger}

	if !fs.Exists(currentName) {
		if err := vs.writeVersionFile(0, &Version{}); err != nil {
			return nil, err
		}
		if err := vs.writeCurrent(0); err != nil {
			return nil, err
		}
	}

	num, err := vs.readCurrent()
	if err != nil {
		return nil, err
	}
	v, maxID, err := vs.readVersionFile(num)
	if err != nil {
		return nil, err
	}
	vs.latest = v
	vs.latest.refs = 1 // the manifest's own reference
	vs.versionNum = num
	vs.tableNum = maxID + 1
	return vs, nil
}

func versionName(num uint64) string {
	return versionPrefix + strconv.FormatUint(num, 10)
}

// TableName returns the file name for a table ID.
func TableName(id uint64) string {
	return tablePrefix + strconv.FormatUint(id, 10)
}

func (vs *Versions) readCurrent() (uint64, error) {
	f, err := vs.fs.Open(currentName)
	if err != nil {
		return 0, ioErr(err, "open %s", currentName)
	}
	defer f.Close()
	var num uint64
	if _, err := fmt.Fscanf(f, "%d", &num); err != nil {
		return 0, corruptionErr("manifest: %s unparseable: %v", currentName, err)
	}
	return num, nil
}

// writeCurrent atomically flips the current pointer by writing a
// scratch file and renaming it over current.
func (vs *Versions) writeCurrent(num uint64) error {
	scratch := currentName + ".tmp"
	f, err := vs.fs.Create(scratch)
	if err != nil {
		return ioErr(err, "create %s", scratch)
	}
	if _, err := fmt.Fprintf(f, "%d\n", num); err != nil {
		f.Close()
		return ioErr(err, "write %s", scratch)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioErr(err, "sync %s", scratch)
	}
	if err := f.Close(); err != nil {
		return ioErr(err, "close %s", scratch)
	}
	if err := vs.fs.Rename(scratch, currentName); err != nil {
		return ioErr(err, "rename %s", scratch)
	}
	return nil
}

// writeVersionFile dumps a version as one line per level: the table
// count followed by the table IDs. Line zero is level 0.
func (vs *Versions) writeVersionFile(num uint64, v *Version) error {
	name := versionName(num)
	f, err := vs.fs.Create(name)
	if err != nil {
		return ioErr(err, "create %s", name)
	}
	w := bufio.NewWriter(f)
	for _, ids := range v.Tables() {
		fmt.Fprintf(w, "%d", len(ids))
		for _, id := range ids {
			fmt.Fprintf(w, " %d", id)
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ioErr(err, "write %s", name)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioErr(err, "sync %s", name)
	}
	if err := f.Close(); err != nil {
		return ioErr(err, "close %s", name)
	}
	return nil
}

// readVersionFile parses version.num and opens every table it
// names. Returns the version and the largest table ID seen.
func (vs *Versions) readVersionFile(num uint64) (*Version, uint64, error) {
	name := versionName(num)
	f, err := vs.fs.Open(name)
	if err != nil {
		return nil, 0, ioErr(err, "open %s", name)
	}
	defer f.Close()

	v := &Version{}
	var maxID uint64
	var opened []*sstable.Table
	sc := bufio.NewScanner(f)
	lineNum := 0
	// On a parse failure close the handles opened so far; the files
	// themselves stay put.
	fail := func(err error) (*Version, uint64, error) {
		for _, t := range opened {
			t.CloseHandle()
		}
		return nil, 0, err
	}
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		count, err := strconv.Atoi(fields[0])
		if err != nil || count != len(fields)-1 {
			return fail(corruptionErr("manifest: %s line %d malformed", name, lineNum))
		}
		var lvl []*sstable.Table
		for _, field := range fields[1:] {
			id, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return fail(corruptionErr("manifest: %s line %d bad table id %q", name, lineNum, field))
			}
			if id > maxID {
				maxID = id
			}
			t, err := sstable.Open(vs.fs, TableName(id), vs.logger)
			if err != nil {
				if errors.Is(err, sstable.ErrCorrupt) {
					return fail(errors.Mark(err, ErrCorruption))
				}
				return fail(ioErr(err, "open table %d", id))
			}
			lvl = append(lvl, t)
			opened = append(opened, t)
		}
		if lineNum == 0 {
			v.level0 = lvl
		} else {
			v.levels = append(v.levels, lvl)
			v.lastCompact = append(v.lastCompact, nil)
		}
		lineNum++
	}
	if err := sc.Err(); err != nil {
		return fail(ioErr(err, "read %s", name))
	}

	// Structural invariant: deeper levels are sorted and disjoint by
	// user-key range. Compaction output holds one record per user
	// key, so even a shared boundary user key means overlap.
	for li, lvl := range v.levels {
		for i := 1; i < len(lvl); i++ {
			if lvl[i-1].Last().UserKey().Compare(lvl[i].First().UserKey()) >= 0 {
				return fail(corruptionErr("manifest: level %d tables %d and %d overlap",
					li+1, lvl[i-1].ID(), lvl[i].ID()))
			}
		}
	}
	return v, maxID, nil
}

// Current returns the live version with a reference held. Callers
// must pass it back to Release.
func (vs *Versions) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.latest.refs++
	return vs.latest
}

// Release drops a reference taken by Current (or held by a
// snapshot). A superseded version whose last reference drops takes
// its table references with it.
func (vs *Versions) Release(v *Version) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.releaseLocked(v)
}

func (vs *Versions) releaseLocked(v *Version) {
	v.refs--
	if v.refs == 0 {
		v.releaseTables()
	}
}

// install publishes next: version file, then current pointer, then
// the in-memory swap. Called with mu held.
func (vs *Versions) install(next *Version) error {
	num := vs.versionNum + 1
	if err := vs.writeVersionFile(num, next); err != nil {
		return err
	}
	if err := vs.writeCurrent(num); err != nil {
		return err
	}
	next.retainTables()
	next.refs = 1
	old := vs.latest
	vs.latest = next
	vs.versionNum = num
	vs.releaseLocked(old)
	return nil
}

// materialize renames the builder's temp outputs to their final
// sst.ID names and opens them. On failure the already-renamed tables
// are released (deleting their files) and remaining temps unlinked.
func (vs *Versions) materialize(tmps []string) ([]*sstable.Table, error) {
	tables := make([]*sstable.Table, 0, len(tmps))
	for i, tmp := range tmps {
		id := vs.tableNum
		vs.tableNum++
		name := TableName(id)
		if err := vs.fs.Rename(tmp, name); err != nil {
			for _, t := range tables {
				t.Release()
			}
			removeAll(vs.fs, tmps[i:])
			return nil, ioErr(err, "rename %s to %s", tmp, name)
		}
		t, err := sstable.Open(vs.fs, name, vs.logger)
		if err != nil {
			for _, t := range tables {
				t.Release()
			}
			vs.fs.Remove(name)
			removeAll(vs.fs, tmps[i+1:])
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func removeAll(fs storage.FS, names []string) {
	for _, name := range names {
		fs.Remove(name)
	}
}

// buildTables runs the table builder over sources until drained and
// returns the temp file names.
func (vs *Versions) buildTables(sources ...iterator.Ordered) ([]string, error) {
	b := sstable.NewBuilder(sstable.BuildOpts{
		FS:           vs.fs,
		BlockSize:    vs.opts.BlockSize,
		MaxTableSize: vs.opts.MaxTableSize,
		Logger:       vs.logger,
	}, sources...)
	defer b.Close()

	var tmps []string
	for {
		tmp, err := b.Build()
		if err != nil {
			removeAll(vs.fs, tmps)
			return nil, err
		}
		if tmp == "" {
			return tmps, nil
		}
		tmps = append(tmps, tmp)
	}
}

// InstallFlush builds tables from a frozen memtable and publishes a
// version with them appended to level 0. Returns the number of
// tables created.
func (vs *Versions) InstallFlush(imm *memtable.Memtable) (int, error) {
	tmps, err := vs.buildTables(imm.OrderedIterator())
	if err != nil {
		return 0, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	tables, err := vs.materialize(tmps)
	if err != nil {
		return 0, err
	}
	next := vs.latest.clone()
	next.level0 = append(next.level0, tables...)
	if err := vs.install(next); err != nil {
		for _, t := range tables {
			t.Release()
		}
		return 0, err
	}
	// install retained one reference per table for the new version;
	// drop the creator reference from sstable.Open.
	for _, t := range tables {
		t.Release()
	}
	return len(tables), nil
}

// maxTablesForLevel is the compaction threshold for levels[idx]: 10
// for the first level beyond L0, growing tenfold per level.
func maxTablesForLevel(idx int) int {
	n := 10
	for range idx {
		n *= 10
	}
	return n
}

// MaybeCompact runs at most one compaction step under the manifest
// lock: an L0 compaction when level 0 exceeds its trigger, otherwise
// a level compaction on the shallowest oversized level. Reports
// whether a compaction ran.
func (vs *Versions) MaybeCompact() (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if len(vs.latest.level0) > vs.opts.L0CompactionTrigger {
		return true, vs.compactL0()
	}
	for idx := range vs.latest.levels {
		if len(vs.latest.levels[idx]) > maxTablesForLevel(idx) {
			return true, vs.compactLevel(idx)
		}
	}
	return false, nil
}

// compactL0 merges the overlap closure of level-0 tables, plus the
// contiguous run of first-level tables they intersect, into new
// first-level tables. Called with mu held.
func (vs *Versions) compactL0() error {
	cur := vs.latest
	picked, left, right := cur.pickL0Sources()

	var firstLevel []*sstable.Table
	if len(cur.levels) > 0 {
		firstLevel = cur.levels[0]
	}
	lo, hi := overlapSpan(firstLevel, left.UserKey(), right.UserKey())

	var sources []iterator.Ordered
	for _, i := range picked {
		it, err := cur.level0[i].NewIterator(nil)
		if err != nil {
			closeAll(sources)
			return err
		}
		sources = append(sources, it)
	}
	for _, t := range firstLevel[lo:hi] {
		it, err := t.NewIterator(nil)
		if err != nil {
			closeAll(sources)
			return err
		}
		sources = append(sources, it)
	}

	// Tombstones can only be dropped when nothing deeper could hold
	// an older record for the key.
	bottom := len(cur.levels) <= 1
	tmps, err := vs.buildTables(newCompactionFilter(iterator.NewMerge(sources...), bottom))
	if err != nil {
		return err
	}
	tables, err := vs.materialize(tmps)
	if err != nil {
		return err
	}

	next := cur.clone()
	if len(next.levels) == 0 {
		next.levels = append(next.levels, nil)
		next.lastCompact = append(next.lastCompact, nil)
	}
	for i := len(picked) - 1; i >= 0; i-- {
		idx := picked[i]
		next.level0 = append(next.level0[:idx], next.level0[idx+1:]...)
	}
	next.levels[0] = splice(next.levels[0], lo, hi, tables)

	if err := vs.install(next); err != nil {
		for _, t := range tables {
			t.Release()
		}
		return err
	}
	for _, t := range tables {
		t.Release()
	}
	vs.logger.Info("compacted level 0",
		"sources", len(picked), "merged", hi-lo, "produced", len(tables),
		"l0_remaining", len(next.level0))
	return nil
}

// compactLevel merges one source table from levels[idx] — chosen
// round-robin by the level's cursor — with the overlapping run in
// the level below, and advances the cursor. Called with mu held.
func (vs *Versions) compactLevel(idx int) error {
	cur := vs.latest
	srcIdx := cur.pickLevelSource(idx)
	src := cur.levels[idx][srcIdx]
	left, right := src.First(), src.Last()

	var deeper []*sstable.Table
	if idx+1 < len(cur.levels) {
		deeper = cur.levels[idx+1]
	}
	lo, hi := overlapSpan(deeper, left.UserKey(), right.UserKey())

	sources := make([]iterator.Ordered, 0, 1+hi-lo)
	it, err := src.NewIterator(nil)
	if err != nil {
		return err
	}
	sources = append(sources, it)
	for _, t := range deeper[lo:hi] {
		it, err := t.NewIterator(nil)
		if err != nil {
			closeAll(sources)
			return err
		}
		sources = append(sources, it)
	}

	bottom := idx+2 >= len(cur.levels)
	tmps, err := vs.buildTables(newCompactionFilter(iterator.NewMerge(sources...), bottom))
	if err != nil {
		return err
	}
	tables, err := vs.materialize(tmps)
	if err != nil {
		return err
	}

	next := cur.clone()
	if idx+1 >= len(next.levels) {
		next.levels = append(next.levels, nil)
		next.lastCompact = append(next.lastCompact, nil)
	}
	next.levels[idx] = append(next.levels[idx][:srcIdx], next.levels[idx][srcIdx+1:]...)
	next.levels[idx+1] = splice(next.levels[idx+1], lo, hi, tables)
	next.lastCompact[idx] = right.Clone()

	if err := vs.install(next); err != nil {
		for _, t := range tables {
			t.Release()
		}
		return err
	}
	for _, t := range tables {
		t.Release()
	}
	vs.logger.Info("compacted level", "level", idx+1,
		"source", src.ID(), "merged", hi-lo, "produced", len(tables))
	return nil
}

// splice replaces lvl[lo:hi] with repl. When lo==hi nothing was
// removed and lo is already the sorted insertion point.
func splice(lvl []*sstable.Table, lo, hi int, repl []*sstable.Table) []*sstable.Table {
	out := make([]*sstable.Table, 0, len(lvl)-(hi-lo)+len(repl))
	out = append(out, lvl[:lo]...)
	out = append(out, repl...)
	out = append(out, lvl[hi:]...)
	return out
}

func closeAll(sources []iterator.Ordered) {
	for _, s := range sources {
		s.Close()
	}
}

// MaxLSN scans every table in the current version for the largest
// persisted LSN. Run once at open: after a clean flush the logs are
// gone and the LSN counter must still climb past everything on disk.
func (vs *Versions) MaxLSN() (uint64, error) {
	v := vs.Current()
	defer vs.Release(v)

	var max uint64
	scan := func(t *sstable.Table) error {
		it, err := t.NewIterator(nil)
		if err != nil {
			return err
		}
		defer it.Close()
		for {
			rec, ok := it.Next()
			if !ok {
				break
			}
			if rec.Key.LSN() > max {
				max = rec.Key.LSN()
			}
		}
		return nil
	}
	for _, t := range v.level0 {
		if err := scan(t); err != nil {
			return 0, err
		}
	}
	for _, lvl := range v.levels {
		for _, t := range lvl {
			if err := scan(t); err != nil {
				return 0, err
			}
		}
	}
	return max, nil
}

// GC removes table and temp files not referenced by the current
// version: leftovers from flushes or compactions that died between
// writing and installing. Old version.N files are pruned too.
func (vs *Versions) GC() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	names, err := vs.fs.List()
	if err != nil {
		return ioErr(err, "list store directory")
	}
	removed := 0
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, tmpPrefix):
			if vs.fs.Remove(name) == nil {
				removed++
			}
		case strings.HasPrefix(name, tablePrefix):
			id, err := strconv.ParseUint(name[len(tablePrefix):], 10, 64)
			if err != nil {
				continue
			}
			if !vs.latest.refed(id) {
				if vs.fs.Remove(name) == nil {
					removed++
				}
			}
		case strings.HasPrefix(name, versionPrefix):
			num, err := strconv.ParseUint(name[len(versionPrefix):], 10, 64)
			if err != nil {
				continue
			}
			if num < vs.versionNum {
				if vs.fs.Remove(name) == nil {
					removed++
				}
			}
		}
	}
	if removed > 0 {
		vs.logger.Info("garbage collected store files", "removed", removed)
	}
	return nil
}

// VersionNumber returns the current version number.
func (vs *Versions) VersionNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.versionNum
}

// Close drops the manifest's reference without deleting the live
// tables: it bypasses Release and only closes handles. Outstanding
// snapshots must be closed first.
func (vs *Versions) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.latest == nil {
		return nil
	}
	v := vs.latest
	vs.latest = nil
	var firstErr error
	for _, t := range v.level0 {
		if err := t.CloseHandle(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, lvl := range v.levels {
		for _, t := range lvl {
			if err := t.CloseHandle(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// compactionFilter collapses the merged record stream to the newest
// version of each user key. Records arrive in (user key asc, LSN
// asc) order, so a record is shadowed exactly when the next record
// shares its user key. Tombstones are elided only at the bottom of
// the tree, where nothing deeper could resurrect the key.
type compactionFilter struct {
	src     iterator.Ordered
	pending keys.Record
	hasNext bool
	primed  bool
	bottom  bool
}

func newCompactionFilter(src iterator.Ordered, bottom bool) *compactionFilter {
	return &compactionFilter{src: src, bottom: bottom}
}

func (f *compactionFilter) Next() (keys.Record, bool) {
	if !f.primed {
		f.primed = true
		f.pending, f.hasNext = f.src.Next()
	}
	for f.hasNext {
		rec := f.pending
		f.pending, f.hasNext = f.src.Next()
		if f.hasNext && f.pending.Key.UserKey().Compare(rec.Key.UserKey()) == 0 {
			continue // shadowed by a newer record
		}
		if rec.Deleted && f.bottom {
			continue
		}
		return rec, true
	}
	return keys.Record{}, false
}

func (f *compactionFilter) Close() error {
	return f.src.Close()
}
