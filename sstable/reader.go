package sstable

import (
	"encoding/binary"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/bufferpool"
	"github.com/twlk9/strata/iterator"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/storage"
)

// blockMeta is one parsed index pair.
type blockMeta struct {
	end    uint32 // offset just past the block's last record
	keyOff uint32 // offset of the block's first key in the index
}

// Table is an open, immutable sorted table. Reads are positional
// (ReadAt) on a single handle, so no per-reader state is needed.
//
// Tables are owned by versions through explicit reference counts:
// Retain adds an owner, Release drops one, and the final Release
// closes the handle and unlinks the file.
type Table struct {
	fs     storage.FS
	file   storage.File
	name   string
	id     uint64
	logger *slog.Logger

	blocks  []blockMeta
	dataEnd uint32
	first   keys.TaggedKey
	last    keys.TaggedKey

	refs atomic.Int32
}

// Open reads the table's trailing pointer and index and materializes
// the block metadata and boundary keys. The returned table has one
// reference.
func Open(fs storage.FS, name string, logger *slog.Logger) (*Table, error) {
	file, err := fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", name)
	}
	t := &Table{fs: fs, file: file, name: name, id: parseID(name), logger: logger}
	if err := t.readIndex(); err != nil {
		file.Close()
		return nil, err
	}
	t.refs.Store(1)
	return t, nil
}

func (t *Table) readIndex() error {
	size, err := t.file.Size()
	if err != nil {
		return errors.Wrapf(err, "sstable: size %s", t.name)
	}
	if size < 8 {
		return errors.Wrapf(ErrCorrupt, "%s: too small (%d bytes)", t.name, size)
	}
	var foot [8]byte
	if _, err := t.file.ReadAt(foot[:], size-8); err != nil {
		return errors.Wrapf(err, "sstable: read footer %s", t.name)
	}
	start := int64(binary.LittleEndian.Uint64(foot[:]))
	end := size - 8
	if start < 0 || start >= end || (end-start)%8 != 0 {
		return errors.Wrapf(ErrCorrupt, "%s: bad index bounds [%d, %d)", t.name, start, end)
	}

	raw := make([]byte, end-start)
	if _, err := t.file.ReadAt(raw, start); err != nil {
		return errors.Wrapf(err, "sstable: read index %s", t.name)
	}
	n := len(raw) / 8
	if n < 2 {
		return errors.Wrapf(ErrCorrupt, "%s: index has %d entries", t.name, n)
	}
	pairs := make([]blockMeta, n)
	for i := range pairs {
		pairs[i].end = binary.LittleEndian.Uint32(raw[i*8:])
		pairs[i].keyOff = binary.LittleEndian.Uint32(raw[i*8+4:])
	}
	// The final pair carries the last record's key; the rest are
	// blocks.
	t.blocks = pairs[:n-1]
	t.dataEnd = t.blocks[len(t.blocks)-1].end

	prev := uint32(0)
	for _, b := range t.blocks {
		if b.end <= prev || int64(b.keyOff) >= start+int64(len(raw)) {
			return errors.Wrapf(ErrCorrupt, "%s: non-increasing block offsets", t.name)
		}
		prev = b.end
	}

	if t.first, err = t.keyAt(t.blocks[0].keyOff); err != nil {
		return err
	}
	if t.last, err = t.keyAt(pairs[n-1].keyOff); err != nil {
		return err
	}
	if t.first.Compare(t.last) > 0 {
		return errors.Wrapf(ErrCorrupt, "%s: first key after last key", t.name)
	}
	return nil
}

// keyAt decodes the index key stored at off.
func (t *Table) keyAt(off uint32) (keys.TaggedKey, error) {
	var lenBuf [4]byte
	if _, err := t.file.ReadAt(lenBuf[:], int64(off)); err != nil {
		return nil, errors.Wrapf(err, "sstable: read key length %s", t.name)
	}
	klen := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if klen <= 0 || klen > keys.MaxKeySize {
		return nil, errors.Wrapf(ErrCorrupt, "%s: index key length %d", t.name, klen)
	}
	buf := make([]byte, klen+8)
	if _, err := t.file.ReadAt(buf, int64(off)+4); err != nil {
		return nil, errors.Wrapf(err, "sstable: read key %s", t.name)
	}
	return keys.NewTaggedKey(buf[:klen], binary.LittleEndian.Uint64(buf[klen:])), nil
}

// Name returns the file name the table was opened from.
func (t *Table) Name() string { return t.name }

// ID is the numeric suffix of the file name (sst.N or tmp.N), 0 when
// the name has none.
func (t *Table) ID() uint64 { return t.id }

// First returns the first TaggedKey in the table.
func (t *Table) First() keys.TaggedKey { return t.first }

// Last returns the last TaggedKey in the table.
func (t *Table) Last() keys.TaggedKey { return t.last }

func parseID(name string) uint64 {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Retain adds an owner.
func (t *Table) Retain() {
	t.refs.Add(1)
}

// Release drops an owner. The final release closes the handle and
// deletes the underlying file: a table only lives as long as some
// version references it.
func (t *Table) Release() {
	if t.refs.Add(-1) > 0 {
		return
	}
	if err := t.file.Close(); err != nil && t.logger != nil {
		t.logger.Warn("closing dropped table failed", "table", t.name, "error", err)
	}
	if err := t.fs.Remove(t.name); err != nil && t.logger != nil {
		t.logger.Warn("removing dropped table failed", "table", t.name, "error", err)
	}
}

// CloseHandle closes the file handle without unlinking the file.
// For shutdown, where live tables must survive the process.
func (t *Table) CloseHandle() error {
	return t.file.Close()
}

// findBlock binary-searches the index for the block whose first key
// is <= q while the next block's first key is > q. Returns -1 when q
// sorts before the first block.
func (t *Table) findBlock(q keys.TaggedKey) (int, error) {
	lo, hi := 0, len(t.blocks)-1
	if t.first.Compare(q) > 0 {
		return -1, nil
	}
	for lo < hi {
		mid := (lo + hi + 1) / 2
		k, err := t.keyAt(t.blocks[mid].keyOff)
		if err != nil {
			return 0, err
		}
		if k.Compare(q) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

func (t *Table) blockBounds(i int) (start, end uint32) {
	if i > 0 {
		start = t.blocks[i-1].end
	}
	return start, t.blocks[i].end
}

// readBlock returns the raw bytes of block i in a pooled buffer.
func (t *Table) readBlock(i int) ([]byte, error) {
	start, end := t.blockBounds(i)
	buf := bufferpool.GetBuffer(int(end - start))
	if _, err := t.file.ReadAt(buf, int64(start)); err != nil {
		bufferpool.PutBuffer(buf)
		return nil, errors.Wrapf(err, "sstable: read block %d of %s", i, t.name)
	}
	return buf, nil
}

// PointGet resolves q against the table: the record with the
// greatest TaggedKey <= q and a matching user key decides the
// result. The returned LSN lets level-0 callers pick a winner across
// overlapping tables.
func (t *Table) PointGet(q keys.TaggedKey) (value []byte, lsn uint64, st keys.Lookup, err error) {
	bi, err := t.findBlock(q)
	if err != nil {
		return nil, 0, keys.NotPresent, err
	}
	if bi < 0 {
		return nil, 0, keys.NotPresent, nil
	}
	buf, err := t.readBlock(bi)
	if err != nil {
		return nil, 0, keys.NotPresent, err
	}
	defer bufferpool.PutBuffer(buf)

	var best keys.Record
	found := false
	for off := 0; off < len(buf); {
		rec, next, derr := decodeRecord(buf, off)
		if derr != nil {
			return nil, 0, keys.NotPresent, derr
		}
		if rec.Key.Compare(q) > 0 {
			break
		}
		best, found = rec, true
		off = next
	}
	if !found || best.Key.UserKey().Compare(q.UserKey()) != 0 {
		return nil, 0, keys.NotPresent, nil
	}
	if best.Deleted {
		return nil, best.Key.LSN(), keys.Tombstone, nil
	}
	return best.Value, best.Key.LSN(), keys.Live, nil
}

// Iter walks the table's records in order, loading one block at a
// time. It holds a table reference for its lifetime.
type Iter struct {
	t      *Table
	block  int
	buf    []byte
	off    int
	err    error
	closed bool
}

// NewIterator returns an ordered iterator over the whole table, or,
// when from is non-nil, starting at the first record with TaggedKey
// >= from. The iterator retains the table until Close.
func (t *Table) NewIterator(from keys.TaggedKey) (iterator.Ordered, error) {
	t.Retain()
	it := &Iter{t: t}
	if from != nil {
		bi, err := t.findBlock(from)
		if err != nil {
			it.Close()
			return nil, err
		}
		if bi > 0 {
			it.block = bi
		}
		// Skip records below the bound inside the starting block.
		for {
			rec, ok := it.peek()
			if !ok || rec.Key.Compare(from) >= 0 {
				break
			}
			it.Next()
		}
		if it.err != nil {
			err := it.err
			it.Close()
			return nil, err
		}
	}
	return it, nil
}

// loadBlock pulls block it.block into the buffer.
func (it *Iter) loadBlock() bool {
	if it.buf != nil {
		bufferpool.PutBuffer(it.buf)
		it.buf = nil
	}
	if it.block >= len(it.t.blocks) {
		return false
	}
	buf, err := it.t.readBlock(it.block)
	if err != nil {
		it.err = err
		return false
	}
	it.buf = buf
	it.off = 0
	return true
}

// peek decodes the record at the cursor without advancing.
func (it *Iter) peek() (keys.Record, bool) {
	for {
		if it.err != nil || it.closed {
			return keys.Record{}, false
		}
		if it.buf == nil || it.off >= len(it.buf) {
			if it.buf != nil {
				it.block++
			}
			if !it.loadBlock() {
				return keys.Record{}, false
			}
		}
		rec, _, err := decodeRecord(it.buf, it.off)
		if err != nil {
			it.err = err
			return keys.Record{}, false
		}
		return rec, true
	}
}

// Next returns the next record, or false when the table is drained
// or an I/O error occurred (check Err).
func (it *Iter) Next() (keys.Record, bool) {
	rec, ok := it.peek()
	if !ok {
		return keys.Record{}, false
	}
	_, next, err := decodeRecord(it.buf, it.off)
	if err != nil {
		it.err = err
		return keys.Record{}, false
	}
	it.off = next
	return rec, true
}

// Err reports a deferred iteration error.
func (it *Iter) Err() error { return it.err }

// Close releases the block buffer and the table reference.
func (it *Iter) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.buf != nil {
		bufferpool.PutBuffer(it.buf)
		it.buf = nil
	}
	it.t.Release()
	return it.err
}
