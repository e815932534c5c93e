package sstable

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/iterator"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/storage"
)

// BuildOpts configures a Builder.
type BuildOpts struct {
	FS storage.FS
	// BlockSize closes the current block once its byte count reaches
	// it.
	BlockSize int
	// MaxTableSize closes the current table once total record bytes
	// reach it, at the next block boundary.
	MaxTableSize int
	Logger       *slog.Logger
}

// tmpSeq makes temp file names unique within the process. Temp files
// belong to the flush or compaction that created them and are
// renamed into sst.ID on install or unlinked on abort.
var tmpSeq atomic.Uint64

// TempName returns a fresh temp table name.
func TempName() string {
	return fmt.Sprintf("tmp.%06d", tmpSeq.Add(1))
}

// Builder consumes an N-way merge of ordered sources and emits one
// table file per Build call until the sources drain.
type Builder struct {
	opts    BuildOpts
	merge   *iterator.MergeIterator
	pending keys.Record
	hasNext bool
	primed  bool
}

// NewBuilder merges sources. Callers invoke Build in a loop until it
// returns an empty name, then Close.
func NewBuilder(opts BuildOpts, sources ...iterator.Ordered) *Builder {
	return &Builder{opts: opts, merge: iterator.NewMerge(sources...)}
}

func (b *Builder) pull() (keys.Record, bool) {
	if !b.primed {
		b.primed = true
		b.pending, b.hasNext = b.merge.Next()
	}
	if !b.hasNext {
		return keys.Record{}, false
	}
	rec := b.pending
	b.pending, b.hasNext = b.merge.Next()
	return rec, true
}

// blockEntry is one closed block: its first key and the offset just
// past its last record.
type blockEntry struct {
	firstKey keys.TaggedKey
	end      uint32
}

// Build drains records into a single in-memory buffer, closing
// blocks at the block target and finalizing when the table target is
// reached at a block boundary or the sources run dry. The finished
// buffer — records, index keys, offset pairs, trailing pointer — is
// written to a temp file in one pass. Returns the temp name, or ""
// once everything has been emitted.
func (b *Builder) Build() (string, error) {
	var (
		buf        []byte
		blocks     []blockEntry
		blockFirst keys.TaggedKey
		blockStart int
		lastKey    keys.TaggedKey
	)

	for {
		rec, ok := b.pull()
		if !ok {
			break
		}
		if lastKey != nil && lastKey.Compare(rec.Key) >= 0 {
			return "", errors.Wrapf(ErrCorrupt, "builder: records out of order: %q@%d after %q@%d",
				rec.Key.UserKey(), rec.Key.LSN(), lastKey.UserKey(), lastKey.LSN())
		}
		if blockFirst == nil {
			blockFirst = rec.Key.Clone()
		}
		lastKey = rec.Key.Clone()
		buf = appendRecord(buf, rec)

		closeBlock := len(buf)-blockStart >= b.opts.BlockSize || !b.hasNext
		if closeBlock {
			blocks = append(blocks, blockEntry{firstKey: blockFirst, end: uint32(len(buf))})
			blockFirst = nil
			blockStart = len(buf)
			if len(buf) >= b.opts.MaxTableSize || !b.hasNext {
				break
			}
		}
	}

	if len(blocks) == 0 {
		return "", nil
	}

	// The index: every block's first key, then the last record's key,
	// then the (end offset, key offset) pair array covering all of
	// them, then the pointer to that array.
	entries := append(blocks, blockEntry{firstKey: lastKey, end: uint32(len(buf))})
	keyOffs := make([]uint32, len(entries))
	for i, e := range entries {
		keyOffs[i] = uint32(len(buf))
		buf = appendIndexKey(buf, e.firstKey)
	}
	arrayStart := uint64(len(buf))
	for i, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.end)
		buf = binary.LittleEndian.AppendUint32(buf, keyOffs[i])
	}
	buf = binary.LittleEndian.AppendUint64(buf, arrayStart)

	name := TempName()
	f, err := b.opts.FS.Create(name)
	if err != nil {
		return "", errors.Wrapf(err, "sstable: create %s", name)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		b.opts.FS.Remove(name)
		return "", errors.Wrapf(err, "sstable: write %s", name)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		b.opts.FS.Remove(name)
		return "", errors.Wrapf(err, "sstable: sync %s", name)
	}
	if err := f.Close(); err != nil {
		b.opts.FS.Remove(name)
		return "", errors.Wrapf(err, "sstable: close %s", name)
	}
	if b.opts.Logger != nil {
		b.opts.Logger.Debug("built table", "tmp", name, "bytes", len(buf), "blocks", len(blocks))
	}
	return name, nil
}

// Close releases the underlying sources.
func (b *Builder) Close() error {
	return b.merge.Close()
}
