// Package sstable implements the immutable sorted table: a builder
// that drains an N-way merge into one or more table files, and a
// reader serving point lookups and ordered iteration with positional
// reads.
//
// File layout, little-endian throughout:
//
//	[record_0]...[record_n-1]
//	[block_first_key_0]...[block_first_key_m-1][block_last_key]
//	[(block_end_offset_i u32, key_offset_i u32) for i in 0..m]
//	[index_array_start_offset u64]
//
// Each record is u32 klen | key | u64 lsn | u32 vlen | value |
// u8 deleted. Each index key is u32 klen | key | u64 lsn. The final
// offset pair belongs to block_last_key and its end offset closes the
// record region.
package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/keys"
)

// ErrCorrupt flags a table that fails a structural invariant.
var ErrCorrupt = errors.New("sstable: corrupt table")

// recordLen is the encoded size of a record.
func recordLen(rec keys.Record) int {
	return 4 + len(rec.Key.UserKey()) + 8 + 4 + len(rec.Value) + 1
}

// indexKeyLen is the encoded size of a block index key.
func indexKeyLen(key keys.TaggedKey) int {
	return 4 + len(key.UserKey()) + 8
}

// appendRecord encodes rec onto buf.
func appendRecord(buf []byte, rec keys.Record) []byte {
	user := rec.Key.UserKey()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(user)))
	buf = append(buf, user...)
	buf = binary.LittleEndian.AppendUint64(buf, rec.Key.LSN())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Value)))
	buf = append(buf, rec.Value...)
	if rec.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// appendIndexKey encodes a TaggedKey onto buf in index-key layout.
func appendIndexKey(buf []byte, key keys.TaggedKey) []byte {
	user := key.UserKey()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(user)))
	buf = append(buf, user...)
	buf = binary.LittleEndian.AppendUint64(buf, key.LSN())
	return buf
}

// decodeRecord parses one record at buf[off:], returning the record
// and the offset just past it. The record must be fully contained in
// buf; blocks respect record boundaries so callers reading whole
// blocks never see a split record.
func decodeRecord(buf []byte, off int) (keys.Record, int, error) {
	var rec keys.Record
	if off+4 > len(buf) {
		return rec, 0, errors.Wrap(ErrCorrupt, "record key length")
	}
	klen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if klen <= 0 || klen > keys.MaxKeySize || off+klen+8+4 > len(buf) {
		return rec, 0, errors.Wrap(ErrCorrupt, "record key")
	}
	user := buf[off : off+klen]
	off += klen
	lsn := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	vlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if vlen < 0 || vlen > keys.MaxValueSize || off+vlen+1 > len(buf) {
		return rec, 0, errors.Wrap(ErrCorrupt, "record value")
	}
	value := buf[off : off+vlen]
	off += vlen
	deleted := buf[off] == 1
	off++

	rec.Key = keys.NewTaggedKey(user, lsn)
	rec.Value = append([]byte(nil), value...)
	rec.Deleted = deleted
	return rec, off, nil
}
