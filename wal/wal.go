// Package wal is the write-ahead log manager. It owns exactly two
// file names inside the store: mem.log, the append target for the
// mutable memtable, and imm.log, the previous log that exists only
// while a flush is pending. Records are length-prefixed binary with
// a CRC32 over the payload so a torn tail is detected rather than
// misparsed.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/twlk9/strata/bufferpool"
	"github.com/twlk9/strata/keys"
	"github.com/twlk9/strata/storage"
)

const (
	// MemLogName is the live log for the mutable memtable.
	MemLogName = "mem.log"

	// ImmLogName is the rotated log backing the immutable memtable.
	ImmLogName = "imm.log"

	// headerSize is u32 size + u32 crc.
	headerSize = 4 + 4

	// maxRecordSize bounds a parseable record: header, lsn, flag,
	// two length prefixes, and maximal key and value.
	maxRecordSize = headerSize + 8 + 1 + 4 + 4 + keys.MaxKeySize + keys.MaxValueSize
)

// Same polynomial as the rest of the ecosystem's log formats.
var crcTable = crc32.MakeTable(0xEDB88320)

// ErrCorruptRecord indicates a record failed checksum validation.
var ErrCorruptRecord = errors.New("wal: record corrupt: checksum mismatch")

// encodedLen returns the full on-disk size of a record.
func encodedLen(rec keys.Record) int {
	return headerSize + 8 + 1 + 4 + len(rec.Key.UserKey()) + 4 + len(rec.Value)
}

// encodeRecord serializes rec into buf, which must be at least
// encodedLen(rec) long. Layout after the header: u64 lsn, u8 deleted,
// u32 klen, key, u32 vlen, value. The CRC covers everything after the
// header.
func encodeRecord(buf []byte, rec keys.Record) int {
	total := encodedLen(rec)
	binary.LittleEndian.PutUint32(buf[0:], uint32(total))
	off := headerSize
	binary.LittleEndian.PutUint64(buf[off:], rec.Key.LSN())
	off += 8
	if rec.Deleted {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	user := rec.Key.UserKey()
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(user)))
	off += 4
	copy(buf[off:], user)
	off += len(user)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(rec.Value)))
	off += 4
	copy(buf[off:], rec.Value)
	off += len(rec.Value)

	crc := crc32.Checksum(buf[headerSize:total], crcTable)
	binary.LittleEndian.PutUint32(buf[4:], crc)
	return total
}

// decodeRecord parses the payload (everything after the 4-byte size
// prefix) into a Record.
func decodeRecord(payload []byte) (keys.Record, error) {
	var rec keys.Record
	if len(payload) < 4+8+1+4+4 {
		return rec, ErrCorruptRecord
	}
	crc := binary.LittleEndian.Uint32(payload[0:])
	if crc != crc32.Checksum(payload[4:], crcTable) {
		return rec, ErrCorruptRecord
	}
	off := 4
	lsn := binary.LittleEndian.Uint64(payload[off:])
	off += 8
	deleted := payload[off] == 1
	off++
	klen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if klen <= 0 || klen > keys.MaxKeySize || off+klen > len(payload) {
		return rec, ErrCorruptRecord
	}
	user := make([]byte, klen)
	copy(user, payload[off:off+klen])
	off += klen
	vlen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if vlen < 0 || vlen > keys.MaxValueSize || off+vlen != len(payload) {
		return rec, ErrCorruptRecord
	}
	value := make([]byte, vlen)
	copy(value, payload[off:off+vlen])

	rec.Key = keys.NewTaggedKey(user, lsn)
	rec.Value = value
	rec.Deleted = deleted
	return rec, nil
}

type mode int

const (
	recovering mode = iota
	logging
)

// Manager owns the two log files and their lifecycle. Appends take
// the rotate lock shared; Rotate takes it exclusive so no append can
// escape into the old file during the rename.
type Manager struct {
	fs     storage.FS
	logger *slog.Logger

	// rotateMu is shared for appends, exclusive for rotation.
	rotateMu sync.RWMutex

	// writeMu serializes the buffered writer under a shared rotate
	// lock.
	writeMu sync.Mutex

	mode   mode
	file   storage.File
	writer *bufio.Writer
	size   int64
	closed bool
}

// NewManager creates a manager in the recovering state. Call Recover
// before appending.
func NewManager(fs storage.FS, logger *slog.Logger) *Manager {
	return &Manager{fs: fs, logger: logger, mode: recovering}
}

// Recover parses imm.log (tolerating its absence) and mem.log into
// two ordered record sequences, then switches to logging mode with
// mem.log open for append.
//
// A torn or checksum-failing trailing record truncates that file's
// recovered prefix. If imm.log did not end cleanly, mem.log is
// discarded entirely: its records carry later LSNs and keeping them
// would break the crash guarantee that the recovered state is an LSN
// prefix.
func (m *Manager) Recover() (imm, mem []keys.Record, err error) {
	if m.mode != recovering {
		return nil, nil, errors.AssertionFailedf("wal: recover called twice")
	}

	immClean := true
	if m.fs.Exists(ImmLogName) {
		imm, immClean, err = m.readLog(ImmLogName)
		if err != nil {
			return nil, nil, err
		}
	}
	if m.fs.Exists(MemLogName) {
		if !immClean {
			m.logger.Warn("imm.log tail truncated, discarding mem.log to preserve LSN prefix")
		} else {
			mem, _, err = m.readLog(MemLogName)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	file, err := m.fs.OpenAppend(MemLogName)
	if err != nil {
		return nil, nil, errors.Wrap(err, "wal: open mem.log for append")
	}
	size, err := file.Size()
	if err != nil {
		file.Close()
		return nil, nil, errors.Wrap(err, "wal: size mem.log")
	}
	if !immClean {
		// The discarded mem.log suffix must not survive into the new
		// incarnation either.
		file.Close()
		file, err = m.fs.Create(MemLogName)
		if err != nil {
			return nil, nil, errors.Wrap(err, "wal: truncate mem.log")
		}
		size = 0
	}

	m.file = file
	m.writer = bufio.NewWriter(file)
	m.size = size
	m.mode = logging
	return imm, mem, nil
}

// readLog parses one log file into records. clean reports whether the
// file ended exactly on a record boundary.
func (m *Manager) readLog(name string) (recs []keys.Record, clean bool, err error) {
	f, err := m.fs.Open(name)
	if err != nil {
		return nil, false, errors.Wrapf(err, "wal: open %s", name)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var sizeBuf [4]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return recs, true, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, false, errors.Wrapf(err, "wal: read %s", name)
		}
		total := int(binary.LittleEndian.Uint32(sizeBuf[:]))
		if total < headerSize || total > maxRecordSize {
			break
		}
		payload := make([]byte, total-4)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, false, errors.Wrapf(err, "wal: read %s", name)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			break
		}
		recs = append(recs, rec)
	}
	m.logger.Warn("log tail truncated, likely crash during write",
		"file", name, "records_recovered", len(recs))
	return recs, false, nil
}

// Append serializes rec and appends it to mem.log, updating the
// running byte count. The record is pushed to the file before Append
// returns, so a failed write fails this append and its bytes are
// discarded. Safe for concurrent use; rotation is excluded for the
// duration.
func (m *Manager) Append(rec keys.Record) error {
	m.rotateMu.RLock()
	defer m.rotateMu.RUnlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.closed {
		return errors.New("wal: closed")
	}
	if m.mode != logging {
		return errors.AssertionFailedf("wal: append before recover")
	}

	n := encodedLen(rec)
	buf := bufferpool.GetBuffer(n)
	defer bufferpool.PutBuffer(buf)
	encodeRecord(buf, rec)

	_, err := m.writer.Write(buf[:n])
	if err == nil {
		err = m.writer.Flush()
	}
	if err != nil {
		m.writer.Reset(m.file)
		return errors.Wrap(err, "wal: append")
	}
	m.size += int64(n)
	return nil
}

// Flush pushes buffered bytes to the OS. Durability needs Sync.
// Idempotent.
func (m *Manager) Flush() error {
	m.rotateMu.RLock()
	defer m.rotateMu.RUnlock()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed || m.writer == nil {
		return nil
	}
	return errors.Wrap(m.writer.Flush(), "wal: flush")
}

// Sync flushes and fsyncs mem.log. Every record appended before the
// call is durable once it returns.
func (m *Manager) Sync() error {
	m.rotateMu.RLock()
	defer m.rotateMu.RUnlock()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return errors.New("wal: closed")
	}
	if err := m.writer.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush")
	}
	return errors.Wrap(m.file.Sync(), "wal: sync")
}

// Size returns the running byte count of mem.log.
func (m *Manager) Size() int64 {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.size
}

// Rotate renames mem.log to imm.log and reopens a fresh mem.log.
// The caller must have fenced writers (no append may be in flight);
// the exclusive rotate lock enforces it. imm.log must not exist:
// the previous flush owns that name until DropImm.
func (m *Manager) Rotate() error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	// Size() readers only hold writeMu, so state swaps stay under it
	// too.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.closed {
		return errors.New("wal: closed")
	}
	if m.fs.Exists(ImmLogName) {
		return errors.AssertionFailedf("wal: rotate with imm.log still present")
	}
	if err := m.writer.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush before rotate")
	}
	// The rotated file becomes imm.log, which Sync never touches
	// again; fsync it now so a later Sync honestly covers every
	// previously assigned LSN.
	if err := m.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync before rotate")
	}
	if err := m.file.Close(); err != nil {
		return errors.Wrap(err, "wal: close before rotate")
	}
	if err := m.fs.Rename(MemLogName, ImmLogName); err != nil {
		return errors.Wrap(err, "wal: rename mem.log")
	}
	file, err := m.fs.Create(MemLogName)
	if err != nil {
		return errors.Wrap(err, "wal: reopen mem.log")
	}
	m.file = file
	m.writer = bufio.NewWriter(file)
	m.size = 0
	return nil
}

// DropImm removes imm.log after its contents have been durably
// materialized as tables.
func (m *Manager) DropImm() error {
	return errors.Wrap(m.fs.Remove(ImmLogName), "wal: drop imm.log")
}

// Close flushes and closes the live log.
func (m *Manager) Close() error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed || m.mode != logging {
		m.closed = true
		return nil
	}
	m.closed = true
	if err := m.writer.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush on close")
	}
	return errors.Wrap(m.file.Close(), "wal: close")
}
