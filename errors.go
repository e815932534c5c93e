package strata

import (
	"github.com/cockroachdb/errors"
)

// Error kinds the engine exposes. All errors returned from the
// public API either are one of these or wrap one, so callers test
// with errors.Is.
var (
	// ErrNotFound is returned when a key has no visible live record.
	ErrNotFound = errors.New("strata: key not found")

	// ErrInvalidArgument is returned for keys or values outside the
	// size bounds.
	ErrInvalidArgument = errors.New("strata: invalid argument")

	// ErrIO marks any underlying storage failure.
	ErrIO = errors.New("strata: i/o error")

	// ErrCorruption is returned when the manifest or an SST fails a
	// structural invariant.
	ErrCorruption = errors.New("strata: corruption detected")

	// ErrNotSupported is returned for operations outside this core.
	ErrNotSupported = errors.New("strata: operation not supported")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("strata: engine is closed")

	// ErrAlreadyOpen is returned when another process holds the
	// store lock.
	ErrAlreadyOpen = errors.New("strata: store is already open")

	// ErrReadOnly is returned when writing to a read-only engine.
	ErrReadOnly = errors.New("strata: engine is read-only")

	// Option validation errors.
	ErrInvalidDir         = errors.New("strata: invalid store directory")
	ErrInvalidLogSize     = errors.New("strata: invalid max log size")
	ErrInvalidTableSize   = errors.New("strata: invalid max table size")
	ErrInvalidBlockSize   = errors.New("strata: invalid block size")
	ErrInvalidShardCount  = errors.New("strata: invalid memtable shard count")
	ErrInvalidL0Trigger   = errors.New("strata: invalid L0 compaction trigger")
	ErrStoreMissing       = errors.New("strata: store does not exist")
	ErrStoreAlreadyExists = errors.New("strata: store already exists")
)

// ioErr wraps err with context and marks it as an ErrIO so callers
// can classify without losing the original cause.
func ioErr(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// corruptionErr builds an ErrCorruption-marked error.
func corruptionErr(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}
