package strata

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twlk9/strata/storage"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Defaults follow the sizing the store was designed around: the log
// rotates at 4 MiB, tables close at 2 MiB, blocks at 4 KiB.
var (
	DefaultMaxLogSize          = 4 * MiB
	DefaultMaxTableSize        = 2 * MiB
	DefaultBlockSize           = 4 * KiB
	DefaultMemtableShards      = 16
	DefaultL0CompactionTrigger = 4
)

// Options holds the tunable parameters for an engine. Open fills
// zero-value fields with defaults (withDefaults) before Validate
// checks them.
type Options struct {
	// Dir is the store directory. All files live flat inside it.
	Dir string

	// MaxLogSize is the mem.log size that triggers a rotation.
	MaxLogSize int

	// MaxTableSize is the byte count at which the SST builder closes
	// the current table.
	MaxTableSize int

	// BlockSize is the byte count at which the SST builder closes the
	// current block.
	BlockSize int

	// MemtableShards is the number of ordered shards the mutable
	// memtable hashes user keys across.
	MemtableShards int

	// L0CompactionTrigger is the level-0 table count above which an
	// L0 compaction runs.
	L0CompactionTrigger int

	// CreateIfMissing creates the store when the directory holds no
	// manifest.
	CreateIfMissing bool

	// ErrorIfExists refuses to open a store that already exists.
	ErrorIfExists bool

	// ReadOnly opens the store for reads only: the store lock is still
	// taken, no background worker runs, startup GC is skipped, and
	// writes fail with ErrReadOnly.
	ReadOnly bool

	// FS overrides the storage shim. Nil means the real filesystem
	// rooted at Dir. Tests pass a storage.Mem here.
	FS storage.FS

	// Logger receives structured engine events. Nil means a text
	// handler on stderr at Warn.
	Logger *slog.Logger

	// MetricsRegisterer, when set, receives the engine's Prometheus
	// collectors.
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions returns Options with the standard sizing.
func DefaultOptions(dir string) *Options {
	return &Options{
		Dir:                 dir,
		MaxLogSize:          DefaultMaxLogSize,
		MaxTableSize:        DefaultMaxTableSize,
		BlockSize:           DefaultBlockSize,
		MemtableShards:      DefaultMemtableShards,
		L0CompactionTrigger: DefaultL0CompactionTrigger,
		CreateIfMissing:     true,
		Logger:              DefaultLogger(),
	}
}

// withDefaults fills zero fields so a partially constructed Options
// still works.
func (o *Options) withDefaults() *Options {
	c := *o
	if c.MaxLogSize == 0 {
		c.MaxLogSize = DefaultMaxLogSize
	}
	if c.MaxTableSize == 0 {
		c.MaxTableSize = DefaultMaxTableSize
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MemtableShards == 0 {
		c.MemtableShards = DefaultMemtableShards
	}
	if c.L0CompactionTrigger == 0 {
		c.L0CompactionTrigger = DefaultL0CompactionTrigger
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	return &c
}

// Validate catches configuration mistakes that would prevent the
// engine from operating.
func (o *Options) Validate() error {
	if o.Dir == "" && o.FS == nil {
		return ErrInvalidDir
	}
	if o.MaxLogSize <= 0 {
		return ErrInvalidLogSize
	}
	if o.MaxTableSize <= 0 || o.MaxTableSize < o.BlockSize {
		return ErrInvalidTableSize
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.MemtableShards <= 0 {
		return ErrInvalidShardCount
	}
	if o.L0CompactionTrigger <= 0 {
		return ErrInvalidL0Trigger
	}
	return nil
}

// Clone returns a shallow copy, handy when tweaking options without
// disturbing the original.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and errors to stderr.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger logs everything. Handy in tests.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
