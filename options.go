// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"log"
	"os"

	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/vfs"
)

// FS exports vfs.FS so callers don't need to import the internal package
// to pass a custom filesystem.
type FS = vfs.FS

// File exports vfs.File.
type File = vfs.File

// DefaultFS is the host operating system's filesystem.
var DefaultFS = vfs.Default

// Comparer exports the key-ordering comparer used by the store.
type Comparer = base.Comparer

// DefaultComparer orders keys byte-lexicographically.
var DefaultComparer = base.DefaultComparer

// Compression selects whether run blocks are compressed before being
// written, per spec.md §6's `compression` option.
type Compression int

const (
	// NoCompression stores blocks as-is.
	NoCompression Compression = iota
	// SnappyCompression compresses blocks with Snappy.
	SnappyCompression
)

// Logger is the textual diagnostic sink described by spec.md §6's
// `LOG`/`LOG.old` files. The default implementation rotates the previous
// log to LOG.old on Open, matching the teacher's behavior.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// stdLogger wraps the standard library logger.
type stdLogger struct{ l *log.Logger }

func (s *stdLogger) Infof(format string, args ...interface{})  { s.l.Printf(format, args...) }
func (s *stdLogger) Errorf(format string, args ...interface{}) { s.l.Printf(format, args...) }
func (s *stdLogger) Fatalf(format string, args ...interface{}) {
	s.l.Fatalf(format, args...)
}

// Options configures Open. The zero value is not directly usable; call
// EnsureDefaults or pass through Open, which does so automatically.
type Options struct {
	// FS is the filesystem the store reads and writes through. Defaults to
	// DefaultFS.
	FS FS

	// Comparer orders user keys. Defaults to DefaultComparer
	// (byte-lexicographic).
	Comparer *Comparer

	// CreateIfMissing permits Open to create a new, empty store at path if
	// none exists.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if a store already exists at path.
	ErrorIfExists bool

	// ParanoidChecks, when true, validates every WAL and manifest record's
	// checksum on replay and fails open on the first mismatch, rather than
	// silently truncating the log at that point (spec.md §7).
	ParanoidChecks bool

	// MemTableSize bounds a memtable's arena before it is sealed and
	// queued for flush (spec.md §4.1, the `write_buffer_size` option).
	MemTableSize uint32

	// MaxOpenFiles bounds the table cache's resident file descriptors.
	MaxOpenFiles int

	// BlockSize is the target uncompressed size of a run's data blocks.
	BlockSize int

	// BlockRestartInterval is the number of keys between full-key restart
	// points within a run's data blocks (internal/sstable).
	BlockRestartInterval int

	// Compression selects the run block compression codec.
	Compression Compression

	// L0CompactionThreshold is the number of L0 runs that triggers a
	// compaction (spec.md §4.5).
	L0CompactionThreshold int

	// LBaseMaxBytes bounds the base level's size before its score-based
	// trigger fires (spec.md §4.5).
	LBaseMaxBytes int64

	// MaxFileSize bounds a single run's size; it is also the unit the
	// grandparent-overlap cap in spec.md §9 is expressed in multiples of.
	MaxFileSize int64

	// L0SlowdownWritesThreshold is the number of L0 runs at which a write
	// pauses briefly (once per write) before proceeding, the first rung of
	// the backpressure ladder in spec.md §5.
	L0SlowdownWritesThreshold int

	// L0StopWritesThreshold is the number of L0 runs at which new writes
	// block until compaction catches up, the tail of the backpressure
	// ladder in spec.md §5.
	L0StopWritesThreshold int

	// SplitCompactionWorkers bounds the number of concurrent shard workers
	// a partner/split compaction (C9) spawns.
	SplitCompactionWorkers int

	// SplitCompactionMinShards is the minimum number of shards worth
	// splitting a compaction into; below this, the classical worker runs
	// instead.
	SplitCompactionMinShards int

	// SplitCompactionMinBytes is the combined input size below which a
	// compaction runs on the classical worker even if it would otherwise
	// partition into enough shards: below this threshold the worker-pool
	// and multi-shard commit overhead dominates whatever parallelism buys
	// (spec.md §4.7).
	SplitCompactionMinBytes int64

	// ReuseLogs permits Open to resume appending to an existing WAL
	// instead of rotating a fresh one, when the most recent memtable was
	// never sealed.
	ReuseLogs bool

	// EventListener receives notifications of flush, compaction, and
	// manifest lifecycle events (spec.md §6, EXPANSION A4).
	EventListener EventListener

	// Logger receives textual diagnostics. Defaults to a file logger
	// writing dirname/LOG.
	Logger Logger

	// UseDirectIO routes every sstable run file (flush and compaction
	// output, plus reads back out of them) through vfs.DirectIO instead of
	// FS, bypassing the page cache for the bulk of the store's I/O. The WAL
	// and manifest keep using FS directly; they're small buffered appends
	// that benefit from the cache rather than fighting it. Linux only.
	UseDirectIO bool

	// runFS is the filesystem EnsureDefaults resolves run-file I/O through:
	// FS itself, or FS wrapped in vfs.DirectIO when UseDirectIO is set.
	runFS FS
}

// RunFS returns the filesystem run (sstable) files are read and written
// through, resolved by EnsureDefaults.
func (o *Options) RunFS() FS { return o.runFS }

// EnsureDefaults fills in unset fields with the teacher's defaults, and
// returns the receiver for chaining, matching the teacher's convention.
func (o *Options) EnsureDefaults() *Options {
	if o.FS == nil {
		o.FS = DefaultFS
	}
	if o.runFS == nil {
		if o.UseDirectIO {
			o.runFS = vfs.NewDirectIO(o.FS)
		} else {
			o.runFS = o.FS
		}
	}
	if o.Comparer == nil {
		o.Comparer = DefaultComparer
	}
	if o.MemTableSize == 0 {
		o.MemTableSize = 4 << 20
	}
	if o.MaxOpenFiles == 0 {
		o.MaxOpenFiles = 1000
	}
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.BlockRestartInterval == 0 {
		o.BlockRestartInterval = 16
	}
	if o.L0CompactionThreshold == 0 {
		o.L0CompactionThreshold = 4
	}
	if o.LBaseMaxBytes == 0 {
		o.LBaseMaxBytes = 64 << 20
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 2 << 20
	}
	if o.L0SlowdownWritesThreshold == 0 {
		o.L0SlowdownWritesThreshold = 8
	}
	if o.L0StopWritesThreshold == 0 {
		o.L0StopWritesThreshold = 12
	}
	if o.SplitCompactionWorkers == 0 {
		o.SplitCompactionWorkers = 4
	}
	if o.SplitCompactionMinShards == 0 {
		o.SplitCompactionMinShards = 2
	}
	if o.SplitCompactionMinBytes == 0 {
		o.SplitCompactionMinBytes = 4 * o.MaxFileSize
	}
	return o
}

func (o *Options) logger(dirname string) Logger {
	if o.Logger != nil {
		return o.Logger
	}
	logPath := o.FS.PathJoin(dirname, "LOG")
	oldPath := o.FS.PathJoin(dirname, "LOG.old")
	_ = o.FS.Rename(logPath, oldPath)
	f, err := o.FS.Create(logPath)
	if err != nil {
		return &stdLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
	}
	return newFileLoggerFromFile(f)
}

// fileWriterAdapter lets a vfs.File, which exposes Write but not the
// *os.File type log.New expects, back a Logger.
type fileWriterAdapter struct{ f vfs.File }

func (a fileWriterAdapter) Write(p []byte) (int, error) { return a.f.Write(p) }

func newFileLoggerFromFile(f vfs.File) Logger {
	return &stdLogger{l: log.New(fileWriterAdapter{f: f}, "", log.LstdFlags|log.Lmicroseconds)}
}
