// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/sstable"
)

// Store is an embedded, ordered key-value store: the top-level handle
// returned by Open, tying together the memtable (C1), WAL (C2), version
// chain and manifest (C4/C5), commit pipeline (C6), compaction scheduler
// (C7), its two worker strategies (C8/C9), and the iterator merge (C10).
type Store struct {
	dirname string
	opts    *Options
	logger  Logger

	fileLock io.Closer

	versions *versionSet
	commit   *commitPipeline

	logSeqNum     uint64
	visibleSeqNum uint64

	snapshots snapshotList
	cleanup   *cleanupManager
	metrics   *Metrics

	compactionCond sync.Cond

	mu struct {
		sync.Mutex

		mem *memTable
		imm *memTable
		wal *wal

		closed     bool
		compacting bool
		poisoned   error
	}
}

// Open opens or creates a store at dirname.
func Open(dirname string, opts *Options) (*Store, error) {
	o := &Options{}
	if opts != nil {
		*o = *opts
	}
	o.EnsureDefaults()

	fs := o.FS
	if err := fs.MkdirAll(dirname, 0o755); err != nil {
		return nil, err
	}

	d := &Store{dirname: dirname, opts: o, logger: o.logger(dirname)}
	d.metrics = newMetrics(d)
	o.EventListener = d.metrics.eventListener(o.EventListener)
	d.compactionCond.L = &d.mu.Mutex
	d.snapshots.init()

	fileLock, err := fs.Lock(makeFilename(dirname, fileTypeLock, 0))
	if err != nil {
		return nil, errors.Wrap(err, "partnerkv: locking store directory")
	}
	d.fileLock = fileLock

	d.versions = newVersionSet(dirname, o)

	_, statErr := fs.Stat(makeFilename(dirname, fileTypeCurrent, 0))
	exists := statErr == nil
	if exists && o.ErrorIfExists {
		fileLock.Close()
		return nil, errors.Newf("partnerkv: store already exists at %q", dirname)
	}
	if !exists && !o.CreateIfMissing {
		fileLock.Close()
		return nil, errors.Newf("partnerkv: no store found at %q (create_if_missing is false)", dirname)
	}

	if exists {
		if err := d.versions.recover(); err != nil {
			fileLock.Close()
			return nil, errors.Wrap(err, "partnerkv: recovering manifest")
		}
	} else {
		if err := d.versions.create(); err != nil {
			fileLock.Close()
			return nil, errors.Wrap(err, "partnerkv: creating store")
		}
	}

	atomic.StoreUint64(&d.logSeqNum, uint64(d.versions.lastSequence)+1)
	atomic.StoreUint64(&d.visibleSeqNum, uint64(d.versions.lastSequence))

	if err := d.replayAndOpenWAL(); err != nil {
		fileLock.Close()
		return nil, errors.Wrap(err, "partnerkv: replaying write-ahead log")
	}

	d.commit = newCommitPipeline(commitEnv{
		apply: d.commitApply,
		write: d.commitWrite,
	}, &d.logSeqNum, &d.visibleSeqNum)

	d.cleanup = openCleanupManager(dirname, fs, d.logger, d.deletionPacerInfo)
	d.drainObsoleteFiles()

	return d, nil
}

// replayAndOpenWAL replays every log segment left behind by an unflushed
// memtable into a fresh one, then opens a new WAL segment for subsequent
// writes, per spec.md §8's "replay reconstructs exactly the committed
// writes" recovery guarantee.
func (d *Store) replayAndOpenWAL() error {
	fs := d.opts.FS
	names, err := fs.List(d.dirname)
	if err != nil {
		return err
	}
	sort.Strings(names)

	mem := newMemTable(d.opts.Comparer, d.opts.MemTableSize, 0)
	var maxSeen base.SeqNum

	for _, name := range names {
		typ, _, ok := parseFilename(name)
		if !ok || typ != fileTypeLog {
			continue
		}
		filename := fs.PathJoin(d.dirname, name)
		last, err := replayWAL(fs, filename, d.opts.ParanoidChecks, func(b *Batch) error {
			return mem.apply(b, b.seqNum())
		})
		if err != nil {
			return err
		}
		if last > maxSeen {
			maxSeen = last
		}
	}
	if maxSeen >= base.SeqNum(d.logSeqNum) {
		atomic.StoreUint64(&d.logSeqNum, uint64(maxSeen)+1)
		atomic.StoreUint64(&d.visibleSeqNum, uint64(maxSeen))
	}

	fileNum := d.versions.allocateFileNum()
	wal, err := createWAL(d.dirname, fs, fileNum)
	if err != nil {
		return err
	}
	d.opts.EventListener.WALCreated(WALCreateInfo{FileNum: fileNum})
	mem.logNum = fileNum

	d.mu.mem = mem
	d.mu.wal = wal
	return nil
}

// Set stores value under key, per spec.md §6.
func (d *Store) Set(key, value []byte, sync bool) error {
	b := NewBatch()
	if err := b.Set(key, value); err != nil {
		return err
	}
	return d.Write(b, sync)
}

// Delete removes key, per spec.md §6.
func (d *Store) Delete(key []byte, sync bool) error {
	b := NewBatch()
	if err := b.Delete(key); err != nil {
		return err
	}
	return d.Write(b, sync)
}

// Write commits batch atomically through the commit pipeline (C6).
func (d *Store) Write(b *Batch, sync bool) error {
	if b.Empty() {
		return nil
	}
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.mu.poisoned != nil {
		err := d.mu.poisoned
		d.mu.Unlock()
		return &poisonedError{cause: err}
	}
	d.mu.Unlock()

	if err := d.makeRoomForWrite(b); err != nil {
		return err
	}
	if err := d.commit.commit(b, sync); err != nil {
		d.mu.Lock()
		d.mu.poisoned = err
		d.mu.Unlock()
		return &poisonedError{cause: err}
	}
	return nil
}

// makeRoomForWrite seals the mutable memtable and starts a flush if the
// incoming batch would overflow it, and pins the memtable the batch will
// land in to b.mem so a concurrent rotation can never redirect an
// in-flight batch's apply to the wrong generation. Blocking happens only
// here, never inside the commit pipeline, so the pipeline's publish-order
// guarantee is undisturbed; this is the backpressure ladder of spec.md §5.
func (d *Store) makeRoomForWrite(b *Batch) error {
	size := memTableEntrySize(0, 0) + uint32(len(b.Repr()))
	slowedDown := false
	for {
		d.mu.Lock()
		if d.mu.closed {
			d.mu.Unlock()
			return errShutdown
		}

		// Rung 1: an L0 run count past the slowdown trigger costs every
		// write a short, one-time pause rather than an outright stall, so
		// the compaction thread gets a head start before writes are
		// refused outright at the stop trigger below.
		if !slowedDown && len(d.versions.currentVersion().files[0]) >= d.opts.L0SlowdownWritesThreshold {
			slowedDown = true
			d.mu.Unlock()
			d.opts.EventListener.WriteStallBegin(WriteStallInfo{Reason: "L0 run count at slowdown trigger"})
			time.Sleep(time.Millisecond)
			d.opts.EventListener.WriteStallEnd()
			continue
		}

		if d.mu.mem.empty() {
			d.mu.mem.ref()
			b.mem = d.mu.mem
			d.mu.Unlock()
			return nil
		}
		if d.mu.mem.prepare(size) == nil {
			b.mem = d.mu.mem
			d.mu.Unlock()
			return nil
		}
		if d.mu.imm != nil {
			imm := d.mu.imm
			d.mu.Unlock()
			d.opts.EventListener.WriteStallBegin(WriteStallInfo{Reason: "memtable flush pending"})
			<-imm.flushed()
			d.opts.EventListener.WriteStallEnd()
			continue
		}

		// Rung 4: L0 has backed up past the stop trigger. Block until the
		// background compaction thread drains it instead of sealing yet
		// another memtable on top of an already-saturated L0.
		if len(d.versions.currentVersion().files[0]) >= d.opts.L0StopWritesThreshold {
			d.opts.EventListener.WriteStallBegin(WriteStallInfo{Reason: "L0 run count at stop trigger"})
			for d.mu.compacting && len(d.versions.currentVersion().files[0]) >= d.opts.L0StopWritesThreshold {
				d.compactionCond.Wait()
			}
			d.opts.EventListener.WriteStallEnd()
			if !d.mu.compacting && len(d.versions.currentVersion().files[0]) >= d.opts.L0StopWritesThreshold {
				d.mu.Unlock()
				go d.maybeScheduleCompaction() //nolint:errcheck
				continue
			}
			d.mu.Unlock()
			continue
		}

		d.mu.imm = d.mu.mem
		d.mu.imm.seal()
		fileNum := d.versions.allocateFileNum()
		newWAL, err := createWAL(d.dirname, d.opts.FS, fileNum)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		oldWAL := d.mu.wal
		d.mu.wal = newWAL
		d.mu.mem = newMemTable(d.opts.Comparer, d.opts.MemTableSize, fileNum)
		d.mu.Unlock()

		d.opts.EventListener.WALCreated(WALCreateInfo{FileNum: fileNum})
		_ = oldWAL.close()
		go d.flushImmAndCompact()
	}
}

// commitApply is the commitEnv.apply hook: it applies b to the memtable
// makeRoomForWrite pinned, then releases the ref makeRoomForWrite took out
// on b's behalf (via prepare, or directly when the memtable was empty).
func (d *Store) commitApply(b *Batch) error {
	if err := b.mem.apply(b, b.seqNum()); err != nil {
		return err
	}
	b.mem.unref()
	return nil
}

// commitWrite is the commitEnv.write hook: it appends b to the current
// WAL segment.
func (d *Store) commitWrite(b *Batch, sync bool) error {
	d.mu.Lock()
	wal := d.mu.wal
	d.mu.Unlock()
	return wal.writeBatch(b.Repr(), sync)
}

// Get returns the most recently Set value for key, per spec.md §8
// invariant 3. ErrNotFound covers both "absent" and "shadowed by a
// tombstone".
func (d *Store) Get(key []byte) ([]byte, error) {
	return d.getAt(key, base.SeqNum(atomic.LoadUint64(&d.visibleSeqNum)))
}

// GetAt is Get as observed through snap.
func (d *Store) GetAt(key []byte, snap *Snapshot) ([]byte, error) {
	return d.getAt(key, snap.seqNum)
}

func (d *Store) getAt(key []byte, seq base.SeqNum) ([]byte, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	mem := d.mu.mem
	mem.ref()
	imm := d.mu.imm
	if imm != nil {
		imm.ref()
	}
	vers := d.versions.currentVersion()
	vers.ref()
	d.mu.Unlock()
	defer mem.unref()
	if imm != nil {
		defer imm.unref()
	}
	defer vers.unref()

	if v, err := mem.get(key, seq); err == nil {
		return v, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if imm != nil {
		if v, err := imm.get(key, seq); err == nil {
			return v, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return d.getFromVersion(vers, key, seq)
}

func (d *Store) getFromVersion(vers *version, key []byte, seq base.SeqNum) ([]byte, error) {
	cmp := d.opts.Comparer.Compare
	searchKey := base.MakeInternalKey(key, seq, base.InternalKeyKindMax)

	for level := 0; level < numLevels; level++ {
		files := vers.overlaps(level, cmp, key, key)
		if level == 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].fileNum > files[j].fileNum })
		}
		for i := range files {
			v, ok, err := d.getFromFile(&files[i], searchKey, key)
			if err != nil {
				return nil, err
			}
			if ok {
				if v == nil {
					return nil, ErrNotFound
				}
				return v, nil
			}
			// The lookup passed over this run without it settling the
			// answer: charge it a seek (spec.md §4.5 seek-driven trigger).
			files[i].chargeSeek()
		}
	}
	return nil, ErrNotFound
}

// getFromFile looks up key within one run, returning ok=true once the run
// settles the answer (a live value, or a tombstone that shadows every
// lower level).
func (d *Store) getFromFile(f *fileMetadata, searchKey base.InternalKey, ukey []byte) (value []byte, ok bool, err error) {
	fs := d.opts.RunFS()
	name := makeFilename(d.dirname, fileTypeTable, f.fileNum)
	file, err := fs.Open(name)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, false, err
	}
	rd, err := sstable.Open(file, info.Size())
	if err != nil {
		return nil, false, err
	}
	it := rd.NewIter()
	cmp := d.opts.Comparer.Compare
	if !it.SeekGE(cmp, searchKey) {
		return nil, false, nil
	}
	if cmp(it.Key().UserKey, ukey) != 0 {
		return nil, false, nil
	}
	if it.Key().Kind() == base.InternalKeyKindDelete {
		return nil, true, nil
	}
	return append([]byte(nil), it.Value()...), true, nil
}

// GetSnapshot pins the store's current sequence number, per spec.md §6.
func (d *Store) GetSnapshot() *Snapshot {
	s := &Snapshot{seqNum: base.SeqNum(atomic.LoadUint64(&d.visibleSeqNum)), db: d}
	d.snapshots.pushBack(s)
	return s
}

// CompactRange forces every run overlapping [start, end) to be rewritten,
// per spec.md §6.
func (d *Store) CompactRange(start, end []byte) error {
	d.mu.Lock()
	cmp := d.opts.Comparer.Compare
	vers := d.versions.currentVersion()
	for level := 0; level < numLevels-1; level++ {
		for i := range vers.files[level] {
			f := &vers.files[level][i]
			if cmp(f.smallest.UserKey, end) < 0 && cmp(f.largest.UserKey, start) >= 0 {
				f.markedForCompaction = true
			}
		}
	}
	d.mu.Unlock()
	return d.maybeScheduleCompaction()
}

// flushImmAndCompact runs on its own goroutine each time makeRoomForWrite
// seals a memtable: it flushes the sealed memtable to an L0 run, then
// gives the compaction scheduler (C7) a chance to run.
func (d *Store) flushImmAndCompact() {
	if err := d.flushImm(); err != nil {
		d.logger.Errorf("partnerkv: flush failed: %v", err)
		return
	}
	if err := d.maybeScheduleCompaction(); err != nil {
		d.logger.Errorf("partnerkv: compaction failed: %v", err)
	}
}

// flushImm writes the sealed immutable memtable (C1) out as a new L0 run
// (C3), installs it via the manifest (C4/C5), and releases imm for reuse.
func (d *Store) flushImm() error {
	d.mu.Lock()
	imm := d.mu.imm
	d.mu.Unlock()
	if imm == nil {
		return nil
	}
	start := time.Now()

	fs := d.opts.RunFS()
	fileNum := d.versions.allocateFileNum()
	filename := makeFilename(d.dirname, fileTypeTable, fileNum)
	file, err := fs.Create(filename)
	if err != nil {
		d.opts.EventListener.FlushEnd(FlushInfo{Done: true, FileNum: fileNum, Err: err})
		return err
	}

	w := sstable.NewWriter(file, d.opts.BlockSize, d.opts.BlockRestartInterval, sstable.Compression(d.opts.Compression))
	it := imm.newIter()
	for it.First(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			file.Close()
			d.opts.EventListener.FlushEnd(FlushInfo{Done: true, FileNum: fileNum, Err: err})
			return err
		}
	}

	n, smallest, largest, smallestSeq, largestSeq, err := w.Close()
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		d.opts.EventListener.FlushEnd(FlushInfo{Done: true, FileNum: fileNum, Err: err})
		return err
	}

	ve := &versionEdit{deletedFiles: map[deletedFileEntry]bool{}, logNumber: d.walLogNumAfter(imm)}
	if n > 0 {
		refs := new(int32)
		*refs = 1
		size := fileSize(fs, filename)
		ve.newFiles = append(ve.newFiles, newFileEntry{level: 0, meta: fileMetadata{
			refs: refs, fileNum: fileNum, size: size,
			smallest: smallest, largest: largest,
			smallestSeqNum: smallestSeq, largestSeqNum: largestSeq,
			allowedSeeks: initAllowedSeeks(size),
		}})
	} else {
		_ = fs.Remove(filename)
	}

	if err := d.versions.logAndApply(ve); err != nil {
		d.opts.EventListener.FlushEnd(FlushInfo{Done: true, FileNum: fileNum, Err: err})
		return err
	}

	d.mu.Lock()
	d.mu.imm = nil
	d.mu.Unlock()
	close(imm.flushedCh)
	d.opts.EventListener.FlushEnd(FlushInfo{Done: true, FileNum: fileNum, Duration: int64(time.Since(start))})
	d.drainObsoleteFiles()
	return nil
}

// walLogNumAfter reports the WAL generation that is now safe to forget:
// every write that landed in flushed is durable in the new L0 run, so its
// WAL segment (and anything older) no longer needs replaying on recovery.
func (d *Store) walLogNumAfter(flushed *memTable) uint64 { return flushed.logNum }

func fileSize(fs FS, name string) uint64 {
	info, err := fs.Stat(name)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// maybeScheduleCompaction runs the compaction scheduler (C7): while the
// current version has a level whose score exceeds its trigger, it picks
// the highest-scoring compaction and attempts it as a partner/split
// compaction (C9) first, falling back to the classical worker (C8) when
// the picked compaction doesn't partition into enough shards. Only one
// compaction runs at a time per store.
func (d *Store) maybeScheduleCompaction() error {
	d.mu.Lock()
	if d.mu.compacting || d.mu.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.compacting = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.mu.compacting = false
		d.mu.Unlock()
		d.compactionCond.Broadcast()
	}()

	for {
		vers := d.versions.currentVersion()
		vers.ref()
		picker := newCompactionPicker(vers, d.opts, nil)
		c := picker.pickAuto(nil)
		if c == nil {
			vers.unref()
			return nil
		}

		// minSeqNum() is SeqNumMax when no snapshot is open; clamp it to the
		// current visible sequence number so the dedup pass below still
		// treats the newest version of every key as live instead of
		// mistaking the sentinel for a snapshot older than everything.
		smallestSeq := d.snapshots.minSeqNum()
		if v := base.SeqNum(atomic.LoadUint64(&d.visibleSeqNum)); smallestSeq > v {
			smallestSeq = v
		}
		start := time.Now()
		ve, kind, shards, err := d.runCompaction(c, smallestSeq)
		vers.unref()
		if err != nil {
			d.opts.EventListener.CompactionEnd(CompactionInfo{Done: true, Kind: kind, StartLevel: c.startLevel, OutputLevel: c.outputLevel, Err: err})
			return err
		}

		inputBytes := totalSize(c.inputs[0]) + totalSize(c.inputs[1])
		var outputBytes uint64
		for _, nf := range ve.newFiles {
			outputBytes += nf.meta.size
		}

		if err := d.versions.logAndApply(ve); err != nil {
			d.opts.EventListener.CompactionEnd(CompactionInfo{Done: true, Kind: kind, StartLevel: c.startLevel, OutputLevel: c.outputLevel, Err: err})
			return err
		}
		d.opts.EventListener.CompactionEnd(CompactionInfo{
			Done: true, Kind: kind, StartLevel: c.startLevel, OutputLevel: c.outputLevel,
			InputBytes: inputBytes, OutputBytes: outputBytes, Shards: shards,
			Duration: int64(time.Since(start)),
		})
		d.drainObsoleteFiles()
	}
}

// runCompaction attempts c as a partner/split compaction (C9) and falls
// back to the classical worker (C8) when splitShards can't produce at
// least opts.SplitCompactionMinShards shards (spec.md §4.7, §9), or when a
// shard fails (runSplit has then already unlinked every shard's output).
func (d *Store) runCompaction(c *compaction, smallestSeq base.SeqNum) (ve *versionEdit, kind string, shards int, err error) {
	ve, err = runSplit(c, d.opts.RunFS(), d.dirname, d.versions.allocateFileNum, d.opts, smallestSeq)
	if err != nil {
		d.logger.Errorf("partnerkv: split compaction failed, retrying as classical: %v", err)
		ve = nil
	}
	if ve != nil {
		advanceCompactPointer(c, ve)
		return ve, "split", len(c.splitShards(d.opts.SplitCompactionWorkers)), nil
	}
	ve, err = c.run(d.opts.RunFS(), d.dirname, d.versions.allocateFileNum, d.opts, smallestSeq)
	if err != nil {
		return nil, "classical", 0, err
	}
	advanceCompactPointer(c, ve)
	return ve, "classical", 1, nil
}

// advanceCompactPointer records c.startLevel's new compaction pointer on
// ve: the largest key among the startLevel runs c consumed, so the next
// automatic compaction at that level resumes just past them (spec.md
// §4.5, §9). The trivial-move edit and split shards' own per-shard edits
// never set it themselves; this is the single place a compaction's
// startLevel pointer advances, trivial moves included.
func advanceCompactPointer(c *compaction, ve *versionEdit) {
	if len(c.inputs[0]) == 0 {
		return
	}
	_, largest := ikeyRange(c.opts.Comparer.Compare, c.inputs[0], nil)
	ve.compactPointers = append(ve.compactPointers, compactPointerEntry{level: c.startLevel, key: largest})
}

// Close waits for any in-flight background compaction and releases the
// store's resources. It does not flush the mutable memtable; its writes
// stay in the WAL and are replayed by the next Open.
func (d *Store) Close() error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	for d.mu.compacting {
		d.compactionCond.Wait()
	}
	d.mu.closed = true
	wal := d.mu.wal
	d.mu.Unlock()

	d.cleanup.close()
	err := wal.close()
	if lerr := d.fileLock.Close(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

func (d *Store) deletionPacerInfo() deletionPacerInfo {
	return deletionPacerInfo{freeBytes: 1 << 40, obsoleteBytes: 0, liveBytes: 1}
}

// drainObsoleteFiles hands every file orphaned by the last version install
// to the cleanup manager (A3), which paces their deletion.
func (d *Store) drainObsoleteFiles() {
	d.versions.mu.Lock()
	files := d.versions.obsoleteFiles
	d.versions.obsoleteFiles = nil
	d.versions.mu.Unlock()

	obs := make([]obsoleteFile, 0, len(files))
	for _, fn := range files {
		obs = append(obs, obsoleteFile{typ: fileTypeTable, fileNum: fn, size: fileSize(d.opts.RunFS(), makeFilename(d.dirname, fileTypeTable, fn))})
	}
	d.cleanup.enqueue(obs)
}
