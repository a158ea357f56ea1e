// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"

	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/record"
)

// versionSet owns the version chain, the manifest log, and every file
// number allocation in the store (spec.md §4.4, C4/C5). All mutation goes
// through logAndApply, which serializes installs with the catalog mutex so
// "last_sequence never regresses and levels stay disjoint" (spec.md §8,
// invariants 1-2) hold by construction.
type versionSet struct {
	dirname string
	fs      FS
	cmp     base.Compare
	opts    *Options

	// mu is the catalog mutex. It is held across a version install's
	// manifest append and in-memory swap, but never across the I/O that
	// produces a compaction or flush's output runs.
	mu sync.Mutex

	versions versionList

	manifestFileNum uint64
	manifestWriter  *record.Writer
	manifestObj     File

	nextFileNum  uint64
	logNumber    uint64
	lastSequence base.SeqNum

	obsoleteFiles []uint64
}

func newVersionSet(dirname string, opts *Options) *versionSet {
	vs := &versionSet{
		dirname: dirname,
		fs:      opts.FS,
		cmp:     opts.Comparer.Compare,
		opts:    opts,
		nextFileNum: 1,
	}
	vs.versions.init(&vs.mu)
	return vs
}

func (vs *versionSet) currentVersion() *version { return vs.versions.back() }

func (vs *versionSet) nextFileNumLocked() uint64 {
	n := vs.nextFileNum
	vs.nextFileNum++
	return n
}

// nextFileNum allocates a fresh file number under the catalog mutex.
func (vs *versionSet) allocateFileNum() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.nextFileNumLocked()
}

func (vs *versionSet) addObsoleteLocked(fileNums []uint64) {
	vs.obsoleteFiles = append(vs.obsoleteFiles, fileNums...)
}

// create initializes a brand new, empty manifest for a freshly created
// store.
func (vs *versionSet) create() error {
	vs.manifestFileNum = vs.nextFileNumLocked()
	if err := vs.createManifest(vs.manifestFileNum); err != nil {
		return err
	}
	emptyVersion := &version{refs: 1}
	vs.versions.pushBack(emptyVersion)
	emptyVersion.vs = vs

	ve := &versionEdit{
		comparatorName: vs.opts.Comparer.Name,
		nextFileNumber: vs.nextFileNum,
		lastSequence:   vs.lastSequence,
	}
	return vs.writeVersionEdit(ve)
}

func (vs *versionSet) createManifest(fileNum uint64) error {
	filename := makeFilename(vs.dirname, fileTypeManifest, fileNum)
	f, err := vs.fs.Create(filename)
	if err != nil {
		return err
	}
	vs.manifestObj = f
	vs.manifestWriter = record.NewWriter(f)
	if err := setCurrentFile(vs.dirname, vs.fs, fileNum); err != nil {
		return err
	}
	if vs.opts.EventListener.ManifestCreated != nil {
		vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{FileNum: fileNum})
	}
	return nil
}

// writeVersionEdit appends ve to the manifest and syncs it. The caller
// holds vs.mu.
func (vs *versionSet) writeVersionEdit(ve *versionEdit) error {
	var buf bytes.Buffer
	if err := ve.encode(&buf); err != nil {
		return err
	}
	if err := vs.manifestWriter.WriteRecord(buf.Bytes()); err != nil {
		return err
	}
	if err := vs.manifestWriter.Flush(); err != nil {
		return err
	}
	return vs.manifestObj.Sync()
}

// logAndApply installs ve: it appends ve to the manifest, builds the next
// version from the current one plus ve, and swaps it in, all under the
// catalog mutex. On manifest append failure the attempted new runs named
// in ve are left on disk as orphans; the caller's newFiles should be
// unlinked by its own error path (spec.md §7).
func (vs *versionSet) logAndApply(ve *versionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if ve.lastSequence == 0 {
		ve.lastSequence = vs.lastSequence
	}
	if ve.nextFileNumber == 0 {
		ve.nextFileNumber = vs.nextFileNum
	}

	var bve bulkVersionEdit
	bve.accumulate(ve)
	newVersion, err := bve.apply(vs.currentVersion(), vs.cmp)
	if err != nil {
		return err
	}

	if err := vs.writeVersionEdit(ve); err != nil {
		return errors.Wrap(err, "partnerkv: manifest append failed")
	}

	newVersion.refs = 1
	newVersion.vs = vs
	vs.versions.pushBack(newVersion)
	if ve.lastSequence > vs.lastSequence {
		vs.lastSequence = ve.lastSequence
	}
	if ve.logNumber != 0 {
		vs.logNumber = ve.logNumber
	}

	// Drop the previous head's reference now that newVersion is current.
	prev := newVersion.prev
	if prev != &vs.versions.root {
		prev.unrefLocked()
	}
	return nil
}

func (v *version) unrefLocked() {
	if v == nil {
		return
	}
	if v.refs == 0 {
		return
	}
	v.refs--
	if v.refs == 0 {
		v.list.remove(v)
		v.vs.addObsoleteLocked(v.unrefFiles())
	}
}

// recover replays an existing manifest to reconstruct the version chain
// and every bookkeeping field, the startup path of spec.md §4.4.
func (vs *versionSet) recover() error {
	current, err := vs.readCurrentFile()
	if err != nil {
		return err
	}
	filename := vs.fs.PathJoin(vs.dirname, current)
	f, err := vs.fs.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	var bve bulkVersionEdit
	var ve versionEdit
	rr := record.NewReader(f, vs.opts.ParanoidChecks)
	for {
		data, err := rr.ReadRecord()
		if err != nil {
			break
		}
		var edit versionEdit
		if err := edit.decode(bytes.NewReader(data)); err != nil {
			if vs.opts.ParanoidChecks {
				return err
			}
			break
		}
		bve.accumulate(&edit)
		ve = edit
	}

	newVersion, err := bve.apply(nil, vs.cmp)
	if err != nil {
		return err
	}
	newVersion.refs = 1
	newVersion.vs = vs
	vs.versions.pushBack(newVersion)

	if ve.nextFileNumber != 0 {
		vs.nextFileNum = ve.nextFileNumber
	}
	vs.lastSequence = ve.lastSequence
	vs.logNumber = ve.logNumber

	if _, _, ok := parseFilename(current); !ok {
		return errors.Errorf("partnerkv: could not parse manifest filename %s", redact.Safe(current))
	}

	// Roll to a fresh manifest rather than reopening the old one for
	// append: it is simpler to express with the vfs.FS interface (no
	// append-mode Open) and it bounds the old manifest's size, the same
	// roll-on-open the teacher's C++ lineage performs.
	vs.manifestFileNum = vs.nextFileNumLocked()
	if err := vs.createManifest(vs.manifestFileNum); err != nil {
		return err
	}
	snapshot := &versionEdit{
		comparatorName: vs.opts.Comparer.Name,
		nextFileNumber: vs.nextFileNum,
		lastSequence:   vs.lastSequence,
		logNumber:      vs.logNumber,
	}
	for level := 0; level < numLevels; level++ {
		for i := range newVersion.files[level] {
			snapshot.newFiles = append(snapshot.newFiles, newFileEntry{level: level, meta: newVersion.files[level][i]})
		}
		if newVersion.compactPointers[level].UserKey != nil {
			snapshot.compactPointers = append(snapshot.compactPointers, compactPointerEntry{level: level, key: newVersion.compactPointers[level]})
		}
	}
	return vs.writeVersionEdit(snapshot)
}

func (vs *versionSet) readCurrentFile() (string, error) {
	filename := vs.fs.PathJoin(vs.dirname, "CURRENT")
	f, err := vs.fs.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return "", err
	}
	s := buf.String()
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	if s == "" {
		return "", errors.WithSecondaryError(ErrCorruption, errors.New("partnerkv: empty CURRENT file"))
	}
	return s, nil
}
