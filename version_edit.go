// Copyright 2012 The LevelDB-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package partnerkv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/meggie4/partnerkv/internal/base"
)

// errCorruptManifest is returned when a version edit's tagged encoding
// cannot be parsed, per spec.md §7's Corruption error kind.
var errCorruptManifest = errors.WithSecondaryError(ErrCorruption, errors.New("partnerkv: corrupt manifest record"))

// Tags for the versionEdit disk format, grounded on the teacher's
// leveldb-go encoding: a varint tag followed by tag-specific fields.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

type byteReader interface {
	io.ByteReader
	io.Reader
}

type compactPointerEntry struct {
	level int
	key   base.InternalKey
}

type deletedFileEntry struct {
	level   int
	fileNum uint64
}

type newFileEntry struct {
	level int
	meta  fileMetadata
}

// versionEdit is a delta against the current version: runs added, runs
// deleted, and bookkeeping fields (file numbers, sequence number
// watermark). Every install appends one versionEdit to the manifest
// (spec.md §4.4, C5).
type versionEdit struct {
	comparatorName  string
	logNumber       uint64
	prevLogNumber   uint64
	nextFileNumber  uint64
	lastSequence    base.SeqNum
	compactPointers []compactPointerEntry
	deletedFiles    map[deletedFileEntry]bool
	newFiles        []newFileEntry
}

func (v *versionEdit) decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.comparatorName = string(s)

		case tagLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.logNumber = n

		case tagPrevLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.prevLogNumber = n

		case tagNextFileNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.nextFileNumber = n

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.lastSequence = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readInternalKey()
			if err != nil {
				return err
			}
			v.compactPointers = append(v.compactPointers, compactPointerEntry{level, key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			if v.deletedFiles == nil {
				v.deletedFiles = make(map[deletedFileEntry]bool)
			}
			v.deletedFiles[deletedFileEntry{level, fileNum}] = true

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readInternalKey()
			if err != nil {
				return err
			}
			largest, err := d.readInternalKey()
			if err != nil {
				return err
			}
			smallestSeq, err := d.readUvarint()
			if err != nil {
				return err
			}
			largestSeq, err := d.readUvarint()
			if err != nil {
				return err
			}
			refs := new(int32)
			v.newFiles = append(v.newFiles, newFileEntry{
				level: level,
				meta: fileMetadata{
					refs:           refs,
					fileNum:        fileNum,
					size:           size,
					smallest:       smallest,
					largest:        largest,
					smallestSeqNum: base.SeqNum(smallestSeq),
					largestSeqNum:  base.SeqNum(largestSeq),
					allowedSeeks:   initAllowedSeeks(size),
				},
			})

		default:
			return errCorruptManifest
		}
	}
	return nil
}

func (v *versionEdit) encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.comparatorName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.comparatorName)
	}
	if v.logNumber != 0 {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(v.logNumber)
	}
	if v.prevLogNumber != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(v.prevLogNumber)
	}
	if v.nextFileNumber != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(v.nextFileNumber)
	}
	if v.lastSequence != 0 {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.lastSequence))
	}
	for _, x := range v.compactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.level))
		e.writeInternalKey(x.key)
	}
	// Sort deleted files for a deterministic encoding (useful for tests
	// comparing manifest bytes).
	deleted := make([]deletedFileEntry, 0, len(v.deletedFiles))
	for x := range v.deletedFiles {
		deleted = append(deleted, x)
	}
	sort.Slice(deleted, func(i, j int) bool {
		if deleted[i].level != deleted[j].level {
			return deleted[i].level < deleted[j].level
		}
		return deleted[i].fileNum < deleted[j].fileNum
	})
	for _, x := range deleted {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.level))
		e.writeUvarint(x.fileNum)
	}
	for _, x := range v.newFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.level))
		e.writeUvarint(x.meta.fileNum)
		e.writeUvarint(x.meta.size)
		e.writeInternalKey(x.meta.smallest)
		e.writeInternalKey(x.meta.largest)
		e.writeUvarint(uint64(x.meta.smallestSeqNum))
		e.writeUvarint(uint64(x.meta.largestSeqNum))
	}
	_, err := w.Write(e.Bytes())
	return err
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(d, s); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readInternalKey() (base.InternalKey, error) {
	b, err := d.readBytes()
	if err != nil {
		return base.InternalKey{}, err
	}
	ikey, err := base.DecodeInternalKey(b)
	if err != nil {
		return base.InternalKey{}, errCorruptManifest
	}
	return ikey, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= numLevels {
		return 0, errCorruptManifest
	}
	return int(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeInternalKey(k base.InternalKey) {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	e.writeBytes(buf)
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// bulkVersionEdit accumulates the files added and deleted across a run of
// version edits, so the manifest can be replayed as a single pass rather
// than materializing an intermediate version per edit.
type bulkVersionEdit struct {
	added   [numLevels][]fileMetadata
	deleted [numLevels]map[uint64]bool

	// compactPointers holds the latest compact pointer seen per level
	// across the accumulated edits; nil means this batch left that level's
	// pointer untouched, so apply falls back to the base version's value.
	compactPointers [numLevels]*base.InternalKey
}

func (b *bulkVersionEdit) accumulate(ve *versionEdit) {
	for _, cp := range ve.compactPointers {
		key := cp.key
		b.compactPointers[cp.level] = &key
	}
	for df := range ve.deletedFiles {
		dmap := b.deleted[df.level]
		if dmap == nil {
			dmap = make(map[uint64]bool)
			b.deleted[df.level] = dmap
		}
		dmap[df.fileNum] = true
	}
	for _, nf := range ve.newFiles {
		if dmap := b.deleted[nf.level]; dmap != nil {
			delete(dmap, nf.meta.fileNum)
		}
		b.added[nf.level] = append(b.added[nf.level], nf.meta)
	}
}

// apply produces a new version from base plus the accumulated delta,
// consistent with respect to cmp. base may be nil.
func (b *bulkVersionEdit) apply(baseVersion *version, cmp base.Compare) (*version, error) {
	v := &version{}
	for level := 0; level < numLevels; level++ {
		if b.compactPointers[level] != nil {
			v.compactPointers[level] = *b.compactPointers[level]
		} else if baseVersion != nil {
			v.compactPointers[level] = baseVersion.compactPointers[level]
		}

		var baseFiles []fileMetadata
		if baseVersion != nil {
			baseFiles = baseVersion.files[level]
		}
		added := b.added[level]
		n := len(baseFiles) + len(added)
		if n == 0 {
			continue
		}
		v.files[level] = make([]fileMetadata, 0, n)
		dmap := b.deleted[level]
		// Files carried forward from the base version now have two
		// versions referencing them (base and v); newly added files start
		// with the single reference established when they were decoded.
		for _, f := range baseFiles {
			if dmap != nil && dmap[f.fileNum] {
				continue
			}
			atomic.AddInt32(f.refs, 1)
			v.files[level] = append(v.files[level], f)
		}
		for _, f := range added {
			if dmap != nil && dmap[f.fileNum] {
				continue
			}
			v.files[level] = append(v.files[level], f)
		}
		if level == 0 {
			sort.Sort(byFileNum(v.files[level]))
		} else {
			sort.Sort(bySmallest{v.files[level], cmp})
		}
	}
	if err := v.checkOrdering(cmp); err != nil {
		return nil, fmt.Errorf("partnerkv: internal error: %v", err)
	}
	return v, nil
}
