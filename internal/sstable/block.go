// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sstable implements the immutable, sorted run format that backs
// every on-disk level of the tree (spec.md's C3, the run reader/writer
// external contract every compaction and flush writes through). A run is
// a sequence of data blocks, each restart-interval encoded the way
// LevelDB's table format is, followed by an index block mapping the last
// key of each data block to its offset, and a fixed-size footer.
package sstable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/meggie4/partnerkv/internal/base"
)

// Compression identifies the codec a block was written with.
type Compression byte

const (
	NoCompression    Compression = 0
	SnappyCompression Compression = 1
)

// blockTrailerLen is the fixed trailer appended to every block on disk:
// one byte recording the compression codec, then an xxhash64 checksum
// (truncated to 4 bytes) of the compression byte plus the block's
// (possibly compressed) contents.
const blockTrailerLen = 5

// ErrChecksumMismatch is returned by a block read when its trailer
// checksum does not match its contents (spec.md §7, Corruption).
var ErrChecksumMismatch = errors.New("sstable: block checksum mismatch")

func blockChecksum(compression Compression, data []byte) uint32 {
	h := xxhash.New()
	h.Write([]byte{byte(compression)})
	h.Write(data)
	return uint32(h.Sum64())
}

// compressBlock compresses raw per the requested codec and appends the
// trailer, returning the bytes as written to disk.
func compressBlock(raw []byte, compression Compression) []byte {
	var payload []byte
	switch compression {
	case SnappyCompression:
		payload = snappy.Encode(nil, raw)
	default:
		payload = raw
		compression = NoCompression
	}
	out := make([]byte, len(payload)+blockTrailerLen)
	copy(out, payload)
	out[len(payload)] = byte(compression)
	binary.LittleEndian.PutUint32(out[len(payload)+1:], blockChecksum(compression, payload))
	return out
}

// decompressBlock validates the trailer and returns the raw block
// contents.
func decompressBlock(data []byte) ([]byte, error) {
	if len(data) < blockTrailerLen {
		return nil, ErrChecksumMismatch
	}
	n := len(data) - blockTrailerLen
	payload := data[:n]
	compression := Compression(data[n])
	wantCRC := binary.LittleEndian.Uint32(data[n+1:])
	if blockChecksum(compression, payload) != wantCRC {
		return nil, ErrChecksumMismatch
	}
	switch compression {
	case SnappyCompression:
		return snappy.Decode(nil, payload)
	default:
		return payload, nil
	}
}

// blockWriter accumulates encoded InternalKey/value entries into one
// block, restarting the shared-prefix chain every restartInterval
// entries so a reader can binary-search within the block (LevelDB block
// format).
type blockWriter struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	nEntries        int
	lastKey         []byte
}

func newBlockWriter(restartInterval int) *blockWriter {
	return &blockWriter{restartInterval: restartInterval, restarts: []uint32{0}}
}

func (w *blockWriter) add(ikey base.InternalKey, value []byte) {
	var shared int
	if w.nEntries%w.restartInterval != 0 {
		shared = sharedPrefixLen(w.lastKey, ikey.UserKey)
	} else {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	}

	keyBuf := make([]byte, ikey.Size())
	ikey.Encode(keyBuf)

	unshared := len(keyBuf) - shared
	var hdr [3 * binary.MaxVarintLen32]byte
	n := binary.PutUvarint(hdr[0:], uint64(shared))
	n += binary.PutUvarint(hdr[n:], uint64(unshared))
	n += binary.PutUvarint(hdr[n:], uint64(len(value)))
	w.buf = append(w.buf, hdr[:n]...)
	w.buf = append(w.buf, keyBuf[shared:]...)
	w.buf = append(w.buf, value...)

	w.lastKey = append(w.lastKey[:0], ikey.UserKey...)
	w.nEntries++
}

func (w *blockWriter) empty() bool { return w.nEntries == 0 }

func (w *blockWriter) finish() []byte {
	buf := append([]byte(nil), w.buf...)
	for _, r := range w.restarts {
		buf = binary.LittleEndian.AppendUint32(buf, r)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.restarts)))
	return buf
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockReader iterates the restart-interval encoded entries of a decoded
// block in order. It is intentionally simple (no binary search within
// the block) since this package trades read throughput for clarity: the
// whole block is decoded into blockEntry slices up front, which also
// makes backward iteration a matter of moving an index rather than
// re-deriving the shared-prefix chain in reverse.
type blockReader struct {
	data []byte
}

type blockEntry struct {
	key base.InternalKey
	val []byte
}

// blockIter walks a decoded block's entries by index; pos == -1 is
// before-first and pos == len(entries) is after-last, the two positions
// next()/prev() step away from towards the first/last real entry.
type blockIter struct {
	entries []blockEntry
	pos     int
	key     base.InternalKey
	val     []byte
}

func (b blockReader) iter() *blockIter {
	nRestarts := binary.LittleEndian.Uint32(b.data[len(b.data)-4:])
	end := len(b.data) - 4 - int(nRestarts)*4
	data := b.data[:end]

	var entries []blockEntry
	var last []byte
	pos := 0
	for pos < len(data) {
		shared, n1 := binary.Uvarint(data[pos:])
		unshared, n2 := binary.Uvarint(data[pos+n1:])
		valLen, n3 := binary.Uvarint(data[pos+n1+n2:])
		off := pos + n1 + n2 + n3
		key := append(append([]byte(nil), last[:shared]...), data[off:off+int(unshared)]...)
		off += int(unshared)
		val := data[off : off+int(valLen)]
		off += int(valLen)

		ikey, err := base.DecodeInternalKey(key)
		if err != nil {
			break
		}
		entries = append(entries, blockEntry{key: ikey, val: val})
		last = key
		pos = off
	}
	return &blockIter{entries: entries, pos: -1}
}

func (it *blockIter) next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	it.key = it.entries[it.pos].key
	it.val = it.entries[it.pos].val
	return true
}

func (it *blockIter) prev() bool {
	if it.pos <= 0 {
		it.pos = -1
		return false
	}
	it.pos--
	it.key = it.entries[it.pos].key
	it.val = it.entries[it.pos].val
	return true
}
