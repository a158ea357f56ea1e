// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"io"

	"github.com/meggie4/partnerkv/internal/base"
)

// magic identifies a partnerkv run on disk, written as the last 8 bytes
// of the file.
const magic = uint64(0xb0bacafe70617274)

// footerLen is the fixed-size trailer: index block handle (2 varints,
// padded to a fixed width) plus the magic number.
const footerLen = 48

// blockHandle locates a block within the file.
type blockHandle struct {
	offset, length uint64
}

func (h blockHandle) encode(buf []byte) int {
	n := binary.PutUvarint(buf, h.offset)
	n += binary.PutUvarint(buf[n:], h.length)
	return n
}

func decodeBlockHandle(buf []byte) (blockHandle, int) {
	offset, n1 := binary.Uvarint(buf)
	length, n2 := binary.Uvarint(buf[n1:])
	return blockHandle{offset: offset, length: length}, n1 + n2
}

// Writer produces one immutable run. Callers must Add entries in
// increasing InternalKey order, matching spec.md's invariant that a run's
// contents are sorted once written.
type Writer struct {
	w               io.Writer
	offset          uint64
	blockSize       int
	restartInterval int
	compression     Compression

	dataBlock  *blockWriter
	indexBlock *blockWriter

	smallest, largest base.InternalKey
	smallestSeqNum    base.SeqNum
	largestSeqNum     base.SeqNum
	count        uint64
	haveSmallest bool

	err error
}

// NewWriter returns a Writer appending run data to w.
func NewWriter(w io.Writer, blockSize, restartInterval int, compression Compression) *Writer {
	return &Writer{
		w:               w,
		blockSize:       blockSize,
		restartInterval: restartInterval,
		compression:     compression,
		dataBlock:       newBlockWriter(restartInterval),
		indexBlock:      newBlockWriter(restartInterval),
	}
}

// Add appends one entry. ikey must be strictly greater than every
// previously added key.
func (w *Writer) Add(ikey base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if !w.haveSmallest {
		w.smallest = ikey.Clone()
		w.haveSmallest = true
		w.smallestSeqNum = ikey.SeqNum()
	}
	w.largest = ikey.Clone()
	if ikey.SeqNum() > w.largestSeqNum {
		w.largestSeqNum = ikey.SeqNum()
	}
	if ikey.SeqNum() < w.smallestSeqNum {
		w.smallestSeqNum = ikey.SeqNum()
	}
	w.count++

	w.dataBlock.add(ikey, value)
	if len(w.dataBlock.buf) >= w.blockSize {
		return w.flushDataBlock(ikey.UserKey)
	}
	return nil
}

func (w *Writer) flushDataBlock(indexKey []byte) error {
	if w.dataBlock.empty() {
		return nil
	}
	raw := w.dataBlock.finish()
	out := compressBlock(raw, w.compression)
	handle := blockHandle{offset: w.offset, length: uint64(len(out))}
	if _, err := w.w.Write(out); err != nil {
		w.err = err
		return err
	}
	w.offset += uint64(len(out))

	var buf [2 * binary.MaxVarintLen64]byte
	n := handle.encode(buf[:])
	w.indexBlock.add(base.MakeInternalKey(indexKey, 0, base.InternalKeyKindSet), append([]byte(nil), buf[:n]...))

	w.dataBlock = newBlockWriter(w.restartInterval)
	return nil
}

// EstimatedSize reports the writer's on-disk size so far: bytes already
// flushed to w.w plus the still-buffered data block, so a caller deciding
// whether to cut the output file doesn't have to wait for Close.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.dataBlock.buf))
}

// Close flushes any pending block, writes the index block and footer, and
// returns the run's metadata for the caller to install via a versionEdit.
func (w *Writer) Close() (count uint64, smallest, largest base.InternalKey, smallestSeqNum, largestSeqNum base.SeqNum, err error) {
	if w.err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, 0, 0, w.err
	}
	if !w.dataBlock.empty() {
		if err := w.flushDataBlock(w.largest.UserKey); err != nil {
			return 0, base.InternalKey{}, base.InternalKey{}, 0, 0, err
		}
	}

	indexRaw := w.indexBlock.finish()
	indexOut := compressBlock(indexRaw, NoCompression)
	indexHandle := blockHandle{offset: w.offset, length: uint64(len(indexOut))}
	if _, err := w.w.Write(indexOut); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, 0, 0, err
	}
	w.offset += uint64(len(indexOut))

	footer := make([]byte, footerLen)
	n := indexHandle.encode(footer)
	for i := n; i < footerLen-8; i++ {
		footer[i] = 0
	}
	binary.LittleEndian.PutUint64(footer[footerLen-8:], magic)
	if _, err := w.w.Write(footer); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, 0, 0, err
	}

	return w.count, w.smallest, w.largest, w.smallestSeqNum, w.largestSeqNum, nil
}
