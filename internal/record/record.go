// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record implements the length-prefixed, CRC-protected chunked
// log format that underlies both the write-ahead log (C2) and the
// manifest (C5) per spec.md §4.2 and §4.4. Records are written and read
// whole; callers never see partial records.
//
// Wire format: the stream is divided into 32KiB blocks. Each block holds
// one or more tightly packed chunks; chunks never cross a block boundary,
// so the tail of a block may be zero-padded. A record maps to one or more
// chunks:
//
//	+----------+-----------+-----------+--- ... ---+
//	| CRC (4B) | Size (2B) | Type (1B) | Payload    |
//	+----------+-----------+-----------+--- ... ---+
//
// CRC is computed (Castagnoli polynomial) over the type byte and the
// payload. Type is one of full/first/middle/last, recording whether this
// chunk is the entire record or one piece of a record split across
// blocks.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
)

const (
	blockSize  = 32 * 1024
	headerSize = 7 // 4 byte CRC + 2 byte size + 1 byte type
)

type chunkType byte

const (
	chunkInvalid chunkType = 0
	chunkFull    chunkType = 1
	chunkFirst   chunkType = 2
	chunkMiddle  chunkType = 3
	chunkLast    chunkType = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned by Reader when a chunk's CRC does not
// match its payload, or a chunk's framing is otherwise malformed.
var ErrCorruptRecord = errors.New("record: corrupt chunk")

// Writer appends records to an underlying io.Writer, framing each one as
// one or more fixed-size blocks of chunks. It is not safe for concurrent
// use; the write path coordinator (C6) and the manifest installer (C4)
// each own one.
type Writer struct {
	w   io.Writer
	buf [blockSize]byte
	// j is the write offset within buf of the next chunk header.
	j int
}

// NewWriter returns a Writer appending to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord writes data as a single logical record, split across as
// many chunks as needed. It does not flush the current block to the
// underlying writer until the block fills or Flush is called.
func (w *Writer) WriteRecord(data []byte) error {
	first := true
	for {
		leftInBlock := blockSize - w.j
		if leftInBlock < headerSize {
			if err := w.flushBlock(); err != nil {
				return err
			}
			leftInBlock = blockSize
		}

		n := leftInBlock - headerSize
		last := n >= len(data)
		if last {
			n = len(data)
		}

		var typ chunkType
		switch {
		case first && last:
			typ = chunkFull
		case first:
			typ = chunkFirst
		case last:
			typ = chunkLast
		default:
			typ = chunkMiddle
		}
		w.writeChunk(typ, data[:n])
		data = data[n:]
		first = false
		if len(data) == 0 {
			break
		}
	}
	return nil
}

func (w *Writer) writeChunk(typ chunkType, payload []byte) {
	h := w.buf[w.j : w.j+headerSize]
	binary.LittleEndian.PutUint16(h[4:6], uint16(len(payload)))
	h[6] = byte(typ)
	copy(w.buf[w.j+headerSize:], payload)

	crc := crc32.Update(0, crcTable, h[6:7])
	crc = crc32.Update(crc, crcTable, payload)
	binary.LittleEndian.PutUint32(h[:4], crc)

	w.j += headerSize + len(payload)
}

// flushBlock zero-pads the remainder of the current block, writes it,
// and starts a fresh block.
func (w *Writer) flushBlock() error {
	if w.j == 0 {
		return nil
	}
	for i := w.j; i < blockSize; i++ {
		w.buf[i] = 0
	}
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return err
	}
	w.j = 0
	return nil
}

// Flush forces out the current partially-filled block so all previously
// written records reach the underlying writer (which the caller is then
// responsible for fsync'ing if durability was requested).
func (w *Writer) Flush() error {
	return w.flushBlock()
}

// Reader reads back the records a Writer produced, in order.
type Reader struct {
	r   io.Reader
	buf [blockSize]byte
	// i, end delimit the valid, unconsumed bytes of buf.
	i, end int
	// paranoid, when true, treats any corrupt chunk as fatal rather than
	// truncating the log at that point (spec.md §7, paranoid_checks).
	paranoid bool
	eof      bool
}

// NewReader returns a Reader over r. If paranoid is false, a corrupt tail
// chunk truncates the stream instead of returning an error, matching
// spec.md §4.4's recovery policy.
func NewReader(r io.Reader, paranoid bool) *Reader {
	return &Reader{r: r, paranoid: paranoid}
}

// ReadRecord returns the next complete record, or io.EOF when the stream
// is exhausted (cleanly, or — absent paranoid_checks — at the first
// corrupt chunk).
func (r *Reader) ReadRecord() ([]byte, error) {
	record := []byte{}
	for {
		typ, payload, err := r.nextChunk()
		if err != nil {
			return nil, err
		}
		record = append(record, payload...)
		switch typ {
		case chunkFull, chunkLast:
			return record, nil
		default: // chunkFirst, chunkMiddle
			continue
		}
	}
}

func (r *Reader) nextChunk() (chunkType, []byte, error) {
	if r.end-r.i < headerSize {
		// Fewer bytes than a header left in the block are padding; drop
		// them so the next fill starts on a block boundary.
		r.i = r.end
		if err := r.fill(); err != nil {
			return 0, nil, err
		}
	}
	if r.end-r.i < headerSize {
		return 0, nil, io.EOF
	}
	h := r.buf[r.i : r.i+headerSize]
	wantCRC := binary.LittleEndian.Uint32(h[:4])
	size := int(binary.LittleEndian.Uint16(h[4:6]))
	typ := chunkType(h[6])

	if typ == chunkInvalid && size == 0 && wantCRC == 0 {
		// Zero padding at the tail of a block (Flush pads every block it
		// writes out); the next chunk, if any, starts at the next block.
		r.i = r.end
		return r.nextChunk()
	}
	if size < 0 || r.i+headerSize+size > r.end {
		return r.corrupt(errors.New("record: chunk overruns block"))
	}
	payload := r.buf[r.i+headerSize : r.i+headerSize+size]
	gotCRC := crc32.Update(0, crcTable, h[6:7])
	gotCRC = crc32.Update(gotCRC, crcTable, payload)
	if gotCRC != wantCRC || typ < chunkFull || typ > chunkLast {
		return r.corrupt(ErrCorruptRecord)
	}
	r.i += headerSize + size
	out := make([]byte, len(payload))
	copy(out, payload)
	return typ, out, nil
}

func (r *Reader) corrupt(err error) (chunkType, []byte, error) {
	if r.paranoid {
		return 0, nil, err
	}
	return 0, nil, io.EOF
}

// fill compacts any unconsumed bytes to the front of buf and reads more
// from the underlying reader, accumulating until it has a full block or
// hits EOF.
func (r *Reader) fill() error {
	if r.eof {
		if r.end == r.i {
			return io.EOF
		}
		return nil
	}
	copy(r.buf[:], r.buf[r.i:r.end])
	r.end -= r.i
	r.i = 0
	for r.end < blockSize {
		n, err := r.r.Read(r.buf[r.end:])
		r.end += n
		if err != nil {
			if err == io.EOF {
				r.eof = true
				break
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	if r.end == 0 {
		return io.EOF
	}
	return nil
}
