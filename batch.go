// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/meggie4/partnerkv/internal/base"
)

const (
	// batchHeaderLen is the size of the fixed header prepended to every
	// batch's wire encoding: 8 bytes for the sequence number assigned to
	// the batch's first entry (zero until committed) and 4 bytes for the
	// entry count.
	batchHeaderLen = 12
	batchInitialSize = 1 << 10
)

// ErrInvalidBatch indicates a batch's wire encoding is corrupt: a WAL or
// manifest record failed to decode cleanly (spec.md §7, ErrCorruption).
var ErrInvalidBatch = errors.WithSecondaryError(ErrCorruption, errors.New("partnerkv: invalid batch encoding"))

// Batch is an ordered sequence of Set/Delete operations applied
// atomically, per spec.md §3. A batch is assigned a contiguous block of
// sequence numbers when it commits and is the atomic unit of WAL
// durability.
//
// The wire format mirrors the teacher's batch encoding, simplified to the
// two key kinds this engine supports:
//
//	8 bytes  sequence number of the batch's first entry (0 until applied)
//	4 bytes  entry count, little-endian
//	entries: 1 byte kind, varint-prefixed key, [varint-prefixed value]
type Batch struct {
	data         []byte
	count        uint32
	memTableSize uint32

	// applied is set to 1 once the commit pipeline (C6) has applied this
	// batch to the memtable; commitQueue.dequeue spins on it to preserve
	// publish order.
	applied uint32

	// mem is the memtable this batch reserved room in via prepare, fixed
	// before the batch enters the commit pipeline so a concurrent memtable
	// rotation can never redirect an in-flight batch's apply to the wrong
	// generation.
	mem *memTable
}

// NewBatch returns an empty batch ready for Set/Delete calls.
func NewBatch() *Batch {
	b := &Batch{data: make([]byte, batchHeaderLen, batchInitialSize)}
	return b
}

// Count returns the number of entries in the batch.
func (b *Batch) Count() uint32 { return b.count }

// Empty reports whether the batch has no entries (a legal no-op per
// spec.md §8 boundary behaviors).
func (b *Batch) Empty() bool { return b.count == 0 }

// seqNum returns the sequence number encoded in the batch header.
func (b *Batch) seqNum() base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

// setSeqNum stamps the sequence number assigned to the batch's first
// entry; entries within a batch occupy [seqNum, seqNum+Count()-1].
func (b *Batch) setSeqNum(s base.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[:8], uint64(s))
}

// Set appends a Set(key, value) entry to the batch.
func (b *Batch) Set(key, value []byte) error {
	return b.append(base.InternalKeyKindSet, key, value)
}

// Delete appends a tombstone for key to the batch.
func (b *Batch) Delete(key []byte) error {
	return b.append(base.InternalKeyKindDelete, key, nil)
}

func (b *Batch) append(kind base.InternalKeyKind, key, value []byte) error {
	pos := len(b.data)
	b.data = append(b.data, byte(kind))
	b.data = appendVarstring(b.data, key)
	if kind == base.InternalKeyKindSet {
		b.data = appendVarstring(b.data, value)
	}
	b.count++
	b.memTableSize += memTableEntrySize(len(key), len(value))
	_ = pos
	return nil
}

// Reset clears the batch for reuse, retaining its backing array.
func (b *Batch) Reset() {
	b.data = b.data[:batchHeaderLen]
	for i := range b.data {
		b.data[i] = 0
	}
	b.count = 0
	b.memTableSize = 0
	b.mem = nil
}

// Repr returns the batch's wire encoding, with the count written into the
// header. This is what gets appended to the WAL as a single record.
func (b *Batch) Repr() []byte {
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
	return b.data
}

// BatchFromRepr wraps a previously-encoded batch (e.g. read back from the
// WAL during recovery) without re-copying it.
func BatchFromRepr(data []byte) (*Batch, error) {
	if len(data) < batchHeaderLen {
		return nil, ErrInvalidBatch
	}
	b := &Batch{
		data:  data,
		count: binary.LittleEndian.Uint32(data[8:12]),
	}
	return b, nil
}

// BatchReader iterates over a batch's entries in append order.
type BatchReader struct {
	data []byte
}

// Reader returns a fresh reader positioned before the batch's first
// entry.
func (b *Batch) Reader() BatchReader {
	return BatchReader{data: b.data[batchHeaderLen:]}
}

// Next returns the next entry, or ok=false when exhausted.
func (r *BatchReader) Next() (kind base.InternalKeyKind, ukey, value []byte, ok bool) {
	if len(r.data) == 0 {
		return 0, nil, nil, false
	}
	kind = base.InternalKeyKind(r.data[0])
	rest, key, ok := decodeVarstring(r.data[1:])
	if !ok {
		return 0, nil, nil, false
	}
	if kind == base.InternalKeyKindSet {
		rest, value, ok = decodeVarstring(rest)
		if !ok {
			return 0, nil, nil, false
		}
	}
	r.data = rest
	return kind, key, value, true
}

func appendVarstring(dst []byte, s []byte) []byte {
	var buf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	dst = append(dst, buf[:n]...)
	dst = append(dst, s...)
	return dst
}

func decodeVarstring(src []byte) (rest, s []byte, ok bool) {
	n, k := binary.Uvarint(src)
	if k <= 0 || uint64(k)+n > uint64(len(src)) {
		return nil, nil, false
	}
	s = src[k : uint64(k)+n]
	rest = src[uint64(k)+n:]
	return rest, s, true
}
