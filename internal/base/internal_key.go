// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base holds the internal-key representation shared by every layer
// of the storage engine: the memtable, the write-ahead log, runs, and the
// iterator merge.
package base

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// SeqNum is a 56-bit monotonically increasing counter assigned to every
// mutation. It uniquely identifies a version of a user key.
type SeqNum uint64

const (
	// SeqNumZero is reserved; real sequence numbers start at 1.
	SeqNumZero SeqNum = 0
	// SeqNumMax is the largest representable sequence number (2^56-1).
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// InternalKeyKind distinguishes a live value from a deletion marker. The
// engine has exactly two kinds; there is no merge operator and no range
// deletions in this design.
type InternalKeyKind uint8

const (
	// InternalKeyKindSet is a live value.
	InternalKeyKindSet InternalKeyKind = 0
	// InternalKeyKindDelete is a tombstone: the user key was deleted as of
	// this sequence number.
	InternalKeyKindDelete InternalKeyKind = 1

	// InternalKeyKindMax is the largest valid kind.
	InternalKeyKindMax InternalKeyKind = InternalKeyKindDelete
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindSet:
		return "SET"
	case InternalKeyKindDelete:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// InternalKeyTrailer packs a sequence number and a kind into a single
// 64-bit word: the high 56 bits are the sequence number, the low 8 bits are
// the kind. Ordering by trailer value (descending) matches "newest first,
// Delete before Set" as required by the internal key order.
type InternalKeyTrailer uint64

// MakeTrailer combines a sequence number and kind into a trailer.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum extracts the sequence number from a trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind extracts the kind from a trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t)
}

// InternalKey is the (user_key, sequence, kind) tuple that every stored
// entry is keyed by. Ordering is: ascending UserKey, then descending
// SeqNum, then descending Kind (Delete sorts before Set for equal
// sequence numbers, though writers never produce that combination).
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// MakeInternalKey builds an InternalKey from its parts.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seqNum, kind)}
}

// SeqNum returns the key's sequence number.
func (k InternalKey) SeqNum() SeqNum { return k.Trailer.SeqNum() }

// Kind returns the key's kind.
func (k InternalKey) Kind() InternalKeyKind { return k.Trailer.Kind() }

// Clone returns a deep copy of k.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return k
	}
	u := make([]byte, len(k.UserKey))
	copy(u, k.UserKey)
	return InternalKey{UserKey: u, Trailer: k.Trailer}
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%s,%s", k.UserKey, k.SeqNum(), k.Kind())
}

// Size is the encoded size of the internal key: user key bytes plus an
// 8-byte trailer.
func (k InternalKey) Size() int { return len(k.UserKey) + 8 }

// Encode writes the internal key into buf, which must be at least k.Size()
// bytes long.
func (k InternalKey) Encode(buf []byte) {
	n := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[n:], uint64(k.Trailer))
}

// DecodeInternalKey decodes an internal key previously written by Encode.
// The returned key aliases b.
func DecodeInternalKey(b []byte) (InternalKey, error) {
	if len(b) < 8 {
		return InternalKey{}, errors.New("base: corrupt internal key (too short)")
	}
	n := len(b) - 8
	trailer := InternalKeyTrailer(binary.LittleEndian.Uint64(b[n:]))
	return InternalKey{UserKey: b[:n], Trailer: trailer}, nil
}

// Compare orders two byte slices. The zero value is lexicographic order
// over the raw bytes, matching spec.md's default.
type Compare func(a, b []byte) int

// Equal reports whether a and b are the same user key under Compare.
type Equal func(a, b []byte) bool

// DefaultCompare is lexicographic byte comparison.
func DefaultCompare(a, b []byte) int { return bytes.Compare(a, b) }

// DefaultEqual is byte-equality.
func DefaultEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// InternalCompare orders two internal keys: ascending by user key (via
// cmp), then descending by sequence number, then descending by kind. This
// places the newest version of a user key first among siblings, which is
// exactly the order every iterator and compaction in this package depends
// on.
func InternalCompare(cmp Compare, a, b InternalKey) int {
	if c := cmp(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Trailer > b.Trailer:
		return -1
	case a.Trailer < b.Trailer:
		return 1
	default:
		return 0
	}
}

// Comparer bundles a user-key comparison function with the metadata needed
// to print and name it; this is the "pluggable comparator" hook spec.md
// mentions in §6 without requiring a full extensibility framework.
type Comparer struct {
	Compare Compare
	Equal   Equal
	Name    string
}

// DefaultComparer is byte-lexicographic order, the default per spec.md §3.
var DefaultComparer = &Comparer{
	Compare: DefaultCompare,
	Equal:   DefaultEqual,
	Name:    "partnerkv.BytewiseComparator",
}
