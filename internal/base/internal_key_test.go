// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrailerRoundTrip(t *testing.T) {
	trailer := MakeTrailer(12345, InternalKeyKindDelete)
	require.Equal(t, SeqNum(12345), trailer.SeqNum())
	require.Equal(t, InternalKeyKindDelete, trailer.Kind())
}

func TestInternalCompareOrdering(t *testing.T) {
	// Ascending user key wins regardless of sequence number.
	a := MakeInternalKey([]byte("a"), 5, InternalKeyKindSet)
	b := MakeInternalKey([]byte("b"), 1, InternalKeyKindSet)
	require.Negative(t, InternalCompare(DefaultCompare, a, b))

	// Equal user keys: higher sequence number sorts first.
	newer := MakeInternalKey([]byte("k"), 10, InternalKeyKindSet)
	older := MakeInternalKey([]byte("k"), 2, InternalKeyKindSet)
	require.Negative(t, InternalCompare(DefaultCompare, newer, older))
	require.Positive(t, InternalCompare(DefaultCompare, older, newer))

	// Equal user key and sequence number: Delete sorts before Set.
	del := MakeInternalKey([]byte("k"), 7, InternalKeyKindDelete)
	set := MakeInternalKey([]byte("k"), 7, InternalKeyKindSet)
	require.Negative(t, InternalCompare(DefaultCompare, del, set))

	require.Equal(t, 0, InternalCompare(DefaultCompare, a, a))
}

func TestInternalKeyEncodeDecode(t *testing.T) {
	k := MakeInternalKey([]byte("hello"), 42, InternalKeyKindSet)
	buf := make([]byte, k.Size())
	k.Encode(buf)

	decoded, err := DecodeInternalKey(buf)
	require.NoError(t, err)
	require.Equal(t, k.UserKey, decoded.UserKey)
	require.Equal(t, k.Trailer, decoded.Trailer)
}

func TestDecodeInternalKeyTooShort(t *testing.T) {
	_, err := DecodeInternalKey([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestInternalKeyClone(t *testing.T) {
	orig := MakeInternalKey([]byte("mutate-me"), 1, InternalKeyKindSet)
	clone := orig.Clone()
	orig.UserKey[0] = 'X'
	require.NotEqual(t, orig.UserKey[0], clone.UserKey[0])
}
