// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestBatchSetDeleteReader(t *testing.T) {
	b := NewBatch()
	require.True(t, b.Empty())

	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Delete([]byte("c")))

	require.False(t, b.Empty())
	require.Equal(t, uint32(3), b.Count())

	r := b.Reader()
	kind, key, value, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindSet, kind)
	require.Equal(t, []byte("a"), key)
	require.Equal(t, []byte("1"), value)

	kind, key, value, ok = r.Next()
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindSet, kind)
	require.Equal(t, []byte("b"), key)
	require.Equal(t, []byte("2"), value)

	kind, key, _, ok = r.Next()
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindDelete, kind)
	require.Equal(t, []byte("c"), key)

	_, _, _, ok = r.Next()
	require.False(t, ok)
}

func TestBatchReprRoundTrip(t *testing.T) {
	b := NewBatch()
	require.NoError(t, b.Set([]byte("x"), []byte("y")))
	b.setSeqNum(7)

	repr := append([]byte(nil), b.Repr()...)
	b2, err := BatchFromRepr(repr)
	require.NoError(t, err)
	require.Equal(t, uint32(1), b2.Count())
	require.Equal(t, base.SeqNum(7), b2.seqNum())

	r2 := b2.Reader()
	_, key, value, ok := r2.Next()
	require.True(t, ok)
	require.Equal(t, []byte("x"), key)
	require.Equal(t, []byte("y"), value)
}

func TestBatchFromReprTooShort(t *testing.T) {
	_, err := BatchFromRepr([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidBatch)
}

func TestBatchReset(t *testing.T) {
	b := NewBatch()
	require.NoError(t, b.Set([]byte("k"), []byte("v")))
	b.mem = &memTable{}

	b.Reset()
	require.True(t, b.Empty())
	require.Nil(t, b.mem)
	require.Equal(t, base.SeqNum(0), b.seqNum())
}
