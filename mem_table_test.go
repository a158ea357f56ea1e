// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestMemTableApplyAndGet(t *testing.T) {
	m := newMemTable(base.DefaultComparer, 1<<20, 1)
	require.True(t, m.empty())

	b := NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Delete([]byte("a")))
	require.NoError(t, m.apply(b, 1))
	require.False(t, m.empty())

	// "a" was set at seq 1, then deleted at seq 3: visible as deleted.
	_, err := m.get([]byte("a"), 10)
	require.ErrorIs(t, err, ErrNotFound)

	// But as of seq 1, only the Set had happened.
	v, err := m.get([]byte("a"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = m.get([]byte("b"), 10)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	_, err = m.get([]byte("missing"), 10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemTablePrepareArenaFull(t *testing.T) {
	m := newMemTable(base.DefaultComparer, 1024, 1)
	require.NoError(t, m.prepare(memTableEntrySize(1, 1)))
	err := m.prepare(memTableEntrySize(1<<20, 1<<20))
	require.Error(t, err)
}

func TestMemTableSealAndFlush(t *testing.T) {
	m := newMemTable(base.DefaultComparer, 1<<20, 1)
	require.False(t, m.isSealed())
	m.seal()
	require.True(t, m.isSealed())

	require.False(t, m.readyForFlush())
	require.True(t, m.unref()) // drop the initial ref from newMemTable's refs:1.
	require.True(t, m.readyForFlush())
}

func TestMemTableNewIterOrder(t *testing.T) {
	m := newMemTable(base.DefaultComparer, 1<<20, 1)
	b := NewBatch()
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, m.apply(b, 1))

	it := m.newIter()
	require.True(t, it.First())
	require.Equal(t, []byte("a"), it.Key().UserKey)
	require.True(t, it.Next())
	require.Equal(t, []byte("b"), it.Key().UserKey)
	require.False(t, it.Next())
}
