// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

// fakeIter is a minimal internalIterator over a pre-sorted slice, used to
// drive mergingIter without needing a real memtable or run.
type fakeIter struct {
	entries []base.InternalKey
	values  [][]byte
	pos     int
}

func (f *fakeIter) Next() bool {
	if f.pos+1 >= len(f.entries) {
		f.pos = len(f.entries)
		return false
	}
	f.pos++
	return true
}

func (f *fakeIter) Prev() bool {
	if f.pos <= 0 {
		f.pos = -1
		return false
	}
	f.pos--
	return true
}

func (f *fakeIter) First() bool {
	if len(f.entries) == 0 {
		f.pos = 0
		return false
	}
	f.pos = 0
	return true
}

func (f *fakeIter) Last() bool {
	f.pos = len(f.entries) - 1
	return f.pos >= 0
}

func (f *fakeIter) SeekGE(cmp base.Compare, key base.InternalKey) bool {
	for i, e := range f.entries {
		if base.InternalCompare(cmp, e, key) >= 0 {
			f.pos = i
			return true
		}
	}
	f.pos = len(f.entries)
	return false
}

func (f *fakeIter) SeekLT(cmp base.Compare, key base.InternalKey) bool {
	pos := -1
	for i, e := range f.entries {
		if base.InternalCompare(cmp, e, key) < 0 {
			pos = i
		} else {
			break
		}
	}
	f.pos = pos
	return pos >= 0
}

func (f *fakeIter) Key() base.InternalKey { return f.entries[f.pos] }
func (f *fakeIter) Value() []byte         { return f.values[f.pos] }
func (f *fakeIter) Error() error          { return nil }

func newFakeIter(pairs ...string) *fakeIter {
	f := &fakeIter{pos: -1}
	for i := 0; i < len(pairs); i += 3 {
		seq := base.SeqNum(0)
		for j := 0; j < len(pairs[i+1]); j++ {
			seq = seq*10 + base.SeqNum(pairs[i+1][j]-'0')
		}
		f.entries = append(f.entries, base.MakeInternalKey([]byte(pairs[i]), seq, base.InternalKeyKindSet))
		f.values = append(f.values, []byte(pairs[i+2]))
	}
	return f
}

func drain(m *mergingIter) (keys []string, values []string) {
	for m.Next() {
		keys = append(keys, string(m.Key().UserKey))
		values = append(values, string(m.Value()))
	}
	return keys, values
}

func TestMergingIterInterleavesSources(t *testing.T) {
	a := newFakeIter("a", "1", "a1", "c", "3", "c1")
	b := newFakeIter("b", "2", "b1", "d", "4", "d1")
	m := newMergingIter(base.DefaultCompare, a, b)

	keys, values := drain(m)
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
	require.Equal(t, []string{"a1", "b1", "c1", "d1"}, values)
}

func TestMergingIterNewestVersionFirst(t *testing.T) {
	// Two sources both have an entry for "k"; the newer sequence number
	// (from b) must surface before the older one (from a).
	a := newFakeIter("k", "1", "old")
	b := newFakeIter("k", "5", "new")
	m := newMergingIter(base.DefaultCompare, a, b)

	require.True(t, m.Next())
	require.Equal(t, []byte("k"), m.Key().UserKey)
	require.Equal(t, base.SeqNum(5), m.Key().SeqNum())
	require.Equal(t, []byte("new"), m.Value())

	require.True(t, m.Next())
	require.Equal(t, base.SeqNum(1), m.Key().SeqNum())
	require.Equal(t, []byte("old"), m.Value())

	require.False(t, m.Next())
}

func TestMergingIterEmptySources(t *testing.T) {
	m := newMergingIter(base.DefaultCompare, &fakeIter{pos: -1})
	require.False(t, m.Next())
}

func TestMergingIterLastAndPrevWalkBackward(t *testing.T) {
	a := newFakeIter("a", "1", "a1", "c", "3", "c1")
	b := newFakeIter("b", "2", "b1", "d", "4", "d1")
	m := newMergingIter(base.DefaultCompare, a, b)

	require.True(t, m.Last())
	require.Equal(t, []byte("d"), m.Key().UserKey)

	var keys []string
	keys = append(keys, string(m.Key().UserKey))
	for m.Prev() {
		keys = append(keys, string(m.Key().UserKey))
	}
	require.Equal(t, []string{"d", "c", "b", "a"}, keys)
}

// TestMergingIterReversesDirectionMidScan exercises the switchToMaxHeap /
// switchToMinHeap transition directly: scanning forward partway, then
// reversing, must not skip or repeat a key.
func TestMergingIterReversesDirectionMidScan(t *testing.T) {
	a := newFakeIter("a", "1", "a1", "c", "3", "c1")
	b := newFakeIter("b", "2", "b1", "d", "4", "d1")
	m := newMergingIter(base.DefaultCompare, a, b)

	require.True(t, m.Next())
	require.Equal(t, []byte("a"), m.Key().UserKey)
	require.True(t, m.Next())
	require.Equal(t, []byte("b"), m.Key().UserKey)

	// Reverse: the previous key relative to "b" is "a".
	require.True(t, m.Prev())
	require.Equal(t, []byte("a"), m.Key().UserKey)
	require.False(t, m.Prev())

	// Reverse forward again: back to "b", then onward as before.
	require.True(t, m.Next())
	require.Equal(t, []byte("b"), m.Key().UserKey)
	require.True(t, m.Next())
	require.Equal(t, []byte("c"), m.Key().UserKey)
}

func TestMergingIterSeekGEAndSeekLT(t *testing.T) {
	a := newFakeIter("a", "1", "a1", "c", "3", "c1")
	b := newFakeIter("b", "2", "b1", "d", "4", "d1")
	m := newMergingIter(base.DefaultCompare, a, b)

	seekKey := base.MakeInternalKey([]byte("b"), base.SeqNumMax, base.InternalKeyKindMax)
	require.True(t, m.SeekGE(base.DefaultCompare, seekKey))
	require.Equal(t, []byte("b"), m.Key().UserKey)

	require.True(t, m.SeekLT(base.DefaultCompare, seekKey))
	require.Equal(t, []byte("a"), m.Key().UserKey)
}
