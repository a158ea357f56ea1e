// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestSnapshotListMinSeqNum(t *testing.T) {
	var l snapshotList
	l.init()
	require.True(t, l.empty())
	require.Equal(t, base.SeqNumMax, l.minSeqNum())

	s1 := &Snapshot{seqNum: 10}
	s2 := &Snapshot{seqNum: 5}
	l.pushBack(s1)
	l.pushBack(s2)
	require.False(t, l.empty())
	require.Equal(t, base.SeqNum(5), l.minSeqNum())

	require.NoError(t, s2.Close())
	require.Equal(t, base.SeqNum(10), l.minSeqNum())

	require.NoError(t, s1.Close())
	require.True(t, l.empty())
}

func TestSnapshotListRemoveOfForeignSnapshotIsNoop(t *testing.T) {
	var l1, l2 snapshotList
	l1.init()
	l2.init()

	s := &Snapshot{seqNum: 1}
	l1.pushBack(s)

	// Removing from a list the snapshot doesn't belong to must not disturb
	// either list.
	l2.remove(s)
	require.False(t, l1.empty())
	require.True(t, l2.empty())
}
