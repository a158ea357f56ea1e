// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestCommitPipelineAssignsSeqNumsAndPublishesInOrder(t *testing.T) {
	var logSeqNum, visibleSeqNum uint64
	logSeqNum = 1

	var applied []uint32
	var mu sync.Mutex

	env := commitEnv{
		write: func(b *Batch, sync bool) error { return nil },
		apply: func(b *Batch) error {
			mu.Lock()
			applied = append(applied, uint32(b.seqNum()))
			mu.Unlock()
			return nil
		},
	}
	p := newCommitPipeline(env, &logSeqNum, &visibleSeqNum)

	b1 := NewBatch()
	require.NoError(t, b1.Set([]byte("a"), []byte("1")))
	require.NoError(t, p.commit(b1, false))
	require.Equal(t, base.SeqNum(1), b1.seqNum())
	require.Equal(t, uint64(1), atomic.LoadUint64(&visibleSeqNum))

	b2 := NewBatch()
	require.NoError(t, b2.Set([]byte("b"), []byte("2")))
	require.NoError(t, b2.Set([]byte("c"), []byte("3")))
	require.NoError(t, p.commit(b2, false))
	require.Equal(t, base.SeqNum(2), b2.seqNum())
	require.Equal(t, uint64(3), atomic.LoadUint64(&visibleSeqNum))

	require.Equal(t, []uint32{1, 2}, applied)
}

func TestCommitPipelineConcurrentCommitsPublishMonotonically(t *testing.T) {
	var logSeqNum, visibleSeqNum uint64
	logSeqNum = 1

	env := commitEnv{
		write: func(b *Batch, sync bool) error { return nil },
		apply: func(b *Batch) error { return nil },
	}
	p := newCommitPipeline(env, &logSeqNum, &visibleSeqNum)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := NewBatch()
			require.NoError(t, b.Set([]byte("k"), []byte("v")))
			require.NoError(t, p.commit(b, false))
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(n), atomic.LoadUint64(&visibleSeqNum))
}
