// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/meggie4/partnerkv/internal/base"
)

// commitQueueNode is a lock-free singly-linked queue node, the
// Michael-Scott queue the teacher uses to order batches for publication
// without taking a lock on the common path.
type commitQueueNode struct {
	value *Batch
	next  unsafe.Pointer
}

type commitQueue struct {
	head unsafe.Pointer
	tail unsafe.Pointer
}

func (q *commitQueue) init() {
	dummy := &commitQueueNode{}
	q.head = unsafe.Pointer(dummy)
	q.tail = q.head
}

func (q *commitQueue) load(p *unsafe.Pointer) *commitQueueNode {
	return (*commitQueueNode)(atomic.LoadPointer(p))
}

func (q *commitQueue) cas(p *unsafe.Pointer, old, new *commitQueueNode) bool {
	return atomic.CompareAndSwapPointer(p, unsafe.Pointer(old), unsafe.Pointer(new))
}

func (q *commitQueue) enqueue(node *commitQueueNode) {
	for {
		last := q.load(&q.tail)
		next := q.load(&last.next)
		if last != q.load(&q.tail) {
			continue
		}
		if next == nil {
			if q.cas(&last.next, next, node) {
				q.cas(&q.tail, last, node)
				return
			}
		} else {
			q.cas(&q.tail, last, next)
		}
	}
}

// dequeue pops the head batch only once it has been marked applied,
// preserving the invariant that batches publish in sequence-number order
// even though apply() itself runs concurrently across goroutines.
func (q *commitQueue) dequeue() *Batch {
	for {
		first := q.load(&q.head)
		last := q.load(&q.tail)
		next := q.load(&first.next)
		if first != q.load(&q.head) {
			continue
		}
		if first == last {
			if next == nil {
				return nil
			}
			q.cas(&q.tail, last, next)
			continue
		}
		if atomic.LoadUint32(&next.value.applied) == 0 {
			return nil
		}
		if q.cas(&q.head, first, next) {
			return next.value
		}
	}
}

// commitEnv wires the commit pipeline to the store's WAL and memtable
// without the pipeline needing to know about either concretely.
type commitEnv struct {
	apply   func(b *Batch) error
	reserve func(n uint32) error
	write   func(b *Batch, sync bool) error
}

// commitPipeline batches concurrent writers' batches together, assigns
// each a contiguous block of sequence numbers, appends them to the WAL,
// applies them to the memtable, and publishes the new visible sequence
// number in commit order (spec.md §4.3, C6). Grounded on the teacher's
// MPSC commit queue; adapted to this package's Batch/memtable types and
// simplified away the separate "reserve WAL position, write out of band"
// step since this package's WAL append is itself atomic per record —
// unlike the teacher, whose WAL writer can be handed batches out of
// sequence order and stitches them back together, this package instead
// keeps the WAL append inside the same critical section that assigns
// sequence numbers, so record.Writer (not safe for concurrent use) only
// ever sees one goroutine at a time and always in seqnum order.
type commitPipeline struct {
	env commitEnv

	logSeqNum     *uint64
	visibleSeqNum *uint64

	write struct {
		sync.Mutex
		pending commitQueue
	}
}

func newCommitPipeline(env commitEnv, logSeqNum, visibleSeqNum *uint64) *commitPipeline {
	p := &commitPipeline{env: env, logSeqNum: logSeqNum, visibleSeqNum: visibleSeqNum}
	p.write.pending.init()
	return p
}

// commit writes b to the WAL, optionally syncing it, applies it to the
// memtable, and blocks until every batch ordered before it has published
// its sequence number.
func (p *commitPipeline) commit(b *Batch, sync bool) error {
	n := uint64(b.Count())
	w := &p.write
	w.Lock()
	b.setSeqNum(base.SeqNum(atomic.AddUint64(p.logSeqNum, n) - n))
	node := &commitQueueNode{value: b}
	w.pending.enqueue(node)
	// The WAL append happens while still holding w, matching the teacher's
	// commitPipeline.prepare: record.Writer is not safe for concurrent use,
	// and appends must land in the same order sequence numbers were handed
	// out in, so both the seqnum assignment and the WAL write need to be
	// inside the same critical section.
	writeErr := p.env.write(b, sync)
	w.Unlock()
	if writeErr != nil {
		return writeErr
	}

	if err := p.env.apply(b); err != nil {
		return err
	}
	atomic.StoreUint32(&b.applied, 1)

	for {
		t := w.pending.dequeue()
		if t == nil {
			if atomic.LoadUint64(p.visibleSeqNum) >= uint64(b.seqNum())+n-1 {
				return nil
			}
			runtime.Gosched()
			continue
		}
		for {
			cur := atomic.LoadUint64(p.visibleSeqNum)
			newSeq := uint64(t.seqNum()) + uint64(t.Count()) - 1
			if newSeq <= cur {
				break
			}
			if atomic.CompareAndSwapUint64(p.visibleSeqNum, cur, newSeq) {
				break
			}
		}
		if t == b {
			return nil
		}
	}
}
