// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
)

// deletionPacerInfo is whatever the store can report about its current
// disk usage to inform a deletion-pacing decision.
type deletionPacerInfo struct {
	freeBytes     uint64
	obsoleteBytes uint64
	liveBytes     uint64
}

// deletionPacer rate-limits the deletion of obsolete run files after a
// compaction (C8/C9), so the cleaner doesn't starve foreground I/O by
// unlinking a burst of multi-megabyte files at once. Grounded on the
// teacher's deletionPacer; simplified to wrap
// github.com/cockroachdb/tokenbucket directly rather than its internal
// rate package, which isn't part of this module's dependency surface.
type deletionPacer struct {
	limiter                tokenbucket.TokenBucket
	freeSpaceThreshold     uint64
	obsoleteBytesMaxRatio  float64
	targetByteDeletionRate int64

	getInfo func() deletionPacerInfo

	mu struct {
		sync.Mutex
		history history
	}
}

const deletionPacerHistory = 5 * time.Minute

func newDeletionPacer(targetByteDeletionRate int64, getInfo func() deletionPacerInfo) *deletionPacer {
	if targetByteDeletionRate <= 0 {
		targetByteDeletionRate = 128 << 20
	}
	d := &deletionPacer{
		freeSpaceThreshold:     16 << 30,
		obsoleteBytesMaxRatio:  0.20,
		targetByteDeletionRate: targetByteDeletionRate,
		getInfo:                getInfo,
	}
	d.limiter.Init(tokenbucket.TokensPerSecond(float64(targetByteDeletionRate)), tokenbucket.Tokens(targetByteDeletionRate))
	d.mu.history.init(time.Now(), deletionPacerHistory)
	return d
}

// shouldPace reports whether deletions should be throttled given the
// store's current free space and obsolete/live byte ratio.
func (p *deletionPacer) shouldPace() bool {
	info := p.getInfo()
	obsoleteBytesRatio := float64(1.0)
	if info.liveBytes > 0 {
		obsoleteBytesRatio = float64(info.obsoleteBytes) / float64(info.liveBytes)
	}
	return info.freeBytes > p.freeSpaceThreshold && obsoleteBytesRatio < p.obsoleteBytesMaxRatio
}

// maybeThrottle blocks until amount bytes' worth of deletion tokens are
// available, adjusting for the recent historical deletion rate so a burst
// of small deletions doesn't starve the token bucket for a subsequent
// large one.
func (p *deletionPacer) maybeThrottle(amount uint64) error {
	if !p.shouldPace() {
		p.mu.Lock()
		p.mu.history.add(time.Now(), int64(amount))
		p.mu.Unlock()
		p.limiter.Adjust(-tokenbucket.Tokens(amount))
		return nil
	}

	p.mu.Lock()
	if historyRate := p.mu.history.sum(time.Now()) / int64(deletionPacerHistory/time.Second); historyRate > p.targetByteDeletionRate && historyRate > 0 {
		amount = uint64(float64(p.targetByteDeletionRate) / float64(historyRate) * float64(amount))
	}
	p.mu.history.add(time.Now(), int64(amount))
	p.mu.Unlock()

	for {
		ok, d := p.limiter.TryToFulfill(tokenbucket.Tokens(amount))
		if ok {
			return nil
		}
		if d <= 0 {
			return errors.New("partnerkv: deletion pacing failed")
		}
		time.Sleep(d)
	}
}

// history tracks a rolling sum of recent byte counts over a fixed
// timeframe, split into fixed epochs so Sum is O(1) instead of rescanning
// every recorded event.
type history struct {
	epochDuration time.Duration
	startTime     time.Time
	currEpoch     int64
	val           [historyEpochs]int64
	total         int64
}

const historyEpochs = 100

func (h *history) init(now time.Time, timeframe time.Duration) {
	*h = history{epochDuration: timeframe / time.Duration(historyEpochs), startTime: now}
}

func (h *history) add(now time.Time, val int64) {
	h.advance(now)
	h.val[h.currEpoch%historyEpochs] += val
	h.total += val
}

func (h *history) sum(now time.Time) int64 {
	h.advance(now)
	return h.total
}

func (h *history) epoch(t time.Time) int64 { return int64(t.Sub(h.startTime) / h.epochDuration) }

func (h *history) advance(now time.Time) {
	epoch := h.epoch(now)
	for h.currEpoch < epoch {
		h.currEpoch++
		h.total -= h.val[h.currEpoch%historyEpochs]
		h.val[h.currEpoch%historyEpochs] = 0
	}
}
