// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minLatency = 1 * time.Microsecond
	maxLatency = 10 * time.Minute
)

func newLatencyHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 3)
}

// namedHistogram tracks one latency distribution, swapping in a fresh
// histogram under lock rather than resetting the old one in place so a
// concurrent reader of a snapshot is never disturbed. Grounded on the
// teacher's benchmark harness histogram registry, repurposed here from a
// throwaway benchmarking tool into the store's permanent latency metrics
// (EXPANSION A4).
type namedHistogram struct {
	name string
	mu   struct {
		sync.Mutex
		current *hdrhistogram.Histogram
	}
}

func newNamedHistogram(name string) *namedHistogram {
	h := &namedHistogram{name: name}
	h.mu.current = newLatencyHistogram()
	return h
}

func (h *namedHistogram) record(d time.Duration) {
	// Clamp to the histogram's trackable range on both ends rather than
	// relying on RecordValue's own error to catch an out-of-range value:
	// a value below minLatency is as much "out of range" as one above
	// maxLatency, and only clamping the high side let a fast operation's
	// duration get silently rounded up to the full 10-minute tail instead
	// of down to minLatency.
	switch {
	case d < minLatency:
		d = minLatency
	case d > maxLatency:
		d = maxLatency
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.mu.current.RecordValue(d.Nanoseconds())
}

func (h *namedHistogram) snapshot() *hdrhistogram.Histogram {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.mu.current
	h.mu.current = newLatencyHistogram()
	return snap
}

// Metrics collects the store's latency distributions for flushes and each
// compaction kind (C8 classical, C9 split), plus point-in-time counters
// read directly off the version set. A caller samples it periodically
// (the CLI's `inspect` subcommand, EXPANSION A5, does this every second).
type Metrics struct {
	flush      *namedHistogram
	classical  *namedHistogram
	split      *namedHistogram

	d *Store
}

func newMetrics(d *Store) *Metrics {
	return &Metrics{
		flush:     newNamedHistogram("flush"),
		classical: newNamedHistogram("compaction.classical"),
		split:     newNamedHistogram("compaction.split"),
		d:         d,
	}
}

// eventListener returns an EventListener that feeds this Metrics and then
// chains to next, so a caller's own callbacks still run.
func (m *Metrics) eventListener(next EventListener) EventListener {
	next.EnsureDefaults(m.d.logger)
	wrapped := next
	wrapped.FlushEnd = func(info FlushInfo) {
		if info.Err == nil {
			m.flush.record(time.Duration(info.Duration))
		}
		next.FlushEnd(info)
	}
	wrapped.CompactionEnd = func(info CompactionInfo) {
		if info.Err == nil {
			switch info.Kind {
			case "split":
				m.split.record(time.Duration(info.Duration))
			default:
				m.classical.record(time.Duration(info.Duration))
			}
		}
		next.CompactionEnd(info)
	}
	return wrapped
}

// LevelMetrics summarizes one level's run population, used by the CLI's
// table and sparkline views (EXPANSION A5).
type LevelMetrics struct {
	Level     int
	NumFiles  int
	TotalSize uint64
}

// Metrics returns the store's latency and level-shape metrics, sampled by
// the CLI's inspect subcommand (EXPANSION A5).
func (d *Store) Metrics() *Metrics { return d.metrics }

// Snapshot reports the store's current per-level sizes and flush/compaction
// latency percentiles.
func (m *Metrics) Snapshot() (levels [numLevels]LevelMetrics, flushP99, classicalP99, splitP99 int64) {
	vers := m.d.versions.currentVersion()
	vers.ref()
	defer vers.unref()
	for level := 0; level < numLevels; level++ {
		levels[level] = LevelMetrics{Level: level, NumFiles: len(vers.files[level]), TotalSize: totalSize(vers.files[level])}
	}
	flushP99 = m.flush.snapshot().ValueAtQuantile(99)
	classicalP99 = m.classical.snapshot().ValueAtQuantile(99)
	splitP99 = m.split.snapshot().ValueAtQuantile(99)
	return
}
