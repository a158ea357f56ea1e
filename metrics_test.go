// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNamedHistogramRecordsAndSnapshotsIndependently(t *testing.T) {
	h := newNamedHistogram("test")
	h.record(5 * time.Millisecond)
	h.record(10 * time.Millisecond)

	snap := h.snapshot()
	require.Greater(t, snap.ValueAtQuantile(100), int64(0))

	// snapshot() swaps in a fresh histogram, so the next snapshot sees
	// only what was recorded after the swap.
	fresh := h.snapshot()
	require.Equal(t, int64(0), fresh.ValueAtQuantile(100))
}

func TestNamedHistogramClampsValuesAboveMaxLatency(t *testing.T) {
	h := newNamedHistogram("test")
	h.record(maxLatency * 2)
	snap := h.snapshot()
	require.LessOrEqual(t, snap.ValueAtQuantile(100), maxLatency.Nanoseconds())
	require.Greater(t, snap.ValueAtQuantile(100), int64(0))
}

func TestNamedHistogramNegativeDurationClampedToMinLatency(t *testing.T) {
	h := newNamedHistogram("test")
	h.record(-1 * time.Second)
	snap := h.snapshot()
	require.Equal(t, minLatency.Nanoseconds(), snap.ValueAtQuantile(100))
}
