// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"
)

// openDirectIOOrSkip opens dir via DirectIO, skipping the test outright if
// the host filesystem (tmpfs and several overlay/container filesystems
// reject it) doesn't support O_DIRECT.
func openDirectIOOrSkip(t *testing.T) (DirectIO, string) {
	t.Helper()
	dir := t.TempDir()
	d := DirectIO{Default: Default}
	probe := filepath.Join(dir, "probe")
	f, err := d.Create(probe)
	if err != nil {
		t.Skipf("O_DIRECT unsupported on this filesystem: %v", err)
	}
	require.NoError(t, f.Close())
	require.NoError(t, d.Remove(probe))
	return d, dir
}

func TestDirectIOWriteAcrossMultipleCallsHasNoGap(t *testing.T) {
	d, dir := openDirectIOOrSkip(t)
	name := filepath.Join(dir, "run")

	f, err := d.Create(name)
	require.NoError(t, err)

	// Several writes, each shorter than a block, so the old per-call
	// padding would have opened a zero gap between every pair of them.
	chunk := make([]byte, directio.BlockSize/3)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	var want []byte
	for i := 0; i < 5; i++ {
		n, err := f.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
		want = append(want, chunk...)
	}
	require.NoError(t, f.Close())

	info, err := d.Stat(name)
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), info.Size())

	// Read back through the plain FS rather than DirectIO: what's under
	// test here is Write/Close's buffering and truncation, not the
	// pre-existing O_DIRECT read path.
	got, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDirectIOStatDuringWriteReportsLogicalSize(t *testing.T) {
	d, dir := openDirectIOOrSkip(t)
	name := filepath.Join(dir, "run")

	f, err := d.Create(name)
	require.NoError(t, err)
	defer f.Close()

	payload := make([]byte, directio.BlockSize+17)
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), info.Size())
}

func TestDirectIOReadOpenDoesNotTruncate(t *testing.T) {
	d, dir := openDirectIOOrSkip(t)
	name := filepath.Join(dir, "run")

	f, err := d.Create(name)
	require.NoError(t, err)
	payload := make([]byte, directio.BlockSize+5)
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rf, err := d.Open(name)
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	info, err := d.Stat(name)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), info.Size())
}
