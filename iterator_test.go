// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/vfs"
)

func TestIteratorSeekToLastAndPrevScanBackward(t *testing.T) {
	fs := vfs.NewMem()
	d := openTestStore(t, fs, nil)

	require.NoError(t, d.Set([]byte("a"), []byte("1"), false))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), false))
	require.NoError(t, d.Set([]byte("c"), []byte("3"), false))
	require.NoError(t, d.Set([]byte("d"), []byte("4"), false))

	it, err := d.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	var keys, values []string
	require.True(t, it.SeekToLast())
	for {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
		if !it.Prev() {
			break
		}
	}
	require.Equal(t, []string{"d", "c", "b", "a"}, keys)
	require.Equal(t, []string{"4", "3", "2", "1"}, values)
}

func TestIteratorSeekLandsOnFirstKeyAtOrAfterTarget(t *testing.T) {
	fs := vfs.NewMem()
	d := openTestStore(t, fs, nil)

	require.NoError(t, d.Set([]byte("a"), []byte("1"), false))
	require.NoError(t, d.Set([]byte("c"), []byte("3"), false))
	require.NoError(t, d.Set([]byte("e"), []byte("5"), false))

	it, err := d.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Seek([]byte("b")))
	require.Equal(t, []byte("c"), it.Key())

	require.True(t, it.Seek([]byte("c")))
	require.Equal(t, []byte("c"), it.Key())

	require.False(t, it.Seek([]byte("f")))
}

func TestIteratorPrevSkipsOverwrittenAndDeletedVersions(t *testing.T) {
	fs := vfs.NewMem()
	d := openTestStore(t, fs, nil)

	require.NoError(t, d.Set([]byte("a"), []byte("1"), false))
	require.NoError(t, d.Set([]byte("b"), []byte("old"), false))
	require.NoError(t, d.Set([]byte("b"), []byte("new"), false))
	require.NoError(t, d.Set([]byte("c"), []byte("3"), false))
	require.NoError(t, d.Set([]byte("gone"), []byte("x"), false))
	require.NoError(t, d.Delete([]byte("gone"), false))

	it, err := d.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	var keys, values []string
	require.True(t, it.SeekToLast())
	for {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
		if !it.Prev() {
			break
		}
	}
	require.Equal(t, []string{"c", "b", "a"}, keys)
	require.Equal(t, []string{"3", "new", "1"}, values)
}

func TestIteratorChangesDirectionMidScan(t *testing.T) {
	fs := vfs.NewMem()
	d := openTestStore(t, fs, nil)

	require.NoError(t, d.Set([]byte("a"), []byte("1"), false))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), false))
	require.NoError(t, d.Set([]byte("c"), []byte("3"), false))

	it, err := d.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.SeekToFirst())
	require.Equal(t, []byte("a"), it.Key())
	require.True(t, it.Next())
	require.Equal(t, []byte("b"), it.Key())

	require.True(t, it.Prev())
	require.Equal(t, []byte("a"), it.Key())
	require.False(t, it.Prev())

	require.True(t, it.Next())
	require.Equal(t, []byte("a"), it.Key())
	require.True(t, it.Next())
	require.Equal(t, []byte("b"), it.Key())
}
