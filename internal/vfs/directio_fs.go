// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package vfs

import (
	"io"
	"os"

	"github.com/ncw/directio"
)

// NewDirectIO wraps fs so run files opened through it use O_DIRECT.
func NewDirectIO(fs FS) FS { return DirectIO{Default: fs} }

// DirectIO is an FS variant that opens run files (but not the WAL or
// manifest, which need ordinary buffered small appends) with O_DIRECT,
// bypassing the page cache.
type DirectIO struct {
	Default FS
}

func (d DirectIO) Create(name string) (File, error) {
	f, err := directio.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	return &directioFile{f: f, block: directio.BlockSize, writable: true}, nil
}

func (d DirectIO) Open(name string) (File, error) {
	f, err := directio.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &directioFile{f: f, block: directio.BlockSize}, nil
}

func (d DirectIO) OpenDir(name string) (File, error)          { return d.Default.OpenDir(name) }
func (d DirectIO) Remove(name string) error                   { return d.Default.Remove(name) }
func (d DirectIO) Rename(oldname, newname string) error       { return d.Default.Rename(oldname, newname) }
func (d DirectIO) MkdirAll(dir string, perm os.FileMode) error { return d.Default.MkdirAll(dir, perm) }
func (d DirectIO) Lock(name string) (io.Closer, error)         { return d.Default.Lock(name) }
func (d DirectIO) List(dir string) ([]string, error)           { return d.Default.List(dir) }
func (d DirectIO) Stat(name string) (os.FileInfo, error)       { return d.Default.Stat(name) }
func (d DirectIO) PathJoin(elem ...string) string              { return d.Default.PathJoin(elem...) }

// directioFile buffers the unaligned tail of the stream so every physical
// write is a whole, aligned block; O_DIRECT rejects partial-block transfers
// and requires the buffer itself to be aligned, not just its length. The
// tail is padded and flushed on Close, then the file is truncated back down
// to the logical length written so callers (sstable's footer-at-size-minus-N
// convention, fs.Stat) never see the padding.
type directioFile struct {
	f        *os.File
	block    int
	tail     []byte
	off      int64
	writable bool
}

func (f *directioFile) Read(p []byte) (int, error) {
	aligned := directio.AlignedBlock(len(p))
	n, err := f.f.Read(aligned)
	copy(p, aligned[:n])
	return n, err
}

func (f *directioFile) ReadAt(p []byte, off int64) (int, error) {
	aligned := directio.AlignedBlock(len(p))
	n, err := f.f.ReadAt(aligned, off)
	copy(p, aligned[:n])
	return n, err
}

// Write appends p to any buffered tail, flushes every whole block the
// combined bytes now cover, and keeps the remainder buffered for the next
// Write or Close. It never issues a write shorter than a full block, so
// back-to-back Write calls can't leave a zero-padded gap partway through
// the file the way padding each call individually would.
func (f *directioFile) Write(p []byte) (int, error) {
	combined := make([]byte, 0, len(f.tail)+len(p))
	combined = append(combined, f.tail...)
	combined = append(combined, p...)

	full := len(combined) - len(combined)%f.block
	if full > 0 {
		aligned := directio.AlignedBlock(full)
		copy(aligned, combined[:full])
		if _, err := f.f.Write(aligned); err != nil {
			return 0, err
		}
	}
	f.tail = append(f.tail[:0], combined[full:]...)
	f.off += int64(len(p))
	return len(p), nil
}

func (f *directioFile) Close() error {
	if !f.writable {
		return f.f.Close()
	}
	if len(f.tail) > 0 {
		padded := directio.AlignedBlock(f.block)
		copy(padded, f.tail)
		if _, err := f.f.Write(padded); err != nil {
			_ = f.f.Close()
			return err
		}
	}
	// Truncate is a metadata-only op; it isn't subject to O_DIRECT's
	// alignment rules, so this is safe on the still-O_DIRECT fd.
	if err := f.f.Truncate(f.off); err != nil {
		_ = f.f.Close()
		return err
	}
	return f.f.Close()
}

func (f *directioFile) Sync() error { return f.f.Sync() }

// Stat reports the logical length written so far rather than the
// block-padded on-disk size, for callers (sstable's writer keeps its own
// byte count, but a defensive caller might Stat before Close) that check
// size while the file is still open for writing.
func (f *directioFile) Stat() (os.FileInfo, error) {
	info, err := f.f.Stat()
	if err != nil || !f.writable {
		return info, err
	}
	return sizeOverride{FileInfo: info, size: f.off}, nil
}

type sizeOverride struct {
	os.FileInfo
	size int64
}

func (s sizeOverride) Size() int64 { return s.size }
