// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux || darwin

package vfs

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Lock acquires an exclusive advisory lock on name, creating it if
// necessary, per spec.md §4.9's single-writer-process guarantee. The
// returned Closer releases the lock.
func (defaultFS) Lock(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &unixFileLock{f: f}, nil
}

type unixFileLock struct {
	f *os.File
}

func (l *unixFileLock) Close() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
