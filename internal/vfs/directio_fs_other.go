// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !linux

package vfs

// NewDirectIO is a no-op off Linux: O_DIRECT has no portable equivalent
// here, so run-file I/O just goes through fs unchanged.
func NewDirectIO(fs FS) FS { return fs }
