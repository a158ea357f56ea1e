/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenaskl

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Align4 rounds allocations up to a 4-byte boundary, which is all the
// node and links structs in this package require.
const Align4 = 3

// ErrArenaFull is returned by Alloc when the arena has no room left for
// the requested allocation. The memtable (C1) treats this as "the table
// is full" and seals itself.
var ErrArenaFull = errors.New("arenaskl: arena is full")

// Arena is a fixed-size, append-only byte buffer. Allocations are
// lock-free: a single atomic add reserves a range, and the caller writes
// into it without synchronizing with other allocators. This is what lets
// memtable inserts proceed without a global lock (spec.md §4.1 and §9).
type Arena struct {
	n   uint32
	buf []byte
}

// NewArena allocates a new arena with the given capacity in bytes.
func NewArena(size uint32) *Arena {
	return &Arena{
		// Offset 0 is reserved to serve as a nil sentinel, so the first
		// real allocation starts at 1.
		n:   1,
		buf: make([]byte, size),
	}
}

// Size returns the number of bytes allocated so far.
func (a *Arena) Size() uint32 { return atomic.LoadUint32(&a.n) }

// Capacity returns the arena's total size.
func (a *Arena) Capacity() uint32 { return uint32(len(a.buf)) }

// Alloc reserves size bytes aligned to align+1 bytes and returns the
// offset of the reserved region. It returns ErrArenaFull if the arena
// does not have enough room.
func (a *Arena) Alloc(size, align uint32) (uint32, error) {
	padded := size + align

	newSize := atomic.AddUint32(&a.n, padded)
	if int(newSize) > len(a.buf) {
		return 0, ErrArenaFull
	}

	offset := (newSize - padded + align) &^ align
	return offset, nil
}

// GetBytes returns the size bytes starting at offset.
func (a *Arena) GetBytes(offset, size uint32) []byte {
	if offset == 0 {
		return nil
	}
	return a.buf[offset : offset+size : offset+size]
}

// GetPointer returns a pointer to the byte at offset.
func (a *Arena) GetPointer(offset uint32) unsafe.Pointer {
	if offset == 0 {
		return nil
	}
	return unsafe.Pointer(&a.buf[offset])
}

// GetPointerOffset returns the offset of ptr within the arena's buffer.
func (a *Arena) GetPointerOffset(ptr unsafe.Pointer) uint32 {
	if ptr == nil {
		return 0
	}
	return uint32(uintptr(ptr) - uintptr(unsafe.Pointer(&a.buf[0])))
}
