// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound means a Get or iterator Seek found no value for the
// requested key at the requested snapshot. It is not a failure: the
// engine remains fully usable.
var ErrNotFound = errors.New("partnerkv: not found")

// ErrCorruption is returned when a run, the manifest, or a WAL record
// fails an integrity check. A corruption on a single run fails only the
// read that touched it; a corruption in the manifest or the WAL's tail is
// handled per the paranoid_checks option (see options.go).
var ErrCorruption = errors.New("partnerkv: corruption")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("partnerkv: store closed")

// ErrInvalidArgument marks caller misuse: malformed options, an out of
// range sequence number, or similar.
var ErrInvalidArgument = errors.New("partnerkv: invalid argument")

// ErrNotSupported marks a feature that is recognized but unimplemented,
// e.g. an option this engine has not wired to anything.
var ErrNotSupported = errors.New("partnerkv: not supported")

// poisonedError wraps the write error that permanently disables a store
// per spec.md §4.3: once a WAL append fails, every subsequent write
// returns this same error until the store is closed and reopened.
type poisonedError struct {
	cause error
}

func (e *poisonedError) Error() string {
	return "partnerkv: store poisoned by a prior write failure: " + e.cause.Error()
}

func (e *poisonedError) Unwrap() error { return e.cause }

// errShutdown is returned to writers still queued when Close begins.
var errShutdown = errors.New("partnerkv: store is shutting down")
