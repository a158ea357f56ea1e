// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import "fmt"

// FlushInfo describes the completion of a memtable flush (C1 -> L0).
type FlushInfo struct {
	Done     bool
	FileNum  uint64
	Err      error
	Duration int64 // nanoseconds
}

// CompactionInfo describes the completion of a compaction, classical or
// split (C8/C9).
type CompactionInfo struct {
	Done           bool
	Kind           string // "classical" or "split"
	StartLevel     int
	OutputLevel    int
	InputBytes     uint64
	OutputBytes    uint64
	Shards         int
	Err            error
	Duration       int64
}

// ManifestCreateInfo describes the installation of a new manifest file.
type ManifestCreateInfo struct {
	FileNum uint64
	Err     error
}

// WALCreateInfo describes the creation of a new WAL segment.
type WALCreateInfo struct {
	FileNum uint64
	Err     error
}

// WriteStallInfo describes entry into, or exit from, the backpressure
// ladder of spec.md §5.
type WriteStallInfo struct {
	Reason string
}

// EventListener is a set of optional callbacks a caller can supply to
// observe the lifecycle of internal operations, in the teacher's style of
// a struct of independently-nilable function fields rather than an
// interface a caller must fully implement.
type EventListener struct {
	FlushEnd           func(FlushInfo)
	CompactionEnd      func(CompactionInfo)
	ManifestCreated     func(ManifestCreateInfo)
	WALCreated          func(WALCreateInfo)
	WriteStallBegin     func(WriteStallInfo)
	WriteStallEnd       func()
}

// EnsureDefaults fills every nil callback with a no-op so callers can hold
// a partial EventListener.
func (l *EventListener) EnsureDefaults(logger Logger) *EventListener {
	if l.FlushEnd == nil {
		l.FlushEnd = func(FlushInfo) {}
	}
	if l.CompactionEnd == nil {
		l.CompactionEnd = func(CompactionInfo) {}
	}
	if l.ManifestCreated == nil {
		l.ManifestCreated = func(ManifestCreateInfo) {}
	}
	if l.WALCreated == nil {
		l.WALCreated = func(WALCreateInfo) {}
	}
	if l.WriteStallBegin == nil {
		l.WriteStallBegin = func(WriteStallInfo) {}
	}
	if l.WriteStallEnd == nil {
		l.WriteStallEnd = func() {}
	}
	return l
}

// MakeLoggingEventListener returns an EventListener that writes every
// event to logger, the teacher's diagnostic-by-default pattern.
func MakeLoggingEventListener(logger Logger) EventListener {
	return EventListener{
		FlushEnd: func(info FlushInfo) {
			if info.Err != nil {
				logger.Errorf("flush error: %v", info.Err)
				return
			}
			logger.Infof("flushed to %06d.sst", info.FileNum)
		},
		CompactionEnd: func(info CompactionInfo) {
			if info.Err != nil {
				logger.Errorf("%s compaction L%d->L%d failed: %v", info.Kind, info.StartLevel, info.OutputLevel, info.Err)
				return
			}
			logger.Infof("%s compaction L%d->L%d: %s",
				info.Kind, info.StartLevel, info.OutputLevel,
				fmt.Sprintf("%d shards, %d -> %d bytes", info.Shards, info.InputBytes, info.OutputBytes))
		},
		ManifestCreated: func(info ManifestCreateInfo) {
			logger.Infof("installed MANIFEST-%06d", info.FileNum)
		},
		WALCreated: func(info WALCreateInfo) {
			logger.Infof("created WAL %06d.log", info.FileNum)
		},
		WriteStallBegin: func(info WriteStallInfo) {
			logger.Infof("write stall: %s", info.Reason)
		},
		WriteStallEnd: func() {
			logger.Infof("write stall cleared")
		},
	}
}
