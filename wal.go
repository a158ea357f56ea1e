// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"github.com/cockroachdb/errors"
	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/record"
)

// wal is the write-ahead log for one memtable generation (spec.md §4.2,
// C2): every committed batch's wire encoding is appended here before the
// batch is applied to the memtable, so a crash can replay it. A WAL
// append failure poisons the store (spec.md §7): the caller wraps that
// failure as a poisonedError and refuses further writes.
type wal struct {
	fileNum uint64
	file    File
	w       *record.Writer
}

func createWAL(dirname string, fs FS, fileNum uint64) (*wal, error) {
	filename := makeFilename(dirname, fileTypeLog, fileNum)
	f, err := fs.Create(filename)
	if err != nil {
		return nil, err
	}
	return &wal{fileNum: fileNum, file: f, w: record.NewWriter(f)}, nil
}

// writeBatch appends b's wire encoding as a single record and, if sync is
// requested, fsyncs the log before returning.
func (l *wal) writeBatch(repr []byte, sync bool) error {
	if err := l.w.WriteRecord(repr); err != nil {
		return errors.Wrap(err, "partnerkv: WAL append failed")
	}
	if err := l.w.Flush(); err != nil {
		return errors.Wrap(err, "partnerkv: WAL flush failed")
	}
	if sync {
		if err := l.file.Sync(); err != nil {
			return errors.Wrap(err, "partnerkv: WAL sync failed")
		}
	}
	return nil
}

func (l *wal) close() error {
	return l.file.Close()
}

// replayWAL reads back every batch in the log at filename and applies it
// to mem via apply, the recovery path used when reopening a store whose
// last memtable was never flushed (spec.md §8: "replay reconstructs
// exactly the committed writes").
func replayWAL(fs FS, filename string, paranoid bool, apply func(b *Batch) error) (lastSeqNum base.SeqNum, err error) {
	f, err := fs.Open(filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rr := record.NewReader(f, paranoid)
	for {
		data, rErr := rr.ReadRecord()
		if rErr != nil {
			break
		}
		b, bErr := BatchFromRepr(append([]byte(nil), data...))
		if bErr != nil {
			if paranoid {
				return lastSeqNum, bErr
			}
			break
		}
		if err := apply(b); err != nil {
			return lastSeqNum, err
		}
		if b.Count() > 0 {
			lastSeqNum = b.seqNum() + base.SeqNum(b.Count()) - 1
		}
	}
	return lastSeqNum, nil
}
