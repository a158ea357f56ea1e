// Copyright 2012 The LevelDB-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package partnerkv

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// fileType identifies the role a file plays on disk, mirroring spec.md's
// filename conventions for the WAL, manifest, runs, and the CURRENT
// pointer.
type fileType int

const (
	fileTypeLog fileType = iota
	fileTypeLock
	fileTypeTable
	fileTypeManifest
	fileTypeCurrent
	fileTypeTemp
)

// makeFilename returns the on-disk name of the given file within dirname.
func makeFilename(dirname string, typ fileType, fileNum uint64) string {
	switch typ {
	case fileTypeLog:
		return filepath.Join(dirname, fmt.Sprintf("%06d.log", fileNum))
	case fileTypeLock:
		return filepath.Join(dirname, "LOCK")
	case fileTypeTable:
		return filepath.Join(dirname, fmt.Sprintf("%06d.sst", fileNum))
	case fileTypeManifest:
		return filepath.Join(dirname, fmt.Sprintf("MANIFEST-%06d", fileNum))
	case fileTypeCurrent:
		return filepath.Join(dirname, "CURRENT")
	case fileTypeTemp:
		return filepath.Join(dirname, fmt.Sprintf("%06d.dbtmp", fileNum))
	}
	panic("partnerkv: unknown file type")
}

// parseFilename extracts the type and file number encoded in a base
// filename, or ok=false if name does not match any recognized pattern.
func parseFilename(name string) (typ fileType, fileNum uint64, ok bool) {
	switch {
	case name == "CURRENT":
		return fileTypeCurrent, 0, true
	case name == "LOCK":
		return fileTypeLock, 0, true
	case strings.HasPrefix(name, "MANIFEST-"):
		n, err := strconv.ParseUint(name[len("MANIFEST-"):], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return fileTypeManifest, n, true
	case strings.HasSuffix(name, ".log"):
		n, err := strconv.ParseUint(name[:len(name)-len(".log")], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return fileTypeLog, n, true
	case strings.HasSuffix(name, ".sst"):
		n, err := strconv.ParseUint(name[:len(name)-len(".sst")], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return fileTypeTable, n, true
	}
	return 0, 0, false
}

// setCurrentFile atomically repoints CURRENT at the given manifest file
// number, per spec.md §4.4: write to a temp file and rename over CURRENT so
// a crash never observes a half-written pointer.
func setCurrentFile(dirname string, fs FS, fileNum uint64) error {
	newFilename := makeFilename(dirname, fileTypeCurrent, fileNum)
	tmpFilename := makeFilename(dirname, fileTypeTemp, fileNum)
	_ = fs.Remove(tmpFilename)
	f, err := fs.Create(tmpFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "MANIFEST-%06d\n", fileNum); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmpFilename, newFilename)
}
