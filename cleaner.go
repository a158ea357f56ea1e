// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync"
)

// obsoleteFile names one run file that is no longer referenced by any
// version, as reported once the last version holding it is released
// (spec.md §4.4's obsolete-file bookkeeping).
type obsoleteFile struct {
	typ     fileType
	fileNum uint64
	size    uint64
}

type cleanupJob struct {
	files []obsoleteFile
}

// cleanupManager deletes obsolete files on a background goroutine so a
// compaction or flush's caller never blocks on unlinking its inputs.
// Deletion of table (run) files is paced through a deletionPacer;
// deletion of logs and manifests, which are small, is not. Grounded on
// the teacher's cleanupManager, simplified to a single job channel
// without the objstorage.Provider indirection this package doesn't use.
type cleanupManager struct {
	dirname string
	fs      FS
	logger  Logger
	pacer   *deletionPacer

	jobsCh chan cleanupJob

	waitGroup sync.WaitGroup

	mu struct {
		sync.Mutex
		queuedJobs        int
		completedJobs     int
		completedJobsCond sync.Cond
	}
}

const cleanupJobsChLen = 1000

func openCleanupManager(dirname string, fs FS, logger Logger, getInfo func() deletionPacerInfo) *cleanupManager {
	cm := &cleanupManager{
		dirname: dirname,
		fs:      fs,
		logger:  logger,
		pacer:   newDeletionPacer(128<<20, getInfo),
		jobsCh:  make(chan cleanupJob, cleanupJobsChLen),
	}
	cm.mu.completedJobsCond.L = &cm.mu.Mutex
	cm.waitGroup.Add(1)
	go cm.mainLoop()
	return cm
}

// close stops the background goroutine once every queued job has run.
func (cm *cleanupManager) close() {
	close(cm.jobsCh)
	cm.waitGroup.Wait()
}

// enqueue queues files for deletion; it never blocks the caller on I/O.
func (cm *cleanupManager) enqueue(files []obsoleteFile) {
	if len(files) == 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	select {
	case cm.jobsCh <- cleanupJob{files: files}:
		cm.mu.queuedJobs++
	default:
		cm.logger.Errorf("partnerkv: cleanup job queue full, dropping %d obsolete files", len(files))
	}
}

// wait blocks until every job queued so far has completed. It does not
// wait for jobs enqueued during the call.
func (cm *cleanupManager) wait() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := cm.mu.queuedJobs
	for cm.mu.completedJobs < n {
		cm.mu.completedJobsCond.Wait()
	}
}

func (cm *cleanupManager) mainLoop() {
	defer cm.waitGroup.Done()
	for job := range cm.jobsCh {
		for _, f := range job.files {
			cm.deleteOne(f)
		}
		cm.mu.Lock()
		cm.mu.completedJobs++
		cm.mu.completedJobsCond.Broadcast()
		cm.mu.Unlock()
	}
}

func (cm *cleanupManager) deleteOne(f obsoleteFile) {
	if f.typ == fileTypeTable && f.size > 0 {
		if err := cm.pacer.maybeThrottle(f.size); err != nil {
			cm.logger.Errorf("partnerkv: deletion pacer: %v", err)
		}
	}
	path := makeFilename(cm.dirname, f.typ, f.fileNum)
	if err := cm.fs.Remove(path); err != nil {
		cm.logger.Errorf("partnerkv: deleting %s: %v", path, err)
	}
}
