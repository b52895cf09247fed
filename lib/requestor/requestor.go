// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package requestor requests the files other nodes have newer versions of.
// Folders are queued on announcements and periodically, and a pool of
// workers sized by the queue depth works through them.
package requestor

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/folder"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

const (
	// Workers are started this far apart.
	workerStagger = 100 * time.Millisecond

	// A worker that shows no activity for this many request periods is
	// considered stalled and replaced.
	workerTimeoutPeriods = 30

	// Workers yield after this many folders.
	foldersPerYield = 5

	// At most this many incoming files are looked at per folder and round.
	maxDownloadsPerNode = 10
	incomingFilesLimit  = 2 * maxDownloadsPerNode
)

// Downloader is where the requestor hands the files to download.
type Downloader interface {
	IsDownloading(file protocol.FileInfo) bool
	DownloadNewestVersion(file protocol.FileInfo, auto bool) bool
}

// A Peer is a node we can ask for file histories.
type Peer interface {
	ID() string
	IsCompletelyConnected() bool
	SendMessagesAsync(msgs ...protocol.Message)
}

// PeerLookup returns the connected peer with the given id.
type PeerLookup func(id string) (Peer, bool)

// A ConflictResolver decides whether a conflicting remote version is
// downloaded.
type ConflictResolver func(protocol.Conflict) bool

type Requestor struct {
	svcutil.ServiceWithError
	cfg       *config.Wrapper
	repo      folder.Repository
	downloads Downloader
	peers     PeerLookup
	resolve   ConflictResolver
	evLogger  events.Logger

	broadcaster Broadcaster

	mut      sync.Mutex
	ctx      context.Context
	queue    []folder.Folder
	queued   map[string]struct{}
	workers  map[*worker]struct{}
	nextID   int
	capWarns int

	pending *xsync.MapOf[string, pendingHistory]
}

type worker struct {
	id           int
	lastActivity atomic.Int64 // unix nanos
	stopped      atomic.Bool
}

func (w *worker) touch(now time.Time) {
	w.lastActivity.Store(now.UnixNano())
}

func (w *worker) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.lastActivity.Load()))
}

func (w *worker) String() string {
	return fmt.Sprintf("requestor worker %d", w.id)
}

func New(cfg *config.Wrapper, repo folder.Repository, downloads Downloader, peers PeerLookup, evLogger events.Logger) *Requestor {
	r := &Requestor{
		cfg:       cfg,
		repo:      repo,
		downloads: downloads,
		peers:     peers,
		resolve:   RemoteIfNewer,
		evLogger:  evLogger,
		mut:       sync.NewMutex(),
		queued:    make(map[string]struct{}),
		workers:   make(map[*worker]struct{}),
		pending:   xsync.NewMapOf[string, pendingHistory](),
	}
	r.ServiceWithError = svcutil.AsService(r.serve, r.String())
	return r
}

// SetConflictResolver replaces the default resolver, which takes the
// remote version when it was modified later than ours.
func (r *Requestor) SetConflictResolver(fn ConflictResolver) {
	r.resolve = fn
}

func (r *Requestor) serve(ctx context.Context) error {
	r.mut.Lock()
	r.ctx = ctx
	if len(r.queue) > 0 {
		r.addWorkersLocked()
	}
	r.mut.Unlock()

	period := r.cfg.Options().RequestorPeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.TriggerFileRequestingAll()
			r.checkWorkers(time.Now())
			r.expirePending(time.Now())
		case <-ctx.Done():
			r.stopWorkers()
			return nil
		}
	}
}

func (r *Requestor) stopWorkers() {
	r.mut.Lock()
	defer r.mut.Unlock()
	for w := range r.workers {
		w.stopped.Store(true)
	}
	r.ctx = nil
	l.Debugln("stopped")
}

// TriggerFileRequesting queues the folder for requesting.
func (r *Requestor) TriggerFileRequesting(folderID string) {
	f, ok := r.repo.Folder(folderID)
	if !ok {
		l.Warnf("Folder %s not joined, not requesting files", folderID)
		return
	}
	r.mut.Lock()
	r.enqueueLocked(f)
	r.mut.Unlock()
}

// TriggerFileRequestingAll queues every started folder.
func (r *Requestor) TriggerFileRequestingAll() {
	folders := r.repo.Folders()
	r.mut.Lock()
	for _, f := range folders {
		r.enqueueLocked(f)
	}
	r.mut.Unlock()
}

func (r *Requestor) enqueueLocked(f folder.Folder) {
	if _, ok := r.queued[f.ID()]; ok {
		return
	}
	r.queued[f.ID()] = struct{}{}
	r.queue = append(r.queue, f)
	metricQueueDepth.Set(float64(len(r.queue)))
	r.addWorkersLocked()
}

func (r *Requestor) dequeue() (folder.Folder, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	f := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	delete(r.queued, f.ID())
	metricQueueDepth.Set(float64(len(r.queue)))
	return f, true
}

// QueueLen returns the number of queued folders.
func (r *Requestor) QueueLen() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.queue)
}

// Workers returns the number of running workers.
func (r *Requestor) Workers() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.workers)
}

// desiredWorkers is the worker count for a queue of the given depth.
func desiredWorkers(depth, maxWorkers, foldersPerWorker int) int {
	return max(1, min(maxWorkers, depth/foldersPerWorker))
}

// addWorkersLocked grows the pool to the size the queue asks for. New
// workers start staggered.
func (r *Requestor) addWorkersLocked() {
	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}
	opts := r.cfg.Options()
	have := len(r.workers)
	want := desiredWorkers(len(r.queue), opts.RequestorMaxWorkers, opts.RequestorFoldersPerWorker)
	diff := want - have
	if diff != 0 {
		l.Debugf("workers: %d, required: %d", have, want)
	}
	if want == opts.RequestorMaxWorkers && diff > 0 {
		r.capWarns++
		l.Warnf("Maximum number of file requestor workers reached (%d). Consider raising requestorMaxWorkers.", want)
	}
	for i := 0; i < diff; i++ {
		r.nextID++
		w := &worker{id: r.nextID}
		w.touch(time.Now())
		r.workers[w] = struct{}{}
		go r.runWorker(r.ctx, w, time.Duration(i)*workerStagger)
	}
	metricWorkers.Set(float64(len(r.workers)))
}

func (r *Requestor) runWorker(ctx context.Context, w *worker, delay time.Duration) {
	defer r.workerDone(w)
	if !svcutil.Sleep(ctx, delay) {
		return
	}
	server := r.cfg.Options().Server

	start := time.Now()
	n := 0
	for !w.stopped.Load() && ctx.Err() == nil {
		f, ok := r.dequeue()
		if !ok {
			break
		}
		n++
		r.requestFolder(ctx, f)
		if n%foldersPerYield == 0 && !w.stopped.Load() {
			w.touch(time.Now())
			if !server {
				svcutil.Sleep(ctx, time.Millisecond)
			}
		}
	}

	took := time.Since(start)
	l.Debugf("%v: requesting files for %d folders took %v", w, n, took)
	if period := r.cfg.Options().RequestorPeriod(); took > period {
		l.Warnf("Requesting files for %d folders took %v", n, took.Truncate(time.Millisecond))
	}
}

// requestFolder requests the missing files of one folder. A panic is
// logged and the worker goes on with the next folder.
func (r *Requestor) requestFolder(ctx context.Context, f folder.Folder) {
	defer func() {
		if err := recover(); err != nil {
			metricFolderPanics.Inc()
			l.Warnf("Requesting files for %s panicked: %v\n%s", f.ID(), err, debug.Stack())
		}
	}()
	if err := r.requestMissingFiles(ctx, f); err != nil {
		l.Warnf("Requesting files for %s: %v", f.ID(), err)
	}
}

// workerDone removes the worker from the pool and replaces it when there
// is still work queued.
func (r *Requestor) workerDone(w *worker) {
	w.stopped.Store(true)
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.workers, w)
	metricWorkers.Set(float64(len(r.workers)))
	if len(r.queue) > 0 {
		r.addWorkersLocked()
	}
}

// checkWorkers stops workers that were idle for too long and replaces
// them.
func (r *Requestor) checkWorkers(now time.Time) {
	timeout := workerTimeoutPeriods * r.cfg.Options().RequestorPeriod()

	r.mut.Lock()
	defer r.mut.Unlock()
	stalled := 0
	for w := range r.workers {
		if idle := w.idle(now); idle > timeout {
			l.Warnf("%v stalled for %v, replacing it", w, idle.Truncate(time.Second))
			w.stopped.Store(true)
			delete(r.workers, w)
			stalled++
		}
	}
	if stalled > 0 {
		metricStalledWorkers.Add(float64(stalled))
		metricWorkers.Set(float64(len(r.workers)))
		if len(r.queue) > 0 {
			r.addWorkersLocked()
		}
	}
}

// requestMissingFiles requests the incoming files of the folder, if the
// folder is in a state to download.
func (r *Requestor) requestMissingFiles(ctx context.Context, f folder.Folder) error {
	switch {
	case r.repo.IsPaused():
		l.Debugln("paused, skipping", f.ID())
		return nil
	case !f.IsAutoDownload():
		l.Debugln("not on auto download, skipping", f.ID())
		return nil
	case !f.IsStarted():
		l.Debugln("not started, skipping", f.ID())
		return nil
	case f.IsDeviceDisconnected():
		l.Debugln("device disconnected, skipping", f.ID())
		return nil
	case !f.HasOwnDatabase():
		if f.IsScanning() {
			l.Debugln("no own database yet, skipping", f.ID())
		} else {
			l.Infof("Not requesting files for %s: no own database", f.ID())
		}
		return nil
	case f.ConnectedMembersCount() == 0:
		l.Debugln("no members connected, skipping", f.ID())
		return nil
	case !f.HasUploadCapacity():
		l.Debugln("no upload capacity, skipping", f.ID())
		return nil
	}

	incoming := f.IncomingFiles(incomingFilesLimit)
	if len(incoming) == 0 {
		l.Debugln("no incoming files for", f.ID())
		return nil
	}
	return r.retrieveNewestVersions(ctx, f, incoming, true)
}

func (r *Requestor) retrieveNewestVersions(ctx context.Context, f folder.Folder, incoming []protocol.FileInfo, auto bool) error {
	var files []protocol.FileInfo
	for _, fi := range incoming {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case fi.Deleted:
			// Remote deletions are synced elsewhere.
			continue
		case fi.Directory:
			if err := f.ScanDirectory(fi); err != nil {
				l.Warnf("Unable to create directory %v: %v", fi, err)
			} else {
				l.Debugln("synced directory", fi)
			}
			continue
		case r.downloads.IsDownloading(fi):
			continue
		}
		files = append(files, fi)
	}
	if len(files) == 0 {
		return nil
	}

	slices.SortFunc(files, f.CompareTransferPriority)
	for _, fi := range files {
		newest, ok := r.repo.NewestVersion(fi)
		if !ok {
			l.Debugln("newest version not found for", fi)
			continue
		}
		r.prepareDownload(f, newest, auto)
	}
	return nil
}

// prepareDownload downloads the file, first asking the node that last
// changed it for its history when we have a version of our own.
func (r *Requestor) prepareDownload(f folder.Folder, file protocol.FileInfo, auto bool) {
	if f.FileHistory(file) != nil && r.peers != nil {
		if peer, ok := r.peers(file.ModifiedBy); ok && peer.IsCompletelyConnected() {
			r.requestFileHistory(peer, file)
			return
		}
	}
	r.download(file, auto)
}

func (r *Requestor) download(file protocol.FileInfo, auto bool) {
	if r.downloads.DownloadNewestVersion(file, auto) {
		metricDownloadRequests.Inc()
	}
}

func (r *Requestor) String() string {
	return fmt.Sprintf("requestor.Requestor@%p", r)
}
