// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"context"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/syncthing/notify"

	"github.com/syncthing/peercore/lib/folder"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/sync"
)

// Notify does not block on sending to the channel, so it must be buffered.
var backendBuffer = 500

var (
	// Dirty files are scanned this long after the first change, so that
	// a burst of events results in a single scan.
	scanDelay = time.Second
	// Filesystem events arrive late, so files we wrote stay ignored for
	// a while after we are done with them.
	ignoreRemoveDelay = 500 * time.Millisecond
)

// rescanner is implemented by folders that can be scanned completely,
// which is needed when events were lost.
type rescanner interface {
	Scan() error
}

// A folderWatch collects the changes in one folder and scans the changed
// files in batches.
type folderWatch struct {
	folder    folder.Folder
	root      string
	ignores   []glob.Glob
	onScanned func(folder.Folder, protocol.FileInfo)
	cancel    context.CancelFunc
	scanning  atomic.Bool

	mut     sync.Mutex
	dirty   map[string]struct{}
	ignored map[string]struct{}
	timer   *time.Timer
	stopped bool
}

func newFolderWatch(f folder.Folder, patterns []string, onScanned func(folder.Folder, protocol.FileInfo)) *folderWatch {
	return &folderWatch{
		folder:    f,
		root:      f.Path(),
		ignores:   compileIgnores(patterns),
		onScanned: onScanned,
		mut:       sync.NewMutex(),
		dirty:     make(map[string]struct{}),
		ignored:   make(map[string]struct{}),
	}
}

func compileIgnores(patterns []string) []glob.Glob {
	var res []glob.Glob
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			l.Warnf("Invalid watch ignore pattern %q: %v", p, err)
			continue
		}
		res = append(res, g)
	}
	return res
}

// start installs the filesystem watch on the folder root.
func (w *folderWatch) start(ctx context.Context) error {
	root, err := filepath.EvalSymlinks(w.root)
	if err != nil {
		return errors.Wrap(err, "resolving folder root")
	}

	ctx, cancel := context.WithCancel(ctx)
	backendChan := make(chan notify.EventInfo, backendBuffer)
	if err := notify.Watch(filepath.Join(root, "..."), backendChan, notify.All); err != nil {
		cancel()
		notify.Stop(backendChan)
		if reachedMaxUserWatches(err) {
			err = errors.New("failed to setup inotify handler, please increase inotify limits")
		}
		return err
	}

	w.cancel = cancel
	go w.watchLoop(ctx, root, backendChan)
	return nil
}

func (w *folderWatch) watchLoop(ctx context.Context, root string, backendChan chan notify.EventInfo) {
	defer notify.Stop(backendChan)
	for {
		// Detect channel overflow
		if len(backendChan) == backendBuffer {
		outer:
			for {
				select {
				case <-backendChan:
				default:
					break outer
				}
			}
			w.overflowed()
		}

		select {
		case ev := <-backendChan:
			rel, err := filepath.Rel(root, ev.Path())
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			metricEvents.Inc()
			w.fileChanged(filepath.ToSlash(rel))
		case <-ctx.Done():
			l.Debugln(w.folder.ID(), "watch stopped")
			return
		}
	}
}

func (w *folderWatch) overflowed() {
	l.Infof("Filesystem events lost for folder %s, rescanning", w.folder.ID())
	if r, ok := w.folder.(rescanner); ok {
		go func() {
			if err := r.Scan(); err != nil {
				l.Warnf("Rescanning folder %s: %v", w.folder.ID(), err)
			}
		}()
	}
}

// stop removes the watch and cancels a pending scan.
func (w *folderWatch) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mut.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mut.Unlock()
}

func (w *folderWatch) shouldIgnore(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == folder.SystemDir {
			return true
		}
	}
	base := path.Base(name)
	for _, g := range w.ignores {
		if g.Match(base) || g.Match(name) {
			return true
		}
	}
	return false
}

// fileChanged marks the file dirty and schedules a scan, unless one is
// running or scheduled already.
func (w *folderWatch) fileChanged(name string) {
	if !w.folder.ScanAllowedNow() {
		return
	}
	if w.shouldIgnore(name) {
		l.Debugln(w.folder.ID(), "ignoring change of", name)
		return
	}

	w.mut.Lock()
	defer w.mut.Unlock()
	if w.stopped {
		return
	}
	if _, ok := w.dirty[name]; ok {
		return
	}
	if _, ok := w.ignored[name]; ok {
		l.Debugln(w.folder.ID(), "skipping change of ignored", name)
		return
	}
	w.dirty[name] = struct{}{}
	w.scheduleLocked()
}

func (w *folderWatch) scheduleLocked() {
	if w.timer != nil || w.stopped || w.scanning.Load() {
		return
	}
	w.timer = time.AfterFunc(scanDelay, w.scanDirty)
}

func (w *folderWatch) scanDirty() {
	w.mut.Lock()
	w.timer = nil
	if w.stopped || !w.scanning.CompareAndSwap(false, true) {
		w.mut.Unlock()
		return
	}
	names := make([]string, 0, len(w.dirty))
	for name := range w.dirty {
		if _, ok := w.ignored[name]; !ok {
			names = append(names, name)
		}
	}
	clear(w.dirty)
	w.mut.Unlock()

	slices.Sort(names)
	scanned := 0
	for _, name := range names {
		fi, err := w.folder.ScanChangedFile(name)
		if err != nil {
			l.Debugf("%s: scanning changed file %s: %v", w.folder.ID(), name, err)
			continue
		}
		scanned++
		if w.onScanned != nil {
			w.onScanned(w.folder, fi)
		}
	}
	metricScannedFiles.Add(float64(scanned))
	l.Debugf("%s: scanned %d of %d dirty files", w.folder.ID(), scanned, len(names))

	w.mut.Lock()
	w.scanning.Store(false)
	if len(w.dirty) > 0 {
		// Changes that came in while we were scanning.
		w.scheduleLocked()
	}
	w.mut.Unlock()
}

func (w *folderWatch) addIgnore(name string) {
	w.mut.Lock()
	w.ignored[name] = struct{}{}
	w.mut.Unlock()
	l.Debugln(w.folder.ID(), "added to ignore:", name)
}

func (w *folderWatch) removeIgnore(name string) {
	time.AfterFunc(ignoreRemoveDelay, func() {
		w.mut.Lock()
		delete(w.ignored, name)
		w.mut.Unlock()
		l.Debugln(w.folder.ID(), "removed from ignore:", name)
	})
}

func (w *folderWatch) dirtyCount() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return len(w.dirty)
}
