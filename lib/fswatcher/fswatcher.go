// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fswatcher watches the folders for local changes and scans the
// changed files.
package fswatcher

import (
	"context"
	"fmt"
	"slices"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/folder"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/stats"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

// Watcher keeps a filesystem watch on every folder that detects local
// changes automatically.
type Watcher struct {
	svcutil.ServiceWithError
	cfg      *config.Wrapper
	folders  *folder.Set
	ldb      *db.Lowlevel
	evLogger events.Logger

	mut       sync.Mutex
	ctx       context.Context
	watches   map[string]*folderWatch
	listeners []func(protocol.FileInfo)
}

func New(cfg *config.Wrapper, folders *folder.Set, ldb *db.Lowlevel, evLogger events.Logger) *Watcher {
	w := &Watcher{
		cfg:      cfg,
		folders:  folders,
		ldb:      ldb,
		evLogger: evLogger,
		mut:      sync.NewMutex(),
		watches:  make(map[string]*folderWatch),
	}
	w.ServiceWithError = svcutil.AsService(w.serve, w.String())
	folders.OnChange(func(f *folder.Local) { w.reconfigure(f) })
	cfg.Subscribe(w)
	return w
}

// OnScanned registers fn to be called with every local change the watch
// scanned. It must be called before the watcher is started.
func (w *Watcher) OnScanned(fn func(protocol.FileInfo)) {
	w.listeners = append(w.listeners, fn)
}

func (w *Watcher) serve(ctx context.Context) error {
	w.mut.Lock()
	w.ctx = ctx
	w.mut.Unlock()

	for _, f := range w.folders.All() {
		w.reconfigure(f)
	}
	<-ctx.Done()

	w.mut.Lock()
	w.ctx = nil
	for id, fw := range w.watches {
		fw.stop()
		delete(w.watches, id)
	}
	w.mut.Unlock()
	return nil
}

// reconfigure installs or removes the watch on the folder according to
// its configuration.
func (w *Watcher) reconfigure(f folder.Folder) {
	opts := w.cfg.Options()
	_, exists := w.folders.Local(f.ID())
	want := opts.WatchFilesystem && exists && f.AutoDetectLocalChanges()

	w.mut.Lock()
	defer w.mut.Unlock()
	if w.ctx == nil {
		return
	}

	fw, ok := w.watches[f.ID()]
	if ok && (!want || fw.root != f.Path() || fw.folder != f) {
		fw.stop()
		delete(w.watches, f.ID())
		ok = false
		l.Infof("Removed filesystem watch on folder %s", f.ID())
	}
	if ok || !want {
		return
	}

	fw = newFolderWatch(f, opts.WatchIgnores, w.scanned)
	if err := fw.start(w.ctx); err != nil {
		l.Warnf("Unable to watch folder %s for changes: %v", f.ID(), err)
		return
	}
	w.watches[f.ID()] = fw
	l.Infof("Watching folder %s at %s for changes", f.ID(), f.Path())
}

func (w *Watcher) reconfigureAll() {
	w.mut.Lock()
	for id, fw := range w.watches {
		fw.stop()
		delete(w.watches, id)
	}
	w.mut.Unlock()
	for _, f := range w.folders.All() {
		w.reconfigure(f)
	}
}

func (w *Watcher) scanned(f folder.Folder, fi protocol.FileInfo) {
	l.Debugf("%s: local change of %v", f.ID(), fi)
	if w.ldb != nil {
		if err := stats.NewFolderStatisticsReference(w.ldb, f.ID()).LocalChangeDetected(); err != nil {
			l.Debugln("recording local change:", err)
		}
	}
	w.evLogger.Log(events.LocalChangeDetected, map[string]interface{}{
		"folder":  f.ID(),
		"item":    fi.Name,
		"version": fi.Version,
		"deleted": fi.Deleted,
	})
	for _, fn := range w.listeners {
		fn(fi)
	}
}

// AddIgnoreFile makes the watcher skip changes of a file we are about to
// write ourselves.
func (w *Watcher) AddIgnoreFile(file protocol.FileInfo) {
	if fw, ok := w.watch(file.Folder); ok {
		fw.addIgnore(file.Name)
	}
}

// RemoveIgnoreFile undoes AddIgnoreFile, with a short delay to let the
// events caused by our own write pass.
func (w *Watcher) RemoveIgnoreFile(file protocol.FileInfo) {
	if fw, ok := w.watch(file.Folder); ok {
		fw.removeIgnore(file.Name)
	}
}

// IsWatching reports whether a watch is installed on the folder.
func (w *Watcher) IsWatching(folderID string) bool {
	_, ok := w.watch(folderID)
	return ok
}

func (w *Watcher) watch(folderID string) (*folderWatch, bool) {
	w.mut.Lock()
	defer w.mut.Unlock()
	fw, ok := w.watches[folderID]
	return fw, ok
}

func (*Watcher) VerifyConfiguration(_, _ config.Configuration) error {
	return nil
}

func (w *Watcher) CommitConfiguration(from, to config.Configuration) bool {
	if from.Options.WatchFilesystem != to.Options.WatchFilesystem ||
		!slices.Equal(from.Options.WatchIgnores, to.Options.WatchIgnores) {
		w.reconfigureAll()
	}
	return true
}

func (w *Watcher) String() string {
	return fmt.Sprintf("fswatcher.Watcher@%p", w)
}
