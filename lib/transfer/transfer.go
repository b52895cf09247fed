// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer keeps track of requested downloads and the traffic
// rates announced to other nodes.
package transfer

import (
	"slices"
	"strings"
	"time"

	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/stats"
	"github.com/syncthing/peercore/lib/sync"
)

// A Download is a file we want from other nodes. It is pending until a
// node tells us it queued the request.
type Download struct {
	File      protocol.FileInfo `json:"file"`
	Auto      bool              `json:"auto"`
	Requested time.Time         `json:"requested"`
	Source    string            `json:"source,omitempty"`
}

func (d Download) IsQueued() bool {
	return d.Source != ""
}

// A FileIgnorer is told about files we are about to write ourselves, so
// that the writes are not taken for local changes.
type FileIgnorer interface {
	AddIgnoreFile(file protocol.FileInfo)
	RemoveIgnoreFile(file protocol.FileInfo)
}

// A LocalIndex returns the local index entry of a file.
type LocalIndex interface {
	File(folderID, name string) (protocol.FileInfo, bool)
}

type Manager struct {
	ldb      *db.Lowlevel
	evLogger events.Logger
	ignorer  FileIgnorer
	index    LocalIndex

	mut       sync.Mutex
	downloads map[string]*Download // by file key
	lastTime  time.Time
	lastIn    int64
	lastOut   int64
}

var (
	_ nodes.TransferManager = (*Manager)(nil)
	_ nodes.MessageListener = (*Manager)(nil)
)

// NewManager returns a transfer manager. Requested files are recorded in
// the folder statistics when ldb is not nil.
func NewManager(ldb *db.Lowlevel, evLogger events.Logger) *Manager {
	in, out := protocol.TotalInOut()
	return &Manager{
		ldb:       ldb,
		evLogger:  evLogger,
		mut:       sync.NewMutex(),
		downloads: make(map[string]*Download),
		lastTime:  time.Now(),
		lastIn:    in,
		lastOut:   out,
	}
}

// SetFileIgnorer must be called before any download is queued.
func (m *Manager) SetFileIgnorer(fi FileIgnorer) {
	m.ignorer = fi
}

// SetLocalIndex must be called before the first Status.
func (m *Manager) SetLocalIndex(idx LocalIndex) {
	m.index = idx
}

// Status returns the transfer counts and the traffic rates since the
// previous call. Downloads that arrived are forgotten first.
func (m *Manager) Status() *protocol.TransferStatus {
	m.ForgetPresent()
	now := time.Now()
	in, out := protocol.TotalInOut()

	m.mut.Lock()
	defer m.mut.Unlock()

	st := &protocol.TransferStatus{Time: now}
	for _, d := range m.downloads {
		if d.IsQueued() {
			st.ActiveDownloads++
		} else {
			st.QueuedDownloads++
		}
	}
	if secs := now.Sub(m.lastTime).Seconds(); secs > 0 {
		st.DownloadCPS = uint64(float64(max(0, in-m.lastIn)) / secs)
		st.UploadCPS = uint64(float64(max(0, out-m.lastOut)) / secs)
	}
	m.lastTime, m.lastIn, m.lastOut = now, in, out
	return st
}

// IsDownloading reports whether the file is requested, queued or not.
func (m *Manager) IsDownloading(file protocol.FileInfo) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	_, ok := m.downloads[file.Key()]
	return ok
}

// DownloadNewestVersion requests the file unless the same or a newer
// version is already requested. It returns true when the request is new.
func (m *Manager) DownloadNewestVersion(file protocol.FileInfo, auto bool) bool {
	m.mut.Lock()
	if cur, ok := m.downloads[file.Key()]; ok && !file.IsNewerThan(cur.File) {
		m.mut.Unlock()
		return false
	}
	m.downloads[file.Key()] = &Download{
		File:      file,
		Auto:      auto,
		Requested: time.Now(),
	}
	m.updateMetricsLocked()
	m.mut.Unlock()

	l.Debugln("requested download of", file)
	metricDownloadsRequested.Inc()
	if m.ldb != nil {
		if err := stats.NewFolderStatisticsReference(m.ldb, file.Folder).RequestedFile(file.Name, file.Deleted); err != nil {
			l.Debugln("recording requested file:", err)
		}
	}
	m.evLogger.Log(events.DownloadRequested, map[string]interface{}{
		"folder":  file.Folder,
		"item":    file.Name,
		"version": file.Version,
		"auto":    auto,
	})
	return true
}

// Completed forgets the download, unless a newer version of the file was
// requested since.
func (m *Manager) Completed(file protocol.FileInfo) {
	m.mut.Lock()
	d, ok := m.downloads[file.Key()]
	if !ok || d.File.IsNewerThan(file) {
		m.mut.Unlock()
		return
	}
	delete(m.downloads, file.Key())
	m.updateMetricsLocked()
	m.mut.Unlock()

	l.Debugln("download completed:", file)
	if d.IsQueued() && m.ignorer != nil {
		m.ignorer.RemoveIgnoreFile(d.File)
	}
}

// ForgetPresent completes the downloads whose version, or a newer one,
// is in the local index, and returns how many there were.
func (m *Manager) ForgetPresent() int {
	if m.index == nil {
		return 0
	}
	m.mut.Lock()
	files := make([]protocol.FileInfo, 0, len(m.downloads))
	for _, d := range m.downloads {
		files = append(files, d.File)
	}
	m.mut.Unlock()

	n := 0
	for _, file := range files {
		if local, ok := m.index.File(file.Folder, file.Name); ok && !file.IsNewerThan(local) {
			m.Completed(file)
			n++
		}
	}
	return n
}

// BreakTransfers puts the downloads queued at the node back to pending.
func (m *Manager) BreakTransfers(nodeID string) {
	m.mut.Lock()
	n := 0
	for _, d := range m.downloads {
		if d.Source == nodeID {
			d.Source = ""
			n++
		}
	}
	m.updateMetricsLocked()
	m.mut.Unlock()

	if n > 0 {
		l.Infof("Broke %d downloads from %s", n, nodeID)
	}
}

func (m *Manager) MemberMessage(member *nodes.Member, msg protocol.Message) {
	if msg, ok := msg.(*protocol.DownloadQueued); ok {
		m.downloadQueued(member.ID(), msg.File)
	}
}

func (m *Manager) downloadQueued(nodeID string, file protocol.FileInfo) {
	m.mut.Lock()
	d, ok := m.downloads[file.Key()]
	wasQueued := false
	if ok {
		wasQueued = d.IsQueued()
		d.Source = nodeID
		m.updateMetricsLocked()
	}
	m.mut.Unlock()

	if !ok {
		l.Debugf("%s queued %v, which we did not request", nodeID, file)
		return
	}
	if !wasQueued && m.ignorer != nil {
		m.ignorer.AddIgnoreFile(d.File)
	}
	l.Debugf("download of %v queued at %s", file, nodeID)
	m.evLogger.Log(events.DownloadQueued, map[string]string{
		"folder": file.Folder,
		"item":   file.Name,
		"node":   nodeID,
	})
}

// Downloads returns the requested downloads, ordered by folder and name.
func (m *Manager) Downloads() []Download {
	m.mut.Lock()
	res := make([]Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		res = append(res, *d)
	}
	m.mut.Unlock()
	slices.SortFunc(res, func(a, b Download) int {
		return strings.Compare(a.File.Key(), b.File.Key())
	})
	return res
}

func (m *Manager) updateMetricsLocked() {
	queued := 0
	for _, d := range m.downloads {
		if d.IsQueued() {
			queued++
		}
	}
	metricDownloads.WithLabelValues("queued").Set(float64(queued))
	metricDownloads.WithLabelValues("pending").Set(float64(len(m.downloads) - queued))
}
