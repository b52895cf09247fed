// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package folder

import (
	"cmp"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/sync"
)

// SystemDir is the directory inside each folder that holds our own files.
// It is never scanned.
const SystemDir = ".peercore"

type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority is the inverse of Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, errors.Errorf("unknown priority %q", s)
	}
}

var errNotStarted = errors.New("folder is not started")

// Local is a folder on the local disk with an in-memory index of the local
// files and of the newer versions announced by other nodes.
type Local struct {
	selfID  string
	members Members

	mut        sync.Mutex
	cfg        config.FolderConfiguration
	started    bool
	scanning   bool
	ownDB      bool
	local      map[string]protocol.FileInfo
	remote     map[string]protocol.FileInfo
	histories  map[string][]protocol.FileHistoryEntry
	priorities map[string]Priority
}

var _ Folder = (*Local)(nil)

func NewLocal(cfg config.FolderConfiguration, selfID string, members Members) *Local {
	return &Local{
		selfID:     selfID,
		members:    members,
		mut:        sync.NewMutex(),
		cfg:        cfg,
		local:      make(map[string]protocol.FileInfo),
		remote:     make(map[string]protocol.FileInfo),
		histories:  make(map[string][]protocol.FileHistoryEntry),
		priorities: make(map[string]Priority),
	}
}

func (f *Local) ID() string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.cfg.ID
}

func (f *Local) Path() string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.cfg.Path
}

func (f *Local) String() string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return "folder " + f.cfg.Description()
}

func (f *Local) Config() config.FolderConfiguration {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.cfg
}

func (f *Local) setConfig(cfg config.FolderConfiguration) {
	f.mut.Lock()
	f.cfg = cfg
	f.mut.Unlock()
}

func (f *Local) Start() {
	f.mut.Lock()
	f.started = true
	f.mut.Unlock()
}

func (f *Local) Stop() {
	f.mut.Lock()
	f.started = false
	f.mut.Unlock()
}

func (f *Local) IsStarted() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.started && !f.cfg.Paused
}

func (f *Local) IsAutoDownload() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.cfg.AutoDownload
}

func (f *Local) AutoDetectLocalChanges() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.cfg.AutoDetectLocalChanges
}

// IsDeviceDisconnected is true when the folder root is gone, for example
// on an unmounted disk.
func (f *Local) IsDeviceDisconnected() bool {
	info, err := os.Stat(f.Path())
	return err != nil || !info.IsDir()
}

func (f *Local) IsScanning() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.scanning
}

func (f *Local) HasOwnDatabase() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.ownDB
}

func (f *Local) ScanAllowedNow() bool {
	return f.IsStarted() && !f.IsScanning() && !f.IsDeviceDisconnected()
}

func (f *Local) ConnectedMembersCount() int {
	if f.members == nil {
		return 0
	}
	return f.members.CountConnectedNodes()
}

func (f *Local) HasUploadCapacity() bool {
	return f.members != nil && !f.members.MaxConnectionsReached()
}

// Announce records the file versions another node has. It returns the
// number of files that are newer than what we know.
func (f *Local) Announce(files []protocol.FileInfo) int {
	f.mut.Lock()
	defer f.mut.Unlock()
	newer := 0
	for _, file := range files {
		if cur, ok := f.remote[file.Name]; ok && !file.IsNewerThan(cur) {
			continue
		}
		if cur, ok := f.local[file.Name]; ok && !file.IsNewerThan(cur) {
			continue
		}
		f.remote[file.Name] = file
		newer++
	}
	return newer
}

func (f *Local) IncomingFiles(limit int) []protocol.FileInfo {
	f.mut.Lock()
	var res []protocol.FileInfo
	for name, file := range f.remote {
		if cur, ok := f.local[name]; ok && !file.IsNewerThan(cur) {
			continue
		}
		res = append(res, file)
	}
	f.mut.Unlock()

	slices.SortFunc(res, func(a, b protocol.FileInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// newestRemote returns the announced version of the file if it is newer
// than the given one.
func (f *Local) newestRemote(file protocol.FileInfo) (protocol.FileInfo, bool) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if cur, ok := f.remote[file.Name]; ok && cur.IsNewerThan(file) {
		return cur, true
	}
	if cur, ok := f.local[file.Name]; ok && cur.IsNewerThan(file) {
		return cur, true
	}
	return file, false
}

func (f *Local) SetPriority(name string, p Priority) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if p == PriorityNormal {
		delete(f.priorities, name)
		return
	}
	f.priorities[name] = p
}

func (f *Local) CompareTransferPriority(a, b protocol.FileInfo) int {
	f.mut.Lock()
	pa, pb := f.priorities[a.Name], f.priorities[b.Name]
	f.mut.Unlock()
	if c := cmp.Compare(pb, pa); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// Scan walks the whole folder and updates the local index. After the first
// complete scan the folder has its own database.
func (f *Local) Scan() error {
	if !f.IsStarted() {
		return errNotStarted
	}
	root := f.Path()
	f.setScanning(true)
	defer f.setScanning(false)

	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && d.Name() == SystemDir {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		f.update(f.fileInfo(filepath.ToSlash(rel), info))
		n++
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "scanning %s", root)
	}

	f.mut.Lock()
	f.ownDB = true
	f.mut.Unlock()
	l.Debugf("%v: scanned %d items", f, n)
	return nil
}

func (f *Local) setScanning(v bool) {
	f.mut.Lock()
	f.scanning = v
	f.mut.Unlock()
}

// ScanChangedFile updates the index entry of a single file.
func (f *Local) ScanChangedFile(name string) (protocol.FileInfo, error) {
	if !f.IsStarted() {
		return protocol.FileInfo{}, errNotStarted
	}
	name = filepath.ToSlash(name)
	info, err := os.Lstat(filepath.Join(f.Path(), filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return f.markDeleted(name)
	}
	if err != nil {
		return protocol.FileInfo{}, err
	}
	return f.update(f.fileInfo(name, info)), nil
}

// ScanDirectory creates a directory that exists on other nodes and adds
// it to the index.
func (f *Local) ScanDirectory(dir protocol.FileInfo) error {
	if err := os.MkdirAll(filepath.Join(f.Path(), filepath.FromSlash(dir.Name)), 0o755); err != nil {
		return err
	}
	_, err := f.ScanChangedFile(dir.Name)
	return err
}

func (f *Local) fileInfo(name string, info fs.FileInfo) protocol.FileInfo {
	fi := protocol.FileInfo{
		Folder:    f.ID(),
		Name:      name,
		Modified:  info.ModTime(),
		Directory: info.IsDir(),
	}
	if !info.IsDir() {
		fi.Size = info.Size()
	}
	return fi
}

func (f *Local) markDeleted(name string) (protocol.FileInfo, error) {
	f.mut.Lock()
	cur, ok := f.local[name]
	f.mut.Unlock()
	if !ok {
		return protocol.FileInfo{}, errors.Wrap(fs.ErrNotExist, name)
	}
	if cur.Deleted {
		return cur, nil
	}
	cur.Deleted = true
	cur.Size = 0
	cur.Modified = time.Now()
	return f.update(cur), nil
}

// update stores a scanned file as a new local version, unless nothing
// changed.
func (f *Local) update(fi protocol.FileInfo) protocol.FileInfo {
	f.mut.Lock()
	defer f.mut.Unlock()

	cur, ok := f.local[fi.Name]
	if ok && cur.Size == fi.Size && cur.Deleted == fi.Deleted &&
		cur.Directory == fi.Directory && cur.Modified.Equal(fi.Modified) {
		return cur
	}
	fi.Version = 1
	if ok {
		fi.Version = cur.Version + 1
	}
	if rem, ok := f.remote[fi.Name]; ok && fi.Version <= rem.Version {
		fi.Version = rem.Version + 1
	}
	fi.ModifiedBy = f.selfID
	f.local[fi.Name] = fi
	delete(f.remote, fi.Name)
	f.histories[fi.Name] = append(f.histories[fi.Name], protocol.FileHistoryEntry{
		Version:    fi.Version,
		ModifiedBy: fi.ModifiedBy,
		Modified:   fi.Modified,
		Deleted:    fi.Deleted,
	})
	return fi
}

func (f *Local) LocalFiles() []protocol.FileInfo {
	f.mut.Lock()
	res := make([]protocol.FileInfo, 0, len(f.local))
	for _, fi := range f.local {
		res = append(res, fi)
	}
	f.mut.Unlock()
	slices.SortFunc(res, func(a, b protocol.FileInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return res
}

// File returns the local index entry.
func (f *Local) File(name string) (protocol.FileInfo, bool) {
	f.mut.Lock()
	defer f.mut.Unlock()
	fi, ok := f.local[name]
	return fi, ok
}

func (f *Local) FileHistory(file protocol.FileInfo) *protocol.FileHistory {
	f.mut.Lock()
	defer f.mut.Unlock()
	entries, ok := f.histories[file.Name]
	if !ok {
		return nil
	}
	return &protocol.FileHistory{
		File:    f.local[file.Name],
		Entries: slices.Clone(entries),
	}
}
