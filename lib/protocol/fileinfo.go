// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"
	"time"
)

// FileInfo describes one version of a file or directory in a folder.
type FileInfo struct {
	Folder     string
	Name       string
	Size       int64
	Modified   time.Time
	Version    uint64
	ModifiedBy string // node id
	Deleted    bool
	Directory  bool
}

func (f FileInfo) String() string {
	kind := "file"
	if f.Directory {
		kind = "dir"
	}
	return fmt.Sprintf("%s{%s/%s v%d del=%v}", kind, f.Folder, f.Name, f.Version, f.Deleted)
}

// Key identifies the file regardless of version.
func (f FileInfo) Key() string {
	return f.Folder + "/" + f.Name
}

// IsNewerThan reports whether f is a later version than other.
func (f FileInfo) IsNewerThan(other FileInfo) bool {
	if f.Version != other.Version {
		return f.Version > other.Version
	}
	return f.Modified.After(other.Modified)
}

// A FileHistoryEntry is one step in the version history of a file.
type FileHistoryEntry struct {
	Version    uint64
	ModifiedBy string
	Modified   time.Time
	Deleted    bool
}

// FileHistory is the version history of a file, oldest first.
type FileHistory struct {
	File    FileInfo
	Entries []FileHistoryEntry
}

// Head returns the latest entry of the history.
func (h FileHistory) Head() (FileHistoryEntry, bool) {
	if len(h.Entries) == 0 {
		return FileHistoryEntry{}, false
	}
	return h.Entries[len(h.Entries)-1], true
}

func (h FileHistory) contains(e FileHistoryEntry) bool {
	for _, ee := range h.Entries {
		if ee.Version == e.Version && ee.ModifiedBy == e.ModifiedBy {
			return true
		}
	}
	return false
}

// A Conflict describes two histories of the same file that diverged.
type Conflict struct {
	Local  FileHistory
	Remote FileHistory
}

func (c Conflict) String() string {
	return fmt.Sprintf("conflict on %s", c.Local.File.Key())
}

// ConflictWith returns the conflict between the local history h and the
// remote one, if neither contains the latest entry of the other.
func (h FileHistory) ConflictWith(remote FileHistory) (Conflict, bool) {
	localHead, ok := h.Head()
	if !ok {
		return Conflict{}, false
	}
	remoteHead, ok := remote.Head()
	if !ok {
		return Conflict{}, false
	}
	if h.contains(remoteHead) || remote.contains(localHead) {
		return Conflict{}, false
	}
	return Conflict{Local: h, Remote: remote}, true
}
