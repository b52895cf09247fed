// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package folder describes the synchronized folders as seen by the file
// requestor and the filesystem watcher, and provides a basic in-memory
// implementation backed by the configuration.
package folder

import (
	"github.com/syncthing/peercore/lib/protocol"
)

// A Folder is a synchronized folder.
type Folder interface {
	ID() string
	Path() string

	IsStarted() bool
	IsAutoDownload() bool
	AutoDetectLocalChanges() bool
	IsDeviceDisconnected() bool
	IsScanning() bool
	// HasOwnDatabase is true once the folder was completely scanned.
	HasOwnDatabase() bool
	ScanAllowedNow() bool

	ConnectedMembersCount() int
	HasUploadCapacity() bool

	// Announce records the versions of files another node has and returns
	// how many of them are newer than what we know.
	Announce(files []protocol.FileInfo) int
	// LocalFiles returns the local index, ordered by name.
	LocalFiles() []protocol.FileInfo
	// IncomingFiles returns up to limit files that have a newer version
	// on other nodes.
	IncomingFiles(limit int) []protocol.FileInfo
	// CompareTransferPriority orders files by download priority, highest
	// first, as for slices.SortFunc.
	CompareTransferPriority(a, b protocol.FileInfo) int

	ScanDirectory(dir protocol.FileInfo) error
	ScanChangedFile(name string) (protocol.FileInfo, error)
	// FileHistory returns the local history of the file, nil if there is
	// none.
	FileHistory(file protocol.FileInfo) *protocol.FileHistory
}

// A Repository holds the folders we are a member of.
type Repository interface {
	// Folders returns the started folders.
	Folders() []Folder
	Folder(id string) (Folder, bool)
	// NewestVersion returns the newest known version of the file, from
	// any node.
	NewestVersion(file protocol.FileInfo) (protocol.FileInfo, bool)
	IsPaused() bool
}

// Members reports on the connected nodes for the folders.
type Members interface {
	CountConnectedNodes() int
	MaxConnectionsReached() bool
}
