// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package requestor

import (
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/protocol"
)

// A Broadcaster sends a message to every connected node.
type Broadcaster interface {
	Broadcast(msg protocol.Message) int
}

var _ nodes.ConnectListener = (*Requestor)(nil)

// SetBroadcaster must be called before local changes are announced.
func (r *Requestor) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// MemberConnected tells the new member which files we have and looks for
// files to request, now that there is one more node to request from.
func (r *Requestor) MemberConnected(member *nodes.Member) {
	r.sendFileLists(member)
	r.TriggerFileRequestingAll()
}

func (r *Requestor) sendFileLists(peer Peer) {
	for _, f := range r.repo.Folders() {
		files := f.LocalFiles()
		for len(files) > 0 {
			n := min(len(files), protocol.MaxFilesPerList)
			peer.SendMessagesAsync(&protocol.FileList{Folder: f.ID(), Files: files[:n]})
			files = files[n:]
		}
	}
}

// AnnounceLocalChange tells the connected nodes about a new local version.
func (r *Requestor) AnnounceLocalChange(file protocol.FileInfo) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Broadcast(&protocol.FileList{
		Folder: file.Folder,
		Files:  []protocol.FileInfo{file},
	})
}

// ReceivedFileList records the announced versions and queues the folder
// when any of them is newer than ours.
func (r *Requestor) ReceivedFileList(from string, list *protocol.FileList) {
	f, ok := r.repo.Folder(list.Folder)
	if !ok {
		l.Debugf("%s announced files of unknown folder %s", from, list.Folder)
		return
	}
	newer := f.Announce(list.Files)
	l.Debugf("%s announced %d files in %s, %d newer", from, len(list.Files), list.Folder, newer)
	if newer > 0 {
		metricAnnouncedFiles.Add(float64(newer))
		r.TriggerFileRequesting(list.Folder)
	}
}
