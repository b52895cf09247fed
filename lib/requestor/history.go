// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package requestor

import (
	"time"

	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/protocol"
)

// Unanswered history requests are forgotten after this long, so that the
// file can be requested again.
const historyTimeout = 5 * time.Minute

type pendingHistory struct {
	file   protocol.FileInfo
	nodeID string
	sent   time.Time
}

var _ nodes.MessageListener = (*Requestor)(nil)

func (r *Requestor) MemberMessage(member *nodes.Member, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.FileHistoryRequest:
		r.answerFileHistory(member, msg)
	case *protocol.FileHistoryReply:
		r.ReceivedFileHistory(msg)
	case *protocol.FileList:
		r.ReceivedFileList(member.ID(), msg)
	}
}

func (r *Requestor) requestFileHistory(peer Peer, file protocol.FileInfo) {
	p := pendingHistory{file: file, nodeID: peer.ID(), sent: time.Now()}
	if _, loaded := r.pending.LoadOrStore(file.Key(), p); loaded {
		l.Debugln("history request already pending for", file)
		return
	}
	l.Debugf("requesting history of %v from %s", file, peer.ID())
	peer.SendMessagesAsync(&protocol.FileHistoryRequest{File: file})
}

func (r *Requestor) answerFileHistory(peer Peer, req *protocol.FileHistoryRequest) {
	var hist *protocol.FileHistory
	if f, ok := r.repo.Folder(req.File.Folder); ok {
		hist = f.FileHistory(req.File)
	}
	peer.SendMessagesAsync(&protocol.FileHistoryReply{File: req.File, History: hist})
}

// ReceivedFileHistory handles the answer to one of our history requests.
func (r *Requestor) ReceivedFileHistory(reply *protocol.FileHistoryReply) {
	if _, ok := r.pending.LoadAndDelete(reply.File.Key()); !ok {
		l.Infoln("Received file history for unrequested file", reply.File)
		return
	}
	r.checkForConflict(reply)
}

func (r *Requestor) checkForConflict(reply *protocol.FileHistoryReply) {
	file := reply.File
	if reply.History == nil {
		// A node that announced a version must have a history for it.
		l.Debugf("remote claims to have no history for %v, downloading anyway", file)
		r.download(file, true)
		return
	}

	f, ok := r.repo.Folder(file.Folder)
	if !ok {
		l.Debugln("folder gone, not downloading", file)
		return
	}
	local := f.FileHistory(file)
	if local == nil {
		l.Warnf("Local file history missing for %v, not downloading", file)
		return
	}

	conflict, ok := local.ConflictWith(*reply.History)
	if !ok {
		r.download(file, true)
		return
	}

	metricConflicts.Inc()
	resolved := r.resolve(conflict)
	l.Infof("Detected %v, taking remote version: %v", conflict, resolved)
	r.evLogger.Log(events.ConflictDetected, map[string]interface{}{
		"folder":   file.Folder,
		"item":     file.Name,
		"resolved": resolved,
	})
	if resolved {
		r.download(file, true)
	}
}

func (r *Requestor) expirePending(now time.Time) {
	r.pending.Range(func(key string, p pendingHistory) bool {
		if now.Sub(p.sent) > historyTimeout {
			l.Debugf("history request for %v to %s timed out", p.file, p.nodeID)
			r.pending.Delete(key)
		}
		return true
	})
}

// PendingHistories returns the number of unanswered history requests.
func (r *Requestor) PendingHistories() int {
	return r.pending.Size()
}

// RemoteIfNewer resolves a conflict in favour of the version that was
// modified last.
func RemoteIfNewer(c protocol.Conflict) bool {
	local, _ := c.Local.Head()
	remote, _ := c.Remote.Head()
	return remote.Modified.After(local.Modified)
}
