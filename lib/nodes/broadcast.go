// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"time"

	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/rand"
)

const (
	// Pause between the targets of a broadcast, to not wake all senders
	// at once.
	broadcastGap = 5 * time.Millisecond

	// Node lists are split into messages of this many nodes.
	knownNodesPerMessage = 500
)

// Broadcast queues the message to every completely connected node, in the
// background. It returns the number of targets.
func (m *Manager) Broadcast(msg protocol.Message) int {
	if !m.started.Load() {
		l.Debugf("not started, not broadcasting %v", protocol.TypeOf(msg))
		return 0
	}
	targets := m.ConnectedNodes()
	if len(targets) == 0 {
		return 0
	}
	l.Debugf("broadcasting %v to %d nodes", protocol.TypeOf(msg), len(targets))
	metricBroadcasts.WithLabelValues(broadcastAll).Add(float64(len(targets)))

	go func() {
		for i, member := range targets {
			if i > 0 {
				time.Sleep(broadcastGap)
			}
			if member.IsCompletelyConnected() {
				member.SendMessagesAsync(msg)
			}
		}
	}()
	return len(targets)
}

// BroadcastToSupernodes queues the message to up to n randomly chosen
// connected supernodes, all of them if n <= 0.
func (m *Manager) BroadcastToSupernodes(msg protocol.Message, n int) int {
	return m.broadcastSample(msg, n, broadcastSupernodes, (*Member).IsSupernode)
}

// BroadcastToLAN queues the message to up to n randomly chosen connected
// nodes on our LAN, all of them if n <= 0.
func (m *Manager) BroadcastToLAN(msg protocol.Message, n int) int {
	return m.broadcastSample(msg, n, broadcastLAN, (*Member).IsOnLAN)
}

func (m *Manager) broadcastSample(msg protocol.Message, n int, kind string, pred func(*Member) bool) int {
	if !m.started.Load() {
		l.Debugf("not started, not broadcasting %v", protocol.TypeOf(msg))
		return 0
	}
	var candidates []*Member
	for _, member := range m.ConnectedNodes() {
		if pred(member) {
			candidates = append(candidates, member)
		}
	}
	targets := rand.Sample(candidates, n)
	for _, member := range targets {
		l.Debugf("sending %v to %v", protocol.TypeOf(msg), member)
		member.SendMessagesAsync(msg)
	}
	metricBroadcasts.WithLabelValues(kind).Add(float64(len(targets)))
	return len(targets)
}

// ReceivedRequestNodeList answers a node list request with the known nodes
// matching it.
func (m *Manager) ReceivedRequestNodeList(req *protocol.RequestNodeList, from *Member) {
	infos := make([]protocol.NodeInfo, 0, m.CountNodes())
	for _, member := range m.Nodes() {
		infos = append(infos, member.Info())
	}
	list := req.Filter(infos)
	l.Debugf("%v requested nodes, answering with %d of %d", from, len(list), len(infos))
	from.SendMessagesAsync(knownNodesMessages(list)...)
}

func knownNodesMessages(list []protocol.NodeInfo) []protocol.Message {
	if len(list) == 0 {
		return []protocol.Message{&protocol.KnownNodes{}}
	}
	var msgs []protocol.Message
	for len(list) > 0 {
		n := min(len(list), knownNodesPerMessage)
		msgs = append(msgs, &protocol.KnownNodes{Nodes: list[:n:n]})
		list = list[n:]
	}
	return msgs
}

// CreateDefaultNodeListRequest asks for all nodes when we are a supernode,
// otherwise for our friends and whoever else is online.
func (m *Manager) CreateDefaultNodeListRequest() *protocol.RequestNodeList {
	if m.self.IsSupernode() {
		return protocol.NewRequestAllNodes()
	}
	friends := m.Friends()
	ids := make([]string, len(friends))
	for i, f := range friends {
		ids[i] = f.ID()
	}
	return protocol.NewRequestNodeList(ids, protocol.CriteriaOnline, protocol.CriteriaOnline)
}
