// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/syncthing/peercore/lib/connections"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/stats"
	"github.com/syncthing/peercore/lib/sync"
)

// At most one warning per node and minute, with a small burst.
const (
	warnInterval = time.Minute
	warnBurst    = 3
)

// A Member is the runtime object of a known node. There is exactly one per
// node id, owned by the Manager. The member owns its current connection
// handler; the handler only knows the member id.
type Member struct {
	mySelf bool
	stats  *stats.NodeStatisticsReference
	warn   *rate.Limiter

	mut                sync.Mutex
	info               protocol.NodeInfo
	peer               connections.Handler
	friend             bool
	connectedToNetwork bool
	markedForConnect   bool
	lastConnectAttempt time.Time
	connectedAt        time.Time
	transferStatus     *protocol.TransferStatus
}

func newMember(info protocol.NodeInfo, ref *stats.NodeStatisticsReference) *Member {
	return &Member{
		stats: ref,
		warn:  rate.NewLimiter(rate.Every(warnInterval), warnBurst),
		mut:   sync.NewMutex(),
		info:  info,
	}
}

func (m *Member) ID() string {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.info.ID
}

func (m *Member) Nick() string {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.info.Nick
}

// Info returns a copy of the node info, with the connected flag reflecting
// what we know right now.
func (m *Member) Info() protocol.NodeInfo {
	m.mut.Lock()
	defer m.mut.Unlock()
	info := m.info
	info.Connected = m.connectedToNetworkLocked()
	return info
}

func (m *Member) String() string {
	return m.Info().String()
}

func (m *Member) IsMySelf() bool {
	return m.mySelf
}

func (m *Member) IsFriend() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.friend
}

func (m *Member) setFriend(friend bool) {
	m.mut.Lock()
	m.friend = friend
	m.mut.Unlock()
}

func (m *Member) IsSupernode() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.info.Supernode
}

// IsConnected reports whether the member has a live handler, which may
// still be completing its handshake.
func (m *Member) IsConnected() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.peer != nil && m.peer.State() != connections.StateShutdown
}

// IsCompletelyConnected reports whether the handler of the member finished
// its handshake.
func (m *Member) IsCompletelyConnected() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.peer != nil && m.peer.IsConnected()
}

func (m *Member) IsOnLAN() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.peer != nil && m.peer.IsOnLAN()
}

// IsConnectedToNetwork reports whether the node is connected to us or,
// according to the last node list that mentioned it, to someone else.
func (m *Member) IsConnectedToNetwork() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.connectedToNetworkLocked()
}

func (m *Member) connectedToNetworkLocked() bool {
	if m.mySelf {
		return true
	}
	if m.peer != nil && m.peer.IsConnected() {
		return true
	}
	return m.connectedToNetwork
}

func (m *Member) SetConnectedToNetwork(connected bool) {
	m.mut.Lock()
	m.connectedToNetwork = connected
	m.mut.Unlock()
}

func (m *Member) setInfo(info protocol.NodeInfo) {
	m.mut.Lock()
	m.info = info
	m.mut.Unlock()
}

// UpdateInfo takes over the given info if it is newer than ours.
func (m *Member) UpdateInfo(info protocol.NodeInfo) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	if info.ID != m.info.ID || !info.NewerThan(m.info) {
		return false
	}
	m.info = info
	m.info.Connected = false
	return true
}

// MarkForImmediateConnect asks the reconnect scheduler to prefer this
// member on its next round.
func (m *Member) MarkForImmediateConnect() {
	m.mut.Lock()
	m.markedForConnect = true
	m.mut.Unlock()
}

func (m *Member) IsMarkedForImmediateConnect() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.markedForConnect
}

// ConnectAttempted records an outgoing connection attempt and clears the
// immediate connect mark.
func (m *Member) ConnectAttempted(at time.Time) {
	m.mut.Lock()
	m.lastConnectAttempt = at
	m.markedForConnect = false
	m.mut.Unlock()
}

func (m *Member) LastConnectAttempt() time.Time {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.lastConnectAttempt
}

// LastSeen returns when the node was last connected to us, from the
// statistics database.
func (m *Member) LastSeen() time.Time {
	if m.stats == nil {
		return time.Unix(0, 0)
	}
	t, err := m.stats.GetLastSeen()
	if err != nil {
		l.Debugf("%v: last seen: %v", m, err)
		return time.Unix(0, 0)
	}
	return t
}

func (m *Member) Statistics() (stats.NodeStatistics, error) {
	if m.stats == nil {
		return stats.NodeStatistics{}, nil
	}
	return m.stats.GetStatistics()
}

func (m *Member) Peer() connections.Handler {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.peer
}

// LastTransferStatus is the latest transfer status the node broadcast.
func (m *Member) LastTransferStatus() *protocol.TransferStatus {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.transferStatus
}

func (m *Member) SendMessage(msg protocol.Message) error {
	peer := m.Peer()
	if peer == nil {
		return protocol.ErrNotConnected
	}
	return peer.SendMessage(msg)
}

func (m *Member) SendMessagesAsync(msgs ...protocol.Message) {
	if peer := m.Peer(); peer != nil {
		peer.SendMessagesAsync(msgs...)
	}
}

// Shutdown closes the connection to the node, if any.
func (m *Member) Shutdown() {
	if peer := m.Peer(); peer != nil {
		peer.Shutdown()
	}
}

// bindPeer makes h the handler of the member and returns the one it
// replaced, which the caller shuts down.
func (m *Member) bindPeer(h connections.Handler) connections.Handler {
	m.mut.Lock()
	defer m.mut.Unlock()
	old := m.peer
	m.peer = h
	if old == h {
		return nil
	}
	return old
}

// unbindPeer detaches h if it is still the handler of the member.
func (m *Member) unbindPeer(h connections.Handler) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.peer != h {
		return false
	}
	m.peer = nil
	return true
}

// takeIdentity updates the info from the identity the node presented in
// a completed handshake.
func (m *Member) takeIdentity(id *protocol.Identity) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if id == nil || id.Node.ID != m.info.ID {
		return
	}
	m.info.Nick = id.Node.Nick
	m.info.NetworkID = id.Node.NetworkID
	m.info.Supernode = id.Node.Supernode
	if id.Node.ConnectAddress != "" {
		m.info.ConnectAddress = id.Node.ConnectAddress
	}
	m.info.LastConnect = time.Now()
}

func (m *Member) setTransferStatus(ts *protocol.TransferStatus) {
	m.mut.Lock()
	m.transferStatus = ts
	m.mut.Unlock()
}

func (m *Member) wentOnline(now time.Time) {
	m.mut.Lock()
	m.connectedAt = now
	m.connectedToNetwork = true
	m.mut.Unlock()
	if m.stats != nil {
		if err := m.stats.Connected(); err != nil {
			l.Debugf("%v: recording connect: %v", m, err)
		}
	}
}

func (m *Member) wentOffline(now time.Time) {
	m.mut.Lock()
	d := now.Sub(m.connectedAt)
	m.connectedAt = time.Time{}
	m.transferStatus = nil
	m.mut.Unlock()
	if m.stats != nil {
		if err := m.stats.Disconnected(d); err != nil {
			l.Debugf("%v: recording disconnect: %v", m, err)
		}
	}
}

// warnf logs a warning about the node, unless too many were logged
// recently.
func (m *Member) warnf(format string, args ...interface{}) {
	if m.warn.Allow() {
		l.Warnf("%v: "+format, append([]interface{}{m}, args...)...)
		return
	}
	l.Debugf("%v: "+format, append([]interface{}{m}, args...)...)
}
