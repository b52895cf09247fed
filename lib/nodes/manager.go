// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package nodes keeps the registry of known nodes, admits incoming
// connections and maintains the node list.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/connections"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/stats"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

// Reconnector schedules outgoing connections to members.
type Reconnector interface {
	// ConsiderReconnectionTo queues the member if it is worth connecting
	// to and reports whether it did.
	ConsiderReconnectionTo(m *Member) bool
	BuildReconnectionQueue()
}

// TransferManager is what the registry needs of the transfer layer.
type TransferManager interface {
	Status() *protocol.TransferStatus
	BreakTransfers(nodeID string)
}

// A MessageListener is handed every message received from a member after
// the registry processed it.
type MessageListener interface {
	MemberMessage(m *Member, msg protocol.Message)
}

// A ConnectListener is told when a member became completely connected.
type ConnectListener interface {
	MemberConnected(m *Member)
}

// A NodeFilter decides whether a node from a received node list is worth
// knowing. A node is added if any filter says so.
type NodeFilter func(info protocol.NodeInfo) bool

type Manager struct {
	svcutil.ServiceWithError

	cfg       *config.Wrapper
	ldb       *db.Lowlevel
	evLogger  events.Logger
	lan       *connections.LANClassifier
	keepalive *connections.KeepAliveChecker
	factory   *connections.Factory
	relays    *connections.RelayManager
	listener  *connections.Listener

	self        *Member
	reconnector Reconnector
	transfers   TransferManager
	msgListener []MessageListener
	conListener []ConnectListener
	filters     []NodeFilter

	started atomic.Bool
	loaded  atomic.Bool

	// acceptMut serializes admission decisions.
	acceptMut sync.Mutex

	mut        sync.RWMutex
	members    map[string]*Member
	friends    map[string]*Member
	connected  map[string]*Member
	wentOnline map[string]protocol.NodeInfo
	acceptors  []*acceptor
	ctx        context.Context
}

// NewManager creates the registry and the connection machinery it owns. The
// statistics database may be nil.
func NewManager(cfg *config.Wrapper, ldb *db.Lowlevel, evLogger events.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		ldb:        ldb,
		evLogger:   evLogger,
		acceptMut:  sync.NewMutex(),
		mut:        sync.NewRWMutex(),
		members:    make(map[string]*Member),
		friends:    make(map[string]*Member),
		connected:  make(map[string]*Member),
		wentOnline: make(map[string]protocol.NodeInfo),
	}

	m.lan = connections.NewLANClassifier(cfg)
	m.keepalive = connections.NewKeepAliveChecker(cfg)
	m.factory = connections.NewFactory(cfg, m, m.keepalive, m.lan)
	m.relays = connections.NewRelayManager(cfg, m.factory, m, m.acceptRelayed)
	if cfg.Options().ListenAddress != "" {
		m.listener = connections.NewListener(cfg, m.factory, m.AcceptConnectionAsync)
	}

	m.self = newMember(m.factory.Self(), nil)
	m.self.mySelf = true
	m.filters = []NodeFilter{m.defaultFilter}

	m.ServiceWithError = svcutil.AsService(m.serve, m.String())
	cfg.Subscribe(m)
	return m
}

func (*Manager) VerifyConfiguration(_, _ config.Configuration) error {
	return nil
}

// CommitConfiguration brings our own node info in line with the options.
// A new node id takes a restart.
func (m *Manager) CommitConfiguration(from, to config.Configuration) bool {
	if from.Options.NodeID != to.Options.NodeID {
		return false
	}
	m.self.setInfo(m.factory.Self())
	l.Debugln("own node info now", m.self)
	return true
}

// SetReconnector must be called before the manager is started.
func (m *Manager) SetReconnector(r Reconnector) {
	m.reconnector = r
}

// SetTransferManager must be called before the manager is started.
func (m *Manager) SetTransferManager(t TransferManager) {
	m.transfers = t
}

// AddMessageListener must be called before the manager is started.
func (m *Manager) AddMessageListener(ml MessageListener) {
	m.msgListener = append(m.msgListener, ml)
}

// AddConnectListener must be called before the manager is started.
func (m *Manager) AddConnectListener(cl ConnectListener) {
	m.conListener = append(m.conListener, cl)
}

// AddNodeFilter must be called before the manager is started.
func (m *Manager) AddNodeFilter(f NodeFilter) {
	m.filters = append(m.filters, f)
}

// Add all nodes when we are a supernode, otherwise supernodes and nodes
// that are online.
func (m *Manager) defaultFilter(info protocol.NodeInfo) bool {
	return m.self.IsSupernode() || info.Supernode || info.Connected
}

func (m *Manager) Factory() *connections.Factory {
	return m.factory
}

func (m *Manager) Relays() *connections.RelayManager {
	return m.relays
}

func (m *Manager) LAN() *connections.LANClassifier {
	return m.lan
}

// Listener returns the listener for incoming connections, or nil when
// none is configured.
func (m *Manager) Listener() *connections.Listener {
	return m.listener
}

func (m *Manager) MySelf() *Member {
	return m.self
}

func (m *Manager) ID() string {
	return m.self.ID()
}

func (m *Manager) IsStarted() bool {
	return m.started.Load()
}

// NodeListLoaded reports whether the node list has been loaded since the
// manager started.
func (m *Manager) NodeListLoaded() bool {
	return m.loaded.Load()
}

// Node returns the member with the given id, ourselves included.
func (m *Manager) Node(id string) *Member {
	if id == "" {
		return nil
	}
	if id == m.self.ID() {
		return m.self
	}
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.members[id]
}

func (m *Manager) KnowsNode(id string) bool {
	return m.Node(id) != nil
}

// Nodes returns all known members except ourselves, ordered by id.
func (m *Manager) Nodes() []*Member {
	m.mut.RLock()
	res := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		res = append(res, member)
	}
	m.mut.RUnlock()
	sortMembers(res)
	return res
}

// ConnectedNodes returns the completely connected members, ordered by id.
func (m *Manager) ConnectedNodes() []*Member {
	m.mut.RLock()
	res := make([]*Member, 0, len(m.connected))
	for _, member := range m.connected {
		res = append(res, member)
	}
	m.mut.RUnlock()
	sortMembers(res)
	return res
}

func (m *Manager) Friends() []*Member {
	m.mut.RLock()
	res := make([]*Member, 0, len(m.friends))
	for _, member := range m.friends {
		res = append(res, member)
	}
	m.mut.RUnlock()
	sortMembers(res)
	return res
}

func sortMembers(ms []*Member) {
	sort.Slice(ms, func(a, b int) bool { return ms[a].ID() < ms[b].ID() })
}

// addNode returns the member for the info, creating it if needed.
func (m *Manager) addNode(info protocol.NodeInfo) (*Member, bool) {
	if info.ID == m.self.ID() {
		return m.self, false
	}

	m.mut.Lock()
	if member, ok := m.members[info.ID]; ok {
		m.mut.Unlock()
		return member, false
	}
	var ref *stats.NodeStatisticsReference
	if m.ldb != nil {
		ref = stats.NewNodeStatisticsReference(m.ldb, info.ID)
	}
	info.Connected = false
	member := newMember(info, ref)
	m.members[info.ID] = member
	metricKnownNodes.Set(float64(len(m.members)))
	m.mut.Unlock()

	if !info.OnNetwork(m.cfg.Options().NetworkID) {
		l.Infof("Added node %v with different network id %q", member, info.NetworkID)
	}
	l.Debugln("added node", member)
	m.evLogger.Log(events.NodeAdded, map[string]string{
		"id":   info.ID,
		"nick": info.Nick,
	})
	return member, true
}

// RemoveNode disconnects the node and forgets about it.
func (m *Manager) RemoveNode(id string) {
	member := m.Node(id)
	if member == nil || member.IsMySelf() {
		return
	}
	member.Shutdown()

	m.mut.Lock()
	delete(m.members, id)
	delete(m.friends, id)
	delete(m.connected, id)
	delete(m.wentOnline, id)
	metricKnownNodes.Set(float64(len(m.members)))
	metricConnectedNodes.Set(float64(len(m.connected)))
	m.mut.Unlock()

	if member.stats != nil {
		if err := member.stats.Forget(); err != nil {
			l.Debugf("%v: forgetting statistics: %v", member, err)
		}
	}

	l.Infof("Removed %v from the known nodes", member)
	m.evLogger.Log(events.NodeRemoved, map[string]string{
		"id": id,
	})
}

// FriendStateChanged adds the member to or removes it from our friends. A
// new friend is told about it with the personal message.
func (m *Manager) FriendStateChanged(member *Member, friend bool, personalMessage string) {
	if member.IsMySelf() {
		return
	}

	wasFriend := member.IsFriend()
	id := member.ID()
	switch {
	case friend && !wasFriend:
		member.setFriend(true)
		m.mut.Lock()
		m.friends[id] = member
		m.mut.Unlock()
		m.evLogger.Log(events.FriendAdded, map[string]string{
			"id":   id,
			"nick": member.Nick(),
		})
		member.MarkForImmediateConnect()
		if member.IsCompletelyConnected() {
			member.SendMessagesAsync(&protocol.AddFriendNotification{
				Node:            m.self.Info(),
				PersonalMessage: personalMessage,
			})
		}
		if m.reconnector != nil {
			m.reconnector.ConsiderReconnectionTo(member)
		}

	case !friend && wasFriend:
		member.setFriend(false)
		m.mut.Lock()
		delete(m.friends, id)
		m.mut.Unlock()
		m.evLogger.Log(events.FriendRemoved, map[string]string{
			"id":   id,
			"nick": member.Nick(),
		})

	default:
		return
	}

	if m.loaded.Load() {
		m.storeNodes()
	}
}

// QueueNewNodes processes node infos received from other nodes or loaded
// from disk. It returns the number of nodes added and queued for
// reconnection.
func (m *Manager) QueueNewNodes(infos []protocol.NodeInfo) (added, queued int) {
	if len(infos) == 0 {
		return 0, 0
	}
	l.Debugf("received list of %d nodes", len(infos))

	opts := m.cfg.Options()
	now := time.Now()
	maxAge := opts.MaxNodeOffline()
	selfID := m.self.ID()

	for _, info := range infos {
		switch {
		case !info.IsValid(), info.IsStale(now, maxAge):
			l.Debugln("not adding invalid or outdated node", info)
			continue
		case !info.OnNetwork(opts.NetworkID):
			continue
		case !m.shouldAddNode(info):
			continue
		case info.IsTempServerNode():
			l.Debugln("ignoring temporary server node", info)
			continue
		case info.ID == selfID:
			continue
		case opts.LANOnly && info.ConnectAddress != "" && !m.lan.IsLANHost(info.ConnectAddress):
			continue
		}

		member, isNew := m.addNode(info)
		if isNew {
			added++
		} else {
			member.UpdateInfo(info)
		}

		if info.Connected {
			member.SetConnectedToNetwork(true)
			if m.reconnector != nil && m.reconnector.ConsiderReconnectionTo(member) {
				queued++
			}
		}
	}

	if added > 0 || queued > 0 {
		l.Debugf("queued %d new nodes for reconnection, %d added", queued, added)
	}
	return added, queued
}

func (m *Manager) shouldAddNode(info protocol.NodeInfo) bool {
	for _, f := range m.filters {
		if f(info) {
			return true
		}
	}
	return false
}

// onlineStateChanged brings the connected set in line with the connection
// state of the member and handles the transition, if there was one.
func (m *Manager) onlineStateChanged(member *Member) {
	id := member.ID()

	m.mut.Lock()
	if _, known := m.members[id]; !known {
		m.mut.Unlock()
		return
	}
	connected := member.IsCompletelyConnected()
	_, was := m.connected[id]
	if connected == was {
		m.mut.Unlock()
		return
	}
	if connected {
		m.connected[id] = member
		m.wentOnline[id] = member.Info()
	} else {
		delete(m.connected, id)
		delete(m.wentOnline, id)
	}
	metricConnectedNodes.Set(float64(len(m.connected)))
	m.mut.Unlock()

	now := time.Now()
	if connected {
		member.wentOnline(now)
		l.Infof("Connected to %v (%s)", member, connectionKind(member))

		if m.reconnector != nil {
			opts := m.cfg.Options()
			if !m.self.IsSupernode() && m.CountConnectedSupernodes() >= opts.SupernodesToConnect {
				l.Debugln("enough supernodes connected, rebuilding reconnection queue")
				m.reconnector.BuildReconnectionQueue()
			} else if m.relays.IsRelay(id) {
				l.Debugln("connected to relay, rebuilding reconnection queue")
				m.reconnector.BuildReconnectionQueue()
			}
		}

		m.evLogger.Log(events.NodeConnected, map[string]string{
			"id":   id,
			"nick": member.Nick(),
			"kind": connectionKind(member),
		})
		for _, cl := range m.conListener {
			cl.MemberConnected(member)
		}
		return
	}

	member.wentOffline(now)
	l.Infof("Disconnected from %v", member)
	if m.transfers != nil {
		m.transfers.BreakTransfers(id)
	}
	m.evLogger.Log(events.NodeDisconnected, map[string]string{
		"id":   id,
		"nick": member.Nick(),
	})
}

func connectionKind(member *Member) string {
	peer := member.Peer()
	switch {
	case peer == nil:
		return "none"
	case peer.IsTunneled():
		return "relayed"
	case peer.IsOnLAN():
		return "lan"
	default:
		return "wan"
	}
}

// HandleMessage receives everything the handlers do not process
// themselves.
func (m *Manager) HandleMessage(h connections.Handler, msg protocol.Message) {
	if rm, ok := msg.(*protocol.RelayedMessage); ok {
		m.relays.HandleRelayedMessage(h, rm)
		return
	}

	member := m.Node(h.MemberID())
	if member == nil || member.Peer() != h {
		l.Debugf("%v: dropping %v from a handler that is not current", h, protocol.TypeOf(msg))
		return
	}

	switch msg := msg.(type) {
	case *protocol.KnownNodes:
		m.QueueNewNodes(msg.Nodes)

	case *protocol.RequestNodeList:
		m.ReceivedRequestNodeList(msg, member)

	case *protocol.TransferStatus:
		member.setTransferStatus(msg)

	case *protocol.AddFriendNotification:
		l.Infof("%v added us as a friend", member)
		m.evLogger.Log(events.FriendRequestReceived, map[string]string{
			"id":      member.ID(),
			"nick":    member.Nick(),
			"message": msg.PersonalMessage,
		})

	case *protocol.Problem:
		if msg.Code == protocol.ProblemDuplicateConnection {
			l.Debugf("%v: remote reports duplicate connection: %s", member, msg.Message)
		} else {
			member.warnf("problem reported: %s", msg.Message)
		}
		if msg.Fatal {
			h.Shutdown()
			return
		}
	}

	for _, ml := range m.msgListener {
		ml.MemberMessage(member, msg)
	}
}

// HandlerClosed detaches the closed handler from its member.
func (m *Manager) HandlerClosed(h connections.Handler, err error) {
	m.relays.RelayClosed(h)

	member := m.Node(h.MemberID())
	if member == nil || member.IsMySelf() {
		return
	}
	if member.unbindPeer(h) {
		l.Debugf("%v: connection %v closed: %v", member, h, err)
	}
	m.onlineStateChanged(member)
}

// ConnectedHandler returns the handler of a completely connected node.
func (m *Manager) ConnectedHandler(id string) (connections.Handler, bool) {
	member := m.Node(id)
	if member == nil || member.IsMySelf() {
		return nil, false
	}
	peer := member.Peer()
	if peer == nil || !peer.IsConnected() {
		return nil, false
	}
	return peer, true
}

// Counts

func (m *Manager) CountNodes() int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.members)
}

func (m *Manager) CountConnectedNodes() int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.connected)
}

func (m *Manager) countMembers(pred func(*Member) bool) int {
	m.mut.RLock()
	members := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		members = append(members, member)
	}
	m.mut.RUnlock()

	n := 0
	for _, member := range members {
		if pred(member) {
			n++
		}
	}
	return n
}

func (m *Manager) CountOnlineNodes() int {
	return m.countMembers((*Member).IsConnectedToNetwork)
}

func (m *Manager) CountSupernodes() int {
	return m.countMembers((*Member).IsSupernode)
}

func (m *Manager) CountOnlineSupernodes() int {
	return m.countMembers(func(member *Member) bool {
		return member.IsSupernode() && member.IsConnectedToNetwork()
	})
}

func (m *Manager) CountConnectedSupernodes() int {
	n := 0
	for _, member := range m.ConnectedNodes() {
		if member.IsSupernode() {
			n++
		}
	}
	return n
}

func (m *Manager) CountFriends() int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.friends)
}

func (m *Manager) CountOnlineFriends() int {
	n := 0
	for _, member := range m.Friends() {
		if member.IsConnectedToNetwork() {
			n++
		}
	}
	return n
}

// MaxConnectionsReached reports whether the upload limit leaves no room
// for more connections. Unlimited upload never does.
func (m *Manager) MaxConnectionsReached() bool {
	opts := m.cfg.Options()
	if opts.MaxUploadKBps <= 0 {
		return false
	}
	allowed := int(float64(opts.MaxUploadKBps) * opts.ConnectionsPerUploadKB)
	n := m.CountConnectedNodes()
	if n > allowed {
		l.Debugf("no connection slots open, used %d/%d", n, allowed)
	}
	return n > allowed
}

func (m *Manager) String() string {
	return fmt.Sprintf("nodes.Manager@%p", m)
}
