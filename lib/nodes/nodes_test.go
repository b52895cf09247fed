// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/protocol"
)

func newTestConfig(t *testing.T, id, nick string) *config.Wrapper {
	t.Helper()
	cfg := config.New(nick)
	cfg.Options.NodeID = id
	cfg.Options.ListenAddress = ""
	return config.Wrap(filepath.Join(t.TempDir(), "peercore.yaml"), cfg, events.NoopLogger)
}

// newTestManager returns a manager that admits connections without its
// services running.
func newTestManager(t *testing.T, id, nick string) *Manager {
	t.Helper()
	m := NewManager(newTestConfig(t, id, nick), db.OpenMemory(), events.NoopLogger)
	m.started.Store(true)
	m.ctx = context.Background()
	return m
}

type acceptResult struct {
	member *Member
	err    error
}

// pipe connects the two managers over a fresh in-memory connection and
// returns the outcome of the admission on each side.
func pipe(a, b *Manager) (acceptResult, acceptResult) {
	c1, c2 := net.Pipe()
	ha := a.Factory().NewDirect(c1)
	hb := b.Factory().NewDirect(c2)

	ctx := context.Background()
	ra := make(chan acceptResult, 1)
	rb := make(chan acceptResult, 1)
	go func() {
		m, err := a.AcceptConnection(ctx, ha)
		ra <- acceptResult{m, err}
	}()
	go func() {
		m, err := b.AcceptConnection(ctx, hb)
		rb <- acceptResult{m, err}
	}()
	return <-ra, <-rb
}

func connect(t *testing.T, a, b *Manager) (*Member, *Member) {
	t.Helper()
	ra, rb := pipe(a, b)
	if ra.err != nil || rb.err != nil {
		t.Fatalf("admission failed: %v / %v", ra.err, rb.err)
	}
	return ra.member, rb.member
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeReconnector struct {
	mut        stdsync.Mutex
	considered []string
	rebuilds   int
}

func (r *fakeReconnector) ConsiderReconnectionTo(m *Member) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.considered = append(r.considered, m.ID())
	return true
}

func (r *fakeReconnector) BuildReconnectionQueue() {
	r.mut.Lock()
	r.rebuilds++
	r.mut.Unlock()
}

func (r *fakeReconnector) consideredIDs() []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return slices.Clone(r.considered)
}

type fakeTransfers struct {
	mut    stdsync.Mutex
	broken []string
}

func (*fakeTransfers) Status() *protocol.TransferStatus {
	return &protocol.TransferStatus{ActiveUploads: 1}
}

func (f *fakeTransfers) BreakTransfers(id string) {
	f.mut.Lock()
	f.broken = append(f.broken, id)
	f.mut.Unlock()
}

func (f *fakeTransfers) brokenIDs() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return slices.Clone(f.broken)
}

type recordingListener chan protocol.Message

func (r recordingListener) MemberMessage(_ *Member, msg protocol.Message) {
	r <- msg
}

func TestShouldAccept(t *testing.T) {
	cases := []struct {
		existingOnLAN, existingConnected, newOnLAN bool
		accept                                     bool
	}{
		{false, true, true, true},
		{false, true, false, false},
		{true, true, true, false},
		{true, true, false, false},
		{false, false, false, true},
		{true, false, false, true},
		{true, false, true, true},
		{false, false, true, true},
	}
	for _, tc := range cases {
		if res := shouldAccept(tc.existingOnLAN, tc.existingConnected, tc.newOnLAN); res != tc.accept {
			t.Errorf("shouldAccept(lan=%v, connected=%v, newLAN=%v) = %v, expected %v",
				tc.existingOnLAN, tc.existingConnected, tc.newOnLAN, res, tc.accept)
		}
	}
}

func TestAcceptNewNode(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	ma, mb := connect(t, a, b)
	defer ma.Shutdown()

	if ma.ID() != "BBBB" || mb.ID() != "AAAA" {
		t.Fatalf("wrong members %v, %v", ma, mb)
	}
	if a.Node("BBBB") != ma || a.Node("AAAA") != a.MySelf() {
		t.Error("lookup does not return the canonical member")
	}
	if !ma.IsCompletelyConnected() || !ma.IsConnectedToNetwork() {
		t.Error("member not connected")
	}
	if ma.Nick() != "bob" {
		t.Errorf("nick %q", ma.Nick())
	}
	if a.CountConnectedNodes() != 1 || b.CountConnectedNodes() != 1 {
		t.Errorf("connected counts %d, %d", a.CountConnectedNodes(), b.CountConnectedNodes())
	}
	if ma.Peer().MemberID() != "BBBB" {
		t.Error("handler not bound to the member")
	}

	st, err := ma.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if st.ConnectCount != 1 {
		t.Errorf("connect count %d", st.ConnectCount)
	}
}

func TestDuplicateConnectionRejected(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	ma, _ := connect(t, a, b)
	defer ma.Shutdown()
	first := ma.Peer()

	ra, rb := pipe(a, b)
	if !errors.Is(ra.err, protocol.ErrDuplicateConnection) {
		t.Errorf("a: expected duplicate connection, got %v", ra.err)
	}
	if !errors.Is(rb.err, protocol.ErrDuplicateConnection) {
		t.Errorf("b: expected duplicate connection, got %v", rb.err)
	}

	if ma.Peer() != first || !first.IsConnected() {
		t.Error("the existing connection was disturbed")
	}
	if a.CountNodes() != 1 {
		t.Errorf("%d nodes known, expected 1", a.CountNodes())
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	transfers := new(fakeTransfers)
	a.SetTransferManager(transfers)

	ma, mb := connect(t, a, b)
	first := ma.Peer()
	first.Shutdown()

	waitFor(t, "disconnect", func() bool {
		return a.CountConnectedNodes() == 0 && b.CountConnectedNodes() == 0
	})
	if ma.Peer() != nil || mb.Peer() != nil {
		t.Error("closed handler still bound")
	}
	if ma.IsCompletelyConnected() {
		t.Error("member still connected")
	}
	if !slices.Equal(transfers.brokenIDs(), []string{"BBBB"}) {
		t.Errorf("transfers broken for %v", transfers.brokenIDs())
	}

	ma2, _ := connect(t, a, b)
	defer ma2.Shutdown()
	if ma2 != ma {
		t.Error("reconnect created a second member")
	}
	if ma.Peer() == first {
		t.Error("old handler bound after reconnect")
	}
	st, _ := ma.Statistics()
	if st.ConnectCount != 2 {
		t.Errorf("connect count %d, expected 2", st.ConnectCount)
	}
}

func TestLoopbackRejected(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	ra, rb := pipe(a, a)
	for _, r := range []acceptResult{ra, rb} {
		if !errors.Is(r.err, errLoopback) {
			t.Errorf("expected loopback error, got %v", r.err)
		}
	}
	if a.CountNodes() != 0 {
		t.Error("loopback added a node")
	}
}

func TestNetworkMismatchRejected(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	opts := b.cfg.Options()
	opts.NetworkID = "Y"
	if err := b.cfg.SetOptions(opts); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "own node info to follow the options", func() bool {
		return b.MySelf().Info().NetworkID == "Y"
	})

	ra, rb := pipe(a, b)
	if !errors.Is(ra.err, errNetworkMismatch) || !errors.Is(rb.err, errNetworkMismatch) {
		t.Errorf("expected network mismatch on both sides, got %v / %v", ra.err, rb.err)
	}
}

func TestNotStartedRejects(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	b.started.Store(false)

	ra, rb := pipe(a, b)
	if ra.err == nil {
		t.Error("a accepted a connection the other side refused")
	}
	if !errors.Is(rb.err, errNotStarted) {
		t.Errorf("expected not started, got %v", rb.err)
	}
}

func TestQueueNewNodes(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	r := new(fakeReconnector)
	a.SetReconnector(r)

	now := time.Now()
	infos := []protocol.NodeInfo{
		{ID: "C1", Nick: "connected", NetworkID: "X", Connected: true},
		{ID: "S1", Nick: "super", NetworkID: "X", Supernode: true, LastConnect: now.Add(-time.Hour)},
		{ID: "OLD", Nick: "old", NetworkID: "X", Supernode: true, LastConnect: now.Add(-30 * 24 * time.Hour)},
		{ID: "NEVER", Nick: "never", NetworkID: "X", Supernode: true},
		{ID: "OTHER", Nick: "other", NetworkID: "Y", Connected: true},
		{ID: "PLAIN", Nick: "plain", NetworkID: "X", LastConnect: now},
		{ID: protocol.TempNodeIDPrefix + "1", Nick: "temp", NetworkID: "X", Connected: true},
		{ID: "AAAA", Nick: "me", NetworkID: "X", Connected: true},
		{ID: "", Nick: "invalid", NetworkID: "X", Connected: true},
	}

	added, queued := a.QueueNewNodes(infos)
	if added != 2 || queued != 1 {
		t.Errorf("added %d, queued %d; expected 2, 1", added, queued)
	}
	for _, id := range []string{"C1", "S1"} {
		if !a.KnowsNode(id) {
			t.Errorf("%s not added", id)
		}
	}
	for _, id := range []string{"OLD", "NEVER", "OTHER", "PLAIN", protocol.TempNodeIDPrefix + "1"} {
		if a.KnowsNode(id) {
			t.Errorf("%s should not have been added", id)
		}
	}
	if !slices.Equal(r.consideredIDs(), []string{"C1"}) {
		t.Errorf("considered for reconnection: %v", r.consideredIDs())
	}
	if !a.Node("C1").IsConnectedToNetwork() {
		t.Error("connected flag not taken over")
	}

	// Only newer information replaces what we know.
	a.QueueNewNodes([]protocol.NodeInfo{
		{ID: "S1", Nick: "older", NetworkID: "X", Supernode: true, LastConnect: now.Add(-2 * time.Hour)},
	})
	if nick := a.Node("S1").Nick(); nick != "super" {
		t.Errorf("older info applied, nick %q", nick)
	}
	a.QueueNewNodes([]protocol.NodeInfo{
		{ID: "S1", Nick: "newer", NetworkID: "X", Supernode: true, LastConnect: now},
	})
	if nick := a.Node("S1").Nick(); nick != "newer" {
		t.Errorf("newer info not applied, nick %q", nick)
	}

	if a.CountSupernodes() != 1 || a.CountOnlineNodes() != 1 || a.CountOnlineSupernodes() != 0 {
		t.Errorf("counts: supernodes %d, online %d, online supernodes %d",
			a.CountSupernodes(), a.CountOnlineNodes(), a.CountOnlineSupernodes())
	}
}

func TestSupernodeAddsAllNodes(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	a.self.info.Supernode = true

	added, _ := a.QueueNewNodes([]protocol.NodeInfo{
		{ID: "PLAIN", Nick: "plain", NetworkID: "X", LastConnect: time.Now()},
	})
	if added != 1 {
		t.Error("supernode did not add a plain node")
	}
	req := a.CreateDefaultNodeListRequest()
	if req.ListedCriteria != protocol.CriteriaAll || req.OthersCriteria != protocol.CriteriaAll {
		t.Errorf("supernode request %+v", req)
	}
}

func TestFriends(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	r := new(fakeReconnector)
	a.SetReconnector(r)
	a.loaded.Store(true)

	friend, _ := a.addNode(protocol.NodeInfo{ID: "FFFF", Nick: "fred", NetworkID: "X", LastConnect: time.Now()})
	a.FriendStateChanged(friend, true, "hello")
	a.FriendStateChanged(friend, true, "again")

	if !friend.IsFriend() || a.CountFriends() != 1 {
		t.Fatal("friend not added")
	}
	if !friend.IsMarkedForImmediateConnect() {
		t.Error("new friend not marked for immediate connect")
	}
	if !slices.Equal(r.consideredIDs(), []string{"FFFF"}) {
		t.Errorf("considered for reconnection: %v", r.consideredIDs())
	}
	if _, err := os.Stat(a.nodesFile()); err != nil {
		t.Error("nodes not stored after friend change:", err)
	}

	req := a.CreateDefaultNodeListRequest()
	if !slices.Equal(req.NodeIDs, []string{"FFFF"}) || req.OthersCriteria != protocol.CriteriaOnline {
		t.Errorf("request %+v", req)
	}

	a.FriendStateChanged(a.MySelf(), true, "")
	if a.CountFriends() != 1 {
		t.Error("became our own friend")
	}

	a.FriendStateChanged(friend, false, "")
	if friend.IsFriend() || a.CountFriends() != 0 || a.CountOnlineFriends() != 0 {
		t.Error("friend not removed")
	}
}

func TestNodeListRoundTrip(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	now := time.Now().Truncate(time.Second)
	a.QueueNewNodes([]protocol.NodeInfo{
		{ID: "S1", Nick: "super", NetworkID: "X", Supernode: true, LastConnect: now, ConnectAddress: "192.0.2.1:1337"},
	})
	friend, _ := a.addNode(protocol.NodeInfo{ID: "FFFF", Nick: "fred", NetworkID: "X", LastConnect: now.Add(-100 * 24 * time.Hour)})
	a.FriendStateChanged(friend, true, "")
	a.storeNodes()

	check := func(t *testing.T) {
		t.Helper()
		b := NewManager(a.cfg, db.OpenMemory(), events.NoopLogger)
		b.loadNodes()
		s1 := b.Node("S1")
		if s1 == nil {
			t.Fatal("supernode not loaded")
		}
		if info := s1.Info(); info.ConnectAddress != "192.0.2.1:1337" || !info.LastConnect.Equal(now) {
			t.Errorf("loaded info %+v", info)
		}
		if f := b.Node("FFFF"); f == nil || !f.IsFriend() {
			t.Error("friend not loaded")
		}
		if b.CountNodes() != 2 {
			t.Errorf("%d nodes loaded", b.CountNodes())
		}
	}

	t.Run("main", check)

	if err := os.WriteFile(a.nodesFile(), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Run("backup", check)

	list, err := ReadNodeList(a.nodesBackupFile())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.ContainsFunc(list.Nodes, func(n protocol.NodeInfo) bool { return n.ID == "AAAA" }) {
		t.Error("own node not stored")
	}
}

func TestEmptyNodeListNotWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.nodes")
	if err := WriteNodeList(path, protocol.NodeList{}); !errors.Is(err, errEmptyNodeList) {
		t.Errorf("expected empty node list error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file written")
	}
}

func TestRequestNodeListExchange(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	a.QueueNewNodes([]protocol.NodeInfo{
		{ID: "S1", Nick: "super", NetworkID: "X", Supernode: true, Connected: true},
	})

	_, mb := connect(t, a, b)
	defer mb.Shutdown()

	if err := mb.SendMessage(protocol.NewRequestAllNodes()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "node list", func() bool { return b.KnowsNode("S1") })
	if b.Node("BBBB") != b.MySelf() {
		t.Error("own id resolved to a foreign member")
	}
}

func TestBroadcast(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	rec := make(recordingListener, 10)
	b.AddMessageListener(rec)

	ma, _ := connect(t, a, b)
	defer ma.Shutdown()

	if n := a.Broadcast(&protocol.TransferStatus{ActiveDownloads: 4}); n != 1 {
		t.Errorf("broadcast to %d nodes", n)
	}
	select {
	case msg := <-rec:
		if ts, ok := msg.(*protocol.TransferStatus); !ok || ts.ActiveDownloads != 4 {
			t.Errorf("unexpected message %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not received")
	}
	waitFor(t, "transfer status", func() bool {
		return b.Node("AAAA").LastTransferStatus() != nil
	})

	if n := a.BroadcastToSupernodes(&protocol.Ping{}, 0); n != 0 {
		t.Errorf("sent to %d supernodes, we know none", n)
	}
	if n := a.BroadcastToLAN(&protocol.Ping{}, 0); n != 0 {
		t.Errorf("sent to %d LAN nodes over a pipe", n)
	}
}

func TestKnownNodesMessagesSplit(t *testing.T) {
	list := make([]protocol.NodeInfo, knownNodesPerMessage*2+1)
	msgs := knownNodesMessages(list)
	if len(msgs) != 3 {
		t.Fatalf("%d messages", len(msgs))
	}
	if n := len(msgs[2].(*protocol.KnownNodes).Nodes); n != 1 {
		t.Errorf("last message has %d nodes", n)
	}
	if len(knownNodesMessages(nil)) != 1 {
		t.Error("empty answer should still be sent")
	}
}

func TestMaxConnectionsReached(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	if a.MaxConnectionsReached() {
		t.Error("unlimited upload reached the maximum")
	}

	opts := a.cfg.Options()
	opts.MaxUploadKBps = 1
	opts.ConnectionsPerUploadKB = 2.5
	if err := a.cfg.SetOptions(opts); err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"X1", "X2"} {
		a.connected[id] = newMember(protocol.NodeInfo{ID: id}, nil)
		if a.MaxConnectionsReached() {
			t.Errorf("maximum reached with %d connections", i+1)
		}
	}
	a.connected["X3"] = newMember(protocol.NodeInfo{ID: "X3"}, nil)
	if !a.MaxConnectionsReached() {
		t.Error("maximum not reached with 3 connections")
	}
}

func TestAcceptorTimeout(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	c1, c2 := net.Pipe()
	defer c2.Close()
	h := a.Factory().NewDirect(c1)

	a.mut.Lock()
	a.acceptors = append(a.acceptors,
		&acceptor{h: h, started: time.Now().Add(-time.Hour)},
		&acceptor{h: a.Factory().NewDirect(c2), started: time.Now()},
	)
	a.mut.Unlock()

	a.checkAcceptors(time.Now())
	select {
	case <-h.Closed():
	case <-time.After(time.Second):
		t.Fatal("timed out acceptor not shut down")
	}
	if n := a.CountAcceptors(); n != 1 {
		t.Errorf("%d acceptors left", n)
	}
}

func TestServeStoresNodesOnStop(t *testing.T) {
	cfg := newTestConfig(t, "AAAA", "alice")
	m := NewManager(cfg, db.OpenMemory(), events.NoopLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	waitFor(t, "node list load", m.NodeListLoaded)
	if !m.IsStarted() {
		t.Fatal("not started")
	}
	m.QueueNewNodes([]protocol.NodeInfo{
		{ID: "S1", Nick: "super", NetworkID: "X", Supernode: true, Connected: true},
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}
	if m.IsStarted() || m.NodeListLoaded() {
		t.Error("still marked as running")
	}

	list, err := ReadNodeList(m.nodesFile())
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Nodes) != 2 {
		t.Errorf("stored %d nodes, expected 2", len(list.Nodes))
	}
	supernodes, err := ReadNodeList(m.supernodesFile())
	if err != nil {
		t.Fatal(err)
	}
	if len(supernodes.Nodes) != 1 || supernodes.Nodes[0].ID != "S1" {
		t.Errorf("stored supernodes %v", supernodes.Nodes)
	}
}

func TestOwnInfoFollowsOptions(t *testing.T) {
	m := newTestManager(t, "AAAA", "alice")
	opts := m.cfg.Options()
	opts.Nick = "alicia"
	opts.Supernode = true
	if err := m.cfg.SetOptions(opts); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "own node info to follow the options", func() bool {
		return m.MySelf().Nick() == "alicia" && m.MySelf().IsSupernode()
	})
	if !m.MySelf().IsMySelf() || m.ID() != "AAAA" {
		t.Error("own member lost its identity")
	}

	from := m.cfg.RawCopy()
	to := m.cfg.RawCopy()
	to.Options.NodeID = "ZZZZ"
	if m.CommitConfiguration(from, to) {
		t.Error("node id change committed without a restart")
	}
	if m.ID() != "AAAA" {
		t.Errorf("id changed to %s", m.ID())
	}
}

type recordingConnectListener chan string

func (r recordingConnectListener) MemberConnected(m *Member) {
	r <- m.ID()
}

func TestConnectListener(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	b := newTestManager(t, "BBBB", "bob")
	connected := make(recordingConnectListener, 10)
	a.AddConnectListener(connected)

	ma, _ := connect(t, a, b)
	defer ma.Shutdown()
	select {
	case id := <-connected:
		if id != "BBBB" {
			t.Errorf("connected %s", id)
		}
	default:
		t.Fatal("listener not told about the connection")
	}
	select {
	case id := <-connected:
		t.Errorf("second notification for %s", id)
	default:
	}
}
