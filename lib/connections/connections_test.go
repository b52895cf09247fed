// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/protocol"
)

func testConfig(id, nick string) *config.Wrapper {
	cfg := config.New(nick)
	cfg.Options.NodeID = id
	return config.Wrap("/dev/null", cfg, events.NoopLogger)
}

// testNode is a minimal registry: it records what it receives and routes
// relayed messages to its relay manager.
type testNode struct {
	id      string
	cfg     *config.Wrapper
	factory *Factory
	relays  *RelayManager

	mut   sync.Mutex
	peers map[string]Handler

	received chan protocol.Message
	closed   chan error
	accepted chan Handler
	eofsSeen atomic.Int32
}

func newTestNode(id, nick string) *testNode {
	n := &testNode{
		id:       id,
		cfg:      testConfig(id, nick),
		peers:    make(map[string]Handler),
		received: make(chan protocol.Message, 1000),
		closed:   make(chan error, 100),
		accepted: make(chan Handler, 10),
	}
	n.factory = NewFactory(n.cfg, n, nil, nil)
	n.relays = NewRelayManager(n.cfg, n.factory, n, func(h Handler) { n.accepted <- h })
	return n
}

func (n *testNode) HandleMessage(h Handler, msg protocol.Message) {
	if rm, ok := msg.(*protocol.RelayedMessage); ok {
		if rm.Type == protocol.RelayedEOF {
			n.eofsSeen.Add(1)
		}
		n.relays.HandleRelayedMessage(h, rm)
		return
	}
	n.received <- msg
}

func (n *testNode) HandlerClosed(_ Handler, err error) {
	n.closed <- err
}

func (n *testNode) ConnectedHandler(id string) (Handler, bool) {
	n.mut.Lock()
	defer n.mut.Unlock()
	h, ok := n.peers[id]
	return h, ok && h.IsConnected()
}

func (n *testNode) addPeer(id string, h Handler) {
	n.mut.Lock()
	n.peers[id] = h
	n.mut.Unlock()
}

func handshake(t *testing.T, ha, hb Handler) {
	t.Helper()
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- ha.Init(ctx) }()
	go func() { errs <- hb.Init(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal("init:", err)
		}
	}

	go func() { errs <- ha.AcceptIdentity(ctx, ha.Identity().Node.ID) }()
	go func() { errs <- hb.AcceptIdentity(ctx, hb.Identity().Node.ID) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal("accept:", err)
		}
	}
}

func connectPair(t *testing.T, a, b *testNode) (Handler, Handler) {
	t.Helper()
	c1, c2 := net.Pipe()
	ha := a.factory.NewDirect(c1)
	hb := b.factory.NewDirect(c2)
	handshake(t, ha, hb)
	a.addPeer(b.id, ha)
	b.addPeer(a.id, hb)
	return ha, hb
}

func waitClosed(t *testing.T, h Handler) {
	t.Helper()
	select {
	case <-h.Closed():
	case <-time.After(5 * time.Second):
		t.Fatalf("%v did not shut down", h)
	}
}

func TestHandshake(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	ha, hb := connectPair(t, a, b)
	defer ha.Shutdown()
	defer hb.Shutdown()

	if !ha.IsConnected() || !hb.IsConnected() {
		t.Fatal("not connected after handshake")
	}
	if id := ha.Identity(); id.Node.ID != "BBBB" || id.Node.Nick != "bob" {
		t.Errorf("a sees wrong identity %v", id)
	}
	if hb.MemberID() != "AAAA" {
		t.Errorf("b bound to wrong member %q", hb.MemberID())
	}
	if ha.Identity().MagicID != hb.MyMagicID() {
		t.Error("magic id not transferred")
	}
	if ha.IsOnLAN() || ha.IsTunneled() {
		t.Error("pipe connection should be neither LAN nor tunneled")
	}
	if d := ha.TimeDelta(); d > time.Minute || d < -time.Minute {
		t.Errorf("implausible time delta %v", d)
	}
}

func TestTimeDeltaSign(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	ha, hb := connectPair(t, a, b)
	defer ha.Shutdown()
	defer hb.Shutdown()

	t0 := time.Now()
	h := ha.(*handler)
	h.mut.Lock()
	mine, theirs := *h.myIdentity, *h.identity
	mine.Time = t0.Add(3 * time.Second)
	theirs.Time = t0
	h.myIdentity, h.identity = &mine, &theirs
	h.mut.Unlock()

	if d := ha.TimeDelta(); d != 3*time.Second {
		t.Errorf("time delta %v with our clock 3s ahead", d)
	}

	c1, c2 := net.Pipe()
	defer c2.Close()
	fresh := a.factory.NewDirect(c1)
	defer fresh.Shutdown()
	if d := fresh.TimeDelta(); d != 0 {
		t.Errorf("time delta %v before the handshake", d)
	}
}

func TestSendBeforeHandshake(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	c1, c2 := net.Pipe()
	defer c2.Close()
	h := a.factory.NewDirect(c1)
	defer h.Shutdown()

	err := h.SendMessage(&protocol.Ping{ID: "x"})
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("expected not connected, got %v", err)
	}
}

func TestAsyncSendIsFIFO(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	ha, hb := connectPair(t, a, b)
	defer ha.Shutdown()
	defer hb.Shutdown()

	const n = 200
	for i := 0; i < n; i += 10 {
		batch := make([]protocol.Message, 0, 10)
		for j := i; j < i+10; j++ {
			batch = append(batch, &protocol.TransferStatus{ActiveUploads: uint32(j)})
		}
		ha.SendMessagesAsync(batch...)
	}
	if !ha.WaitForEmptySendQueue(10 * time.Second) {
		t.Fatal("send queue did not drain")
	}

	for i := 0; i < n; i++ {
		select {
		case msg := <-b.received:
			ts, ok := msg.(*protocol.TransferStatus)
			if !ok {
				t.Fatalf("unexpected message %T", msg)
			}
			if int(ts.ActiveUploads) != i {
				t.Fatalf("message %d arrived as number %d", ts.ActiveUploads, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d messages arrived", i, n)
		}
	}
}

func TestSingleSender(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	ha, hb := connectPair(t, a, b)
	defer ha.Shutdown()
	defer hb.Shutdown()

	h := ha.(*handler)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.SendMessagesAsync(&protocol.Ping{ID: "p"})
				h.mut.Lock()
				sending, queued := h.sending, len(h.queue)
				h.mut.Unlock()
				if !sending && queued > 0 {
					t.Error("queue not empty but no sender running")
				}
			}
		}()
	}
	wg.Wait()
	if !h.WaitForEmptySendQueue(10 * time.Second) {
		t.Fatal("send queue did not drain")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	ha, hb := connectPair(t, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ha.Shutdown()
		}()
	}
	wg.Wait()
	waitClosed(t, ha)

	if ha.State() != StateShutdown {
		t.Errorf("state %v after shutdown", ha.State())
	}
	if err := ha.SendMessage(&protocol.Ping{}); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("send after shutdown returned %v", err)
	}
	ha.SendMessagesAsync(&protocol.Ping{})
	h := ha.(*handler)
	h.mut.Lock()
	queued := len(h.queue)
	h.mut.Unlock()
	if queued != 0 {
		t.Error("message queued after shutdown")
	}

	// The remote side notices the closed pipe.
	waitClosed(t, hb)

	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	select {
	case err := <-a.closed:
		t.Fatal("second close notification:", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIdentityTimeout(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	a.factory.IdentityTimeout = 50 * time.Millisecond
	c1, c2 := net.Pipe()
	defer c2.Close()

	h := a.factory.NewDirect(c1)
	err := h.Init(context.Background())
	if !errors.Is(err, protocol.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	waitClosed(t, h)
}

func TestAcceptTimeout(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	a.factory.AcceptTimeout = 50 * time.Millisecond
	c1, c2 := net.Pipe()
	ha := a.factory.NewDirect(c1)
	hb := b.factory.NewDirect(c2)
	defer hb.Shutdown()

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() { errs <- ha.Init(ctx) }()
	go func() { errs <- hb.Init(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	// b never answers
	err := ha.AcceptIdentity(ctx, "BBBB")
	if !errors.Is(err, protocol.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	waitClosed(t, ha)
}

func TestReject(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	c1, c2 := net.Pipe()
	ha := a.factory.NewDirect(c1)
	hb := b.factory.NewDirect(c2)

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() { errs <- ha.Init(ctx) }()
	go func() { errs <- hb.Init(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	go func() { errs <- ha.AcceptIdentity(ctx, "BBBB") }()
	hb.Reject(protocol.ErrDuplicateConnection)

	if err := <-errs; err == nil {
		t.Fatal("accept succeeded against a rejecting remote")
	}
	waitClosed(t, ha)
	waitClosed(t, hb)

	if hb.State() != StateShutdown {
		t.Errorf("rejecting side in state %v", hb.State())
	}
	select {
	case err := <-b.closed:
		if !errors.Is(err, protocol.ErrDuplicateConnection) {
			t.Errorf("rejecting side closed with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
}

func TestMessageBeforeHandshakeIsViolation(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	c1, c2 := net.Pipe()
	defer c2.Close()
	h := a.factory.NewDirect(c1)

	go func() {
		// Swallow our identity, then send something out of turn.
		buf := make([]byte, 65536)
		_, _ = c2.Read(buf)
		_, _ = protocol.WriteMessage(c2, &protocol.KnownNodes{}, false)
		for {
			if _, err := c2.Read(buf); err != nil {
				return
			}
		}
	}()

	_ = h.Init(context.Background())
	waitClosed(t, h)
	select {
	case err := <-a.closed:
		if !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Errorf("closed with %v, expected protocol violation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
}

func TestUndecodableMessageIsDropped(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	c1, c2 := net.Pipe()
	defer c2.Close()
	h := a.factory.NewDirect(c1)
	defer h.Shutdown()

	go func() {
		buf := make([]byte, 65536)
		go func() {
			for {
				if _, err := c2.Read(buf); err != nil {
					return
				}
			}
		}()

		// A frame of a type nobody knows, then a proper identity.
		frame := make([]byte, 12)
		binary.BigEndian.PutUint32(frame, 99<<8)
		binary.BigEndian.PutUint32(frame[4:], 4)
		_, _ = c2.Write(frame)
		_, _ = protocol.WriteMessage(c2, &protocol.Identity{
			Node:    protocol.NodeInfo{ID: "BBBB", Nick: "bob"},
			MagicID: "magic",
			Time:    time.Now(),
		}, false)
	}()

	if err := h.Init(context.Background()); err != nil {
		t.Fatal("connection did not survive an unknown message:", err)
	}
	if h.Identity().Node.ID != "BBBB" {
		t.Error("wrong identity")
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateIdentityExchanging, true},
		{StateIdentityExchanging, StateAccepted, true},
		{StateIdentityExchanging, StateRejected, true},
		{StateAccepted, StateConnected, true},
		{StateAccepted, StateRejected, false},
		{StateRejected, StateConnected, false},
		{StateRejected, StateShutdown, true},
		{StateConnected, StateIdentityExchanging, false},
		{StateConnected, StateShutdown, true},
		{StateShutdown, StateConnected, false},
		{StateShutdown, StateShutdown, false},
	}
	for _, tc := range cases {
		if res := canAdvance(tc.from, tc.to); res != tc.ok {
			t.Errorf("%v -> %v: %v, expected %v", tc.from, tc.to, res, tc.ok)
		}
	}
}

func TestKeepAliveChecker(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	checker := NewKeepAliveChecker(a.cfg)
	a.factory.keepalive = checker

	ha, hb := connectPair(t, a, b)
	defer hb.Shutdown()

	if checker.Len() != 1 {
		t.Fatalf("%d handlers registered, expected 1", checker.Len())
	}

	// A quiet connection is pinged, and the pong counts as a sign of life.
	h := ha.(*handler)
	quiet := time.Now().Add(-2 * a.cfg.Options().KeepAliveInterval())
	h.lastKeepalive.Store(quiet.UnixNano())
	checker.check(time.Now())
	deadline := time.Now().Add(5 * time.Second)
	for !h.LastKeepalive().After(quiet) {
		if time.Now().After(deadline) {
			t.Fatal("no pong received")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A silent one is disconnected.
	h.lastKeepalive.Store(time.Now().Add(-2 * a.cfg.Options().ReceiveTimeout()).UnixNano())
	checker.check(time.Now())
	waitClosed(t, ha)
	if checker.Len() != 0 {
		t.Error("handler still registered after shutdown")
	}
}

func TestRelayedConnection(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	r := newTestNode("RRRR", "relay")
	b := newTestNode("BBBB", "bob")

	har, hra := connectPair(t, a, r)
	hrb, hbr := connectPair(t, r, b)
	defer har.Shutdown()
	defer hra.Shutdown()
	defer hrb.Shutdown()
	defer hbr.Shutdown()

	ctx := context.Background()
	type result struct {
		h   Handler
		err error
	}
	res := make(chan result, 1)
	go func() {
		h, err := a.relays.Connect(ctx, har, protocol.NodeInfo{ID: "BBBB", Nick: "bob"})
		res <- result{h, err}
	}()

	var hbRelayed Handler
	select {
	case hbRelayed = <-b.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("relayed connection never reached b")
	}
	rr := <-res
	if rr.err != nil {
		t.Fatal(rr.err)
	}
	haRelayed := rr.h

	handshake(t, haRelayed, hbRelayed)
	if !haRelayed.IsTunneled() || haRelayed.IsOnLAN() {
		t.Error("relayed handler should be tunneled and not on LAN")
	}
	if hbRelayed.Identity().Node.ID != "AAAA" {
		t.Errorf("b sees %v through the relay", hbRelayed.Identity().Node)
	}
	if a.relays.Count() != 1 || b.relays.Count() != 1 {
		t.Errorf("relayed handler counts %d, %d", a.relays.Count(), b.relays.Count())
	}

	if err := haRelayed.SendMessage(&protocol.TransferStatus{ActiveDownloads: 7}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-b.received:
		if ts, ok := msg.(*protocol.TransferStatus); !ok || ts.ActiveDownloads != 7 {
			t.Errorf("unexpected message %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relayed message not delivered")
	}

	haRelayed.Shutdown()
	haRelayed.Shutdown()
	waitClosed(t, hbRelayed)
	time.Sleep(100 * time.Millisecond)
	if n := r.eofsSeen.Load(); n != 1 {
		t.Errorf("relay saw %d EOFs, expected exactly one", n)
	}
	if a.relays.Count() != 0 || b.relays.Count() != 0 {
		t.Error("relayed handlers not forgotten after shutdown")
	}
}

func TestRelayRefusesUnknownDestination(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	r := newTestNode("RRRR", "relay")
	har, hra := connectPair(t, a, r)
	defer har.Shutdown()
	defer hra.Shutdown()

	_, err := a.relays.Connect(context.Background(), har, protocol.NodeInfo{ID: "CCCC", Nick: "carol"})
	if !errors.Is(err, errRelayRefused) {
		t.Errorf("expected refusal, got %v", err)
	}
}

func TestListenerAndDial(t *testing.T) {
	a := newTestNode("AAAA", "alice")
	b := newTestNode("BBBB", "bob")
	opts := b.cfg.Options()
	opts.ListenAddress = "127.0.0.1:0"
	if err := b.cfg.SetOptions(opts); err != nil {
		t.Fatal(err)
	}
	b.factory.lan = NewLANClassifier(b.cfg)

	listener := NewListener(b.cfg, b.factory, func(h Handler) { b.accepted <- h })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	var addr net.Addr
	for i := 0; addr == nil; i++ {
		if i > 500 {
			t.Fatal("listener did not start")
		}
		time.Sleep(10 * time.Millisecond)
		addr = listener.Addr()
	}

	ha, err := a.factory.Dial(ctx, addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer ha.Shutdown()

	var hb Handler
	select {
	case hb = <-b.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not accepted")
	}
	defer hb.Shutdown()

	handshake(t, ha, hb)
	if !hb.IsOnLAN() {
		t.Error("loopback connection should be on the LAN")
	}
}
