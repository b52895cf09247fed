// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/syncthing/peercore/lib/connections"
	"github.com/syncthing/peercore/lib/protocol"
)

// fakeHandler completes any handshake it is asked to, without a network
// behind it.
type fakeHandler struct {
	id     *protocol.Identity
	onLAN  bool
	gate   <-chan struct{}
	state  atomic.Int32
	closed chan struct{}
	once   stdsync.Once

	mut      stdsync.Mutex
	memberID string
}

var fakeMagic atomic.Int64

func newFakeHandler(m *Manager, id string, onLAN bool) *fakeHandler {
	return &fakeHandler{
		id: &protocol.Identity{
			Node: protocol.NodeInfo{
				ID:        id,
				Nick:      "nick-" + id,
				NetworkID: m.cfg.Options().NetworkID,
			},
			MagicID: fmt.Sprintf("magic-%d", fakeMagic.Add(1)),
			Time:    time.Now(),
		},
		onLAN:  onLAN,
		closed: make(chan struct{}),
	}
}

var _ connections.Handler = (*fakeHandler)(nil)

func (h *fakeHandler) Init(ctx context.Context) error {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.state.Store(int32(connections.StateIdentityExchanging))
	return nil
}

func (h *fakeHandler) AcceptIdentity(_ context.Context, memberID string) error {
	h.mut.Lock()
	h.memberID = memberID
	h.mut.Unlock()
	h.state.CompareAndSwap(int32(connections.StateIdentityExchanging), int32(connections.StateConnected))
	return nil
}

func (h *fakeHandler) Reject(error) {
	h.Shutdown()
}

func (*fakeHandler) SendMessage(protocol.Message) error       { return nil }
func (*fakeHandler) SendMessagesAsync(...protocol.Message)    {}
func (*fakeHandler) WaitForEmptySendQueue(time.Duration) bool { return true }
func (h *fakeHandler) Closed() <-chan struct{}                { return h.closed }
func (h *fakeHandler) State() connections.State               { return connections.State(h.state.Load()) }
func (h *fakeHandler) IsConnected() bool                      { return h.State() == connections.StateConnected }
func (h *fakeHandler) IsOnLAN() bool                          { return h.onLAN }
func (*fakeHandler) IsTunneled() bool                         { return false }
func (h *fakeHandler) Identity() *protocol.Identity           { return h.id }
func (*fakeHandler) MyIdentity() *protocol.Identity           { return nil }
func (*fakeHandler) MyMagicID() string                        { return "local-magic" }
func (*fakeHandler) TimeDelta() time.Duration                 { return 0 }
func (*fakeHandler) LastKeepalive() time.Time                 { return time.Now() }
func (*fakeHandler) RemoteAddr() string                       { return "192.0.2.1:1337" }
func (h *fakeHandler) String() string                         { return "fake/" + h.id.MagicID }

func (h *fakeHandler) Shutdown() {
	h.once.Do(func() {
		h.state.Store(int32(connections.StateShutdown))
		close(h.closed)
	})
}

func (h *fakeHandler) MemberID() string {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.memberID
}

func TestLANConnectionReplacesWAN(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	ctx := context.Background()

	wan := newFakeHandler(a, "BBBB", false)
	member, err := a.AcceptConnection(ctx, wan)
	if err != nil {
		t.Fatal(err)
	}
	if member.IsOnLAN() || !member.IsCompletelyConnected() {
		t.Fatal("WAN connection not established")
	}

	lan := newFakeHandler(a, "BBBB", true)
	res, err := a.AcceptConnection(ctx, lan)
	if err != nil {
		t.Fatal("LAN connection rejected:", err)
	}
	if res != member || member.Peer() != lan {
		t.Error("LAN handler not bound to the existing member")
	}
	select {
	case <-wan.Closed():
	default:
		t.Error("replaced WAN handler not shut down")
	}
	if !member.IsOnLAN() || !member.IsCompletelyConnected() {
		t.Error("member not connected on the LAN")
	}
	if a.CountNodes() != 1 || a.CountConnectedNodes() != 1 {
		t.Errorf("%d nodes, %d connected", a.CountNodes(), a.CountConnectedNodes())
	}

	// Neither a second LAN nor a WAN connection displaces the LAN one.
	for _, onLAN := range []bool{true, false} {
		h := newFakeHandler(a, "BBBB", onLAN)
		if _, err := a.AcceptConnection(ctx, h); !errors.Is(err, protocol.ErrDuplicateConnection) {
			t.Errorf("LAN=%v: expected duplicate connection, got %v", onLAN, err)
		}
		if member.Peer() != lan {
			t.Errorf("LAN=%v: connection replaced", onLAN)
		}
	}
}

func TestConcurrentHandshakesSameNode(t *testing.T) {
	a := newTestManager(t, "AAAA", "alice")
	ctx := context.Background()

	const n = 8
	gate := make(chan struct{})
	handlers := make([]*fakeHandler, n)
	results := make(chan error, n)
	for i := range handlers {
		h := newFakeHandler(a, "BBBB", false)
		h.gate = gate
		handlers[i] = h
		go func() {
			_, err := a.AcceptConnection(ctx, h)
			results <- err
		}()
	}
	close(gate)

	accepted := 0
	for i := 0; i < n; i++ {
		err := <-results
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, protocol.ErrDuplicateConnection):
			t.Errorf("unexpected error %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("%d handshakes accepted, expected exactly one", accepted)
	}

	member := a.Node("BBBB")
	if member == nil || !member.IsCompletelyConnected() {
		t.Fatal("no connected member")
	}
	for _, h := range handlers {
		bound := member.Peer() == h
		if bound == (h.State() == connections.StateShutdown) {
			t.Errorf("%v: bound %v in state %v", h, bound, h.State())
		}
	}
	if a.CountNodes() != 1 {
		t.Errorf("%d nodes known", a.CountNodes())
	}
}
