// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/build"
	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/rand"
	"github.com/syncthing/peercore/lib/sync"
)

const (
	// IdentityTimeout bounds the wait for the remote identity.
	IdentityTimeout = 60 * time.Second
	// AcceptTimeout bounds the wait for the remote identity reply.
	AcceptTimeout = 20 * time.Second

	// Used for the node label of metrics before the handshake.
	unknownNode = "unknown"
)

// A Handler is one connection to a remote node, direct or relayed. The
// handshake is driven by the owner: Init exchanges identities, then the
// registry either calls AcceptIdentity or Reject.
type Handler interface {
	// Init sends our identity and waits for the remote one.
	Init(ctx context.Context) error
	// AcceptIdentity binds the handler to the member, accepts the remote
	// identity and waits for the remote side to accept ours.
	AcceptIdentity(ctx context.Context, memberID string) error
	// Reject declines the remote identity and shuts the handler down.
	Reject(reason error)

	SendMessage(msg protocol.Message) error
	SendMessagesAsync(msgs ...protocol.Message)
	// WaitForEmptySendQueue reports whether the async queue drained
	// before the timeout or shutdown.
	WaitForEmptySendQueue(timeout time.Duration) bool

	Shutdown()
	Closed() <-chan struct{}

	State() State
	IsConnected() bool
	IsOnLAN() bool
	IsTunneled() bool
	Identity() *protocol.Identity
	MyIdentity() *protocol.Identity
	MyMagicID() string
	// TimeDelta is our identity time minus the remote identity time.
	TimeDelta() time.Duration
	MemberID() string
	LastKeepalive() time.Time
	RemoteAddr() string
	String() string
}

// A Receiver gets everything a handler does not deal with itself.
type Receiver interface {
	// HandleMessage is called on the reading goroutine of the handler, in
	// the order the messages arrived.
	HandleMessage(h Handler, msg protocol.Message)
	// HandlerClosed is called once, when the handler has shut down.
	HandlerClosed(h Handler, err error)
}

// The transport is what differs between direct and relayed handlers.
type transport interface {
	// start begins delivering incoming messages to h.
	start(h *handler)
	writeMessage(msg protocol.Message, compress bool) (int, error)
	close(err error)
	remoteAddr() net.Addr
	tunneled() bool
	String() string
}

type handler struct {
	tr        transport
	cfg       *config.Wrapper
	receiver  Receiver
	keepalive *KeepAliveChecker
	lan       *LANClassifier

	identityTimeout time.Duration
	acceptTimeout   time.Duration

	magicID string
	state   atomic.Int32

	mut              sync.Mutex
	myIdentity       *protocol.Identity
	identity         *protocol.Identity
	identityReceived chan struct{}
	reply            *protocol.IdentityReply
	replyReceived    chan struct{}
	memberID         string
	onLAN            bool
	queue            []protocol.Message
	sending          bool
	drained          chan struct{}

	sendMut       sync.Mutex
	compress      atomic.Bool
	lastKeepalive atomic.Int64
	connectedAt   atomic.Int64

	closing atomic.Bool
	closed  chan struct{}
}

func newHandler(tr transport, f *Factory) *handler {
	h := &handler{
		tr:               tr,
		cfg:              f.cfg,
		receiver:         f.receiver,
		keepalive:        f.keepalive,
		lan:              f.lan,
		identityTimeout:  f.IdentityTimeout,
		acceptTimeout:    f.AcceptTimeout,
		magicID:          rand.MagicID(),
		mut:              sync.NewMutex(),
		identityReceived: make(chan struct{}),
		replyReceived:    make(chan struct{}),
		sendMut:          sync.NewMutex(),
		closed:           make(chan struct{}),
	}
	h.lastKeepalive.Store(time.Now().UnixNano())
	return h
}

func (h *handler) Init(ctx context.Context) error {
	if !h.advance(StateIdentityExchanging) {
		return h.connErr(protocol.ErrClosed)
	}

	// Compression is settled provisionally from the socket address and
	// revisited once the remote identity tells us about tunnels.
	h.compress.Store(h.shouldCompress(h.addressIsLAN()))

	id := h.buildIdentity()
	h.mut.Lock()
	h.myIdentity = id
	h.mut.Unlock()

	h.tr.start(h)
	h.SendMessagesAsync(id)

	if err := h.await(ctx, h.identityReceived, h.identityTimeout); err != nil {
		return err
	}

	remote := h.Identity()
	if !remote.IsValid() {
		err := errors.Wrap(protocol.ErrProtocolViolation, "invalid identity")
		metricHandshakes.WithLabelValues(handshakeFailed).Inc()
		h.shutdown(err)
		return h.connErr(err)
	}

	h.analyseConnection(remote)
	l.Debugf("%v: got identity %v (LAN=%v, skew %v)", h, remote, h.IsOnLAN(), h.TimeDelta())
	return nil
}

// analyseConnection settles whether the connection is on our LAN. A
// tunneled connection is never on the LAN.
func (h *handler) analyseConnection(remote *protocol.Identity) {
	onLAN := !h.tr.tunneled() && !remote.Tunneled && h.addressIsLAN()
	h.mut.Lock()
	h.onLAN = onLAN
	h.mut.Unlock()
	h.compress.Store(h.shouldCompress(onLAN) && remote.UseCompressedStream)
}

func (h *handler) addressIsLAN() bool {
	if h.tr.tunneled() || h.lan == nil {
		return false
	}
	addr := h.tr.remoteAddr()
	if addr == nil {
		return false
	}
	return h.lan.IsLAN(addr)
}

func (h *handler) shouldCompress(onLAN bool) bool {
	if h.tr.tunneled() {
		// Relayed payloads are compressed per message.
		return false
	}
	return !onLAN || h.cfg.Options().UseZipOnLAN
}

func (h *handler) buildIdentity() *protocol.Identity {
	opts := h.cfg.Options()
	now := time.Now()
	return &protocol.Identity{
		Node: protocol.NodeInfo{
			ID:             opts.NodeID,
			Nick:           opts.Nick,
			NetworkID:      opts.NetworkID,
			ConnectAddress: opts.ListenAddress,
			Supernode:      opts.Supernode,
			Connected:      true,
			LastConnect:    now,
		},
		MagicID:               h.magicID,
		ProtocolVersion:       build.ProtocolVersion,
		ProgramVersion:        build.Version,
		UseCompressedStream:   h.compress.Load(),
		Tunneled:              h.tr.tunneled(),
		RequestFullFolderList: opts.Server,
		ConfigURL:             opts.ConfigURL,
		Time:                  now,
	}
}

func (h *handler) AcceptIdentity(ctx context.Context, memberID string) error {
	h.mut.Lock()
	h.memberID = memberID
	h.mut.Unlock()

	if !h.advance(StateAccepted) {
		return h.connErr(protocol.ErrClosed)
	}
	if err := h.SendMessage(&protocol.IdentityReply{Accepted: true}); err != nil {
		metricHandshakes.WithLabelValues(handshakeFailed).Inc()
		return err
	}

	if err := h.await(ctx, h.replyReceived, h.acceptTimeout); err != nil {
		return err
	}

	h.mut.Lock()
	reply := h.reply
	h.mut.Unlock()
	if !reply.Accepted {
		l.Infof("%v: remote side declined our identity: %s", h, reply.Message)
		metricHandshakes.WithLabelValues(handshakeRefused).Inc()
		h.shutdown(protocol.ErrRejected)
		return h.connErr(protocol.ErrRejected)
	}

	if !h.advance(StateConnected) {
		return h.connErr(protocol.ErrClosed)
	}
	h.connectedAt.Store(time.Now().UnixNano())
	if h.keepalive != nil {
		h.keepalive.Add(h)
	}
	metricHandshakes.WithLabelValues(handshakeAccepted).Inc()
	metricActiveConnections.WithLabelValues(h.transportName()).Inc()
	l.Debugf("%v: connected", h)
	return nil
}

func (h *handler) Reject(reason error) {
	if !h.advance(StateRejected) {
		return
	}
	metricHandshakes.WithLabelValues(handshakeRejected).Inc()
	code := protocol.ProblemGeneric
	if errors.Is(reason, protocol.ErrDuplicateConnection) {
		code = protocol.ProblemDuplicateConnection
	}
	msg := reason.Error()
	if err := h.SendMessage(&protocol.IdentityReply{Message: msg}); err == nil {
		_ = h.SendMessage(&protocol.Problem{Message: msg, Fatal: true, Code: code})
	}
	h.shutdown(reason)
}

// await waits for ch to close, bounded by timeout, the context and
// shutdown. The handler is shut down on timeout.
func (h *handler) await(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-h.closed:
		return h.connErr(protocol.ErrClosed)
	case <-t.C:
		metricHandshakes.WithLabelValues(handshakeTimeout).Inc()
		h.shutdown(protocol.ErrHandshakeTimeout)
		return h.connErr(protocol.ErrHandshakeTimeout)
	case <-ctx.Done():
		h.shutdown(ctx.Err())
		return h.connErr(ctx.Err())
	}
}

func isHandshakeMessage(msg protocol.Message) bool {
	switch msg.(type) {
	case *protocol.Identity, *protocol.IdentityReply, *protocol.Problem:
		return true
	default:
		return false
	}
}

func (h *handler) SendMessage(msg protocol.Message) error {
	switch st := h.State(); {
	case st == StateShutdown:
		return h.connErr(protocol.ErrClosed)
	case st != StateConnected && !isHandshakeMessage(msg):
		return h.connErr(protocol.ErrNotConnected)
	}

	h.sendMut.Lock()
	defer h.sendMut.Unlock()
	if h.State() == StateShutdown {
		return h.connErr(protocol.ErrClosed)
	}

	n, err := h.tr.writeMessage(msg, h.compress.Load())
	if err != nil {
		h.shutdown(errors.Wrap(err, "writing"))
		return h.connErr(err)
	}
	node := h.nodeLabel()
	metricNodeSentBytes.WithLabelValues(node).Add(float64(n))
	metricNodeSentMessages.WithLabelValues(node).Inc()
	return nil
}

func (h *handler) SendMessagesAsync(msgs ...protocol.Message) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.closing.Load() {
		return
	}
	h.queue = append(h.queue, msgs...)
	if !h.sending && len(h.queue) > 0 {
		h.sending = true
		h.drained = make(chan struct{})
		go h.sender(h.drained)
	}
}

// sender drains the queue and exits when it is empty. There is never
// more than one.
func (h *handler) sender(drained chan struct{}) {
	defer close(drained)
	for {
		h.mut.Lock()
		if len(h.queue) == 0 {
			h.sending = false
			h.mut.Unlock()
			return
		}
		msg := h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		h.mut.Unlock()

		if err := h.SendMessage(msg); err != nil {
			l.Debugf("%v: async send of %v: %v", h, protocol.TypeOf(msg), err)
		}
	}
}

func (h *handler) WaitForEmptySendQueue(timeout time.Duration) bool {
	h.mut.Lock()
	if !h.sending {
		h.mut.Unlock()
		return true
	}
	drained := h.drained
	h.mut.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-drained:
		return true
	case <-h.closed:
		return false
	case <-t.C:
		return false
	}
}

// receive handles one decoded message. It is only called from the single
// reading goroutine of the transport.
func (h *handler) receive(msg protocol.Message, n int) {
	h.lastKeepalive.Store(time.Now().UnixNano())
	node := h.nodeLabel()
	metricNodeRecvBytes.WithLabelValues(node).Add(float64(n))
	metricNodeRecvMessages.WithLabelValues(node).Inc()

	switch msg := msg.(type) {
	case *protocol.Identity:
		h.mut.Lock()
		if h.identity != nil {
			h.mut.Unlock()
			l.Debugf("%v: ignoring repeated identity", h)
			return
		}
		h.identity = msg
		close(h.identityReceived)
		h.mut.Unlock()

	case *protocol.IdentityReply:
		h.mut.Lock()
		if h.reply != nil {
			h.mut.Unlock()
			l.Debugf("%v: ignoring repeated identity reply", h)
			return
		}
		h.reply = msg
		close(h.replyReceived)
		h.mut.Unlock()

	case *protocol.Ping:
		h.SendMessagesAsync(&protocol.Pong{ID: msg.ID})

	case *protocol.Pong:

	case *protocol.Problem:
		if h.MemberID() != "" {
			h.receiver.HandleMessage(h, msg)
			return
		}
		if msg.Fatal {
			l.Infof("%v: fatal problem from remote: %s", h, msg.Message)
			h.shutdown(errors.Wrap(protocol.ErrClosed, msg.Message))
		}

	default:
		if h.MemberID() == "" || h.receiver == nil {
			h.shutdown(errors.Wrapf(protocol.ErrProtocolViolation, "%v before handshake", protocol.TypeOf(msg)))
			return
		}
		h.receiver.HandleMessage(h, msg)
	}
}

func (h *handler) Shutdown() {
	h.shutdown(protocol.ErrClosed)
}

// shutdown is idempotent. Only the first call has any effect.
func (h *handler) shutdown(err error) {
	if !h.closing.CompareAndSwap(false, true) {
		return
	}
	wasConnected := h.State() == StateConnected
	h.state.Store(int32(StateShutdown))

	h.mut.Lock()
	h.queue = nil
	h.mut.Unlock()

	close(h.closed)
	if h.keepalive != nil {
		h.keepalive.Remove(h)
	}
	h.tr.close(err)
	if wasConnected {
		metricActiveConnections.WithLabelValues(h.transportName()).Dec()
	}

	l.Debugf("%v: shut down: %v", h, err)
	if h.receiver != nil {
		h.receiver.HandlerClosed(h, err)
	}
}

func (h *handler) Closed() <-chan struct{} {
	return h.closed
}

func (h *handler) advance(to State) bool {
	for {
		from := State(h.state.Load())
		if !canAdvance(from, to) {
			return false
		}
		if h.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

func (h *handler) State() State {
	return State(h.state.Load())
}

func (h *handler) IsConnected() bool {
	return h.State() == StateConnected
}

func (h *handler) IsOnLAN() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.onLAN
}

func (h *handler) IsTunneled() bool {
	return h.tr.tunneled()
}

func (h *handler) Identity() *protocol.Identity {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.identity
}

func (h *handler) MyIdentity() *protocol.Identity {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.myIdentity
}

func (h *handler) MyMagicID() string {
	return h.magicID
}

// TimeDelta returns our identity time minus the remote one. It is
// positive when our clock is ahead of the remote clock, and zero before
// both identities are known.
func (h *handler) TimeDelta() time.Duration {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.identity == nil || h.myIdentity == nil {
		return 0
	}
	return h.myIdentity.Time.Sub(h.identity.Time)
}

func (h *handler) MemberID() string {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.memberID
}

func (h *handler) LastKeepalive() time.Time {
	return time.Unix(0, h.lastKeepalive.Load())
}

// ConnectedAt returns when the handshake completed, or the zero time.
func (h *handler) ConnectedAt() time.Time {
	v := h.connectedAt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (h *handler) RemoteAddr() string {
	if addr := h.tr.remoteAddr(); addr != nil {
		return addr.String()
	}
	return h.tr.String()
}

func (h *handler) transportName() string {
	if h.tr.tunneled() {
		return "relayed"
	}
	return "direct"
}

func (h *handler) nodeLabel() string {
	if id := h.Identity(); id != nil {
		return id.Node.ID
	}
	return unknownNode
}

func (h *handler) String() string {
	if id := h.Identity(); id != nil {
		return fmt.Sprintf("%s/%s", h.tr, id.Node)
	}
	return h.tr.String()
}

func (h *handler) connErr(err error) error {
	return protocol.NewConnectionError(h, err)
}
