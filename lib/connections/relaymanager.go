// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/rand"
)

var errRelayRefused = errors.New("relayed connection refused")

// PeerLookup finds the handler of a connected node.
type PeerLookup interface {
	ConnectedHandler(nodeID string) (Handler, bool)
}

// RelayManager keeps the relayed handlers by connection id. It delivers
// incoming relayed data to them, answers connection requests and forwards
// messages between other nodes when we are the relay.
type RelayManager struct {
	cfg     *config.Wrapper
	factory *Factory
	peers   PeerLookup
	accept  func(Handler)

	handlers *xsync.MapOf[uint64, *handler]
	pending  *xsync.MapOf[uint64, chan bool]
}

func NewRelayManager(cfg *config.Wrapper, factory *Factory, peers PeerLookup, accept func(Handler)) *RelayManager {
	return &RelayManager{
		cfg:      cfg,
		factory:  factory,
		peers:    peers,
		accept:   accept,
		handlers: xsync.NewMapOf[uint64, *handler](),
		pending:  xsync.NewMapOf[uint64, chan bool](),
	}
}

// IsRelay reports whether the node is our configured relay.
func (m *RelayManager) IsRelay(nodeID string) bool {
	relay := m.cfg.Options().RelayNodeID
	return relay != "" && relay == nodeID
}

// Count returns the number of live relayed handlers.
func (m *RelayManager) Count() int {
	return m.handlers.Size()
}

// Connect opens a relayed connection to dest through the connected relay
// handler. The returned handler still needs its handshake.
func (m *RelayManager) Connect(ctx context.Context, relay Handler, dest protocol.NodeInfo) (Handler, error) {
	if !relay.IsConnected() {
		return nil, protocol.NewConnectionError(relay, protocol.ErrNotConnected)
	}

	id := rand.Uint64()
	reply := make(chan bool, 1)
	m.pending.Store(id, reply)
	defer m.pending.Delete(id)

	h := m.factory.newRelayed(m, relay, dest, id)
	m.handlers.Store(id, h)

	syn := &protocol.RelayedMessage{
		Type:         protocol.RelayedSyn,
		Source:       m.factory.Self(),
		Destination:  dest,
		ConnectionID: id,
	}
	if err := relay.SendMessage(syn); err != nil {
		h.shutdown(err)
		return nil, err
	}

	t := time.NewTimer(m.cfg.Options().RelayedConnectTimeout())
	defer t.Stop()
	select {
	case ok := <-reply:
		if !ok {
			h.shutdown(errRelayRefused)
			return nil, h.connErr(errRelayRefused)
		}
	case <-t.C:
		h.shutdown(protocol.ErrHandshakeTimeout)
		return nil, h.connErr(protocol.ErrHandshakeTimeout)
	case <-relay.Closed():
		h.shutdown(protocol.ErrClosed)
		return nil, h.connErr(protocol.ErrClosed)
	case <-ctx.Done():
		h.shutdown(ctx.Err())
		return nil, ctx.Err()
	}

	l.Debugf("relayed connection %d to %v via %v established", id, dest, relay)
	return h, nil
}

// HandleRelayedMessage processes a relayed message that arrived on the
// handler from.
func (m *RelayManager) HandleRelayedMessage(from Handler, msg *protocol.RelayedMessage) {
	if msg.Destination.ID != m.cfg.Options().NodeID {
		m.forward(from, msg)
		return
	}

	switch msg.Type {
	case protocol.RelayedSyn:
		m.handleSyn(from, msg)

	case protocol.RelayedAck, protocol.RelayedNack:
		if reply, ok := m.pending.LoadAndDelete(msg.ConnectionID); ok {
			reply <- msg.Type == protocol.RelayedAck
		} else {
			l.Debugf("%v for unknown relayed connection %d", msg.Type, msg.ConnectionID)
		}

	case protocol.RelayedEOF:
		if h, ok := m.handlers.Load(msg.ConnectionID); ok {
			h.shutdown(errRemoteEOF)
		}

	case protocol.RelayedData, protocol.RelayedDataZipped:
		m.deliver(msg)

	default:
		l.Debugf("dropping relayed message of unknown type %v", msg.Type)
		metricRelayedMessages.WithLabelValues(relayDropped).Inc()
	}
}

func (m *RelayManager) handleSyn(from Handler, msg *protocol.RelayedMessage) {
	answer := &protocol.RelayedMessage{
		Type:         protocol.RelayedAck,
		Source:       m.factory.Self(),
		Destination:  msg.Source,
		ConnectionID: msg.ConnectionID,
	}

	h := m.factory.newRelayed(m, from, msg.Source, msg.ConnectionID)
	if _, loaded := m.handlers.LoadOrStore(msg.ConnectionID, h); loaded {
		l.Infof("Refusing relayed connection %d from %v: id in use", msg.ConnectionID, msg.Source)
		answer.Type = protocol.RelayedNack
		from.SendMessagesAsync(answer)
		return
	}

	from.SendMessagesAsync(answer)
	l.Debugf("accepted relayed connection %d from %v via %v", msg.ConnectionID, msg.Source, from)
	go m.accept(h)
}

func (m *RelayManager) deliver(msg *protocol.RelayedMessage) {
	h, ok := m.handlers.Load(msg.ConnectionID)
	if !ok {
		l.Debugf("dropping data for unknown relayed connection %d", msg.ConnectionID)
		metricRelayedMessages.WithLabelValues(relayDropped).Inc()
		return
	}

	payload := msg.Payload
	if msg.Type == protocol.RelayedDataZipped {
		var err error
		payload, err = protocol.Decompress(payload)
		if err != nil {
			l.Infof("%v: dropping undecodable relayed payload: %v", h, err)
			metricRelayedMessages.WithLabelValues(relayDropped).Inc()
			return
		}
	}

	inner, err := protocol.UnmarshalMessage(payload)
	if err != nil {
		if protocol.IsRecoverable(err) {
			l.Infof("%v: dropping undecodable message: %v", h, err)
			metricRelayedMessages.WithLabelValues(relayDropped).Inc()
			return
		}
		h.shutdown(err)
		return
	}
	metricRelayedMessages.WithLabelValues(relayDelivered).Inc()
	h.receive(inner, len(msg.Payload)+4)
}

// forward passes a message between two other nodes. Connection requests
// to nodes we are not connected to are refused, other messages to them
// end the relayed connection.
func (m *RelayManager) forward(from Handler, msg *protocol.RelayedMessage) {
	if dest, ok := m.peers.ConnectedHandler(msg.Destination.ID); ok {
		dest.SendMessagesAsync(msg)
		metricRelayedMessages.WithLabelValues(relayForwarded).Inc()
		return
	}

	metricRelayedMessages.WithLabelValues(relayDropped).Inc()
	l.Debugf("cannot relay %v from %v to %v: not connected", msg.Type, msg.Source, msg.Destination)

	var answer protocol.RelayedType
	switch msg.Type {
	case protocol.RelayedSyn:
		answer = protocol.RelayedNack
	case protocol.RelayedData, protocol.RelayedDataZipped:
		answer = protocol.RelayedEOF
	default:
		return
	}
	from.SendMessagesAsync(&protocol.RelayedMessage{
		Type:         answer,
		Source:       msg.Destination,
		Destination:  msg.Source,
		ConnectionID: msg.ConnectionID,
	})
}

// RelayClosed shuts down every relayed handler that went through the
// closed relay handler.
func (m *RelayManager) RelayClosed(relay Handler) {
	var dead []*handler
	m.handlers.Range(func(_ uint64, h *handler) bool {
		if tr, ok := h.tr.(*relayedTransport); ok && tr.relay == relay {
			dead = append(dead, h)
		}
		return true
	})
	for _, h := range dead {
		h.shutdown(errors.Wrap(protocol.ErrClosed, "relay disconnected"))
	}
}

func (m *RelayManager) forget(connID uint64) {
	m.handlers.Delete(connID)
}
