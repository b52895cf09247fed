// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/connections"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/svcutil"
)

var (
	errNotStarted      = errors.New("node manager is not started")
	errLoopback        = errors.New("loopback connection")
	errNetworkMismatch = errors.New("node belongs to another network")
	errNotOnLAN        = errors.New("only LAN connections are allowed")
	errTooManyIncoming = errors.New("too many incoming connections")
)

// An acceptor is an incoming connection waiting for admission.
type acceptor struct {
	h       connections.Handler
	started time.Time
}

// shouldAccept decides about a second connection to a known node. A LAN
// connection replaces one that is not on the LAN, and a node without a
// live connection takes any.
func shouldAccept(existingOnLAN, existingConnected, newOnLAN bool) bool {
	if !existingOnLAN && newOnLAN {
		return true
	}
	return !existingConnected
}

// AcceptConnection runs the handshake on the handler and admits the node
// behind it. On success the handler is connected and bound to the
// returned member.
func (m *Manager) AcceptConnection(ctx context.Context, h connections.Handler) (*Member, error) {
	if err := h.Init(ctx); err != nil {
		return nil, err
	}

	member, old, err := m.admit(h)
	if err != nil {
		l.Infof("Rejecting connection %v: %v", h, err)
		if id := h.Identity(); id != nil {
			m.evLogger.Log(events.NodeRejected, map[string]string{
				"id":    id.Node.ID,
				"nick":  id.Node.Nick,
				"error": err.Error(),
			})
		}
		h.Reject(err)
		return nil, protocol.NewConnectionError(h, err)
	}

	if old != nil {
		l.Infof("Replacing connection %v to %v with %v", old, member, h)
		old.Shutdown()
	}

	if err := h.AcceptIdentity(ctx, member.ID()); err != nil {
		l.Debugf("%v: handshake with %v failed: %v", member, h, err)
		return nil, err
	}

	member.takeIdentity(h.Identity())
	m.onlineStateChanged(member)
	if !h.IsConnected() {
		return nil, protocol.NewConnectionError(h, protocol.ErrClosed)
	}
	return member, nil
}

// admit makes the admission decision and binds the handler to the member.
// It does not touch the network.
func (m *Manager) admit(h connections.Handler) (*Member, connections.Handler, error) {
	if !m.started.Load() {
		return nil, nil, errNotStarted
	}

	id := h.Identity()
	if !id.IsValid() {
		metricAdmissions.WithLabelValues(admissionInvalid).Inc()
		return nil, nil, errors.Wrap(protocol.ErrProtocolViolation, "invalid identity")
	}
	if id.Node.ID == m.self.ID() || id.MagicID == h.MyMagicID() {
		metricAdmissions.WithLabelValues(admissionInvalid).Inc()
		return nil, nil, errLoopback
	}
	opts := m.cfg.Options()
	if !id.Node.OnNetwork(opts.NetworkID) {
		metricAdmissions.WithLabelValues(admissionInvalid).Inc()
		return nil, nil, errNetworkMismatch
	}
	if opts.LANOnly && !h.IsOnLAN() {
		metricAdmissions.WithLabelValues(admissionInvalid).Inc()
		return nil, nil, errNotOnLAN
	}

	m.acceptMut.Lock()
	defer m.acceptMut.Unlock()

	member := m.Node(id.Node.ID)
	switch {
	case member == nil:
		member, _ = m.addNode(id.Node)
		metricAdmissions.WithLabelValues(admissionNew).Inc()

	case !shouldAccept(member.IsOnLAN(), member.IsConnected(), h.IsOnLAN()):
		metricAdmissions.WithLabelValues(admissionDuplicate).Inc()
		return nil, nil, errors.Wrapf(protocol.ErrDuplicateConnection, "duplicate connection detected to %v", member)

	case member.IsConnected():
		metricAdmissions.WithLabelValues(admissionReplaced).Inc()

	default:
		metricAdmissions.WithLabelValues(admissionReconnect).Inc()
	}

	return member, member.bindPeer(h), nil
}

// AcceptConnectionAsync queues an incoming connection for admission. The
// caller is slowed down in proportion to the number of connections being
// processed.
func (m *Manager) AcceptConnectionAsync(h connections.Handler) {
	m.mut.Lock()
	ctx := m.ctx
	if ctx == nil || !m.started.Load() {
		m.mut.Unlock()
		l.Infof("Not accepting connection %v: %v", h, errNotStarted)
		h.Shutdown()
		return
	}
	opts := m.cfg.Options()
	if limit := opts.MaxIncomingConnections; limit > 0 && len(m.acceptors) >= limit {
		m.mut.Unlock()
		l.Warnf("Not accepting connection %v: %v (%d)", h, errTooManyIncoming, limit)
		h.Shutdown()
		return
	}
	a := &acceptor{h: h, started: time.Now()}
	m.acceptors = append(m.acceptors, a)
	n := len(m.acceptors)
	metricAcceptors.Set(float64(n))
	m.mut.Unlock()

	go func() {
		defer m.removeAcceptor(a)
		if _, err := m.AcceptConnection(ctx, h); err != nil {
			l.Debugf("Accepting %v: %v", h, err)
		}
	}()

	wait := time.Duration(n) * opts.WaitTime() / 400
	l.Debugf("processing %d incoming connections, throttled (%v wait)", n, wait)
	svcutil.Sleep(ctx, wait)
}

// acceptRelayed takes relayed connections initiated by others.
func (m *Manager) acceptRelayed(h connections.Handler) {
	m.AcceptConnectionAsync(h)
}

func (m *Manager) removeAcceptor(a *acceptor) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for i, aa := range m.acceptors {
		if aa == a {
			m.acceptors = append(m.acceptors[:i], m.acceptors[i+1:]...)
			break
		}
	}
	metricAcceptors.Set(float64(len(m.acceptors)))
}

// CountAcceptors returns the number of incoming connections being
// processed.
func (m *Manager) CountAcceptors() int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.acceptors)
}

// checkAcceptors shuts down incoming connections that took too long to
// complete their handshake.
func (m *Manager) checkAcceptors(now time.Time) {
	opts := m.cfg.Options()
	timeout := opts.AcceptorTimeout()

	m.mut.Lock()
	n := len(m.acceptors)
	var timedOut []*acceptor
	kept := m.acceptors[:0]
	for _, a := range m.acceptors {
		if now.Sub(a.started) > timeout {
			timedOut = append(timedOut, a)
		} else {
			kept = append(kept, a)
		}
	}
	for i := len(kept); i < len(m.acceptors); i++ {
		m.acceptors[i] = nil
	}
	m.acceptors = kept
	metricAcceptors.Set(float64(len(kept)))
	m.mut.Unlock()

	l.Debugf("checking incoming connection queue (%d)", n)
	if limit := opts.MaxIncomingConnections; limit > 0 && n >= limit {
		l.Warnf("Processing too many incoming connections (%d)", n)
	}
	for _, a := range timedOut {
		l.Infof("Incoming connection %v timed out after %v", a.h, now.Sub(a.started).Truncate(time.Second))
		a.h.Shutdown()
	}
}

// takeAcceptors empties the acceptor list and returns what was in it.
func (m *Manager) takeAcceptors() []*acceptor {
	m.mut.Lock()
	defer m.mut.Unlock()
	res := m.acceptors
	m.acceptors = nil
	metricAcceptors.Set(0)
	return res
}
