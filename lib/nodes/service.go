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
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/peercore/lib/connections"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

var errNoRoute = errors.New("no address and no relay to reach the node")

func (m *Manager) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mut.Lock()
	m.ctx = ctx
	m.mut.Unlock()
	m.started.Store(true)

	opts := m.cfg.Options()
	sup := suture.New(m.String(), svcutil.SpecWithDebugLogger(l))
	sup.Add(m.keepalive)
	if m.listener != nil {
		sup.Add(m.listener)
	}
	sup.Add(svcutil.Periodic("node list loader", 0, 0, func(context.Context) {
		m.loadNodes()
		m.loaded.Store(true)
	}))
	sup.Add(svcutil.Periodic("transfer status broadcaster",
		opts.TransferStatusInterval()/2, opts.TransferStatusInterval(), m.broadcastTransferStatus))
	sup.Add(svcutil.Periodic("node list requestor",
		opts.NodeListRequestInterval()/2, opts.NodeListRequestInterval(), m.requestNodeList))
	sup.Add(svcutil.Periodic("went online broadcaster",
		opts.WentOnlineBroadcastInterval()/2, opts.WentOnlineBroadcastInterval(), m.broadcastWentOnline))
	sup.Add(svcutil.Periodic("acceptor checker",
		0, opts.AcceptorCheckInterval(), func(context.Context) { m.checkAcceptors(time.Now()) }))

	l.Infof("Node manager started, I am %v", m.self)
	m.evLogger.Log(events.NodeManagerStarted, map[string]string{
		"id":   m.self.ID(),
		"nick": m.self.Nick(),
	})

	err := sup.Serve(ctx)

	m.stop()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// stop disconnects everyone and stores the node lists. The nodes that
// were online are stored before they are disconnected.
func (m *Manager) stop() {
	m.started.Store(false)
	opts := m.cfg.Options()

	m.storeOnlineSupernodes()

	acceptors := m.takeAcceptors()
	l.Debugf("shutting down %d incoming connections", len(acceptors))
	for _, a := range acceptors {
		a.h.Shutdown()
	}

	connected := m.ConnectedNodes()
	l.Debugf("shutting down %d connected nodes", len(connected))
	if !shutdownParallel(connected, opts.ShutdownTimeout()) {
		l.Infoln("Timed out waiting for connections to close")
	}

	for _, member := range m.Nodes() {
		member.Shutdown()
	}

	if m.loaded.Swap(false) {
		m.storeNodes()
	}

	l.Infoln("Node manager stopped")
	m.evLogger.Log(events.NodeManagerStopped, nil)
}

// shutdownParallel shuts the members down using a fifth as many workers,
// and reports whether all were done within the timeout.
func shutdownParallel(members []*Member, timeout time.Duration) bool {
	if len(members) == 0 {
		return true
	}
	workers := max(1, len(members)/5)
	work := make(chan *Member)
	wg := sync.NewWaitGroup()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for member := range work {
				member.Shutdown()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for _, member := range members {
			work <- member
		}
		close(work)
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (m *Manager) broadcastTransferStatus(context.Context) {
	if m.transfers == nil {
		return
	}
	status := m.transfers.Status()
	l.Debugln("broadcasting transfer status", status)
	m.Broadcast(status)
}

func (m *Manager) requestNodeList(context.Context) {
	req := m.CreateDefaultNodeListRequest()
	n := m.BroadcastToSupernodes(req, m.cfg.Options().SupernodesToContact)
	l.Debugf("requested node list from %d supernodes", n)
}

func (m *Manager) broadcastWentOnline(context.Context) {
	m.mut.Lock()
	if len(m.wentOnline) == 0 {
		m.mut.Unlock()
		return
	}
	infos := make([]protocol.NodeInfo, 0, len(m.wentOnline))
	for _, info := range m.wentOnline {
		info.Connected = true
		infos = append(infos, info)
	}
	clear(m.wentOnline)
	m.mut.Unlock()

	l.Debugf("broadcasting %d nodes that went online", len(infos))
	for _, msg := range knownNodesMessages(infos) {
		m.Broadcast(msg)
	}
}

// Connect opens a connection to the member, directly when it has an
// address and through our relay otherwise or when that fails.
func (m *Manager) Connect(ctx context.Context, member *Member) error {
	if member.IsMySelf() {
		return errLoopback
	}
	if member.IsCompletelyConnected() {
		return nil
	}
	member.ConnectAttempted(time.Now())
	info := member.Info()

	var h connections.Handler
	err := errNoRoute
	if info.ConnectAddress != "" {
		h, err = m.factory.Dial(ctx, info.ConnectAddress)
	}
	if err != nil {
		relayID := m.cfg.Options().RelayNodeID
		if relay, ok := m.ConnectedHandler(relayID); ok && relayID != info.ID {
			l.Debugf("connecting to %v via relay %v", member, relay)
			var rerr error
			if h, rerr = m.relays.Connect(ctx, relay, info); rerr == nil {
				err = nil
			}
		}
	}
	if err != nil {
		return err
	}

	connected, err := m.AcceptConnection(ctx, h)
	if err != nil {
		return err
	}
	if connected != member {
		l.Infof("Connected to %v while trying to reach %v", connected, member)
	}
	return nil
}
