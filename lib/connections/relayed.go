// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/protocol"
)

// errRemoteEOF is the shutdown cause when the remote end closed the
// relayed connection. No EOF is sent back in that case.
var errRemoteEOF = errors.New("relayed connection closed by remote")

// relayedTransport carries messages as RelayedMessage payloads through
// the connection to a relay node.
type relayedTransport struct {
	mgr    *RelayManager
	relay  Handler
	local  protocol.NodeInfo
	remote protocol.NodeInfo
	connID uint64

	eofSent atomic.Bool
}

func (*relayedTransport) start(*handler) {
	// Incoming messages are delivered by the relay manager.
}

func (t *relayedTransport) writeMessage(msg protocol.Message, _ bool) (int, error) {
	payload, err := protocol.MarshalMessage(msg)
	if err != nil {
		return 0, err
	}
	typ := protocol.RelayedDataZipped
	if comp, err := protocol.Compress(payload); err == nil {
		payload = comp
	} else {
		typ = protocol.RelayedData
	}
	err = t.relay.SendMessage(&protocol.RelayedMessage{
		Type:         typ,
		Source:       t.local,
		Destination:  t.remote,
		ConnectionID: t.connID,
		Payload:      payload,
	})
	if err != nil {
		return 0, err
	}
	return len(payload) + 4, nil
}

func (t *relayedTransport) close(err error) {
	t.mgr.forget(t.connID)
	if errors.Is(err, errRemoteEOF) {
		return
	}
	if !t.eofSent.CompareAndSwap(false, true) {
		return
	}
	t.relay.SendMessagesAsync(&protocol.RelayedMessage{
		Type:         protocol.RelayedEOF,
		Source:       t.local,
		Destination:  t.remote,
		ConnectionID: t.connID,
	})
}

func (*relayedTransport) remoteAddr() net.Addr {
	return nil
}

func (*relayedTransport) tunneled() bool {
	return true
}

func (t *relayedTransport) String() string {
	return fmt.Sprintf("relayed/%s/%d", t.relay.MemberID(), t.connID)
}
