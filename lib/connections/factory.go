// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"net"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/protocol"
)

const defaultWriteTimeout = 30 * time.Second

// A Factory creates handlers that share the configuration, the receiver
// of their messages, the keep-alive checker and the LAN classifier.
type Factory struct {
	cfg       *config.Wrapper
	receiver  Receiver
	keepalive *KeepAliveChecker
	lan       *LANClassifier

	IdentityTimeout time.Duration
	AcceptTimeout   time.Duration
	WriteTimeout    time.Duration
}

func NewFactory(cfg *config.Wrapper, receiver Receiver, keepalive *KeepAliveChecker, lan *LANClassifier) *Factory {
	return &Factory{
		cfg:             cfg,
		receiver:        receiver,
		keepalive:       keepalive,
		lan:             lan,
		IdentityTimeout: IdentityTimeout,
		AcceptTimeout:   AcceptTimeout,
		WriteTimeout:    defaultWriteTimeout,
	}
}

// NewDirect wraps an established socket.
func (f *Factory) NewDirect(conn net.Conn) Handler {
	return newHandler(newDirectTransport(conn, f.WriteTimeout), f)
}

func (f *Factory) newRelayed(mgr *RelayManager, relay Handler, remote protocol.NodeInfo, connID uint64) *handler {
	tr := &relayedTransport{
		mgr:    mgr,
		relay:  relay,
		local:  f.Self(),
		remote: remote,
		connID: connID,
	}
	return newHandler(tr, f)
}

// Self returns our own node info as announced to others.
func (f *Factory) Self() protocol.NodeInfo {
	opts := f.cfg.Options()
	return protocol.NodeInfo{
		ID:             opts.NodeID,
		Nick:           opts.Nick,
		NetworkID:      opts.NetworkID,
		ConnectAddress: opts.ListenAddress,
		Supernode:      opts.Supernode,
		Connected:      true,
		LastConnect:    time.Now(),
	}
}
