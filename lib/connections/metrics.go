// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "handshakes_total",
		Help:      "Total number of handshakes, by result",
	}, []string{"result"})
	metricActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "active",
		Help:      "Number of currently connected handlers, by transport",
	}, []string{"transport"})
	metricNodeSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "node_sent_bytes_total",
		Help:      "Total amount of data sent, per node",
	}, []string{"node"})
	metricNodeRecvBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "node_recv_bytes_total",
		Help:      "Total amount of data received, per node",
	}, []string{"node"})
	metricNodeSentMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "node_sent_messages_total",
		Help:      "Total number of messages sent, per node",
	}, []string{"node"})
	metricNodeRecvMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "node_recv_messages_total",
		Help:      "Total number of messages received, per node",
	}, []string{"node"})
	metricRelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "connections",
		Name:      "relayed_messages_total",
		Help:      "Total number of relayed messages, by outcome",
	}, []string{"outcome"})
)

const (
	handshakeAccepted = "accepted"
	handshakeRejected = "rejected"
	handshakeRefused  = "refused"
	handshakeTimeout  = "timeout"
	handshakeFailed   = "failed"

	relayForwarded = "forwarded"
	relayDelivered = "delivered"
	relayDropped   = "dropped"
)
