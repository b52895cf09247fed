// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricKnownNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "nodes",
		Name:      "known",
		Help:      "Number of known nodes",
	})
	metricConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "nodes",
		Name:      "connected",
		Help:      "Number of completely connected nodes",
	})
	metricAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "nodes",
		Name:      "admissions_total",
		Help:      "Total number of admission decisions, by result",
	}, []string{"result"})
	metricBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "nodes",
		Name:      "broadcast_messages_total",
		Help:      "Total number of messages queued by broadcasts, by kind",
	}, []string{"kind"})
	metricAcceptors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "nodes",
		Name:      "acceptors",
		Help:      "Number of incoming connections being processed",
	})
)

const (
	admissionNew       = "new"
	admissionReplaced  = "replaced"
	admissionReconnect = "reconnect"
	admissionDuplicate = "duplicate"
	admissionInvalid   = "invalid"

	broadcastAll        = "all"
	broadcastSupernodes = "supernodes"
	broadcastLAN        = "lan"
)
