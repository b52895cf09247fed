// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package reconnect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "reconnect",
		Name:      "queue_length",
		Help:      "Number of nodes waiting for a connection attempt",
	})
	metricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "reconnect",
		Name:      "attempts_total",
		Help:      "Total number of outgoing connection attempts, by result",
	}, []string{"result"})
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)
