// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "protocol",
		Name:      "sent_bytes_total",
		Help:      "Total amount of data sent on the wire",
	})
	metricSentUncompressedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "protocol",
		Name:      "sent_uncompressed_bytes_total",
		Help:      "Total amount of data sent, before compression",
	})
	metricSentMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "protocol",
		Name:      "sent_messages_total",
		Help:      "Total number of messages sent, by type",
	}, []string{"type"})

	metricRecvBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "protocol",
		Name:      "recv_bytes_total",
		Help:      "Total amount of data received on the wire",
	})
	metricRecvMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "protocol",
		Name:      "recv_messages_total",
		Help:      "Total number of messages received, by type",
	}, []string{"type"})
	metricDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "protocol",
		Name:      "decode_errors_total",
		Help:      "Total number of payloads that could not be decoded",
	}, []string{"type"})
)
