// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDownloadsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "transfer",
		Name:      "downloads_requested_total",
		Help:      "Total number of download requests",
	})
	metricDownloads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "transfer",
		Name:      "downloads",
		Help:      "Number of requested downloads, by state",
	}, []string{"state"})
)
