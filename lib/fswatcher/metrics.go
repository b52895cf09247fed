// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "fswatcher",
		Name:      "events_total",
		Help:      "Total number of filesystem events received",
	})
	metricScannedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "fswatcher",
		Name:      "scanned_files_total",
		Help:      "Total number of changed files scanned",
	})
)
