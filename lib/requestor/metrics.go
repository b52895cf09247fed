// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package requestor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "queued_folders",
		Help:      "Number of folders waiting for file requesting",
	})
	metricWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "workers",
		Help:      "Number of running requestor workers",
	})
	metricStalledWorkers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "stalled_workers_total",
		Help:      "Total number of workers replaced after stalling",
	})
	metricDownloadRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "download_requests_total",
		Help:      "Total number of downloads requested",
	})
	metricConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "conflicts_total",
		Help:      "Total number of conflicting file histories",
	})
	metricAnnouncedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "announced_files_total",
		Help:      "Total number of announced files that were newer than ours",
	})
	metricFolderPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peercore",
		Subsystem: "requestor",
		Name:      "folder_panics_total",
		Help:      "Total number of panics while requesting files of a folder",
	})
)
