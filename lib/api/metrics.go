// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "peercore",
	Subsystem: "api",
	Name:      "request_seconds",
	Help:      "Time taken to serve REST requests, by method",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"method"})
