// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package memmon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "peercore",
	Subsystem: "memmon",
	Name:      "used_percent",
	Help:      "System memory in use, in percent, at the last check",
})
