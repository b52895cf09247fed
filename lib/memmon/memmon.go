// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package memmon warns once when the system runs low on memory.
package memmon

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/svcutil"
)

// Usage is a memory usage sample.
type Usage struct {
	Total       uint64
	Used        uint64
	UsedPercent float64
}

type Monitor struct {
	svcutil.ServiceWithError
	cfg      *config.Wrapper
	evLogger events.Logger
	read     func(context.Context) (Usage, error)
	warned   atomic.Bool
}

func New(cfg *config.Wrapper, evLogger events.Logger) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		evLogger: evLogger,
		read:     systemUsage,
	}
	opts := cfg.Options()
	m.ServiceWithError = svcutil.Periodic(m.String(), 0, opts.MemoryCheckInterval(), m.check)
	return m
}

func systemUsage(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Total: vm.Total, Used: vm.Used, UsedPercent: vm.UsedPercent}, nil
}

// check samples the memory usage and warns the first time it reaches the
// limit. Nothing is checked after the warning.
func (m *Monitor) check(ctx context.Context) {
	if m.warned.Load() {
		return
	}
	u, err := m.read(ctx)
	if err != nil {
		l.Debugln("reading memory usage:", err)
		return
	}
	l.Debugf("memory used: %d of %d bytes (%.1f%%)", u.Used, u.Total, u.UsedPercent)
	metricUsedPercent.Set(u.UsedPercent)

	limit := float64(m.cfg.Options().MemoryLimitPercent)
	if limit <= 0 || u.UsedPercent < limit {
		return
	}
	if !m.warned.CompareAndSwap(false, true) {
		return
	}
	l.Warnf("Running low on memory: %.1f%% of %d MiB in use", u.UsedPercent, u.Total>>20)
	m.evLogger.Log(events.MemoryLow, map[string]interface{}{
		"total":       u.Total,
		"used":        u.Used,
		"usedPercent": u.UsedPercent,
	})
}

// Warned reports whether the low memory warning was given.
func (m *Monitor) Warned() bool {
	return m.warned.Load()
}

func (m *Monitor) String() string {
	return fmt.Sprintf("memmon.Monitor@%p", m)
}
