// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package stats

import (
	"time"

	"github.com/syncthing/peercore/lib/db"
)

const (
	lastSeenKey           = "lastSeen"
	lastConnectedKey      = "lastConnected"
	connectionDurationKey = "lastConnectionDuration"
	connectCountKey       = "connectCount"
)

type NodeStatistics struct {
	LastSeen                time.Time `json:"lastSeen"`
	LastConnected           time.Time `json:"lastConnected"`
	LastConnectionDurationS float64   `json:"lastConnectionDurationS"`
	ConnectCount            int64     `json:"connectCount"`
}

type NodeStatisticsReference struct {
	ns   *db.NamespacedKV
	node string
}

func NewNodeStatisticsReference(ldb *db.Lowlevel, node string) *NodeStatisticsReference {
	return &NodeStatisticsReference{
		ns:   db.NewNodeStatisticsNamespace(ldb, node),
		node: node,
	}
}

func (s *NodeStatisticsReference) GetLastSeen() (time.Time, error) {
	t, ok, err := s.ns.Time(lastSeenKey)
	if err != nil {
		return time.Time{}, err
	} else if !ok {
		// The default here is 1970-01-01 as opposed to the default
		// time.Time{} from s.ns
		return time.Unix(0, 0), nil
	}
	l.Debugln("stats.NodeStatisticsReference.GetLastSeen:", s.node, t)
	return t, nil
}

// WasSeen records that the node is connected right now.
func (s *NodeStatisticsReference) WasSeen() error {
	l.Debugln("stats.NodeStatisticsReference.WasSeen:", s.node)
	return s.ns.PutTime(lastSeenKey, time.Now().Truncate(time.Second))
}

// Connected records a completed handshake with the node.
func (s *NodeStatisticsReference) Connected() error {
	l.Debugln("stats.NodeStatisticsReference.Connected:", s.node)
	now := time.Now().Truncate(time.Second)
	if err := s.ns.PutTime(lastConnectedKey, now); err != nil {
		return err
	}
	if err := s.ns.PutTime(lastSeenKey, now); err != nil {
		return err
	}
	count, _, err := s.ns.Int64(connectCountKey)
	if err != nil {
		return err
	}
	return s.ns.PutInt64(connectCountKey, count+1)
}

// Disconnected records the end of a connection that lasted d.
func (s *NodeStatisticsReference) Disconnected(d time.Duration) error {
	l.Debugln("stats.NodeStatisticsReference.Disconnected:", s.node, d)
	if err := s.ns.PutInt64(connectionDurationKey, int64(d.Seconds())); err != nil {
		return err
	}
	return s.WasSeen()
}

func (s *NodeStatisticsReference) GetStatistics() (NodeStatistics, error) {
	lastSeen, err := s.GetLastSeen()
	if err != nil {
		return NodeStatistics{}, err
	}
	lastConnected, _, err := s.ns.Time(lastConnectedKey)
	if err != nil {
		return NodeStatistics{}, err
	}
	duration, _, err := s.ns.Int64(connectionDurationKey)
	if err != nil {
		return NodeStatistics{}, err
	}
	count, _, err := s.ns.Int64(connectCountKey)
	if err != nil {
		return NodeStatistics{}, err
	}
	return NodeStatistics{
		LastSeen:                lastSeen,
		LastConnected:           lastConnected,
		LastConnectionDurationS: float64(duration),
		ConnectCount:            count,
	}, nil
}

// Forget removes all statistics for the node.
func (s *NodeStatisticsReference) Forget() error {
	return s.ns.Reset()
}
