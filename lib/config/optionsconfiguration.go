// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"slices"
	"time"
)

type OptionsConfiguration struct {
	NodeID    string `json:"nodeID"`
	Nick      string `json:"nick" default:"peercore"`
	NetworkID string `json:"networkID" default:"X"`
	Supernode bool   `json:"supernode"`
	// Server nodes request the full folder list from their peers.
	Server        bool   `json:"server"`
	ListenAddress string `json:"listenAddress" default:"0.0.0.0:1337"`
	ConfigURL     string `json:"configURL"`

	LANOnly         bool     `json:"lanOnly"`
	AlwaysLocalNets []string `json:"alwaysLocalNets"`
	UseZipOnLAN     bool     `json:"useZipOnLAN"`

	WaitTimeMS                   int `json:"waitTimeMS" default:"1000"`
	MaxIncomingConnections       int `json:"maxIncomingConnections" default:"40"`
	AcceptorCheckIntervalS       int `json:"acceptorCheckIntervalS" default:"60"`
	AcceptorTimeoutS             int `json:"acceptorTimeoutS" default:"180"`
	AcceptRateLimit              int `json:"acceptRateLimit" default:"20"`
	NodeListRequestIntervalS     int `json:"nodeListRequestIntervalS" default:"900"`
	TransferStatusIntervalS      int `json:"transferStatusIntervalS" default:"300"`
	WentOnlineBroadcastIntervalS int `json:"wentOnlineBroadcastIntervalS" default:"60"`
	MaxNodeOfflineH              int `json:"maxNodeOfflineH" default:"336"`
	SupernodesToContact          int `json:"supernodesToContact" default:"5"`
	SupernodesToConnect          int `json:"supernodesToConnect" default:"2"`
	ShutdownTimeoutS             int `json:"shutdownTimeoutS" default:"30"`

	MaxUploadKBps          int     `json:"maxUploadKBps"`
	ConnectionsPerUploadKB float64 `json:"connectionsPerUploadKB" default:"2.5"`

	KeepAliveIntervalS int `json:"keepAliveIntervalS" default:"60"`
	ReceiveTimeoutS    int `json:"receiveTimeoutS" default:"300"`

	ReconnectWorkers       int    `json:"reconnectWorkers" default:"4"`
	ReconnectCooldownS     int    `json:"reconnectCooldownS" default:"120"`
	ReconnectRebuildS      int    `json:"reconnectRebuildS" default:"300"`
	RelayNodeID            string `json:"relayNodeID"`
	RelayedConnectTimeoutS int    `json:"relayedConnectTimeoutS" default:"30"`

	RequestorMaxWorkers       int `json:"requestorMaxWorkers" default:"5"`
	RequestorFoldersPerWorker int `json:"requestorFoldersPerWorker" default:"2"`
	RequestorPeriodS          int `json:"requestorPeriodS" default:"60"`

	WatchFilesystem bool     `json:"watchFilesystem" default:"true"`
	WatchIgnores    []string `json:"watchIgnores" default:"*.tmp,~*,.DS_Store"`

	MemoryCheckIntervalS int     `json:"memoryCheckIntervalS" default:"60"`
	MemoryLimitPercent   float64 `json:"memoryLimitPercent" default:"90"`

	APIAddress string `json:"apiAddress" default:"127.0.0.1:7777"`
}

// NewOptions returns options with every field at its default value.
func NewOptions() OptionsConfiguration {
	var opts OptionsConfiguration
	if err := setDefaults(&opts); err != nil {
		panic(err)
	}
	return opts
}

func (opts OptionsConfiguration) Copy() OptionsConfiguration {
	cp := opts
	cp.AlwaysLocalNets = slices.Clone(opts.AlwaysLocalNets)
	cp.WatchIgnores = slices.Clone(opts.WatchIgnores)
	return cp
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func (opts OptionsConfiguration) WaitTime() time.Duration {
	return time.Duration(opts.WaitTimeMS) * time.Millisecond
}

func (opts OptionsConfiguration) AcceptorCheckInterval() time.Duration {
	return seconds(opts.AcceptorCheckIntervalS)
}

func (opts OptionsConfiguration) AcceptorTimeout() time.Duration {
	return seconds(opts.AcceptorTimeoutS)
}

func (opts OptionsConfiguration) NodeListRequestInterval() time.Duration {
	return seconds(opts.NodeListRequestIntervalS)
}

func (opts OptionsConfiguration) TransferStatusInterval() time.Duration {
	return seconds(opts.TransferStatusIntervalS)
}

func (opts OptionsConfiguration) WentOnlineBroadcastInterval() time.Duration {
	return seconds(opts.WentOnlineBroadcastIntervalS)
}

func (opts OptionsConfiguration) MaxNodeOffline() time.Duration {
	return time.Duration(opts.MaxNodeOfflineH) * time.Hour
}

func (opts OptionsConfiguration) ShutdownTimeout() time.Duration {
	return seconds(opts.ShutdownTimeoutS)
}

func (opts OptionsConfiguration) KeepAliveInterval() time.Duration {
	return seconds(opts.KeepAliveIntervalS)
}

func (opts OptionsConfiguration) ReceiveTimeout() time.Duration {
	return seconds(opts.ReceiveTimeoutS)
}

func (opts OptionsConfiguration) ReconnectCooldown() time.Duration {
	return seconds(opts.ReconnectCooldownS)
}

func (opts OptionsConfiguration) ReconnectRebuild() time.Duration {
	return seconds(opts.ReconnectRebuildS)
}

func (opts OptionsConfiguration) RelayedConnectTimeout() time.Duration {
	return seconds(opts.RelayedConnectTimeoutS)
}

// RequestorPeriod is never zero; configurations that were not prepared
// get the default period.
func (opts OptionsConfiguration) RequestorPeriod() time.Duration {
	if opts.RequestorPeriodS < 1 {
		return seconds(NewOptions().RequestorPeriodS)
	}
	return seconds(opts.RequestorPeriodS)
}

func (opts OptionsConfiguration) MemoryCheckInterval() time.Duration {
	return seconds(opts.MemoryCheckIntervalS)
}
