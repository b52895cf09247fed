// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TempNodeIDPrefix marks the placeholder identities used for servers that
// have not told us their real id yet. Such nodes are never added from node
// lists.
const TempNodeIDPrefix = "TEMP_IDENTITY_"

// NodeInfo describes a peer node. Two NodeInfos describe the same node
// when their IDs are equal.
type NodeInfo struct {
	ID             string
	Nick           string
	NetworkID      string
	ConnectAddress string // host:port the node accepts connections on
	Supernode      bool
	Connected      bool // connected to the network, as last seen by the sender
	LastConnect    time.Time
}

func (n NodeInfo) String() string {
	if n.Nick == "" {
		return n.ID
	}
	return fmt.Sprintf("%s (%s)", n.Nick, shortID(n.ID))
}

// IsValid reports whether the node carries both an id and a nick.
func (n NodeInfo) IsValid() bool {
	return n.ID != "" && n.Nick != ""
}

// Is reports whether both infos describe the same node.
func (n NodeInfo) Is(other NodeInfo) bool {
	return n.ID == other.ID
}

// IsStale reports whether the node has not been seen for longer than
// maxAge. Nodes never seen connected are stale unless currently connected.
func (n NodeInfo) IsStale(now time.Time, maxAge time.Duration) bool {
	if n.Connected {
		return false
	}
	if n.LastConnect.IsZero() {
		return true
	}
	return now.Sub(n.LastConnect) > maxAge
}

// OnNetwork reports whether the node belongs to the given network.
func (n NodeInfo) OnNetwork(networkID string) bool {
	return n.NetworkID == networkID
}

// IsTempServerNode reports whether the node is a placeholder identity.
func (n NodeInfo) IsTempServerNode() bool {
	return strings.HasPrefix(n.ID, TempNodeIDPrefix)
}

// NewerThan reports whether n carries more recent information than other.
func (n NodeInfo) NewerThan(other NodeInfo) bool {
	return n.LastConnect.After(other.LastConnect)
}

func shortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
