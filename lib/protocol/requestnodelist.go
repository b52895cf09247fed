// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"slices"
)

// NodeCriteria selects nodes in a node list request.
type NodeCriteria uint32

const (
	CriteriaNone NodeCriteria = iota
	CriteriaOnline
	CriteriaAll
)

func (c NodeCriteria) String() string {
	switch c {
	case CriteriaNone:
		return "none"
	case CriteriaOnline:
		return "online"
	case CriteriaAll:
		return "all"
	default:
		return "unknown"
	}
}

func (c NodeCriteria) matches(n NodeInfo) bool {
	switch c {
	case CriteriaAll:
		return true
	case CriteriaOnline:
		return n.Connected
	default:
		return false
	}
}

// NewRequestAllNodes asks for every node the receiver knows.
func NewRequestAllNodes() *RequestNodeList {
	return &RequestNodeList{
		ListedCriteria: CriteriaAll,
		OthersCriteria: CriteriaAll,
	}
}

// NewRequestNodeList asks for the given nodes matching listed, and all
// other nodes matching others.
func NewRequestNodeList(nodeIDs []string, listed, others NodeCriteria) *RequestNodeList {
	return &RequestNodeList{
		NodeIDs:        slices.Clone(nodeIDs),
		ListedCriteria: listed,
		OthersCriteria: others,
	}
}

// Filter returns the nodes the request asks for.
func (r *RequestNodeList) Filter(nodes []NodeInfo) []NodeInfo {
	var res []NodeInfo
	for _, n := range nodes {
		c := r.OthersCriteria
		if slices.Contains(r.NodeIDs, n.ID) {
			c = r.ListedCriteria
		}
		if c.matches(n) {
			res = append(res, n)
		}
	}
	return res
}
