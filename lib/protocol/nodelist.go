// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"github.com/calmh/xdr"
	"github.com/pkg/errors"
)

// nodeListMagic starts every node list file.
const nodeListMagic = 0x9f4e1a07

var errNotNodeList = errors.New("not a node list")

// NodeList is the persisted set of known nodes and friends.
type NodeList struct {
	Nodes   []NodeInfo
	Friends []NodeInfo
}

func (o NodeList) XDRSize() int {
	return 4 + sizeOfNodes(o.Nodes) + sizeOfNodes(o.Friends)
}

func (o NodeList) MarshalXDR() ([]byte, error) {
	buf := make([]byte, o.XDRSize())
	m := &xdr.Marshaller{Data: buf}
	return buf, o.MarshalXDRInto(m)
}

func (o NodeList) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(nodeListMagic)
	marshalNodes(m, o.Nodes)
	marshalNodes(m, o.Friends)
	return m.Error
}

func (o *NodeList) UnmarshalXDR(bs []byte) error {
	u := &xdr.Unmarshaller{Data: bs}
	return o.UnmarshalXDRFrom(u)
}

func (o *NodeList) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	if magic := u.UnmarshalUint32(); u.Error == nil && magic != nodeListMagic {
		return errNotNodeList
	}
	var err error
	if o.Nodes, err = unmarshalNodes(u, "NodeList.Nodes"); err != nil {
		return err
	}
	o.Friends, err = unmarshalNodes(u, "NodeList.Friends")
	return err
}
