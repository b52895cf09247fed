// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"time"

	"github.com/calmh/xdr"
)

// Hand written in the style of genxdr output. Every type has XDRSize,
// MarshalXDRInto and UnmarshalXDRFrom; XDRSize must match exactly what
// MarshalXDRInto writes.

const (
	maxStringLen       = 8192
	maxNodesPerMessage = 100000
	maxHistoryEntries  = 100000
	MaxFilesPerList    = 10000
)

func sizeOfString(s string) int {
	return 4 + len(s) + xdr.Padding(len(s))
}

func sizeOfBytes(bs []byte) int {
	return 4 + len(bs) + xdr.Padding(len(bs))
}

func marshalTime(m *xdr.Marshaller, t time.Time) {
	if t.IsZero() {
		m.MarshalUint64(0)
		return
	}
	m.MarshalUint64(uint64(t.UnixNano()))
}

func unmarshalTime(u *xdr.Unmarshaller) time.Time {
	v := int64(u.UnmarshalUint64())
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

/*** NodeInfo ***/

func (o NodeInfo) XDRSize() int {
	return sizeOfString(o.ID) + sizeOfString(o.Nick) + sizeOfString(o.NetworkID) +
		sizeOfString(o.ConnectAddress) + 4 + 4 + 8
}

func (o NodeInfo) MarshalXDR() ([]byte, error) {
	buf := make([]byte, o.XDRSize())
	m := &xdr.Marshaller{Data: buf}
	return buf, o.MarshalXDRInto(m)
}

func (o NodeInfo) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(o.ID)
	m.MarshalString(o.Nick)
	m.MarshalString(o.NetworkID)
	m.MarshalString(o.ConnectAddress)
	m.MarshalBool(o.Supernode)
	m.MarshalBool(o.Connected)
	marshalTime(m, o.LastConnect)
	return m.Error
}

func (o *NodeInfo) UnmarshalXDR(bs []byte) error {
	u := &xdr.Unmarshaller{Data: bs}
	return o.UnmarshalXDRFrom(u)
}

func (o *NodeInfo) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.ID = u.UnmarshalStringMax(maxStringLen)
	o.Nick = u.UnmarshalStringMax(maxStringLen)
	o.NetworkID = u.UnmarshalStringMax(maxStringLen)
	o.ConnectAddress = u.UnmarshalStringMax(maxStringLen)
	o.Supernode = u.UnmarshalBool()
	o.Connected = u.UnmarshalBool()
	o.LastConnect = unmarshalTime(u)
	return u.Error
}

func sizeOfNodes(nodes []NodeInfo) int {
	size := 4
	for _, n := range nodes {
		size += n.XDRSize()
	}
	return size
}

func marshalNodes(m *xdr.Marshaller, nodes []NodeInfo) {
	m.MarshalUint32(uint32(len(nodes)))
	for _, n := range nodes {
		if err := n.MarshalXDRInto(m); err != nil {
			return
		}
	}
}

func unmarshalNodes(u *xdr.Unmarshaller, field string) ([]NodeInfo, error) {
	n := int(u.UnmarshalUint32())
	if u.Error != nil {
		return nil, u.Error
	}
	if n > maxNodesPerMessage {
		return nil, xdr.ElementSizeExceeded(field, n, maxNodesPerMessage)
	}
	if n == 0 {
		return nil, nil
	}
	nodes := make([]NodeInfo, n)
	for i := range nodes {
		if err := nodes[i].UnmarshalXDRFrom(u); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

/*** FileInfo ***/

func (o FileInfo) XDRSize() int {
	return sizeOfString(o.Folder) + sizeOfString(o.Name) + 8 + 8 + 8 +
		sizeOfString(o.ModifiedBy) + 4 + 4
}

func (o FileInfo) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(o.Folder)
	m.MarshalString(o.Name)
	m.MarshalUint64(uint64(o.Size))
	marshalTime(m, o.Modified)
	m.MarshalUint64(o.Version)
	m.MarshalString(o.ModifiedBy)
	m.MarshalBool(o.Deleted)
	m.MarshalBool(o.Directory)
	return m.Error
}

func (o *FileInfo) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Folder = u.UnmarshalStringMax(maxStringLen)
	o.Name = u.UnmarshalStringMax(maxStringLen)
	o.Size = int64(u.UnmarshalUint64())
	o.Modified = unmarshalTime(u)
	o.Version = u.UnmarshalUint64()
	o.ModifiedBy = u.UnmarshalStringMax(maxStringLen)
	o.Deleted = u.UnmarshalBool()
	o.Directory = u.UnmarshalBool()
	return u.Error
}

/*** FileHistory ***/

func (o FileHistoryEntry) XDRSize() int {
	return 8 + sizeOfString(o.ModifiedBy) + 8 + 4
}

func (o FileHistoryEntry) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint64(o.Version)
	m.MarshalString(o.ModifiedBy)
	marshalTime(m, o.Modified)
	m.MarshalBool(o.Deleted)
	return m.Error
}

func (o *FileHistoryEntry) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Version = u.UnmarshalUint64()
	o.ModifiedBy = u.UnmarshalStringMax(maxStringLen)
	o.Modified = unmarshalTime(u)
	o.Deleted = u.UnmarshalBool()
	return u.Error
}

func (o FileHistory) XDRSize() int {
	size := o.File.XDRSize() + 4
	for _, e := range o.Entries {
		size += e.XDRSize()
	}
	return size
}

func (o FileHistory) MarshalXDRInto(m *xdr.Marshaller) error {
	if err := o.File.MarshalXDRInto(m); err != nil {
		return err
	}
	m.MarshalUint32(uint32(len(o.Entries)))
	for _, e := range o.Entries {
		if err := e.MarshalXDRInto(m); err != nil {
			return err
		}
	}
	return m.Error
}

func (o *FileHistory) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	if err := o.File.UnmarshalXDRFrom(u); err != nil {
		return err
	}
	n := int(u.UnmarshalUint32())
	if u.Error != nil {
		return u.Error
	}
	if n > maxHistoryEntries {
		return xdr.ElementSizeExceeded("Entries", n, maxHistoryEntries)
	}
	o.Entries = nil
	if n > 0 {
		o.Entries = make([]FileHistoryEntry, n)
		for i := range o.Entries {
			if err := o.Entries[i].UnmarshalXDRFrom(u); err != nil {
				return err
			}
		}
	}
	return u.Error
}

/*** Identity ***/

func (o *Identity) XDRSize() int {
	return o.Node.XDRSize() + sizeOfString(o.MagicID) + 4 + sizeOfString(o.ProgramVersion) +
		4 + 4 + 4 + 4 + 4 + sizeOfString(o.ConfigURL) + 8
}

func (o *Identity) MarshalXDRInto(m *xdr.Marshaller) error {
	if err := o.Node.MarshalXDRInto(m); err != nil {
		return err
	}
	m.MarshalString(o.MagicID)
	m.MarshalUint32(o.ProtocolVersion)
	m.MarshalString(o.ProgramVersion)
	m.MarshalBool(o.SupportsEncryption)
	m.MarshalBool(o.UseCompressedStream)
	m.MarshalBool(o.Tunneled)
	m.MarshalBool(o.RequestFullFolderList)
	m.MarshalBool(o.PendingMessages)
	m.MarshalString(o.ConfigURL)
	marshalTime(m, o.Time)
	return m.Error
}

func (o *Identity) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	if err := o.Node.UnmarshalXDRFrom(u); err != nil {
		return err
	}
	o.MagicID = u.UnmarshalStringMax(maxStringLen)
	o.ProtocolVersion = u.UnmarshalUint32()
	o.ProgramVersion = u.UnmarshalStringMax(maxStringLen)
	o.SupportsEncryption = u.UnmarshalBool()
	o.UseCompressedStream = u.UnmarshalBool()
	o.Tunneled = u.UnmarshalBool()
	o.RequestFullFolderList = u.UnmarshalBool()
	o.PendingMessages = u.UnmarshalBool()
	o.ConfigURL = u.UnmarshalStringMax(maxStringLen)
	o.Time = unmarshalTime(u)
	return u.Error
}

/*** IdentityReply ***/

func (o *IdentityReply) XDRSize() int {
	return 4 + sizeOfString(o.Message)
}

func (o *IdentityReply) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalBool(o.Accepted)
	m.MarshalString(o.Message)
	return m.Error
}

func (o *IdentityReply) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Accepted = u.UnmarshalBool()
	o.Message = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

/*** Ping, Pong ***/

func (o *Ping) XDRSize() int {
	return sizeOfString(o.ID)
}

func (o *Ping) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(o.ID)
	return m.Error
}

func (o *Ping) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.ID = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

func (o *Pong) XDRSize() int {
	return sizeOfString(o.ID)
}

func (o *Pong) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(o.ID)
	return m.Error
}

func (o *Pong) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.ID = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

/*** Problem ***/

func (o *Problem) XDRSize() int {
	return sizeOfString(o.Message) + 4 + 4
}

func (o *Problem) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(o.Message)
	m.MarshalBool(o.Fatal)
	m.MarshalUint32(uint32(o.Code))
	return m.Error
}

func (o *Problem) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Message = u.UnmarshalStringMax(maxStringLen)
	o.Fatal = u.UnmarshalBool()
	o.Code = ProblemCode(u.UnmarshalUint32())
	return u.Error
}

/*** RelayedMessage ***/

func (o *RelayedMessage) XDRSize() int {
	return 4 + o.Source.XDRSize() + o.Destination.XDRSize() + 8 + sizeOfBytes(o.Payload)
}

func (o *RelayedMessage) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(uint32(o.Type))
	if err := o.Source.MarshalXDRInto(m); err != nil {
		return err
	}
	if err := o.Destination.MarshalXDRInto(m); err != nil {
		return err
	}
	m.MarshalUint64(o.ConnectionID)
	m.MarshalBytes(o.Payload)
	return m.Error
}

func (o *RelayedMessage) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Type = RelayedType(u.UnmarshalUint32())
	if err := o.Source.UnmarshalXDRFrom(u); err != nil {
		return err
	}
	if err := o.Destination.UnmarshalXDRFrom(u); err != nil {
		return err
	}
	o.ConnectionID = u.UnmarshalUint64()
	o.Payload = u.UnmarshalBytesMax(MaxMessageLen)
	if len(o.Payload) == 0 {
		o.Payload = nil
	}
	return u.Error
}

/*** KnownNodes ***/

func (o *KnownNodes) XDRSize() int {
	return sizeOfNodes(o.Nodes)
}

func (o *KnownNodes) MarshalXDRInto(m *xdr.Marshaller) error {
	marshalNodes(m, o.Nodes)
	return m.Error
}

func (o *KnownNodes) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	nodes, err := unmarshalNodes(u, "Nodes")
	o.Nodes = nodes
	return err
}

/*** RequestNodeList ***/

func (o *RequestNodeList) XDRSize() int {
	size := 4
	for _, id := range o.NodeIDs {
		size += sizeOfString(id)
	}
	return size + 4 + 4
}

func (o *RequestNodeList) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(uint32(len(o.NodeIDs)))
	for _, id := range o.NodeIDs {
		m.MarshalString(id)
	}
	m.MarshalUint32(uint32(o.ListedCriteria))
	m.MarshalUint32(uint32(o.OthersCriteria))
	return m.Error
}

func (o *RequestNodeList) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	n := int(u.UnmarshalUint32())
	if u.Error != nil {
		return u.Error
	}
	if n > maxNodesPerMessage {
		return xdr.ElementSizeExceeded("NodeIDs", n, maxNodesPerMessage)
	}
	o.NodeIDs = nil
	if n > 0 {
		o.NodeIDs = make([]string, n)
		for i := range o.NodeIDs {
			o.NodeIDs[i] = u.UnmarshalStringMax(maxStringLen)
		}
	}
	o.ListedCriteria = NodeCriteria(u.UnmarshalUint32())
	o.OthersCriteria = NodeCriteria(u.UnmarshalUint32())
	return u.Error
}

/*** TransferStatus ***/

func (o *TransferStatus) XDRSize() int {
	return 4*4 + 8 + 8 + 8
}

func (o *TransferStatus) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalUint32(o.ActiveUploads)
	m.MarshalUint32(o.QueuedUploads)
	m.MarshalUint32(o.ActiveDownloads)
	m.MarshalUint32(o.QueuedDownloads)
	m.MarshalUint64(o.UploadCPS)
	m.MarshalUint64(o.DownloadCPS)
	marshalTime(m, o.Time)
	return m.Error
}

func (o *TransferStatus) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.ActiveUploads = u.UnmarshalUint32()
	o.QueuedUploads = u.UnmarshalUint32()
	o.ActiveDownloads = u.UnmarshalUint32()
	o.QueuedDownloads = u.UnmarshalUint32()
	o.UploadCPS = u.UnmarshalUint64()
	o.DownloadCPS = u.UnmarshalUint64()
	o.Time = unmarshalTime(u)
	return u.Error
}

/*** AddFriendNotification ***/

func (o *AddFriendNotification) XDRSize() int {
	return o.Node.XDRSize() + sizeOfString(o.PersonalMessage)
}

func (o *AddFriendNotification) MarshalXDRInto(m *xdr.Marshaller) error {
	if err := o.Node.MarshalXDRInto(m); err != nil {
		return err
	}
	m.MarshalString(o.PersonalMessage)
	return m.Error
}

func (o *AddFriendNotification) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	if err := o.Node.UnmarshalXDRFrom(u); err != nil {
		return err
	}
	o.PersonalMessage = u.UnmarshalStringMax(maxStringLen)
	return u.Error
}

/*** DownloadQueued, FileHistoryRequest, FileHistoryReply ***/

func (o *DownloadQueued) XDRSize() int {
	return o.File.XDRSize()
}

func (o *DownloadQueued) MarshalXDRInto(m *xdr.Marshaller) error {
	return o.File.MarshalXDRInto(m)
}

func (o *DownloadQueued) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	return o.File.UnmarshalXDRFrom(u)
}

func (o *FileHistoryRequest) XDRSize() int {
	return o.File.XDRSize()
}

func (o *FileHistoryRequest) MarshalXDRInto(m *xdr.Marshaller) error {
	return o.File.MarshalXDRInto(m)
}

func (o *FileHistoryRequest) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	return o.File.UnmarshalXDRFrom(u)
}

func (o *FileHistoryReply) XDRSize() int {
	size := o.File.XDRSize() + 4
	if o.History != nil {
		size += o.History.XDRSize()
	}
	return size
}

func (o *FileHistoryReply) MarshalXDRInto(m *xdr.Marshaller) error {
	if err := o.File.MarshalXDRInto(m); err != nil {
		return err
	}
	m.MarshalBool(o.History != nil)
	if o.History != nil {
		return o.History.MarshalXDRInto(m)
	}
	return m.Error
}

func (o *FileHistoryReply) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	if err := o.File.UnmarshalXDRFrom(u); err != nil {
		return err
	}
	o.History = nil
	if u.UnmarshalBool() {
		o.History = new(FileHistory)
		return o.History.UnmarshalXDRFrom(u)
	}
	return u.Error
}

/*** FileList ***/

func (o *FileList) XDRSize() int {
	size := sizeOfString(o.Folder) + 4
	for _, f := range o.Files {
		size += f.XDRSize()
	}
	return size
}

func (o *FileList) MarshalXDRInto(m *xdr.Marshaller) error {
	m.MarshalString(o.Folder)
	m.MarshalUint32(uint32(len(o.Files)))
	for _, f := range o.Files {
		if err := f.MarshalXDRInto(m); err != nil {
			return err
		}
	}
	return m.Error
}

func (o *FileList) UnmarshalXDRFrom(u *xdr.Unmarshaller) error {
	o.Folder = u.UnmarshalStringMax(maxStringLen)
	n := int(u.UnmarshalUint32())
	if u.Error != nil {
		return u.Error
	}
	if n > MaxFilesPerList {
		return xdr.ElementSizeExceeded("Files", n, MaxFilesPerList)
	}
	o.Files = nil
	if n > 0 {
		o.Files = make([]FileInfo, n)
		for i := range o.Files {
			if err := o.Files[i].UnmarshalXDRFrom(u); err != nil {
				return err
			}
		}
	}
	return u.Error
}
