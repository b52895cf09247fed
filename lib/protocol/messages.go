// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"
	"time"

	"github.com/calmh/xdr"
)

// Message is implemented by the pointer types of all wire messages in this
// package, and by nothing else.
type Message interface {
	isMessage()
	XDRSize() int
	MarshalXDRInto(m *xdr.Marshaller) error
}

type MessageType uint32

const (
	MessageTypeIdentity MessageType = iota + 1
	MessageTypeIdentityReply
	MessageTypePing
	MessageTypePong
	MessageTypeProblem
	MessageTypeRelayedMessage
	MessageTypeKnownNodes
	MessageTypeRequestNodeList
	MessageTypeTransferStatus
	MessageTypeAddFriendNotification
	MessageTypeDownloadQueued
	MessageTypeFileHistoryRequest
	MessageTypeFileHistoryReply
	MessageTypeFileList
)

var messageTypeNames = map[MessageType]string{
	MessageTypeIdentity:              "identity",
	MessageTypeIdentityReply:         "identity-reply",
	MessageTypePing:                  "ping",
	MessageTypePong:                  "pong",
	MessageTypeProblem:               "problem",
	MessageTypeRelayedMessage:        "relayed",
	MessageTypeKnownNodes:            "known-nodes",
	MessageTypeRequestNodeList:       "request-node-list",
	MessageTypeTransferStatus:        "transfer-status",
	MessageTypeAddFriendNotification: "add-friend",
	MessageTypeDownloadQueued:        "download-queued",
	MessageTypeFileHistoryRequest:    "file-history-request",
	MessageTypeFileHistoryReply:      "file-history-reply",
	MessageTypeFileList:              "file-list",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown-%d", uint32(t))
}

// Identity is the first message on every connection. It is never modified
// after construction.
type Identity struct {
	Node                  NodeInfo
	MagicID               string
	ProtocolVersion       uint32
	ProgramVersion        string
	SupportsEncryption    bool
	UseCompressedStream   bool
	Tunneled              bool
	RequestFullFolderList bool
	PendingMessages       bool
	ConfigURL             string
	Time                  time.Time
}

// IsValid reports whether the identity names a usable node.
func (i *Identity) IsValid() bool {
	return i != nil && i.Node.IsValid() && i.MagicID != ""
}

func (i *Identity) String() string {
	return fmt.Sprintf("Identity{%v v%d}", i.Node, i.ProtocolVersion)
}

// IdentityReply accepts or declines the identity of the remote side.
type IdentityReply struct {
	Accepted bool
	Message  string
}

type Ping struct {
	ID string
}

type Pong struct {
	ID string
}

type ProblemCode uint32

const (
	ProblemGeneric ProblemCode = iota
	ProblemDuplicateConnection
	ProblemNetworkMismatch
	ProblemDisconnected
)

// Problem reports an error condition to the remote side. A fatal problem
// is followed by the connection being closed.
type Problem struct {
	Message string
	Fatal   bool
	Code    ProblemCode
}

type RelayedType uint32

const (
	RelayedData RelayedType = iota
	RelayedDataZipped
	RelayedSyn
	RelayedAck
	RelayedNack
	RelayedEOF
)

func (t RelayedType) String() string {
	switch t {
	case RelayedData:
		return "DATA"
	case RelayedDataZipped:
		return "DATA_ZIPPED"
	case RelayedSyn:
		return "SYN"
	case RelayedAck:
		return "ACK"
	case RelayedNack:
		return "NACK"
	case RelayedEOF:
		return "EOF"
	default:
		return fmt.Sprintf("RELAYED_%d", uint32(t))
	}
}

// RelayedMessage carries a message between two nodes through a relay
// node. The connection id identifies the virtual connection at both ends.
type RelayedMessage struct {
	Type         RelayedType
	Source       NodeInfo
	Destination  NodeInfo
	ConnectionID uint64
	Payload      []byte
}

func (m *RelayedMessage) String() string {
	return fmt.Sprintf("Relayed{%v %v -> %v conn=%d %d bytes}", m.Type, m.Source, m.Destination, m.ConnectionID, len(m.Payload))
}

// KnownNodes announces nodes to the remote side.
type KnownNodes struct {
	Nodes []NodeInfo
}

// RequestNodeList asks the remote side for KnownNodes. The listed nodes
// are matched against ListedCriteria, all others against OthersCriteria.
type RequestNodeList struct {
	NodeIDs        []string
	ListedCriteria NodeCriteria
	OthersCriteria NodeCriteria
}

// TransferStatus summarizes the transfer activity of a node.
type TransferStatus struct {
	ActiveUploads   uint32
	QueuedUploads   uint32
	ActiveDownloads uint32
	QueuedDownloads uint32
	UploadCPS       uint64
	DownloadCPS     uint64
	Time            time.Time
}

// AddFriendNotification tells a node that it was made a friend.
type AddFriendNotification struct {
	Node            NodeInfo
	PersonalMessage string
}

// DownloadQueued tells the downloading side that its request was queued.
type DownloadQueued struct {
	File FileInfo
}

type FileHistoryRequest struct {
	File FileInfo
}

// FileHistoryReply answers a FileHistoryRequest. A nil History means the
// sender has none.
type FileHistoryReply struct {
	File    FileInfo
	History *FileHistory
}

// FileList announces the versions of files the sender has in a folder.
type FileList struct {
	Folder string
	Files  []FileInfo
}

func (*Identity) isMessage()              {}
func (*IdentityReply) isMessage()         {}
func (*Ping) isMessage()                  {}
func (*Pong) isMessage()                  {}
func (*Problem) isMessage()               {}
func (*RelayedMessage) isMessage()        {}
func (*KnownNodes) isMessage()            {}
func (*RequestNodeList) isMessage()       {}
func (*TransferStatus) isMessage()        {}
func (*AddFriendNotification) isMessage() {}
func (*DownloadQueued) isMessage()        {}
func (*FileHistoryRequest) isMessage()    {}
func (*FileHistoryReply) isMessage()      {}
func (*FileList) isMessage()              {}

func typeOf(msg Message) (MessageType, error) {
	switch msg.(type) {
	case *Identity:
		return MessageTypeIdentity, nil
	case *IdentityReply:
		return MessageTypeIdentityReply, nil
	case *Ping:
		return MessageTypePing, nil
	case *Pong:
		return MessageTypePong, nil
	case *Problem:
		return MessageTypeProblem, nil
	case *RelayedMessage:
		return MessageTypeRelayedMessage, nil
	case *KnownNodes:
		return MessageTypeKnownNodes, nil
	case *RequestNodeList:
		return MessageTypeRequestNodeList, nil
	case *TransferStatus:
		return MessageTypeTransferStatus, nil
	case *AddFriendNotification:
		return MessageTypeAddFriendNotification, nil
	case *DownloadQueued:
		return MessageTypeDownloadQueued, nil
	case *FileHistoryRequest:
		return MessageTypeFileHistoryRequest, nil
	case *FileHistoryReply:
		return MessageTypeFileHistoryReply, nil
	case *FileList:
		return MessageTypeFileList, nil
	default:
		return 0, fmt.Errorf("unknown message type %T", msg)
	}
}

type unmarshaller interface {
	Message
	UnmarshalXDRFrom(u *xdr.Unmarshaller) error
}

func newMessage(t MessageType) (unmarshaller, error) {
	switch t {
	case MessageTypeIdentity:
		return new(Identity), nil
	case MessageTypeIdentityReply:
		return new(IdentityReply), nil
	case MessageTypePing:
		return new(Ping), nil
	case MessageTypePong:
		return new(Pong), nil
	case MessageTypeProblem:
		return new(Problem), nil
	case MessageTypeRelayedMessage:
		return new(RelayedMessage), nil
	case MessageTypeKnownNodes:
		return new(KnownNodes), nil
	case MessageTypeRequestNodeList:
		return new(RequestNodeList), nil
	case MessageTypeTransferStatus:
		return new(TransferStatus), nil
	case MessageTypeAddFriendNotification:
		return new(AddFriendNotification), nil
	case MessageTypeDownloadQueued:
		return new(DownloadQueued), nil
	case MessageTypeFileHistoryRequest:
		return new(FileHistoryRequest), nil
	case MessageTypeFileHistoryReply:
		return new(FileHistoryReply), nil
	case MessageTypeFileList:
		return new(FileList), nil
	default:
		return nil, ErrUnknownMessage
	}
}

// TypeOf returns the wire type of the message.
func TypeOf(msg Message) MessageType {
	t, _ := typeOf(msg)
	return t
}
