// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned when the connection was closed, locally or by
	// the remote side.
	ErrClosed = errors.New("connection closed")
	// ErrHandshakeTimeout is returned when the remote side did not send its
	// identity or identity reply in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrDuplicateConnection is returned when a connection is rejected
	// because the node is already connected through a better one.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrProtocolViolation is returned when the remote side sent something
	// it must not send in the current state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNotConnected is returned when sending on a connection that is not
	// (or not yet) usable.
	ErrNotConnected = errors.New("not connected")
	// ErrRejected is returned when the remote side declined our identity.
	ErrRejected = errors.New("identity rejected by remote")
	// ErrUnknownMessage is a recoverable decode failure for a message type
	// we do not know.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMessageTooLarge is returned for frames above MaxMessageLen.
	ErrMessageTooLarge = errors.New("message too large")
)

// A ConnectionError ties an error to the connection it happened on.
type ConnectionError struct {
	Conn string
	Err  error
}

func NewConnectionError(conn fmt.Stringer, err error) *ConnectionError {
	return &ConnectionError{Conn: conn.String(), Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Conn, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// A DecodeError is returned when a well framed payload cannot be decoded.
type DecodeError struct {
	Type MessageType
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %v: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the connection can carry on after dropping
// the payload. Failures to decode the handshake messages are fatal.
func (e *DecodeError) Recoverable() bool {
	switch e.Type {
	case MessageTypeIdentity, MessageTypeIdentityReply:
		return false
	default:
		return true
	}
}

// IsRecoverable reports whether err is a decode error the connection
// survives.
func IsRecoverable(err error) bool {
	var derr *DecodeError
	return errors.As(err, &derr) && derr.Recoverable()
}
