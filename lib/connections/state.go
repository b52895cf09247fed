// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

// State is the position of a handler in its lifecycle. It only ever moves
// forward, and Shutdown is terminal.
type State int32

const (
	StateCreated State = iota
	StateIdentityExchanging
	StateAccepted
	StateRejected
	StateConnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIdentityExchanging:
		return "identity-exchanging"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateConnected:
		return "connected"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// canAdvance reports whether a handler in state from may move to state to.
func canAdvance(from, to State) bool {
	if from == StateRejected {
		return to == StateShutdown
	}
	if to == StateRejected {
		return from < StateAccepted
	}
	return to > from
}
