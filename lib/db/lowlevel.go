// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"github.com/syncthing/peercore/lib/db/backend"
)

// Key type prefixes. The first byte of every key is one of these.
const (
	KeyTypeNodeStatistic byte = iota + 1
	KeyTypeFolderStatistic
	KeyTypeMiscData
)

// Lowlevel is the database handle shared by all namespaces.
type Lowlevel struct {
	backend.Backend
}

func NewLowlevel(be backend.Backend) *Lowlevel {
	return &Lowlevel{Backend: be}
}

// Open opens the database at path.
func Open(path string) (*Lowlevel, error) {
	be, err := backend.Open(path)
	if err != nil {
		return nil, err
	}
	l.Debugln("opened database at", path)
	return NewLowlevel(be), nil
}

// OpenMemory returns a database that lives in memory only.
func OpenMemory() *Lowlevel {
	return NewLowlevel(backend.OpenMemory())
}
