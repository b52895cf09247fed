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
	lastRequestAtKey      = "lastRequestAt"
	lastRequestNameKey    = "lastRequestName"
	lastRequestDeletedKey = "lastRequestDeleted"
	requestCountKey       = "requestCount"
	lastLocalChangeKey    = "lastLocalChange"
	localChangeCountKey   = "localChangeCount"
)

// FolderStatistics summarizes the requesting and watching activity of a
// folder.
type FolderStatistics struct {
	LastFile         LastFile  `json:"lastFile"`
	RequestCount     int64     `json:"requestCount"`
	LastLocalChange  time.Time `json:"lastLocalChange"`
	LocalChangeCount int64     `json:"localChangeCount"`
}

// LastFile is the file most recently requested from a peer.
type LastFile struct {
	At       time.Time `json:"at"`
	Filename string    `json:"filename"`
	Deleted  bool      `json:"deleted"`
}

type FolderStatisticsReference struct {
	ns     *db.NamespacedKV
	folder string
}

func NewFolderStatisticsReference(ldb *db.Lowlevel, folder string) *FolderStatisticsReference {
	return &FolderStatisticsReference{
		ns:     db.NewFolderStatisticsNamespace(ldb, folder),
		folder: folder,
	}
}

func (s *FolderStatisticsReference) GetLastFile() (LastFile, error) {
	var lf LastFile
	name, ok, err := s.ns.String(lastRequestNameKey)
	if err != nil || !ok {
		return lf, err
	}
	lf.Filename = name
	if lf.At, _, err = s.ns.Time(lastRequestAtKey); err != nil {
		return LastFile{}, err
	}
	if lf.Deleted, _, err = s.ns.Bool(lastRequestDeletedKey); err != nil {
		return LastFile{}, err
	}
	return lf, nil
}

// RequestedFile records a download request for the file.
func (s *FolderStatisticsReference) RequestedFile(file string, deleted bool) error {
	l.Debugln("stats.FolderStatisticsReference.RequestedFile:", s.folder, file)
	if err := s.ns.PutTime(lastRequestAtKey, time.Now().Truncate(time.Second)); err != nil {
		return err
	}
	if err := s.ns.PutString(lastRequestNameKey, file); err != nil {
		return err
	}
	if err := s.ns.PutBool(lastRequestDeletedKey, deleted); err != nil {
		return err
	}
	return s.increment(requestCountKey)
}

// LocalChangeDetected records a change seen by the folder watcher.
func (s *FolderStatisticsReference) LocalChangeDetected() error {
	if err := s.ns.PutTime(lastLocalChangeKey, time.Now().Truncate(time.Second)); err != nil {
		return err
	}
	return s.increment(localChangeCountKey)
}

func (s *FolderStatisticsReference) increment(key string) error {
	n, _, err := s.ns.Int64(key)
	if err != nil {
		return err
	}
	return s.ns.PutInt64(key, n+1)
}

func (s *FolderStatisticsReference) GetStatistics() (FolderStatistics, error) {
	var st FolderStatistics
	var err error
	if st.LastFile, err = s.GetLastFile(); err != nil {
		return FolderStatistics{}, err
	}
	if st.RequestCount, _, err = s.ns.Int64(requestCountKey); err != nil {
		return FolderStatistics{}, err
	}
	if st.LastLocalChange, _, err = s.ns.Time(lastLocalChangeKey); err != nil {
		return FolderStatistics{}, err
	}
	if st.LocalChangeCount, _, err = s.ns.Int64(localChangeCountKey); err != nil {
		return FolderStatistics{}, err
	}
	return st, nil
}
