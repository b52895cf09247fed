// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package folder

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

// Set is the Repository of the configured folders. It follows
// configuration changes and calls the registered change listeners for
// every folder that was added or modified.
type Set struct {
	svcutil.ServiceWithError
	cfg     *config.Wrapper
	members Members
	paused  atomic.Bool

	mut       sync.RWMutex
	folders   map[string]*Local
	listeners []func(*Local)
}

var _ Repository = (*Set)(nil)

func NewSet(cfg *config.Wrapper, members Members) *Set {
	s := &Set{
		cfg:     cfg,
		members: members,
		mut:     sync.NewRWMutex(),
		folders: make(map[string]*Local),
	}
	selfID := cfg.Options().NodeID
	for id, fcfg := range cfg.Folders() {
		s.folders[id] = NewLocal(fcfg, selfID, members)
	}
	s.ServiceWithError = svcutil.AsService(s.serve, s.String())
	cfg.Subscribe(s)
	return s
}

// serve starts and scans the folders, and stops them when the context is
// cancelled.
func (s *Set) serve(ctx context.Context) error {
	for _, f := range s.All() {
		f.Start()
		initialScan(f)
	}
	<-ctx.Done()
	for _, f := range s.All() {
		f.Stop()
	}
	return nil
}

// OnChange registers fn to be called with every folder that was added,
// changed or removed in the configuration. Removed folders are stopped
// before fn sees them.
func (s *Set) OnChange(fn func(*Local)) {
	s.mut.Lock()
	s.listeners = append(s.listeners, fn)
	s.mut.Unlock()
}

// All returns every configured folder, started or not, ordered by id.
func (s *Set) All() []*Local {
	s.mut.RLock()
	res := make([]*Local, 0, len(s.folders))
	for _, f := range s.folders {
		res = append(res, f)
	}
	s.mut.RUnlock()
	slices.SortFunc(res, func(a, b *Local) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return res
}

func (s *Set) Folders() []Folder {
	var res []Folder
	for _, f := range s.All() {
		if f.IsStarted() {
			res = append(res, f)
		}
	}
	return res
}

func (s *Set) Folder(id string) (Folder, bool) {
	f, ok := s.Local(id)
	if !ok {
		return nil, false
	}
	return f, true
}

func (s *Set) Local(id string) (*Local, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	f, ok := s.folders[id]
	return f, ok
}

// File returns the local index entry of the file in the folder.
func (s *Set) File(folderID, name string) (protocol.FileInfo, bool) {
	f, ok := s.Local(folderID)
	if !ok {
		return protocol.FileInfo{}, false
	}
	return f.File(name)
}

func (s *Set) NewestVersion(file protocol.FileInfo) (protocol.FileInfo, bool) {
	f, ok := s.Local(file.Folder)
	if !ok {
		return protocol.FileInfo{}, false
	}
	newest, _ := f.newestRemote(file)
	return newest, true
}

func (s *Set) IsPaused() bool {
	return s.paused.Load()
}

func (s *Set) SetPaused(paused bool) {
	if s.paused.Swap(paused) != paused {
		l.Infoln("Transfers paused:", paused)
	}
}

func (s *Set) VerifyConfiguration(_, to config.Configuration) error {
	for _, f := range to.Folders {
		if f.Path == "" {
			return fmt.Errorf("folder %q has no path", f.ID)
		}
	}
	return nil
}

func (s *Set) CommitConfiguration(from, to config.Configuration) bool {
	var added, changed, removed []*Local

	s.mut.Lock()
	for _, fcfg := range to.Folders {
		f, ok := s.folders[fcfg.ID]
		switch {
		case !ok:
			f = NewLocal(fcfg, to.Options.NodeID, s.members)
			f.Start()
			s.folders[fcfg.ID] = f
			added = append(added, f)
		case f.Config() != fcfg:
			f.setConfig(fcfg)
		default:
			continue
		}
		changed = append(changed, f)
	}
	for id, f := range s.folders {
		if !slices.ContainsFunc(to.Folders, func(fcfg config.FolderConfiguration) bool { return fcfg.ID == id }) {
			delete(s.folders, id)
			removed = append(removed, f)
		}
	}
	listeners := slices.Clone(s.listeners)
	s.mut.Unlock()

	for _, f := range added {
		go initialScan(f)
	}

	for _, f := range removed {
		l.Infof("Removed %v", f)
		f.Stop()
	}
	for _, f := range append(changed, removed...) {
		l.Debugf("%v changed", f)
		for _, fn := range listeners {
			fn(f)
		}
	}
	return true
}

func initialScan(f *Local) {
	if err := f.Scan(); err != nil {
		l.Warnf("Initial scan of %v: %v", f, err)
	}
}

func (s *Set) String() string {
	return fmt.Sprintf("folder.Set@%p", s)
}
