// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nodes

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/osutil"
	"github.com/syncthing/peercore/lib/protocol"
)

var errEmptyNodeList = errors.New("no nodes to store")

// NodeListFile returns the path of the node list belonging to the
// configuration.
func NodeListFile(cfg *config.Wrapper) string {
	return cfg.NodeListBase() + ".nodes"
}

func (m *Manager) nodesFile() string {
	return NodeListFile(m.cfg)
}

func (m *Manager) nodesBackupFile() string {
	return m.nodesFile() + ".backup"
}

func (m *Manager) supernodesFile() string {
	return m.cfg.NodeListBase() + "-Supernodes.nodes"
}

// ReadNodeList reads a node list file.
func ReadNodeList(path string) (protocol.NodeList, error) {
	var list protocol.NodeList
	bs, err := os.ReadFile(path)
	if err != nil {
		return list, err
	}
	if err := list.UnmarshalXDR(bs); err != nil {
		return list, errors.Wrapf(err, "reading node list %s", path)
	}
	return list, nil
}

// WriteNodeList atomically replaces the node list file.
func WriteNodeList(path string, list protocol.NodeList) error {
	if len(list.Nodes) == 0 {
		return errEmptyNodeList
	}
	bs, err := list.MarshalXDR()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return osutil.WriteFileAtomic(path, bs)
}

// loadNodes reads the node list, falling back to its backup, and then the
// supernodes that were online when we last stopped.
func (m *Manager) loadNodes() {
	if !m.loadNodesFrom(m.nodesFile()) {
		l.Debugln("failed to load nodes, trying backup", m.nodesBackupFile())
		m.loadNodesFrom(m.nodesBackupFile())
	}
	m.loadNodesFrom(m.supernodesFile())
}

func (m *Manager) loadNodesFrom(path string) bool {
	list, err := ReadNodeList(path)
	if os.IsNotExist(err) {
		l.Debugln("no node list at", path)
		return false
	}
	if err != nil {
		l.Warnln("Unable to load nodes:", err)
		return false
	}

	added, queued := m.QueueNewNodes(list.Nodes)
	for _, info := range list.Friends {
		if !info.IsValid() || info.ID == m.self.ID() {
			continue
		}
		member, _ := m.addNode(info)
		if !member.IsFriend() {
			member.setFriend(true)
			m.mut.Lock()
			m.friends[info.ID] = member
			m.mut.Unlock()
		}
	}
	l.Infof("Loaded %d nodes (%d new, %d queued) and %d friends from %s", len(list.Nodes), added, queued, len(list.Friends), path)
	return len(list.Nodes) > 0
}

// storeNodes writes all known nodes and our friends, then the backup.
func (m *Manager) storeNodes() {
	var list protocol.NodeList
	for _, member := range m.Nodes() {
		list.Nodes = append(list.Nodes, member.Info())
	}
	list.Nodes = append(list.Nodes, m.self.Info())
	for _, member := range m.Friends() {
		list.Friends = append(list.Friends, member.Info())
	}

	if err := m.storeNodesTo(m.nodesFile(), list); err != nil {
		return
	}
	_ = m.storeNodesTo(m.nodesBackupFile(), list)
}

// storeOnlineSupernodes writes the supernodes that are online right now,
// ourselves included if we are one.
func (m *Manager) storeOnlineSupernodes() {
	var list protocol.NodeList
	for _, member := range m.Nodes() {
		if member.IsSupernode() && member.IsConnectedToNetwork() {
			list.Nodes = append(list.Nodes, member.Info())
		}
	}
	if m.self.IsSupernode() {
		list.Nodes = append(list.Nodes, m.self.Info())
	}
	_ = m.storeNodesTo(m.supernodesFile(), list)
}

func (m *Manager) storeNodesTo(path string, list protocol.NodeList) error {
	err := WriteNodeList(path, list)
	switch {
	case errors.Is(err, errEmptyNodeList):
		l.Debugln("not storing node list, none known:", path)
	case err != nil:
		l.Warnf("Unable to write node list %s: %v", path, err)
	default:
		l.Debugf("stored %d nodes and %d friends to %s", len(list.Nodes), len(list.Friends), path)
	}
	return err
}
