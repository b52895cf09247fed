// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/osutil"
	"github.com/syncthing/peercore/lib/sync"
)

// The Committer interface is implemented by objects that need to know about
// or have a say in configuration changes.
//
// VerifyConfiguration is called for each subscriber before a change; any
// error aborts the change. CommitConfiguration is then called for each
// subscriber, returning false if the change requires a restart.
type Committer interface {
	VerifyConfiguration(from, to Configuration) error
	CommitConfiguration(from, to Configuration) (handled bool)
	String() string
}

// A Wrapper guards the live configuration, saves it and notifies
// subscribers of changes.
type Wrapper struct {
	cfg      Configuration
	path     string
	evLogger events.Logger

	subs []Committer
	mut  sync.RWMutex

	requiresRestart atomic.Bool
}

// Wrap wraps an existing Configuration structure and ties it to a file on
// disk.
func Wrap(path string, cfg Configuration, evLogger events.Logger) *Wrapper {
	return &Wrapper{
		cfg:      cfg,
		path:     path,
		evLogger: evLogger,
		mut:      sync.NewRWMutex(),
	}
}

// LoadWrapper loads an existing file on disk and returns a new
// configuration wrapper.
func LoadWrapper(path string, evLogger events.Logger) (*Wrapper, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Wrap(path, cfg, evLogger), nil
}

func (w *Wrapper) ConfigPath() string {
	return w.path
}

// NodeListBase returns the path prefix of the node list files, which is
// the configuration path without its extension.
func (w *Wrapper) NodeListBase() string {
	return strings.TrimSuffix(w.path, filepath.Ext(w.path))
}

// Subscribe registers the given handler to be called on any future
// configuration changes.
func (w *Wrapper) Subscribe(c Committer) {
	w.mut.Lock()
	w.subs = append(w.subs, c)
	w.mut.Unlock()
}

// Unsubscribe de-registers the given handler from any future calls to
// configuration changes
func (w *Wrapper) Unsubscribe(c Committer) {
	w.mut.Lock()
	defer w.mut.Unlock()
	for i := range w.subs {
		if w.subs[i] == c {
			copy(w.subs[i:], w.subs[i+1:])
			w.subs[len(w.subs)-1] = nil
			w.subs = w.subs[:len(w.subs)-1]
			return
		}
	}
}

// RawCopy returns a copy of the currently wrapped Configuration object.
func (w *Wrapper) RawCopy() Configuration {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.cfg.Copy()
}

// Replace swaps the current configuration object for the given one.
func (w *Wrapper) Replace(cfg Configuration) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.replaceLocked(cfg)
}

func (w *Wrapper) replaceLocked(to Configuration) error {
	from := w.cfg

	if err := to.prepare(); err != nil {
		return err
	}

	for _, sub := range w.subs {
		l.Debugln(sub, "verifying configuration")
		if err := sub.VerifyConfiguration(from.Copy(), to.Copy()); err != nil {
			l.Debugln(sub, "rejected config:", err)
			return err
		}
	}

	w.cfg = to
	for _, sub := range w.subs {
		go w.notifyListener(sub, from.Copy(), to.Copy())
	}
	return nil
}

func (w *Wrapper) notifyListener(sub Committer, from, to Configuration) {
	l.Debugln(sub, "committing configuration")
	if !sub.CommitConfiguration(from, to) {
		l.Debugln(sub, "requires restart")
		w.requiresRestart.Store(true)
	}
}

// Options returns the current options.
func (w *Wrapper) Options() OptionsConfiguration {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.cfg.Options.Copy()
}

// SetOptions replaces the current options configuration object.
func (w *Wrapper) SetOptions(opts OptionsConfiguration) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	newCfg := w.cfg.Copy()
	newCfg.Options = opts.Copy()
	return w.replaceLocked(newCfg)
}

// Folders returns a map of folders by ID.
func (w *Wrapper) Folders() map[string]FolderConfiguration {
	w.mut.RLock()
	defer w.mut.RUnlock()
	res := make(map[string]FolderConfiguration, len(w.cfg.Folders))
	for _, f := range w.cfg.Folders {
		res[f.ID] = f
	}
	return res
}

// SetFolder adds a new folder to the configuration, or overwrites an
// existing folder with the same ID.
func (w *Wrapper) SetFolder(fld FolderConfiguration) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	newCfg := w.cfg.Copy()
	replaced := false
	for i := range newCfg.Folders {
		if newCfg.Folders[i].ID == fld.ID {
			if reflect.DeepEqual(newCfg.Folders[i], fld) {
				return nil
			}
			newCfg.Folders[i] = fld
			replaced = true
			break
		}
	}
	if !replaced {
		newCfg.Folders = append(newCfg.Folders, fld)
	}
	return w.replaceLocked(newCfg)
}

// RequiresRestart returns whether any subscriber could not apply a change.
func (w *Wrapper) RequiresRestart() bool {
	return w.requiresRestart.Load()
}

// Save writes the configuration to disk, and generates a ConfigSaved event.
func (w *Wrapper) Save() error {
	w.mut.RLock()
	defer w.mut.RUnlock()

	fd, err := osutil.CreateAtomic(w.path)
	if err != nil {
		l.Debugln("CreateAtomic:", err)
		return err
	}
	if err := w.cfg.WriteYAML(fd); err != nil {
		l.Debugln("WriteYAML:", err)
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		l.Debugln("Close:", err)
		return err
	}

	if w.evLogger != nil {
		w.evLogger.Log(events.ConfigSaved, w.cfg.Copy())
	}
	return nil
}
