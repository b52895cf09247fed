// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peercore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
)

func EnsureDir(dir string, mode fs.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return err
	}

	if fi, err := os.Stat(dir); err == nil {
		// Apparently the stat may fail even though the mkdirall passed. If it
		// does, we'll just assume things are in order and let other things
		// fail (like loading or creating the config...).
		currentMode := fi.Mode() & 0o777
		if currentMode != mode {
			// This can fail on crappy filesystems, nothing we can do about it.
			if err := os.Chmod(dir, mode); err != nil {
				l.Warnln(err)
			}
		}
	}
	return nil
}

// LoadConfigAtStartup loads an existing config. If it doesn't yet exist, it
// creates a default one with the given nick.
func LoadConfigAtStartup(path, nick string, evLogger events.Logger) (*config.Wrapper, error) {
	cfg, err := config.LoadWrapper(path, evLogger)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Wrap(path, config.New(nick), evLogger)
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		l.Infof("Default config saved. Edit %s to taste (with peercore stopped) or use the API", cfg.ConfigPath())
	case errors.Is(err, io.EOF):
		return nil, errors.New("failed to load config: unexpected end of file. Truncated or empty configuration?")
	case err != nil:
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// OpenDatabase opens the node and folder statistics database.
func OpenDatabase(path string) (*db.Lowlevel, error) {
	ldb, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return ldb, nil
}
