// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"encoding/json"
	"fmt"
)

type FolderConfiguration struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Path   string `json:"path"`
	Paused bool   `json:"paused"`
	// AutoDownload makes the file requestor fetch newer remote versions.
	AutoDownload bool `json:"autoDownload" default:"true"`
	// AutoDetectLocalChanges enables the filesystem watcher.
	AutoDetectLocalChanges bool `json:"autoDetectLocalChanges" default:"true"`
}

func NewFolderConfiguration(id, path string) FolderConfiguration {
	f := FolderConfiguration{
		ID:   id,
		Path: path,
	}
	if err := setDefaults(&f); err != nil {
		panic(err)
	}
	return f
}

// UnmarshalJSON applies the defaults before decoding, so that fields
// missing from the file keep their default values.
func (f *FolderConfiguration) UnmarshalJSON(data []byte) error {
	type plain FolderConfiguration
	p := plain(NewFolderConfiguration("", ""))
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FolderConfiguration(p)
	return nil
}

func (f FolderConfiguration) Description() string {
	if f.Label == "" {
		return f.ID
	}
	return fmt.Sprintf("%q (%s)", f.Label, f.ID)
}
