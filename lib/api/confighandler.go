// Copyright (C) 2020 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/syncthing/peercore/lib/config"
)

type configMuxBuilder struct {
	*httprouter.Router
	cfg *config.Wrapper
}

func (c *configMuxBuilder) registerConfig(path string) {
	c.HandlerFunc(http.MethodGet, path, func(w http.ResponseWriter, _ *http.Request) {
		sendJSON(w, c.cfg.RawCopy())
	})

	c.HandlerFunc(http.MethodPut, path, func(w http.ResponseWriter, r *http.Request) {
		c.adjustConfig(w, r)
	})
}

func (c *configMuxBuilder) registerConfigRequiresRestart(path string) {
	c.HandlerFunc(http.MethodGet, path, func(w http.ResponseWriter, _ *http.Request) {
		sendJSON(w, map[string]bool{"requiresRestart": c.cfg.RequiresRestart()})
	})
}

func (c *configMuxBuilder) registerFolders(path string) {
	c.HandlerFunc(http.MethodGet, path, func(w http.ResponseWriter, _ *http.Request) {
		sendJSON(w, c.folderList())
	})

	c.HandlerFunc(http.MethodPost, path, func(w http.ResponseWriter, r *http.Request) {
		c.adjustFolder(w, r, config.NewFolderConfiguration("", ""))
	})
}

func (c *configMuxBuilder) registerFolder(path string) {
	c.Handle(http.MethodGet, path, func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
		folder, ok := c.cfg.Folders()[p.ByName("id")]
		if !ok {
			http.Error(w, "No folder with given ID", http.StatusNotFound)
			return
		}
		sendJSON(w, folder)
	})

	c.Handle(http.MethodPut, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		folder := config.NewFolderConfiguration(p.ByName("id"), "")
		c.adjustFolder(w, r, folder)
	})

	c.Handle(http.MethodPatch, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		folder, ok := c.cfg.Folders()[p.ByName("id")]
		if !ok {
			http.Error(w, "No folder with given ID", http.StatusNotFound)
			return
		}
		c.adjustFolder(w, r, folder)
	})
}

func (c *configMuxBuilder) registerOptions(path string) {
	c.HandlerFunc(http.MethodGet, path, func(w http.ResponseWriter, _ *http.Request) {
		sendJSON(w, c.cfg.Options())
	})

	c.HandlerFunc(http.MethodPut, path, func(w http.ResponseWriter, r *http.Request) {
		c.adjustOptions(w, r, config.NewOptions())
	})

	c.HandlerFunc(http.MethodPatch, path, func(w http.ResponseWriter, r *http.Request) {
		c.adjustOptions(w, r, c.cfg.Options())
	})
}

func (c *configMuxBuilder) folderList() []config.FolderConfiguration {
	folders := c.cfg.RawCopy().Folders
	slices.SortFunc(folders, func(a, b config.FolderConfiguration) int {
		return strings.Compare(a.ID, b.ID)
	})
	return folders
}

func (c *configMuxBuilder) adjustConfig(w http.ResponseWriter, r *http.Request) {
	to, err := config.ReadYAML(r.Body)
	r.Body.Close()
	if err != nil {
		l.Warnln("Decoding posted config:", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from := c.cfg.RawCopy()
	if to.Options.NodeID != from.Options.NodeID {
		http.Error(w, "Node ID cannot be changed", http.StatusBadRequest)
		return
	}
	if err := c.cfg.Replace(to); err != nil {
		l.Warnln("Replacing config:", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.finish(w)
}

func (c *configMuxBuilder) adjustFolder(w http.ResponseWriter, r *http.Request, folder config.FolderConfiguration) {
	id := folder.ID
	if err := patchTo(r.Body, &folder); err != nil {
		l.Warnln("Decoding posted folder:", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id != "" && folder.ID != id {
		http.Error(w, "Folder ID in body does not match the path", http.StatusBadRequest)
		return
	}
	if err := c.cfg.SetFolder(folder); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.finish(w)
}

func (c *configMuxBuilder) adjustOptions(w http.ResponseWriter, r *http.Request, opts config.OptionsConfiguration) {
	nodeID := c.cfg.Options().NodeID
	if err := unmarshalTo(r.Body, &opts); err != nil {
		l.Warnln("Decoding posted options:", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if opts.NodeID == "" {
		opts.NodeID = nodeID
	} else if opts.NodeID != nodeID {
		http.Error(w, "Node ID cannot be changed", http.StatusBadRequest)
		return
	}
	if err := c.cfg.SetOptions(opts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.finish(w)
}

// Unmarshals the content of the given body and stores it in to (i.e. to must be a pointer).
func unmarshalTo(body io.ReadCloser, to interface{}) error {
	bs, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return err
	}
	return json.Unmarshal(bs, to)
}

// patchTo applies the fields present in the body on top of the current
// value of to. FolderConfiguration resets itself to defaults when
// unmarshalled, so the fields must be merged before decoding.
func patchTo(body io.ReadCloser, to interface{}) error {
	var patch map[string]json.RawMessage
	if err := unmarshalTo(body, &patch); err != nil {
		return err
	}
	bs, err := json.Marshal(to)
	if err != nil {
		return err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(bs, &merged); err != nil {
		return err
	}
	for k, v := range patch {
		merged[k] = v
	}
	if bs, err = json.Marshal(merged); err != nil {
		return err
	}
	return json.Unmarshal(bs, to)
}

func (c *configMuxBuilder) finish(w http.ResponseWriter) bool {
	if err := c.cfg.Save(); err != nil {
		l.Warnln("Failed to save config:", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	return true
}
