// Copyright (C) 2021 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/syncthing/peercore/lib/events"
)

type generateCmd struct {
	DirOptions

	Nick      string `placeholder:"NAME" env:"PCNICK" help:"Nick of the new node"`
	NetworkID string `name:"network-id" placeholder:"ID" help:"Network to join"`
	Supernode bool   `help:"Act as a supernode"`
}

func (c *generateCmd) Run() error {
	return c.generate(os.Stdout)
}

func (c *generateCmd) generate(out io.Writer) error {
	cfg, err := c.loadConfig(c.Nick, events.NoopLogger)
	if err != nil {
		return err
	}

	opts := cfg.Options()
	changed := false
	if c.NetworkID != "" && c.NetworkID != opts.NetworkID {
		opts.NetworkID = c.NetworkID
		changed = true
	}
	if c.Supernode && !opts.Supernode {
		opts.Supernode = true
		changed = true
	}
	if changed {
		if err := cfg.SetOptions(opts); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Node ID: %s\n", opts.NodeID)
	fmt.Fprintf(out, "Nick: %s\n", opts.Nick)
	fmt.Fprintf(out, "Network: %s\n", opts.NetworkID)
	fmt.Fprintf(out, "Config: %s\n", cfg.ConfigPath())
	return nil
}
