// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/protocol"
)

type showNodesCmd struct {
	DirOptions

	Friends bool `help:"Show the friends only"`
}

func (c *showNodesCmd) Run() error {
	return c.show(os.Stdout)
}

func (c *showNodesCmd) show(out io.Writer) error {
	cfg, err := config.LoadWrapper(c.configPath(), events.NoopLogger)
	if err != nil {
		return err
	}
	list, err := nodes.ReadNodeList(nodes.NodeListFile(cfg))
	if err != nil {
		return err
	}

	infos := list.Nodes
	if c.Friends {
		infos = list.Friends
	}
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNick\tAddress\tSupernode\tLast connect")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", info.ID, info.Nick, info.ConnectAddress, info.Supernode, lastConnect(info))
	}
	return tw.Flush()
}

func lastConnect(info protocol.NodeInfo) string {
	if info.LastConnect.IsZero() {
		return "never"
	}
	return info.LastConnect.UTC().Format(time.DateTime)
}
