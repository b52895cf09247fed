// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command peercore runs a node of the peer network and offers a few
// maintenance commands working on its configuration and node list.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	_ "github.com/syncthing/peercore/lib/automaxprocs"
	"github.com/syncthing/peercore/lib/build"
	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/logger"
	"github.com/syncthing/peercore/lib/peercore"
)

const configFileName = "peercore.yaml"

var l = logger.DefaultLogger.NewFacility("main", "Main package")

// DirOptions are reused among several subcommands
type DirOptions struct {
	HomeDir string `name:"home" short:"H" placeholder:"PATH" env:"PCHOME" default:"${defaultHome}" help:"Set configuration and data directory"`
}

func (o DirOptions) configPath() string {
	return filepath.Join(o.HomeDir, configFileName)
}

func (o DirOptions) databasePath() string {
	return filepath.Join(o.HomeDir, "index-v1.leveldb")
}

// loadConfig loads the configuration, creating a default one when none
// exists yet.
func (o DirOptions) loadConfig(nick string, evLogger events.Logger) (*config.Wrapper, error) {
	if err := peercore.EnsureDir(o.HomeDir, 0o700); err != nil {
		return nil, fmt.Errorf("home directory: %w", err)
	}
	return peercore.LoadConfigAtStartup(o.configPath(), nick, evLogger)
}

type CLI struct {
	Serve              serveCmd                     `cmd:"" help:"Run the node" default:"withargs"`
	GenerateConfig     generateCmd                  `cmd:"" help:"Generate the configuration and print the node ID"`
	ShowNodes          showNodesCmd                 `cmd:"" help:"Show the stored node list"`
	Version            versionCmd                   `cmd:"" help:"Show version"`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Print shell code to install command line completion"`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(build.LongVersion)
	return nil
}

func defaultHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "peercore")
	}
	return ".peercore"
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("peercore"),
		kong.Description("Peer network node"),
		kong.UsageOnError(),
		kong.Vars{"defaultHome": defaultHome()},
	)
	kongplete.Complete(parser)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run())
}
