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
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/peercore"
	"github.com/syncthing/peercore/lib/svcutil"
)

type serveCmd struct {
	DirOptions

	Nick         string `placeholder:"NAME" env:"PCNICK" help:"Nick to use when generating a new configuration"`
	Audit        bool   `help:"Write events to an audit file in the home directory"`
	AuditFile    string `placeholder:"PATH" help:"Write events to the given file, - for stdout"`
	Verbose      bool   `help:"Print events verbosely"`
	ProfilerAddr string `name:"profiler" placeholder:"ADDR" env:"PCPROFILER" help:"Serve the Go profiler on the given address"`
	APIAddress   string `name:"api-address" placeholder:"ADDR" env:"PCAPIADDRESS" help:"Override the API listen address"`
}

func (c *serveCmd) Run() error {
	evLogger := events.NewLogger()

	cfg, err := c.loadConfig(c.Nick, evLogger)
	if err != nil {
		return err
	}
	if c.APIAddress != "" {
		opts := cfg.Options()
		opts.APIAddress = c.APIAddress
		if err := cfg.SetOptions(opts); err != nil {
			return fmt.Errorf("API address: %w", err)
		}
	}

	ldb, err := peercore.OpenDatabase(c.databasePath())
	if err != nil {
		return err
	}

	appOpts := peercore.Options{
		ProfilerAddr: c.ProfilerAddr,
		Verbose:      c.Verbose,
	}
	if c.Audit || c.AuditFile != "" {
		w, err := c.auditWriter()
		if err != nil {
			ldb.Close()
			return err
		}
		defer w.Close()
		appOpts.AuditWriter = w
	}

	app := peercore.New(cfg, ldb, evLogger, appOpts)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		l.Infoln("Received", sig, "- shutting down")
		app.Stop(svcutil.ExitSuccess)
	}()

	if err := app.Start(); err != nil {
		return err
	}

	status := app.Wait()
	if err := app.Error(); err != nil {
		l.Warnln(err)
	}
	if status != svcutil.ExitSuccess {
		os.Exit(status.AsInt())
	}
	return nil
}

func (c *serveCmd) auditWriter() (io.WriteCloser, error) {
	var path string
	switch c.AuditFile {
	case "-":
		return nopCloser{os.Stdout}, nil
	case "":
		path = filepath.Join(c.HomeDir, fmt.Sprintf("audit-%s.log", time.Now().Format("20060102-150405")))
	default:
		path = c.AuditFile
	}
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit file: %w", err)
	}
	l.Infoln("Audit log in", path)
	return fd, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
