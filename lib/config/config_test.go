// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/syncthing/peercore/lib/events"
)

func TestDefaultValues(t *testing.T) {
	cfg := New("tester")

	if cfg.Options.NodeID == "" {
		t.Error("node ID should be generated")
	}
	if cfg.Options.Nick != "tester" {
		t.Errorf("unexpected nick %q", cfg.Options.Nick)
	}
	if cfg.Options.NetworkID != "X" {
		t.Errorf("unexpected network ID %q", cfg.Options.NetworkID)
	}
	if cfg.Options.RequestorMaxWorkers != 5 || cfg.Options.RequestorFoldersPerWorker != 2 {
		t.Error("unexpected requestor defaults", cfg.Options.RequestorMaxWorkers, cfg.Options.RequestorFoldersPerWorker)
	}
	if cfg.Options.ConnectionsPerUploadKB != 2.5 {
		t.Error("unexpected float default", cfg.Options.ConnectionsPerUploadKB)
	}
	if len(cfg.Options.WatchIgnores) != 3 || cfg.Options.WatchIgnores[0] != "*.tmp" {
		t.Error("unexpected list default", cfg.Options.WatchIgnores)
	}
	if !cfg.Options.WatchFilesystem {
		t.Error("watching should default to on")
	}
	if cfg.Options.WentOnlineBroadcastInterval() != time.Minute {
		t.Error("unexpected interval", cfg.Options.WentOnlineBroadcastInterval())
	}
}

func TestReadKeepsDefaults(t *testing.T) {
	input := `
options:
  nodeID: node-1
  nick: alice
  supernode: true
  alwaysLocalNets: ["10.0.0.0/8"]
folders:
  - id: docs
    path: /tmp/docs
    autoDownload: false
`
	cfg, err := ReadYAML(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}

	expected := New("alice")
	expected.Options.NodeID = "node-1"
	expected.Options.Supernode = true
	expected.Options.AlwaysLocalNets = []string{"10.0.0.0/8"}
	if diff, equal := messagediff.PrettyDiff(expected.Options, cfg.Options); !equal {
		t.Errorf("Options differ. Diff:\n%s", diff)
	}

	if len(cfg.Folders) != 1 {
		t.Fatal("expected one folder")
	}
	fld := cfg.Folders[0]
	if fld.AutoDownload {
		t.Error("explicit autoDownload false should be kept")
	}
	if !fld.AutoDetectLocalChanges {
		t.Error("missing field should keep its default")
	}
}

func TestRejectsDuplicateFolders(t *testing.T) {
	input := `
folders:
  - id: docs
  - id: docs
`
	if _, err := ReadYAML(strings.NewReader(input)); err == nil {
		t.Error("duplicate folder IDs should be rejected")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	cfg := New("bob")
	cfg.Folders = append(cfg.Folders, NewFolderConfiguration("music", "/srv/music"))

	var buf bytes.Buffer
	if err := cfg.WriteYAML(&buf); err != nil {
		t.Fatal(err)
	}
	read, err := ReadYAML(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(cfg, read); !equal {
		t.Errorf("Configuration differs after round trip. Diff:\n%s", diff)
	}
}

type testCommitter struct {
	reject    bool
	committed chan Configuration
}

func (c *testCommitter) VerifyConfiguration(from, to Configuration) error {
	if c.reject {
		return errors.New("rejected")
	}
	return nil
}

func (c *testCommitter) CommitConfiguration(from, to Configuration) bool {
	c.committed <- to
	return true
}

func (c *testCommitter) String() string {
	return "testCommitter"
}

func TestWrapperSetOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peercore.yaml")
	w := Wrap(path, New("carol"), events.NoopLogger)

	c := &testCommitter{committed: make(chan Configuration, 1)}
	w.Subscribe(c)

	opts := w.Options()
	opts.LANOnly = true
	if err := w.SetOptions(opts); err != nil {
		t.Fatal(err)
	}
	select {
	case to := <-c.committed:
		if !to.Options.LANOnly {
			t.Error("committer saw old options")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("committer not called")
	}
	if !w.Options().LANOnly {
		t.Error("options not updated")
	}

	c.reject = true
	opts.Supernode = true
	if err := w.SetOptions(opts); err == nil {
		t.Error("rejected change should fail")
	}
	if w.Options().Supernode {
		t.Error("rejected change was applied")
	}
	w.Unsubscribe(c)

	if err := w.Save(); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadWrapper(path, events.NoopLogger)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Options().LANOnly {
		t.Error("saved options not loaded")
	}
	if base := w.NodeListBase(); base != strings.TrimSuffix(path, ".yaml") {
		t.Errorf("unexpected node list base %q", base)
	}
}

func TestZeroRequestorPeriodGetsDefault(t *testing.T) {
	w := Wrap(filepath.Join(t.TempDir(), "peercore.yaml"), New("dave"), events.NoopLogger)

	opts := w.Options()
	opts.RequestorPeriodS = 0
	if err := w.SetOptions(opts); err != nil {
		t.Fatal(err)
	}
	if p := w.Options().RequestorPeriodS; p != 60 {
		t.Errorf("period %d, expected the default 60", p)
	}

	cfg, err := ReadYAML(strings.NewReader("options:\n  requestorPeriodS: -5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Options.RequestorPeriod() != time.Minute {
		t.Errorf("unexpected period %v", cfg.Options.RequestorPeriod())
	}

	var unprepared OptionsConfiguration
	if unprepared.RequestorPeriod() != time.Minute {
		t.Errorf("unprepared options give period %v", unprepared.RequestorPeriod())
	}
}
