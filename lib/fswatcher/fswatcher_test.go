// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/folder"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/stats"
)

func init() {
	scanDelay = 50 * time.Millisecond
	ignoreRemoveDelay = 10 * time.Millisecond
}

type fakeFolder struct {
	folder.Folder
	allowed bool
	block   chan struct{}

	mut     stdsync.Mutex
	scanned []string
}

func (*fakeFolder) ID() string   { return "default" }
func (*fakeFolder) Path() string { return "/nonexistent" }

func (f *fakeFolder) ScanAllowedNow() bool { return f.allowed }

func (f *fakeFolder) ScanChangedFile(name string) (protocol.FileInfo, error) {
	if f.block != nil {
		<-f.block
	}
	f.mut.Lock()
	f.scanned = append(f.scanned, name)
	f.mut.Unlock()
	return protocol.FileInfo{Folder: "default", Name: name}, nil
}

func (f *fakeFolder) scannedNames() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return slices.Clone(f.scanned)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShouldIgnore(t *testing.T) {
	w := newFolderWatch(&fakeFolder{}, []string{"*.tmp", "~*", ".DS_Store", " "}, nil)
	cases := []struct {
		name   string
		ignore bool
	}{
		{"file.txt", false},
		{"dir/file.txt", false},
		{"file.tmp", true},
		{"dir/file.tmp", true},
		{"~lock", true},
		{"dir/~lock.docx", true},
		{".DS_Store", true},
		{"dir/.DS_Store", true},
		{folder.SystemDir, true},
		{folder.SystemDir + "/state", true},
		{"dir/" + folder.SystemDir + "/state", true},
		{"not" + folder.SystemDir, false},
	}
	for _, tc := range cases {
		if res := w.shouldIgnore(tc.name); res != tc.ignore {
			t.Errorf("shouldIgnore(%q) = %v, expected %v", tc.name, res, tc.ignore)
		}
	}
}

func TestDirtyFilesScannedOnce(t *testing.T) {
	f := &fakeFolder{allowed: true}
	var reported []string
	w := newFolderWatch(f, nil, func(_ folder.Folder, fi protocol.FileInfo) {
		reported = append(reported, fi.Name)
	})
	defer w.stop()

	w.fileChanged("b")
	w.fileChanged("a")
	w.fileChanged("b")
	if n := w.dirtyCount(); n != 2 {
		t.Errorf("%d dirty files, expected 2", n)
	}

	waitFor(t, "scan", func() bool { return w.dirtyCount() == 0 && len(f.scannedNames()) == 2 })
	if !slices.Equal(f.scannedNames(), []string{"a", "b"}) {
		t.Errorf("scanned %v", f.scannedNames())
	}
	waitFor(t, "scan to finish", func() bool { return !w.scanning.Load() })
	if !slices.Equal(reported, []string{"a", "b"}) {
		t.Errorf("reported %v", reported)
	}
}

func TestScanNotAllowed(t *testing.T) {
	w := newFolderWatch(&fakeFolder{}, nil, nil)
	defer w.stop()
	w.fileChanged("a")
	if w.dirtyCount() != 0 {
		t.Error("change recorded while scanning is not allowed")
	}
}

func TestIgnoreFile(t *testing.T) {
	f := &fakeFolder{allowed: true}
	w := newFolderWatch(f, nil, nil)
	defer w.stop()

	w.addIgnore("x")
	w.fileChanged("x")
	if w.dirtyCount() != 0 {
		t.Error("ignored file became dirty")
	}

	w.removeIgnore("x")
	waitFor(t, "ignore removal", func() bool {
		w.mut.Lock()
		defer w.mut.Unlock()
		_, ok := w.ignored["x"]
		return !ok
	})
	w.fileChanged("x")
	waitFor(t, "scan of x", func() bool { return slices.Contains(f.scannedNames(), "x") })
}

func TestChangesDuringScan(t *testing.T) {
	f := &fakeFolder{allowed: true, block: make(chan struct{})}
	w := newFolderWatch(f, nil, nil)
	defer w.stop()

	w.fileChanged("a")
	waitFor(t, "scan to start", w.scanning.Load)

	w.fileChanged("b")
	w.mut.Lock()
	scheduled := w.timer != nil
	w.mut.Unlock()
	if scheduled {
		t.Error("scan scheduled while scanning")
	}

	close(f.block)
	waitFor(t, "scan of b", func() bool { return slices.Equal(f.scannedNames(), []string{"a", "b"}) })
}

func TestStoppedWatchIgnoresChanges(t *testing.T) {
	f := &fakeFolder{allowed: true}
	w := newFolderWatch(f, nil, nil)
	w.fileChanged("a")
	w.stop()
	w.fileChanged("b")

	time.Sleep(3 * scanDelay)
	if len(f.scannedNames()) != 0 {
		t.Errorf("scanned %v after stop", f.scannedNames())
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "default")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.New("alice")
	cfg.Options.NodeID = "AAAA"
	cfg.Folders = []config.FolderConfiguration{config.NewFolderConfiguration("default", root)}
	wrapper := config.Wrap(filepath.Join(dir, "peercore.yaml"), cfg, events.NoopLogger)

	evLogger := events.NewLogger()
	sub := evLogger.Subscribe(events.LocalChangeDetected)
	defer sub.Unsubscribe()

	ldb := db.OpenMemory()
	set := folder.NewSet(wrapper, nil)
	watcher := New(wrapper, set, ldb, evLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go set.Serve(ctx)
	local, _ := set.Local("default")
	waitFor(t, "initial scan", local.HasOwnDatabase)

	go watcher.Serve(ctx)
	time.Sleep(100 * time.Millisecond)
	if !watcher.IsWatching("default") {
		t.Skip("filesystem notifications not available")
	}

	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev, err := sub.Poll(5 * time.Second)
	if err != nil {
		t.Fatal("no local change detected:", err)
	}
	if data := ev.Data.(map[string]interface{}); data["item"] != "hello.txt" {
		t.Errorf("change of %v", data["item"])
	}
	waitFor(t, "file to be indexed", func() bool {
		fi, ok := local.File("hello.txt")
		return ok && fi.Size == 5
	})
	if st, err := stats.NewFolderStatisticsReference(ldb, "default").GetStatistics(); err != nil || st.LastLocalChange.IsZero() {
		t.Errorf("local change not recorded: %+v, %v", st, err)
	}

	// Turning off change detection removes the watch.
	fcfg := local.Config()
	fcfg.AutoDetectLocalChanges = false
	if err := wrapper.SetFolder(fcfg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "watch removal", func() bool { return !watcher.IsWatching("default") })
}

func TestScannedChangesAnnounced(t *testing.T) {
	dir := t.TempDir()
	wrapper := config.Wrap(filepath.Join(dir, "peercore.yaml"), config.New("alice"), events.NoopLogger)
	watcher := New(wrapper, folder.NewSet(wrapper, nil), nil, events.NoopLogger)
	var got []protocol.FileInfo
	watcher.OnScanned(func(fi protocol.FileInfo) {
		got = append(got, fi)
	})

	fi := protocol.FileInfo{Folder: "default", Name: "a", Version: 2}
	watcher.scanned(&fakeFolder{}, fi)
	if len(got) != 1 || got[0] != fi {
		t.Errorf("announced %v", got)
	}
}
