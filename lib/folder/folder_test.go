// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package folder

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/protocol"
)

type fakeMembers struct {
	connected int
	maxed     bool
}

func (m fakeMembers) CountConnectedNodes() int    { return m.connected }
func (m fakeMembers) MaxConnectionsReached() bool { return m.maxed }

func newTestFolder(t *testing.T) (*Local, string) {
	t.Helper()
	dir := t.TempDir()
	f := NewLocal(config.NewFolderConfiguration("default", dir), "SELF", fakeMembers{connected: 1})
	f.Start()
	return f, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScan(t *testing.T) {
	f, dir := newTestFolder(t)
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "bb")
	writeFile(t, filepath.Join(dir, SystemDir, "state"), "x")

	if f.HasOwnDatabase() {
		t.Fatal("database before the first scan")
	}
	if err := f.Scan(); err != nil {
		t.Fatal(err)
	}
	if !f.HasOwnDatabase() {
		t.Error("no database after scan")
	}

	for _, name := range []string{"a.txt", "sub", "sub/b.txt"} {
		fi, ok := f.File(name)
		if !ok {
			t.Errorf("%s not indexed", name)
			continue
		}
		if fi.Version != 1 || fi.ModifiedBy != "SELF" || fi.Folder != "default" {
			t.Errorf("unexpected %v", fi)
		}
	}
	if fi, _ := f.File("sub"); !fi.Directory {
		t.Error("sub is not a directory")
	}
	if fi, _ := f.File("sub/b.txt"); fi.Size != 2 {
		t.Errorf("size %d", fi.Size)
	}
	if _, ok := f.File(SystemDir + "/state"); ok {
		t.Error("system directory was scanned")
	}

	// Scanning again without changes keeps the versions.
	if err := f.Scan(); err != nil {
		t.Fatal(err)
	}
	if fi, _ := f.File("a.txt"); fi.Version != 1 {
		t.Errorf("version bumped without change: %v", fi)
	}
}

func TestScanChangedFile(t *testing.T) {
	f, dir := newTestFolder(t)
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "a")

	fi, err := f.ScanChangedFile("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Version != 1 {
		t.Errorf("version %d", fi.Version)
	}

	writeFile(t, path, "changed")
	fi, err = f.ScanChangedFile("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Version != 2 || fi.Size != 7 {
		t.Errorf("unexpected %v", fi)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	fi, err = f.ScanChangedFile("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !fi.Deleted || fi.Version != 3 {
		t.Errorf("unexpected %v", fi)
	}

	hist := f.FileHistory(fi)
	if hist == nil || len(hist.Entries) != 3 {
		t.Fatalf("history %v", hist)
	}
	if head, _ := hist.Head(); !head.Deleted {
		t.Error("deletion not in history")
	}

	if _, err := f.ScanChangedFile("never-existed"); err == nil {
		t.Error("unknown deleted file scanned")
	}
	if f.FileHistory(protocol.FileInfo{Name: "never-existed"}) != nil {
		t.Error("history for unknown file")
	}
}

func TestNotStarted(t *testing.T) {
	f := NewLocal(config.NewFolderConfiguration("default", t.TempDir()), "SELF", nil)
	if f.IsStarted() || f.ScanAllowedNow() {
		t.Error("started before Start")
	}
	if _, err := f.ScanChangedFile("a"); err != errNotStarted {
		t.Errorf("expected not started, got %v", err)
	}
	if f.HasUploadCapacity() || f.ConnectedMembersCount() != 0 {
		t.Error("capacity without members")
	}

	f.Start()
	if !f.ScanAllowedNow() {
		t.Error("scan not allowed after start")
	}
	cfg := f.Config()
	cfg.Paused = true
	f.setConfig(cfg)
	if f.IsStarted() {
		t.Error("paused folder is started")
	}
}

func TestDeviceDisconnected(t *testing.T) {
	f := NewLocal(config.NewFolderConfiguration("default", filepath.Join(t.TempDir(), "missing")), "SELF", nil)
	f.Start()
	if !f.IsDeviceDisconnected() {
		t.Error("missing root not detected")
	}
	if f.ScanAllowedNow() {
		t.Error("scan allowed on a missing root")
	}
}

func TestIncomingFiles(t *testing.T) {
	f, dir := newTestFolder(t)
	writeFile(t, filepath.Join(dir, "local.txt"), "x")
	local, err := f.ScanChangedFile("local.txt")
	if err != nil {
		t.Fatal(err)
	}

	n := f.Announce([]protocol.FileInfo{
		{Folder: "default", Name: "c", Version: 1},
		{Folder: "default", Name: "a", Version: 3},
		{Folder: "default", Name: "b", Version: 2},
		{Folder: "default", Name: "local.txt", Version: local.Version},
	})
	if n != 3 {
		t.Errorf("%d newer files announced", n)
	}
	if n := f.Announce([]protocol.FileInfo{{Folder: "default", Name: "a", Version: 2}}); n != 0 {
		t.Error("older version accepted")
	}

	names := func(files []protocol.FileInfo) []string {
		var res []string
		for _, fi := range files {
			res = append(res, fi.Name)
		}
		return res
	}
	if got := names(f.IncomingFiles(0)); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("incoming %v", got)
	}
	if got := names(f.IncomingFiles(2)); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("limited incoming %v", got)
	}

	// A local change supersedes the announced version.
	writeFile(t, filepath.Join(dir, "a"), "local")
	fi, err := f.ScanChangedFile("a")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Version != 4 {
		t.Errorf("local version %d does not supersede the remote one", fi.Version)
	}
	if got := names(f.IncomingFiles(0)); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("incoming after local change %v", got)
	}
}

func TestTransferPriority(t *testing.T) {
	f, _ := newTestFolder(t)
	f.SetPriority("low", PriorityLow)
	f.SetPriority("high", PriorityHigh)
	f.SetPriority("reset", PriorityHigh)
	f.SetPriority("reset", PriorityNormal)

	files := []protocol.FileInfo{{Name: "low"}, {Name: "reset"}, {Name: "b"}, {Name: "high"}}
	slices.SortFunc(files, f.CompareTransferPriority)

	var got []string
	for _, fi := range files {
		got = append(got, fi.Name)
	}
	if expected := []string{"high", "b", "reset", "low"}; !slices.Equal(got, expected) {
		t.Errorf("order %v, expected %v", got, expected)
	}
}

func TestScanDirectory(t *testing.T) {
	f, dir := newTestFolder(t)
	if err := f.ScanDirectory(protocol.FileInfo{Name: "x/y", Directory: true}); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(filepath.Join(dir, "x", "y")); err != nil || !info.IsDir() {
		t.Error("directory not created")
	}
	if fi, ok := f.File("x/y"); !ok || !fi.Directory {
		t.Error("directory not indexed")
	}
}

func TestSet(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New("alice")
	cfg.Folders = []config.FolderConfiguration{config.NewFolderConfiguration("one", filepath.Join(dir, "one"))}
	w := config.Wrap(filepath.Join(dir, "peercore.yaml"), cfg, events.NoopLogger)

	s := NewSet(w, nil)
	changes := make(chan string, 10)
	s.OnChange(func(f *Local) { changes <- f.ID() })

	if _, ok := s.Folder("one"); !ok {
		t.Fatal("configured folder missing")
	}
	if len(s.Folders()) != 0 {
		t.Error("folders started before serving")
	}

	if err := w.SetFolder(config.NewFolderConfiguration("two", filepath.Join(dir, "two"))); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-changes:
		if id != "two" {
			t.Errorf("change for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
	two, ok := s.Local("two")
	if !ok || !two.IsStarted() {
		t.Fatal("added folder not started")
	}

	two.Announce([]protocol.FileInfo{{Folder: "two", Name: "f", Version: 5}})
	newest, ok := s.NewestVersion(protocol.FileInfo{Folder: "two", Name: "f", Version: 1})
	if !ok || newest.Version != 5 {
		t.Errorf("newest %v", newest)
	}
	if _, ok := s.NewestVersion(protocol.FileInfo{Folder: "nope", Name: "f"}); ok {
		t.Error("newest version in unknown folder")
	}

	dup := w.RawCopy()
	dup.Folders = append(dup.Folders, dup.Folders[0])
	if err := w.Replace(dup); err == nil {
		t.Error("duplicate folder id accepted")
	}

	removed := w.RawCopy()
	removed.Folders = removed.Folders[:1]
	if err := w.Replace(removed); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-changes:
		if id != "two" {
			t.Errorf("change for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no removal notification")
	}
	if _, ok := s.Local("two"); ok || two.IsStarted() {
		t.Error("removed folder still there")
	}

	s.SetPaused(true)
	if !s.IsPaused() {
		t.Error("not paused")
	}
}

func TestLocalFilesAndLookup(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New("alice")
	cfg.Folders = []config.FolderConfiguration{config.NewFolderConfiguration("one", filepath.Join(dir, "one"))}
	w := config.Wrap(filepath.Join(dir, "peercore.yaml"), cfg, events.NoopLogger)
	s := NewSet(w, nil)

	one, _ := s.Local("one")
	one.Start()
	writeFile(t, filepath.Join(dir, "one", "b.txt"), "b")
	writeFile(t, filepath.Join(dir, "one", "a.txt"), "a")
	if err := one.Scan(); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, fi := range one.LocalFiles() {
		got = append(got, fi.Name)
	}
	if !slices.Equal(got, []string{"a.txt", "b.txt"}) {
		t.Errorf("local files %v", got)
	}

	if fi, ok := s.File("one", "a.txt"); !ok || fi.Size != 1 {
		t.Errorf("lookup %v, %v", fi, ok)
	}
	if _, ok := s.File("one", "c.txt"); ok {
		t.Error("found a file that does not exist")
	}
	if _, ok := s.File("nope", "a.txt"); ok {
		t.Error("found a file in an unknown folder")
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if res, err := ParsePriority(p.String()); err != nil || res != p {
			t.Errorf("%v does not parse back: %v, %v", p, res, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("unknown priority accepted")
	}
}
