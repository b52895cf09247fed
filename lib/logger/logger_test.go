// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestAPI(t *testing.T) {
	l := newLogger(io.Discard)
	l.SetFlags(0)
	l.SetPrefix("testing")

	debug := 0
	l.AddHandler(LevelDebug, checkFunc(t, LevelDebug, &debug))
	info := 0
	l.AddHandler(LevelInfo, checkFunc(t, LevelInfo, &info))
	warn := 0
	l.AddHandler(LevelWarn, checkFunc(t, LevelWarn, &warn))

	l.Debugf("test %d", 0)
	l.Debugln("test", 0)
	l.Infof("test %d", 1)
	l.Infoln("test", 1)
	l.Warnf("test %d", 3)
	l.Warnln("test", 3)

	if debug != 6 {
		t.Errorf("Debug handler called %d != 6 times", debug)
	}
	if info != 4 {
		t.Errorf("Info handler called %d != 4 times", info)
	}
	if warn != 2 {
		t.Errorf("Warn handler called %d != 2 times", warn)
	}
}

func checkFunc(t *testing.T, expectl LogLevel, counter *int) func(LogLevel, string) {
	return func(l LogLevel, msg string) {
		*counter++
		if l < expectl {
			t.Errorf("Incorrect message level %d < %d", l, expectl)
		}
	}
}

func TestFacilityDebugging(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf)

	f0 := l.NewFacility("f0", "foo#0")
	f1 := l.NewFacility("f1", "foo#1")

	l.SetDebug("f0", true)

	f0.Debugln("f0 line")
	f1.Debugln("f1 line")

	out := buf.String()
	if !strings.Contains(out, "f0 line") {
		t.Error("missing output from enabled facility")
	}
	if strings.Contains(out, "f1 line") {
		t.Error("unexpected output from disabled facility")
	}
	if got := l.FacilityDebugging(); len(got) != 1 || got[0] != "f0" {
		t.Errorf("unexpected debugging facilities %v", got)
	}
	if descr := l.Facilities()["f1"]; descr != "foo#1" {
		t.Errorf("unexpected description %q", descr)
	}
}

func TestRecorder(t *testing.T) {
	l := newLogger(io.Discard)

	r0 := NewRecorder(l, LevelInfo, 5, 0)
	r1 := NewRecorder(l, LevelInfo, 5, 3)

	for i := 0; i < 10; i++ {
		l.Infof("hello %d", i)
	}

	lines := r0.Since(time.Time{})
	if len(lines) != 5 {
		t.Fatalf("incorrect length %d != 5", len(lines))
	}
	for i := 0; i < 5; i++ {
		expected := fmt.Sprintf("hello %d", i+5)
		if lines[i].Message != expected {
			t.Error("unexpected line", i, lines[i].Message, "!=", expected)
		}
	}

	lines = r1.Since(time.Time{})
	if len(lines) != 5 {
		t.Fatalf("incorrect length %d != 5", len(lines))
	}
	expected := []string{"hello 0", "hello 1", "hello 2", "...", "hello 9"}
	for i, exp := range expected {
		if lines[i].Message != exp {
			t.Error("unexpected line", i, lines[i].Message, "!=", exp)
		}
	}

	r0.Clear()
	if lines := r0.Since(time.Time{}); len(lines) != 0 {
		t.Error("expected no lines after clear, got", len(lines))
	}
}

func TestControlStripper(t *testing.T) {
	var buf bytes.Buffer
	w := controlStripper{&buf}
	if _, err := w.Write([]byte("a\x1bb\tc\n")); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "a b c\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}
