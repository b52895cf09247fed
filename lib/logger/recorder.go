// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"sync"
	"time"
)

// A Recorder keeps a size limited record of log events.
type Recorder interface {
	Since(t time.Time) []Line
	Clear()
}

// A Line represents a single log entry.
type Line struct {
	When    time.Time `json:"when"`
	Message string    `json:"message"`
	Level   LogLevel  `json:"level"`
}

type recorder struct {
	lines   []Line
	initial int
	mut     sync.Mutex
}

// NewRecorder returns a Recorder holding at most size lines at or above
// level. The first initial lines are never evicted, so that startup
// messages survive a busy log.
func NewRecorder(l Logger, level LogLevel, size, initial int) Recorder {
	r := &recorder{
		lines:   make([]Line, 0, size),
		initial: initial,
	}
	l.AddHandler(level, r.append)
	return r
}

func (r *recorder) Since(t time.Time) []Line {
	r.mut.Lock()
	defer r.mut.Unlock()

	for i, line := range r.lines {
		if line.When.After(t) {
			cp := make([]Line, len(r.lines)-i)
			copy(cp, r.lines[i:])
			return cp
		}
	}
	return nil
}

func (r *recorder) Clear() {
	r.mut.Lock()
	r.lines = r.lines[:0]
	r.mut.Unlock()
}

func (r *recorder) append(level LogLevel, msg string) {
	line := Line{
		When:    time.Now(),
		Message: msg,
		Level:   level,
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if len(r.lines) == cap(r.lines) {
		keep := 0
		if r.initial > 0 {
			// the initial lines and the "..." marker stay
			keep = r.initial + 1
		}
		copy(r.lines[keep:], r.lines[keep+1:])
		r.lines[len(r.lines)-1] = line
		return
	}

	r.lines = append(r.lines, line)
	if len(r.lines) == r.initial {
		r.lines = append(r.lines, Line{time.Now(), "...", level})
	}
}
