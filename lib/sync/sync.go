// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync provides mutex and wait group constructors that log
// unexpectedly long holds and waits when the "sync" facility is debugged.
package sync

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type holder struct {
	at   string
	time time.Time
}

func (h holder) String() string {
	if h.at == "" {
		return "not held"
	}
	return fmt.Sprintf("at %s for %v", h.at, time.Since(h.time))
}

func getHolder() holder {
	_, file, line, _ := runtime.Caller(2)
	return holder{
		at:   fmt.Sprintf("%s:%d", filepath.Base(file), line),
		time: time.Now(),
	}
}

type loggedMutex struct {
	sync.Mutex
	holder holder
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.holder = getHolder()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.holder.time); d >= threshold {
		l.Debugf("Mutex held for %v. Locked at %s unlocked at %s", d, m.holder.at, getHolder().at)
	}
	m.holder = holder{}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	holder holder
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	m.holder = getHolder()
	if d := m.holder.time.Sub(start); d >= threshold {
		l.Debugf("RWMutex took %v to lock at %s", d, m.holder.at)
	}
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.holder.time); d >= threshold {
		l.Debugf("RWMutex held for %v. Locked at %s unlocked at %s", d, m.holder.at, getHolder().at)
	}
	m.holder = holder{}
	m.RWMutex.Unlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if d := time.Since(start); d >= threshold {
		l.Debugf("WaitGroup took %v at %s", d, getHolder().at)
	}
}
