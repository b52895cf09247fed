// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and polling functionality.
package events

import (
	"errors"
	stdsync "sync"
	"time"

	"github.com/syncthing/peercore/lib/sync"
)

type EventType int64

const (
	Starting EventType = 1 << iota
	StartupComplete
	NodeAdded
	NodeRemoved
	NodeConnected
	NodeDisconnected
	NodeRejected
	NodeSettingsChanged
	FriendAdded
	FriendRemoved
	FriendRequestReceived
	NodeManagerStarted
	NodeManagerStopped
	ConfigSaved
	LocalChangeDetected
	DownloadRequested
	DownloadQueued
	ConflictDetected
	MemoryLow

	AllEvents = (1 << iota) - 1
)

var eventNames = map[EventType]string{
	Starting:              "Starting",
	StartupComplete:       "StartupComplete",
	NodeAdded:             "NodeAdded",
	NodeRemoved:           "NodeRemoved",
	NodeConnected:         "NodeConnected",
	NodeDisconnected:      "NodeDisconnected",
	NodeRejected:          "NodeRejected",
	NodeSettingsChanged:   "NodeSettingsChanged",
	FriendAdded:           "FriendAdded",
	FriendRemoved:         "FriendRemoved",
	FriendRequestReceived: "FriendRequestReceived",
	NodeManagerStarted:    "NodeManagerStarted",
	NodeManagerStopped:    "NodeManagerStopped",
	ConfigSaved:           "ConfigSaved",
	LocalChangeDetected:   "LocalChangeDetected",
	DownloadRequested:     "DownloadRequested",
	DownloadQueued:        "DownloadQueued",
	ConflictDetected:      "ConflictDetected",
	MemoryLow:             "MemoryLow",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "Unknown"
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(bs []byte) error {
	*t = UnmarshalEventType(string(bs))
	return nil
}

// UnmarshalEventType returns the event type with the given name, or zero
// if there is none.
func UnmarshalEventType(s string) EventType {
	for t, name := range eventNames {
		if name == s {
			return t
		}
	}
	return 0
}

const BufferSize = 64

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int `json:"id"`
	// Global ID of the event across all subscriptions
	GlobalID int         `json:"globalID"`
	Time     time.Time   `json:"time"`
	Type     EventType   `json:"type"`
	Data     interface{} `json:"data"`
}

type Logger interface {
	Log(t EventType, data interface{})
	Subscribe(mask EventType) Subscription
}

type Subscription interface {
	C() <-chan Event
	Poll(timeout time.Duration) (Event, error)
	Mask() EventType
	Unsubscribe()
}

type eventLogger struct {
	subs                []*subscription
	nextSubscriptionIDs []int
	nextGlobalID        int
	mutex               sync.Mutex
}

func NewLogger() Logger {
	return &eventLogger{
		mutex: sync.NewMutex(),
	}
}

// Log hands the event to all matching subscriptions. Events are dropped
// for subscriptions that are not keeping up.
func (l *eventLogger) Log(t EventType, data interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	dl.Debugln("log", l.nextGlobalID, t, data)
	l.nextGlobalID++

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     time.Now(),
		Type:     t,
		Data:     data,
	}

	for i, s := range l.subs {
		if s.mask&t == 0 {
			continue
		}
		e.SubscriptionID = l.nextSubscriptionIDs[i]
		l.nextSubscriptionIDs[i]++
		select {
		case s.events <- e:
		default:
		}
	}
}

func (l *eventLogger) Subscribe(mask EventType) Subscription {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	dl.Debugln("subscribe", mask)

	s := &subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
		logger: l,
	}
	l.subs = append(l.subs, s)
	l.nextSubscriptionIDs = append(l.nextSubscriptionIDs, 1)
	return s
}

func (l *eventLogger) unsubscribe(s *subscription) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	dl.Debugln("unsubscribe", s.mask)

	for i, ss := range l.subs {
		if s != ss {
			continue
		}
		last := len(l.subs) - 1

		l.subs[i] = l.subs[last]
		l.subs[last] = nil
		l.subs = l.subs[:last]

		l.nextSubscriptionIDs[i] = l.nextSubscriptionIDs[last]
		l.nextSubscriptionIDs = l.nextSubscriptionIDs[:last]

		close(s.events)
		return
	}
}

type subscription struct {
	mask   EventType
	events chan Event
	logger *eventLogger
	once   stdsync.Once
}

// Poll returns an event from the subscription or an error if the poll times
// out or the subscription is closed.
func (s *subscription) Poll(timeout time.Duration) (Event, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		return e, nil
	case <-t.C:
		return Event{}, ErrTimeout
	}
}

func (s *subscription) C() <-chan Event {
	return s.events
}

func (s *subscription) Mask() EventType {
	return s.mask
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.logger.unsubscribe(s) })
}

type bufferedSubscription struct {
	sub  Subscription
	buf  []Event
	next int
	cur  int // Current SubscriptionID
	mut  sync.Mutex
	cond *stdsync.Cond
}

type BufferedSubscription interface {
	Since(id int, into []Event, timeout time.Duration) []Event
}

// NewBufferedSubscription keeps the last size events of the subscription
// for retrieval with Since.
func NewBufferedSubscription(s Subscription, size int) BufferedSubscription {
	bs := &bufferedSubscription{
		sub: s,
		buf: make([]Event, size),
		mut: sync.NewMutex(),
	}
	bs.cond = stdsync.NewCond(bs.mut)
	go bs.pollingLoop()
	return bs
}

func (s *bufferedSubscription) pollingLoop() {
	for ev := range s.sub.C() {
		s.mut.Lock()
		s.buf[s.next] = ev
		s.next = (s.next + 1) % len(s.buf)
		s.cur = ev.SubscriptionID
		s.cond.Broadcast()
		s.mut.Unlock()
	}
	s.mut.Lock()
	s.cond.Broadcast()
	s.mut.Unlock()
}

// Since returns the buffered events newer than id, waiting at most timeout
// for one to arrive.
func (s *bufferedSubscription) Since(id int, into []Event, timeout time.Duration) []Event {
	s.mut.Lock()
	defer s.mut.Unlock()

	if id >= s.cur {
		waiting := true
		t := time.AfterFunc(timeout, func() {
			s.mut.Lock()
			waiting = false
			s.cond.Broadcast()
			s.mut.Unlock()
		})
		defer t.Stop()
		for id >= s.cur && waiting {
			s.cond.Wait()
		}
	}

	for i := s.next; i < len(s.buf); i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}
	for i := 0; i < s.next; i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}
	return into
}

type noopLogger struct{}

// NoopLogger discards all events.
var NoopLogger Logger = &noopLogger{}

func (*noopLogger) Log(EventType, interface{}) {}

func (*noopLogger) Subscribe(mask EventType) Subscription {
	return &noopSubscription{mask: mask}
}

type noopSubscription struct {
	mask EventType
}

func (*noopSubscription) C() <-chan Event {
	return nil
}

func (*noopSubscription) Poll(timeout time.Duration) (Event, error) {
	return Event{}, ErrClosed
}

func (s *noopSubscription) Mask() EventType {
	return s.mask
}

func (*noopSubscription) Unsubscribe() {}

// Error returns a string pointer suitable for JSON marshalling errors. It
// retains the "null on success" semantics, but ensures the error result is a
// string regardless of the underlying concrete error type.
func Error(err error) *string {
	if err == nil {
		return nil
	}
	str := err.Error()
	return &str
}
