// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package reconnect keeps a queue of nodes worth connecting to and a pool
// of workers dialing them.
package reconnect

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

// An attempt is given up after this long, handshake included.
const connectTimeout = 90 * time.Second

// Registry is the node registry the scheduler works for.
type Registry interface {
	Nodes() []*nodes.Member
	Connect(ctx context.Context, member *nodes.Member) error
}

type Scheduler struct {
	svcutil.ServiceWithError
	cfg *config.Wrapper
	reg Registry

	mut    sync.Mutex
	queue  []*nodes.Member
	queued map[string]struct{}
	wake   chan struct{}
}

var _ nodes.Reconnector = (*Scheduler)(nil)

func New(cfg *config.Wrapper, reg Registry) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		reg:    reg,
		mut:    sync.NewMutex(),
		queued: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
	s.ServiceWithError = svcutil.AsService(s.serve, s.String())
	return s
}

func (s *Scheduler) serve(ctx context.Context) error {
	opts := s.cfg.Options()
	sup := suture.New(s.String(), svcutil.SpecWithDebugLogger(l))
	for i := 0; i < max(1, opts.ReconnectWorkers); i++ {
		sup.Add(svcutil.AsService(s.worker, fmt.Sprintf("reconnect worker %d", i)))
	}
	sup.Add(svcutil.Periodic("reconnection queue builder", opts.ReconnectRebuild()/10, opts.ReconnectRebuild(),
		func(context.Context) { s.BuildReconnectionQueue() }))
	return sup.Serve(ctx)
}

// candidate is a snapshot of the member properties the queue is ordered
// by.
type candidate struct {
	member    *nodes.Member
	marked    bool
	friend    bool
	supernode bool
	lastSeen  time.Time
}

func newCandidate(m *nodes.Member) candidate {
	return candidate{
		member:    m,
		marked:    m.IsMarkedForImmediateConnect(),
		friend:    m.IsFriend(),
		supernode: m.IsSupernode(),
		lastSeen:  m.LastSeen(),
	}
}

func (c candidate) class() int {
	switch {
	case c.marked:
		return 0
	case c.friend:
		return 1
	case c.supernode:
		return 2
	default:
		return 3
	}
}

func classOf(m *nodes.Member) int {
	return candidate{
		marked:    m.IsMarkedForImmediateConnect(),
		friend:    m.IsFriend(),
		supernode: m.IsSupernode(),
	}.class()
}

// compareCandidates orders marked members first, then friends, then
// supernodes, and within each class the most recently seen first.
func compareCandidates(a, b candidate) int {
	if c := cmp.Compare(a.class(), b.class()); c != 0 {
		return c
	}
	return b.lastSeen.Compare(a.lastSeen)
}

// eligible reports whether a connection attempt to the member makes sense
// now.
func (s *Scheduler) eligible(m *nodes.Member, now time.Time) bool {
	if m.IsMySelf() || m.IsCompletelyConnected() {
		return false
	}
	if m.IsMarkedForImmediateConnect() {
		return true
	}
	last := m.LastConnectAttempt()
	return last.IsZero() || now.Sub(last) >= s.cfg.Options().ReconnectCooldown()
}

// BuildReconnectionQueue replaces the queue with all members worth a
// connection attempt, in order.
func (s *Scheduler) BuildReconnectionQueue() {
	now := time.Now()
	var cands []candidate
	for _, m := range s.reg.Nodes() {
		if !s.eligible(m, now) {
			continue
		}
		c := newCandidate(m)
		if !c.marked && !c.friend && !c.supernode && !m.IsConnectedToNetwork() {
			continue
		}
		cands = append(cands, c)
	}
	slices.SortStableFunc(cands, compareCandidates)

	s.mut.Lock()
	s.queue = s.queue[:0]
	clear(s.queued)
	for _, c := range cands {
		s.queue = append(s.queue, c.member)
		s.queued[c.member.ID()] = struct{}{}
	}
	n := len(s.queue)
	s.mut.Unlock()

	metricQueueLength.Set(float64(n))
	l.Debugf("reconnection queue rebuilt with %d nodes", n)
	if n > 0 {
		s.signal()
	}
}

// ConsiderReconnectionTo queues the member unless it is connected, queued
// already or was tried too recently. Marked members, friends and
// supernodes go before the others.
func (s *Scheduler) ConsiderReconnectionTo(m *nodes.Member) bool {
	if !s.eligible(m, time.Now()) {
		return false
	}
	class := classOf(m)

	s.mut.Lock()
	if _, ok := s.queued[m.ID()]; ok {
		s.mut.Unlock()
		return false
	}
	i, _ := slices.BinarySearchFunc(s.queue, class, func(q *nodes.Member, class int) int {
		if d := cmp.Compare(classOf(q), class); d != 0 {
			return d
		}
		// Ties go after the members already queued.
		return -1
	})
	s.queue = slices.Insert(s.queue, i, m)
	s.queued[m.ID()] = struct{}{}
	n := len(s.queue)
	s.mut.Unlock()

	metricQueueLength.Set(float64(n))
	l.Debugf("queued %v for reconnection at position %d of %d", m, i+1, n)
	s.signal()
	return true
}

// QueueLen returns the number of members waiting for an attempt.
func (s *Scheduler) QueueLen() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.queue)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until there is a member to connect to.
func (s *Scheduler) next(ctx context.Context) (*nodes.Member, bool) {
	for {
		s.mut.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			delete(s.queued, m.ID())
			more := len(s.queue) > 0
			metricQueueLength.Set(float64(len(s.queue)))
			s.mut.Unlock()
			if more {
				s.signal()
			}
			return m, true
		}
		s.mut.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		m, ok := s.next(ctx)
		if !ok {
			return nil
		}
		s.reconnect(ctx, m)
	}
}

func (s *Scheduler) reconnect(ctx context.Context, m *nodes.Member) {
	if m.IsCompletelyConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	l.Debugln("reconnecting to", m)
	if err := s.reg.Connect(ctx, m); err != nil {
		metricAttempts.WithLabelValues(resultFailure).Inc()
		l.Debugf("reconnecting to %v: %v", m, err)
		return
	}
	metricAttempts.WithLabelValues(resultSuccess).Inc()
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("reconnect.Scheduler@%p", s)
}
