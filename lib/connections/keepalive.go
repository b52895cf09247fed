// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/rand"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

var errKeepaliveTimeout = errors.New("no message received within the receive timeout")

// KeepAliveChecker pings connected handlers that have been quiet for a
// keep-alive interval and shuts down those quiet beyond the receive
// timeout.
type KeepAliveChecker struct {
	svcutil.ServiceWithError
	cfg *config.Wrapper

	mut      sync.Mutex
	handlers map[*handler]struct{}
}

func NewKeepAliveChecker(cfg *config.Wrapper) *KeepAliveChecker {
	c := &KeepAliveChecker{
		cfg:      cfg,
		mut:      sync.NewMutex(),
		handlers: make(map[*handler]struct{}),
	}
	c.ServiceWithError = svcutil.AsService(c.serve, c.String())
	return c
}

func (c *KeepAliveChecker) serve(ctx context.Context) error {
	interval := c.cfg.Options().KeepAliveInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			c.check(now)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *KeepAliveChecker) Add(h *handler) {
	c.mut.Lock()
	c.handlers[h] = struct{}{}
	c.mut.Unlock()
}

func (c *KeepAliveChecker) Remove(h *handler) {
	c.mut.Lock()
	delete(c.handlers, h)
	c.mut.Unlock()
}

func (c *KeepAliveChecker) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.handlers)
}

func (c *KeepAliveChecker) check(now time.Time) {
	opts := c.cfg.Options()
	interval := opts.KeepAliveInterval()
	timeout := opts.ReceiveTimeout()

	c.mut.Lock()
	handlers := make([]*handler, 0, len(c.handlers))
	for h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mut.Unlock()

	for _, h := range handlers {
		quiet := now.Sub(h.LastKeepalive())
		switch {
		case timeout > 0 && quiet > timeout:
			l.Infof("%v: nothing received for %v, disconnecting", h, quiet.Truncate(time.Second))
			h.shutdown(errKeepaliveTimeout)
		case quiet >= interval:
			h.SendMessagesAsync(&protocol.Ping{ID: rand.String(8)})
		}
	}
}

func (c *KeepAliveChecker) String() string {
	return "KeepAliveChecker"
}
