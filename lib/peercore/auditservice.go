// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peercore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/syncthing/peercore/lib/events"
)

// The auditService subscribes to events and writes these in JSON format, one
// event per line, to the specified writer. The subscription is taken when
// the service is created, so events logged before Serve runs are kept.
type auditService struct {
	w   io.Writer // audit destination
	sub events.Subscription
}

func newAuditService(w io.Writer, evLogger events.Logger) *auditService {
	return &auditService{
		w:   w,
		sub: evLogger.Subscribe(events.AllEvents),
	}
}

// Serve runs the audit service. Events already queued when the context is
// cancelled are still written.
func (s *auditService) Serve(ctx context.Context) error {
	enc := json.NewEncoder(s.w)
	write := func(ev events.Event) {
		if err := enc.Encode(ev); err != nil {
			l.Debugln("audit:", err)
		}
	}

	for {
		select {
		case ev, ok := <-s.sub.C():
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			write(ev)
		case <-ctx.Done():
			s.drain(write)
			s.sub.Unsubscribe()
			return ctx.Err()
		}
	}
}

func (s *auditService) drain(write func(events.Event)) {
	for {
		select {
		case ev, ok := <-s.sub.C():
			if !ok {
				return
			}
			write(ev)
		default:
			return
		}
	}
}

func (s *auditService) String() string {
	return fmt.Sprintf("auditService@%p", s)
}
