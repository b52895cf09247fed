// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peercore

import (
	"context"
	"fmt"

	"github.com/syncthing/peercore/lib/events"
)

// The verbose logging service subscribes to events and prints these in
// verbose format to the console using INFO level.
type verboseService struct {
	evLogger events.Logger
}

func newVerboseService(evLogger events.Logger) *verboseService {
	return &verboseService{
		evLogger: evLogger,
	}
}

// Serve runs the verbose logging service.
func (s *verboseService) Serve(ctx context.Context) error {
	sub := s.evLogger.Subscribe(events.AllEvents)
	defer sub.Unsubscribe()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			formatted := s.formatEvent(ev)
			if formatted != "" {
				l.Verboseln(formatted)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (*verboseService) formatEvent(ev events.Event) string {
	switch ev.Type {
	case events.ConfigSaved:
		return "Configuration was saved"

	case events.StartupComplete:
		return "Startup complete"
	}

	switch data := ev.Data.(type) {
	case map[string]string:
		switch ev.Type {
		case events.Starting:
			return fmt.Sprintf("Starting up (%s)", data["home"])
		case events.NodeAdded:
			return fmt.Sprintf("Added node %s (%s)", data["nick"], data["id"])
		case events.NodeRemoved:
			return fmt.Sprintf("Removed node %s (%s)", data["nick"], data["id"])
		case events.NodeConnected:
			return fmt.Sprintf("Connected to node %s (%s), %s", data["nick"], data["id"], data["kind"])
		case events.NodeDisconnected:
			return fmt.Sprintf("Disconnected from node %s (%s)", data["nick"], data["id"])
		case events.NodeRejected:
			return fmt.Sprintf("Rejected node %s (%s): %s", data["nick"], data["id"], data["error"])
		case events.FriendAdded:
			return fmt.Sprintf("Node %s (%s) is now a friend", data["nick"], data["id"])
		case events.FriendRemoved:
			return fmt.Sprintf("Node %s (%s) is no longer a friend", data["nick"], data["id"])
		case events.FriendRequestReceived:
			return fmt.Sprintf("Node %s (%s) made us a friend: %q", data["nick"], data["id"], data["message"])
		case events.NodeManagerStarted:
			return fmt.Sprintf("Node manager started as %s (%s)", data["nick"], data["id"])
		case events.DownloadQueued:
			return fmt.Sprintf("Download of %q / %q queued at node %s", data["folder"], data["item"], data["node"])
		}

	case map[string]interface{}:
		switch ev.Type {
		case events.LocalChangeDetected:
			return fmt.Sprintf("Local change detected in folder %q: %v (version %v)", data["folder"], data["item"], data["version"])
		case events.DownloadRequested:
			return fmt.Sprintf("Requested download of %q / %q (version %v)", data["folder"], data["item"], data["version"])
		case events.ConflictDetected:
			return fmt.Sprintf("Conflict detected on %q / %q, resolved: %v", data["folder"], data["item"], data["resolved"])
		case events.MemoryLow:
			return fmt.Sprintf("Memory is running low, %.01f%% used", data["usedPercent"])
		}
	}

	if ev.Type == events.NodeManagerStopped {
		return "Node manager stopped"
	}
	return fmt.Sprintf("%s %#v", ev.Type, ev)
}

func (s *verboseService) String() string {
	return fmt.Sprintf("verboseService@%p", s)
}
