// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peercore assembles the services of a running node.
package peercore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/syncthing/peercore/lib/api"
	"github.com/syncthing/peercore/lib/build"
	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/events"
	"github.com/syncthing/peercore/lib/folder"
	"github.com/syncthing/peercore/lib/fswatcher"
	"github.com/syncthing/peercore/lib/logger"
	"github.com/syncthing/peercore/lib/memmon"
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/reconnect"
	"github.com/syncthing/peercore/lib/requestor"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/transfer"
)

const (
	initialSystemLog = 10
	maxSystemLog     = 250
)

type Options struct {
	AuditWriter  io.Writer
	ProfilerAddr string
	Verbose      bool
}

type App struct {
	mainService       *suture.Supervisor
	cfg               *config.Wrapper
	ldb               *db.Lowlevel
	evLogger          events.Logger
	opts              Options
	nodes             *nodes.Manager
	exitStatus        svcutil.ExitStatus
	err               error
	stopOnce          sync.Once
	mainServiceCancel context.CancelFunc
	stopped           chan struct{}
}

func New(cfg *config.Wrapper, ldb *db.Lowlevel, evLogger events.Logger, opts Options) *App {
	a := &App{
		cfg:      cfg,
		ldb:      ldb,
		evLogger: evLogger,
		opts:     opts,
		stopped:  make(chan struct{}),
	}
	close(a.stopped) // Hasn't been started, so shouldn't block on Wait.
	return a
}

// Start executes the app and returns once all the startup operations are done,
// e.g. the API is ready for use.
// Must be called once only.
func (a *App) Start() error {
	// Create a main service manager. We'll add things to this as we go along.
	// We want any logging it does to go through our log system.
	spec := svcutil.SpecWithDebugLogger(l)
	a.mainService = suture.New("main", spec)

	// Start the supervisor and wait for it to stop to handle cleanup.
	a.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	a.mainServiceCancel = cancel
	errChan := a.mainService.ServeBackground(ctx)
	go a.wait(errChan)

	if err := a.startup(); err != nil {
		a.stopWithErr(svcutil.ExitError, err)
		return err
	}

	return nil
}

func (a *App) startup() error {
	if a.opts.AuditWriter != nil {
		a.mainService.Add(newAuditService(a.opts.AuditWriter, a.evLogger))
	}

	if a.opts.Verbose {
		a.mainService.Add(newVerboseService(a.evLogger))
	}

	systemLog := logger.NewRecorder(l, logger.LevelDebug, maxSystemLog, initialSystemLog)

	opts := a.cfg.Options()
	l.SetPrefix(fmt.Sprintf("[%s] ", shortID(opts.NodeID)))
	l.Infoln(build.LongVersion)
	l.Infof("My ID is %s, my name is %q, on network %q", opts.NodeID, opts.Nick, opts.NetworkID)

	// Emit the Starting event, now that we know who we are.

	a.evLogger.Log(events.Starting, map[string]string{
		"home": a.cfg.ConfigPath(),
		"myID": opts.NodeID,
	})

	if len(a.opts.ProfilerAddr) > 0 {
		go func() {
			l.Debugln("Starting profiler on", a.opts.ProfilerAddr)
			runtime.SetBlockProfileRate(1)
			err := http.ListenAndServe(a.opts.ProfilerAddr, nil)
			if err != nil {
				l.Warnln(err)
				return
			}
		}()
	}

	// Grab the previously running version string from the database.

	miscDB := db.NewMiscDataNamespace(a.ldb)
	prevVersion, _, err := miscDB.String("prevVersion")
	if err != nil {
		l.Warnln("Database:", err)
		return err
	}
	if build.Version != prevVersion {
		if prevVersion != "" {
			l.Infoln("Detected upgrade from", prevVersion, "to", build.Version)
		}
		// Remember the new version.
		if err := miscDB.PutString("prevVersion", build.Version); err != nil {
			l.Warnln("Database:", err)
			return err
		}
	}

	// The node registry and the services feeding it

	manager := nodes.NewManager(a.cfg, a.ldb, a.evLogger)
	transfers := transfer.NewManager(a.ldb, a.evLogger)
	folders := folder.NewSet(a.cfg, manager)
	scheduler := reconnect.New(a.cfg, manager)
	req := requestor.New(a.cfg, folders, transfers, peerLookup(manager), a.evLogger)
	watcher := fswatcher.New(a.cfg, folders, a.ldb, a.evLogger)

	manager.SetReconnector(scheduler)
	manager.SetTransferManager(transfers)
	manager.AddMessageListener(transfers)
	manager.AddMessageListener(req)
	manager.AddConnectListener(req)
	req.SetBroadcaster(manager)
	transfers.SetFileIgnorer(watcher)
	transfers.SetLocalIndex(folders)
	watcher.OnScanned(req.AnnounceLocalChange)
	folders.OnChange(func(f *folder.Local) {
		if f.IsStarted() {
			req.TriggerFileRequesting(f.ID())
		}
	})
	a.nodes = manager

	a.mainService.Add(manager)
	a.mainService.Add(folders)
	a.mainService.Add(scheduler)
	a.mainService.Add(req)
	a.mainService.Add(watcher)
	a.mainService.Add(memmon.New(a.cfg, a.evLogger))

	// API

	a.mainService.Add(api.New(a.cfg, manager, folders, transfers, a.ldb, systemLog))

	a.evLogger.Log(events.StartupComplete, map[string]string{
		"myID": opts.NodeID,
	})

	return nil
}

// peerLookup gives the requestor the completely connected members.
func peerLookup(manager *nodes.Manager) requestor.PeerLookup {
	return func(id string) (requestor.Peer, bool) {
		m := manager.Node(id)
		if m == nil || m.IsMySelf() || !m.IsCompletelyConnected() {
			return nil, false
		}
		return m, true
	}
}

// Nodes returns the node registry once the app has been started.
func (a *App) Nodes() *nodes.Manager {
	return a.nodes
}

func (a *App) wait(errChan <-chan error) {
	err := <-errChan
	a.handleMainServiceError(err)

	done := make(chan struct{})
	go func() {
		a.ldb.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		l.Warnln("Database failed to stop within 10s")
	}

	l.Infoln("Exiting")

	close(a.stopped)
}

func (a *App) handleMainServiceError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatalErr *svcutil.FatalErr
	if errors.As(err, &fatalErr) {
		a.exitStatus = fatalErr.Status
		a.err = fatalErr.Err
		return
	}
	a.err = err
	a.exitStatus = svcutil.ExitError
}

// Wait blocks until the app stops running. Also returns if the app hasn't been
// started yet.
func (a *App) Wait() svcutil.ExitStatus {
	<-a.stopped
	return a.exitStatus
}

// Error returns an error if one occurred while running the app. It does not wait
// for the app to stop before returning.
func (a *App) Error() error {
	select {
	case <-a.stopped:
		return a.err
	default:
	}
	return nil
}

// Stop stops the app and sets its exit status to given reason, unless the app
// was already stopped before. In any case it returns the effective exit status.
func (a *App) Stop(stopReason svcutil.ExitStatus) svcutil.ExitStatus {
	return a.stopWithErr(stopReason, nil)
}

func (a *App) stopWithErr(stopReason svcutil.ExitStatus, err error) svcutil.ExitStatus {
	a.stopOnce.Do(func() {
		a.exitStatus = stopReason
		a.err = err
		if shouldDebug() {
			l.Debugln("Services before stop:")
			printServiceTree(os.Stdout, a.mainService, 0)
		}
		a.mainServiceCancel()
	})
	<-a.stopped
	return a.exitStatus
}

func shortID(id string) string {
	if len(id) > 5 {
		return id[:5]
	}
	return id
}

type supervisor interface{ Services() []suture.Service }

func printServiceTree(w io.Writer, sup supervisor, level int) {
	printService(w, sup, level)

	svcs := sup.Services()
	sort.Slice(svcs, func(a, b int) bool {
		return fmt.Sprint(svcs[a]) < fmt.Sprint(svcs[b])
	})

	for _, svc := range svcs {
		if sub, ok := svc.(supervisor); ok {
			printServiceTree(w, sub, level+1)
		} else {
			printService(w, svc, level+1)
		}
	}
}

func printService(w io.Writer, svc interface{}, level int) {
	type errorer interface{ Error() error }

	t := "-"
	if _, ok := svc.(supervisor); ok {
		t = "+"
	}
	fmt.Fprintln(w, strings.Repeat("  ", level), t, svc)
	if es, ok := svc.(errorer); ok {
		if err := es.Error(); err != nil {
			fmt.Fprintln(w, strings.Repeat("  ", level), "  ->", err)
		}
	}
}
