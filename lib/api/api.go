// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api implements the REST interface reporting on the node registry,
// connections, folders and transfers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncthing/peercore/lib/build"
	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/db"
	"github.com/syncthing/peercore/lib/folder"
	"github.com/syncthing/peercore/lib/logger"
	"github.com/syncthing/peercore/lib/nodes"
	"github.com/syncthing/peercore/lib/protocol"
	"github.com/syncthing/peercore/lib/stats"
	"github.com/syncthing/peercore/lib/transfer"
)

// StartTime is when the process started.
var StartTime = time.Now().Truncate(time.Second)

type Service struct {
	cfg       *config.Wrapper
	nodes     *nodes.Manager
	folders   *folder.Set
	transfers *transfer.Manager
	ldb       *db.Lowlevel
	systemLog logger.Recorder

	configChanged chan struct{}
	started       chan string // only set by the tests
}

func New(cfg *config.Wrapper, nodes *nodes.Manager, folders *folder.Set, transfers *transfer.Manager, ldb *db.Lowlevel, systemLog logger.Recorder) *Service {
	return &Service{
		cfg:           cfg,
		nodes:         nodes,
		folders:       folders,
		transfers:     transfers,
		ldb:           ldb,
		systemLog:     systemLog,
		configChanged: make(chan struct{}, 1),
	}
}

func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// Marshalling might fail, in which case we should return a 500 with the
	// actual error.
	bs, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		// This Marshal() can't fail though.
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}

func (s *Service) handler() http.Handler {
	restMux := httprouter.New()

	// The GET handlers
	restMux.HandlerFunc(http.MethodGet, "/rest/connections", s.getConnections)     // -
	restMux.HandlerFunc(http.MethodGet, "/rest/folders", s.getFolders)             // -
	restMux.HandlerFunc(http.MethodGet, "/rest/nodes", s.getNodes)                 // [filter]
	restMux.Handle(http.MethodGet, "/rest/nodes/:id", s.getNode)                   // -
	restMux.HandlerFunc(http.MethodGet, "/rest/transfers", s.getTransfers)         // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/debug", s.getSystemDebug)    // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/log", s.getSystemLog)        // [since]
	restMux.HandlerFunc(http.MethodGet, "/rest/system/log.txt", s.getSystemLogTxt) // [since]
	restMux.HandlerFunc(http.MethodGet, "/rest/system/ping", restPing)             // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/status", s.getSystemStatus)  // -
	restMux.HandlerFunc(http.MethodGet, "/rest/system/version", getSystemVersion)  // -
	restMux.HandlerFunc(http.MethodGet, "/rest/noauth/health", getHealth)          // -

	// The POST handlers
	restMux.Handle(http.MethodPost, "/rest/nodes/:id/friend", s.makeFriendHandler(true))   // [message]
	restMux.Handle(http.MethodPost, "/rest/folders/:id/priority", s.postFolderPriority)    // file [priority]
	restMux.HandlerFunc(http.MethodPost, "/rest/system/debug", s.postSystemDebug)          // [enable] [disable]
	restMux.HandlerFunc(http.MethodPost, "/rest/system/pause", s.makePauseHandler(true))   // -
	restMux.HandlerFunc(http.MethodPost, "/rest/system/resume", s.makePauseHandler(false)) // -
	restMux.HandlerFunc(http.MethodPost, "/rest/system/ping", restPing)                    // -

	// The DELETE handlers
	restMux.Handle(http.MethodDelete, "/rest/nodes/:id/friend", s.makeFriendHandler(false)) // -

	// Config endpoints

	configBuilder := &configMuxBuilder{
		Router: restMux,
		cfg:    s.cfg,
	}

	configBuilder.registerConfig("/rest/config")
	configBuilder.registerConfigRequiresRestart("/rest/config/restart-required")
	configBuilder.registerFolders("/rest/config/folders")
	configBuilder.registerFolder("/rest/config/folders/:id")
	configBuilder.registerOptions("/rest/config/options")

	// The main routing handler
	mux := http.NewServeMux()
	mux.Handle("/rest/", noCacheMiddleware(metricsMiddleware(restMux)))
	mux.Handle("/metrics", promhttp.Handler())

	// Add our version and ID as a header to responses
	handler := withDetailsMiddleware(s.cfg.Options().NodeID, mux)

	if addressIsLocalhost(s.cfg.Options().APIAddress) {
		// Verify source host
		handler = localhostMiddleware(handler)
	}

	return debugMiddleware(handler)
}

func (s *Service) Serve(ctx context.Context) error {
	addr := s.cfg.Options().APIAddress
	if addr == "" {
		// Not much we can do here other than exit quickly. The supervisor
		// will log an error at some point.
		l.Debugln("no API address configured")
		<-ctx.Done()
		return nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		l.Warnln("Starting API:", err)
		return err
	}
	defer listener.Close()

	s.cfg.Subscribe(s)
	defer s.cfg.Unsubscribe(s)

	srv := http.Server{
		Handler:     s.handler(),
		ReadTimeout: 15 * time.Second,
		// Prevent the HTTP server from logging stuff on its own. The things we
		// care about we log ourselves from the handlers.
		ErrorLog: log.New(io.Discard, "", 0),
	}

	l.Infoln("API listening on", listener.Addr())
	if s.started != nil {
		select {
		case <-ctx.Done(): // Shouldn't return directly due to cleanup below
		case s.started <- listener.Addr().String():
		}
	}

	// Serve in the background

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	// Wait for stop, restart or error signals

	err = nil
	select {
	case <-ctx.Done():
		// Shutting down permanently
		l.Debugln("shutting down (stop)")
	case <-s.configChanged:
		// Soft restart due to configuration change
		l.Debugln("restarting (config changed)")
	case err = <-serveError:
		// Restart due to listen/serve failure
		l.Warnln("API:", err, "(restarting)")
	}
	// Give it a moment to shut down gracefully, e.g. if we are restarting
	// due to a config change through the API, let that finish successfully.
	timeout, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(timeout); err == timeout.Err() {
		srv.Close()
	}

	return err
}

func (s *Service) String() string {
	return fmt.Sprintf("api.Service@%p", s)
}

func (*Service) VerifyConfiguration(_, to config.Configuration) error {
	if to.Options.APIAddress == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(to.Options.APIAddress); err != nil {
		return fmt.Errorf("API address: %w", err)
	}
	return nil
}

func (s *Service) CommitConfiguration(from, to config.Configuration) bool {
	if from.Options.APIAddress == to.Options.APIAddress {
		return true
	}
	select {
	case s.configChanged <- struct{}{}:
	default:
		// We're already pending a restart
	}
	return true
}

func debugMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldDebugHTTP() {
			h.ServeHTTP(w, r)
			return
		}
		t0 := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rw, r)
		ms := 1000 * time.Since(t0).Seconds()
		l.Debugf("http: %s %q: status %d, %d bytes in %.02f ms", r.Method, r.URL.String(), rw.status, rw.written, ms)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(bs []byte) (int, error) {
	n, err := w.ResponseWriter.Write(bs)
	w.written += int64(n)
	return n, err
}

func metricsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		metricRequestSeconds.WithLabelValues(r.Method).Observe(time.Since(t0).Seconds())
	})
}

func noCacheMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=0, no-cache, no-store")
		w.Header().Set("Expires", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Pragma", "no-cache")
		h.ServeHTTP(w, r)
	})
}

func withDetailsMiddleware(id string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Peercore-Version", build.Version)
		w.Header().Set("X-Peercore-ID", id)
		h.ServeHTTP(w, r)
	})
}

func localhostMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if addressIsLocalhost(r.Host) {
			h.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Host check error", http.StatusForbidden)
	})
}

func restPing(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"ping": "pong"})
}

func getHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]string{"status": "OK"})
}

func getSystemVersion(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{
		"version":     build.Version,
		"longVersion": build.LongVersion,
		"protocol":    build.ProtocolVersion,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"isRelease":   build.IsRelease,
	})
}

type nodeCounts struct {
	Known               int `json:"known"`
	Online              int `json:"online"`
	Connected           int `json:"connected"`
	Supernodes          int `json:"supernodes"`
	OnlineSupernodes    int `json:"onlineSupernodes"`
	ConnectedSupernodes int `json:"connectedSupernodes"`
	Friends             int `json:"friends"`
	OnlineFriends       int `json:"onlineFriends"`
	Acceptors           int `json:"acceptors"`
}

func (s *Service) getSystemStatus(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	opts := s.cfg.Options()
	in, out := protocol.TotalInOut()
	res := make(map[string]interface{})
	res["myID"] = opts.NodeID
	res["nick"] = opts.Nick
	res["networkID"] = opts.NetworkID
	res["supernode"] = opts.Supernode
	res["started"] = s.nodes.IsStarted()
	res["nodeListLoaded"] = s.nodes.NodeListLoaded()
	res["maxConnectionsReached"] = s.nodes.MaxConnectionsReached()
	res["paused"] = s.folders.IsPaused()
	res["goroutines"] = runtime.NumGoroutine()
	res["alloc"] = m.Alloc
	res["sys"] = m.Sys - m.HeapReleased
	res["inBytesTotal"] = in
	res["outBytesTotal"] = out
	res["uptime"] = int(time.Since(StartTime).Seconds())
	res["startTime"] = StartTime
	res["nodes"] = nodeCounts{
		Known:               s.nodes.CountNodes(),
		Online:              s.nodes.CountOnlineNodes(),
		Connected:           s.nodes.CountConnectedNodes(),
		Supernodes:          s.nodes.CountSupernodes(),
		OnlineSupernodes:    s.nodes.CountOnlineSupernodes(),
		ConnectedSupernodes: s.nodes.CountConnectedSupernodes(),
		Friends:             s.nodes.CountFriends(),
		OnlineFriends:       s.nodes.CountOnlineFriends(),
		Acceptors:           s.nodes.CountAcceptors(),
	}

	sendJSON(w, res)
}

func (s *Service) getSystemLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := time.Parse(time.RFC3339, q.Get("since"))
	if err != nil {
		l.Debugln(err)
	}
	sendJSON(w, map[string][]logger.Line{
		"messages": s.systemLog.Since(since),
	})
}

func (s *Service) getSystemLogTxt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := time.Parse(time.RFC3339, q.Get("since"))
	if err != nil {
		l.Debugln(err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	for _, line := range s.systemLog.Since(since) {
		fmt.Fprintf(w, "%s: %s\n", line.When.Format(time.RFC3339), line.Message)
	}
}

func (*Service) getSystemDebug(w http.ResponseWriter, _ *http.Request) {
	names := l.Facilities()
	enabled := l.FacilityDebugging()
	sendJSON(w, map[string]interface{}{
		"facilities": names,
		"enabled":    enabled,
	})
}

func (*Service) postSystemDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	q := r.URL.Query()
	for _, f := range strings.Split(q.Get("enable"), ",") {
		if f == "" || l.ShouldDebug(f) {
			continue
		}
		l.SetDebug(f, true)
		l.Infof("Enabled debug data for %q", f)
	}
	for _, f := range strings.Split(q.Get("disable"), ",") {
		if f == "" || !l.ShouldDebug(f) {
			continue
		}
		l.SetDebug(f, false)
		l.Infof("Disabled debug data for %q", f)
	}
}

func (s *Service) makePauseHandler(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.folders.SetPaused(paused)
		sendJSON(w, map[string]bool{"paused": s.folders.IsPaused()})
	}
}

type nodeEntry struct {
	ID                 string    `json:"id"`
	Nick               string    `json:"nick"`
	NetworkID          string    `json:"networkID"`
	ConnectAddress     string    `json:"connectAddress,omitempty"`
	Supernode          bool      `json:"supernode"`
	Friend             bool      `json:"friend"`
	MySelf             bool      `json:"mySelf,omitempty"`
	Connected          bool      `json:"connected"`
	OnLAN              bool      `json:"onLAN"`
	ConnectedToNetwork bool      `json:"connectedToNetwork"`
	LastConnect        time.Time `json:"lastConnect"`
	LastConnectAttempt time.Time `json:"lastConnectAttempt"`
}

func newNodeEntry(m *nodes.Member) nodeEntry {
	info := m.Info()
	return nodeEntry{
		ID:                 info.ID,
		Nick:               info.Nick,
		NetworkID:          info.NetworkID,
		ConnectAddress:     info.ConnectAddress,
		Supernode:          m.IsSupernode(),
		Friend:             m.IsFriend(),
		MySelf:             m.IsMySelf(),
		Connected:          m.IsCompletelyConnected(),
		OnLAN:              m.IsOnLAN(),
		ConnectedToNetwork: m.IsConnectedToNetwork(),
		LastConnect:        info.LastConnect,
		LastConnectAttempt: m.LastConnectAttempt(),
	}
}

func (s *Service) getNodes(w http.ResponseWriter, r *http.Request) {
	var members []*nodes.Member
	switch filter := r.URL.Query().Get("filter"); filter {
	case "", "all":
		members = s.nodes.Nodes()
	case "connected":
		members = s.nodes.ConnectedNodes()
	case "friends":
		members = s.nodes.Friends()
	default:
		http.Error(w, fmt.Sprintf("unknown filter %q", filter), http.StatusBadRequest)
		return
	}
	res := make([]nodeEntry, 0, len(members))
	for _, m := range members {
		res = append(res, newNodeEntry(m))
	}
	sendJSON(w, res)
}

func (s *Service) member(w http.ResponseWriter, p httprouter.Params) (*nodes.Member, bool) {
	m := s.nodes.Node(p.ByName("id"))
	if m == nil {
		http.Error(w, "No node with given ID", http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func (s *Service) getNode(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	m, ok := s.member(w, p)
	if !ok {
		return
	}
	st, err := m.Statistics()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSON(w, struct {
		nodeEntry
		Statistics     stats.NodeStatistics     `json:"statistics"`
		TransferStatus *protocol.TransferStatus `json:"transferStatus,omitempty"`
	}{
		nodeEntry:      newNodeEntry(m),
		Statistics:     st,
		TransferStatus: m.LastTransferStatus(),
	})
}

func (s *Service) makeFriendHandler(friend bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		m, ok := s.member(w, p)
		if !ok {
			return
		}
		if m.IsMySelf() {
			http.Error(w, "Cannot befriend ourselves", http.StatusBadRequest)
			return
		}
		s.nodes.FriendStateChanged(m, friend, r.URL.Query().Get("message"))
		sendJSON(w, newNodeEntry(m))
	}
}

type connectionEntry struct {
	ID            string    `json:"id"`
	Nick          string    `json:"nick"`
	Address       string    `json:"address"`
	OnLAN         bool      `json:"onLAN"`
	Tunneled      bool      `json:"tunneled"`
	State         string    `json:"state"`
	TimeDeltaS    float64   `json:"timeDeltaS"`
	LastKeepalive time.Time `json:"lastKeepalive"`
}

func (s *Service) getConnections(w http.ResponseWriter, _ *http.Request) {
	in, out := protocol.TotalInOut()
	conns := make([]connectionEntry, 0)
	for _, m := range s.nodes.ConnectedNodes() {
		h := m.Peer()
		if h == nil {
			continue
		}
		conns = append(conns, connectionEntry{
			ID:            m.ID(),
			Nick:          m.Nick(),
			Address:       h.RemoteAddr(),
			OnLAN:         h.IsOnLAN(),
			Tunneled:      h.IsTunneled(),
			State:         h.State().String(),
			TimeDeltaS:    h.TimeDelta().Seconds(),
			LastKeepalive: h.LastKeepalive(),
		})
	}
	sendJSON(w, map[string]interface{}{
		"connections": conns,
		"total": map[string]int64{
			"inBytesTotal":  in,
			"outBytesTotal": out,
		},
	})
}

type folderEntry struct {
	config.FolderConfiguration
	Started        bool                   `json:"started"`
	Scanning       bool                   `json:"scanning"`
	HasOwnDatabase bool                   `json:"hasOwnDatabase"`
	Statistics     stats.FolderStatistics `json:"statistics"`
}

func (s *Service) getFolders(w http.ResponseWriter, _ *http.Request) {
	all := s.folders.All()
	res := make([]folderEntry, 0, len(all))
	for _, f := range all {
		e := folderEntry{
			FolderConfiguration: f.Config(),
			Started:             f.IsStarted(),
			Scanning:            f.IsScanning(),
			HasOwnDatabase:      f.HasOwnDatabase(),
		}
		if s.ldb != nil {
			st, err := stats.NewFolderStatisticsReference(s.ldb, f.ID()).GetStatistics()
			if err != nil {
				l.Debugf("folder %s statistics: %v", f.ID(), err)
			}
			e.Statistics = st
		}
		res = append(res, e)
	}
	sendJSON(w, res)
}

func (s *Service) postFolderPriority(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	f, ok := s.folders.Local(p.ByName("id"))
	if !ok {
		http.Error(w, "No folder with given ID", http.StatusNotFound)
		return
	}
	qs := r.URL.Query()
	file := qs.Get("file")
	if file == "" {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	prio, err := folder.ParsePriority(qs.Get("priority"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.SetPriority(file, prio)
	sendJSON(w, map[string]string{
		"file":     file,
		"priority": prio.String(),
	})
}

func (s *Service) getTransfers(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, map[string]interface{}{
		"downloads": s.transfers.Downloads(),
	})
}

func addressIsLocalhost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// There was no port, so we assume the address was just a hostname
		host = addr
	}
	host = strings.ToLower(host)
	switch {
	case host == "localhost":
		return true
	case host == "localhost.":
		return true
	case strings.HasSuffix(host, ".localhost"):
		return true
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			// not an IP address
			return false
		}
		return ip.IsLoopback()
	}
}
