// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/svcutil"
	"github.com/syncthing/peercore/lib/sync"
)

// A Listener accepts incoming sockets and hands them, wrapped in a
// handler, to the accept function.
type Listener struct {
	svcutil.ServiceWithError

	cfg     *config.Wrapper
	factory *Factory
	accept  func(Handler)
	limiter *rate.Limiter

	mut   sync.RWMutex
	laddr net.Addr
}

func NewListener(cfg *config.Wrapper, factory *Factory, accept func(Handler)) *Listener {
	limit := rate.Inf
	burst := 0
	if perSec := cfg.Options().AcceptRateLimit; perSec > 0 {
		limit = rate.Limit(perSec)
		burst = perSec
	}
	t := &Listener{
		cfg:     cfg,
		factory: factory,
		accept:  accept,
		limiter: rate.NewLimiter(limit, burst),
		mut:     sync.NewRWMutex(),
	}
	t.ServiceWithError = svcutil.AsService(t.serve, t.String())
	return t
}

func (t *Listener) serve(ctx context.Context) error {
	addr := t.cfg.Options().ListenAddress
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		l.Infoln("Listen (tcp):", err)
		return err
	}
	defer listener.Close()

	// We might bind to :0, so use the port we've been given.
	t.mut.Lock()
	t.laddr = listener.Addr()
	t.mut.Unlock()
	defer func() {
		t.mut.Lock()
		t.laddr = nil
		t.mut.Unlock()
	}()

	l.Infof("TCP listener (%v) starting", listener.Addr())
	defer l.Infof("TCP listener (%v) shutting down", listener.Addr())

	acceptFailures := 0
	const maxAcceptFailures = 10

	tcpListener := listener.(*net.TCPListener)

	for {
		_ = tcpListener.SetDeadline(time.Now().Add(time.Second))
		conn, err := tcpListener.Accept()
		select {
		case <-ctx.Done():
			if err == nil {
				conn.Close()
			}
			return nil
		default:
		}
		if err != nil {
			if err, ok := err.(*net.OpError); !ok || !err.Timeout() {
				l.Warnln("Listen (tcp): Accepting connection:", err)

				acceptFailures++
				if acceptFailures > maxAcceptFailures {
					// Return to restart the listener, because something
					// seems permanently damaged.
					return err
				}

				// Slightly increased delay for each failure.
				time.Sleep(time.Duration(acceptFailures) * time.Second)
			}
			continue
		}

		acceptFailures = 0
		if !t.limiter.Allow() {
			l.Debugln("Listen (tcp): rate limited connection from", conn.RemoteAddr())
			conn.Close()
			continue
		}
		l.Debugln("Listen (tcp): connect from", conn.RemoteAddr())

		if err := setTCPOptions(conn); err != nil {
			l.Debugln("Listen (tcp): setting tcp options:", err)
		}

		t.accept(t.factory.NewDirect(conn))
	}
}

// Addr returns the bound address while the listener is running.
func (t *Listener) Addr() net.Addr {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.laddr
}

func (t *Listener) String() string {
	return "TCPListener@" + t.cfg.Options().ListenAddress
}
