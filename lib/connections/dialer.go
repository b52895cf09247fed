// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

const dialTimeout = 10 * time.Second

// Dial connects to the address and wraps the socket in a handler. The
// handshake is not started.
func (f *Factory) Dial(ctx context.Context, addr string) (Handler, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	if err := setTCPOptions(conn); err != nil {
		l.Debugln("Dial: setting tcp options:", err)
	}
	l.Debugln("Dial: connected to", addr)
	return f.NewDirect(conn), nil
}

// setTCPOptions sets our default TCP options on a TCP connection, possibly
// wrapped in another connection type.
func setTCPOptions(conn net.Conn) error {
	switch conn := conn.(type) {
	case *net.TCPConn:
		var err error
		if err = conn.SetLinger(0); err != nil {
			return err
		}
		if err = conn.SetNoDelay(false); err != nil {
			return err
		}
		if err = conn.SetKeepAlivePeriod(60 * time.Second); err != nil {
			return err
		}
		if err = conn.SetKeepAlive(true); err != nil {
			return err
		}
		return nil
	default:
		return errors.Errorf("unknown connection type %T", conn)
	}
}
