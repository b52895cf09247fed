// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/syncthing/peercore/lib/protocol"
)

// directTransport carries messages as frames on a socket.
type directTransport struct {
	conn         net.Conn
	cr           *protocol.CountingReader
	cw           *protocol.CountingWriter
	writeTimeout time.Duration
}

func newDirectTransport(conn net.Conn, writeTimeout time.Duration) *directTransport {
	return &directTransport{
		conn:         conn,
		cr:           protocol.NewCountingReader(conn),
		cw:           protocol.NewCountingWriter(conn),
		writeTimeout: writeTimeout,
	}
}

func (t *directTransport) start(h *handler) {
	go t.readerLoop(h)
}

func (t *directTransport) readerLoop(h *handler) {
	for {
		msg, n, err := protocol.ReadMessage(t.cr)
		if err != nil {
			if protocol.IsRecoverable(err) {
				l.Infof("%v: dropping undecodable message: %v", h, err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = protocol.ErrClosed
			}
			h.shutdown(errors.Wrap(err, "reading"))
			return
		}
		h.receive(msg, n)
	}
}

func (t *directTransport) writeMessage(msg protocol.Message, compress bool) (int, error) {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteMessage(t.cw, msg, compress)
}

func (t *directTransport) close(error) {
	_ = t.conn.Close()
}

func (t *directTransport) remoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (*directTransport) tunneled() bool {
	return false
}

func (t *directTransport) String() string {
	return fmt.Sprintf("direct/%v", t.conn.RemoteAddr())
}
