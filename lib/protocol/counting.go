// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"io"
	"sync/atomic"
	"time"
)

var (
	totalIncoming atomic.Int64
	totalOutgoing atomic.Int64
)

// A CountingReader counts the bytes read through it.
type CountingReader struct {
	io.Reader

	tot  atomic.Int64 // bytes
	last atomic.Int64 // unix nanos
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{Reader: r}
}

func (c *CountingReader) Read(bs []byte) (int, error) {
	n, err := c.Reader.Read(bs)
	c.tot.Add(int64(n))
	totalIncoming.Add(int64(n))
	c.last.Store(time.Now().UnixNano())
	metricRecvBytes.Add(float64(n))
	return n, err
}

func (c *CountingReader) Tot() int64 { return c.tot.Load() }

func (c *CountingReader) Last() time.Time {
	return time.Unix(0, c.last.Load())
}

// A CountingWriter counts the bytes written through it.
type CountingWriter struct {
	io.Writer

	tot  atomic.Int64 // bytes
	last atomic.Int64 // unix nanos
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{Writer: w}
}

func (c *CountingWriter) Write(bs []byte) (int, error) {
	n, err := c.Writer.Write(bs)
	c.tot.Add(int64(n))
	totalOutgoing.Add(int64(n))
	c.last.Store(time.Now().UnixNano())
	metricSentBytes.Add(float64(n))
	return n, err
}

func (c *CountingWriter) Tot() int64 { return c.tot.Load() }

func (c *CountingWriter) Last() time.Time {
	return time.Unix(0, c.last.Load())
}

// TotalInOut returns the bytes received and sent by all connections.
func TotalInOut() (int64, int64) {
	return totalIncoming.Load(), totalOutgoing.Load()
}
