// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/calmh/xdr"
	"github.com/pkg/errors"
)

const (
	// MaxMessageLen is the largest payload allowed on the wire. (64 MiB)
	MaxMessageLen = 64 << 20

	// The current framing version.
	wireVersion = 0

	frameHeaderLen = 8
)

type header struct {
	version     int
	msgType     int
	compression bool
}

func encodeHeader(h header) uint32 {
	var isComp uint32
	if h.compression {
		isComp = 1 << 0 // the zeroth bit is the compression bit
	}
	return uint32(h.version&0xf)<<28 +
		uint32(h.msgType&0xff)<<8 +
		isComp
}

func decodeHeader(u uint32) header {
	return header{
		version:     int(u>>28) & 0xf,
		msgType:     int(u>>8) & 0xff,
		compression: u&1 == 1,
	}
}

// MarshalMessage encodes the message as its type followed by the XDR
// body. This is the payload format of relayed data.
func MarshalMessage(msg Message) ([]byte, error) {
	t, err := typeOf(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+msg.XDRSize())
	binary.BigEndian.PutUint32(buf, uint32(t))
	m := &xdr.Marshaller{Data: buf[4:]}
	if err := msg.MarshalXDRInto(m); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalMessage decodes the output of MarshalMessage. All failures are
// returned as a *DecodeError.
func UnmarshalMessage(bs []byte) (Message, error) {
	if len(bs) < 4 {
		return nil, &DecodeError{Err: io.ErrUnexpectedEOF}
	}
	return unmarshalBody(MessageType(binary.BigEndian.Uint32(bs)), bs[4:])
}

func unmarshalBody(t MessageType, body []byte) (Message, error) {
	msg, err := newMessage(t)
	if err != nil {
		return nil, &DecodeError{Type: t, Err: err}
	}
	u := &xdr.Unmarshaller{Data: body}
	if err := msg.UnmarshalXDRFrom(u); err != nil {
		return nil, &DecodeError{Type: t, Err: err}
	}
	return msg, nil
}

// WriteMessage writes one framed message to w. The payload is compressed
// when compress is set and compression actually makes it smaller. The
// returned count is the number of bytes written to w.
func WriteMessage(w io.Writer, msg Message, compress bool) (int, error) {
	t, err := typeOf(msg)
	if err != nil {
		return 0, err
	}
	size := msg.XDRSize()
	if size > MaxMessageLen {
		return 0, ErrMessageTooLarge
	}

	body := make([]byte, size)
	if err := msg.MarshalXDRInto(&xdr.Marshaller{Data: body}); err != nil {
		return 0, errors.Wrapf(err, "marshalling %v", t)
	}

	hdr := header{version: wireVersion, msgType: int(t)}
	payload := body
	if compress && size >= compressionThreshold {
		if comp, err := Compress(body); err == nil {
			hdr.compression = true
			payload = comp
		}
	}

	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, encodeHeader(hdr))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)

	n, err := w.Write(buf)
	if err == nil {
		metricSentMessages.WithLabelValues(t.String()).Inc()
		metricSentUncompressedBytes.Add(float64(frameHeaderLen + size))
	}
	return n, err
}

// ReadMessage reads one framed message from r. A *DecodeError means the
// frame was consumed and the stream is still in sync; any other error
// leaves the stream unusable. The returned count is the number of bytes
// read from r.
func ReadMessage(r io.Reader) (Message, int, error) {
	var hbuf [frameHeaderLen]byte
	if n, err := io.ReadFull(r, hbuf[:]); err != nil {
		return nil, n, err
	}
	hdr := decodeHeader(binary.BigEndian.Uint32(hbuf[:]))
	if hdr.version != wireVersion {
		return nil, frameHeaderLen, errors.Wrap(ErrProtocolViolation, fmt.Sprintf("unknown frame version %d", hdr.version))
	}
	length := binary.BigEndian.Uint32(hbuf[4:])
	if length > MaxMessageLen {
		return nil, frameHeaderLen, ErrMessageTooLarge
	}

	payload := make([]byte, length)
	n, err := io.ReadFull(r, payload)
	n += frameHeaderLen
	if err != nil {
		return nil, n, err
	}

	t := MessageType(hdr.msgType)
	if hdr.compression {
		payload, err = lz4Decompress(payload)
		if err != nil {
			metricDecodeErrors.WithLabelValues(t.String()).Inc()
			return nil, n, &DecodeError{Type: t, Err: errors.Wrap(err, "decompressing message")}
		}
	}

	msg, err := unmarshalBody(t, payload)
	if err != nil {
		metricDecodeErrors.WithLabelValues(t.String()).Inc()
		return nil, n, err
	}
	metricRecvMessages.WithLabelValues(t.String()).Inc()
	return msg, n, nil
}
