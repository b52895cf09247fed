// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/binary"

	lz4 "github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Payloads smaller than this are never compressed.
const compressionThreshold = 128

var (
	errNotCompressible = errors.New("not compressible")
	errShortBlock      = errors.New("compressed block too short")
)

// Compress returns src as an lz4 block prefixed by the uncompressed size.
// It fails with errNotCompressible when compression would not help.
func Compress(src []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	n, err := lz4Compress(src, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decompress reverses Compress.
func Decompress(src []byte) ([]byte, error) {
	return lz4Decompress(src)
}

func lz4Compress(src, buf []byte) (int, error) {
	n, err := lz4.CompressBlock(src, buf[4:], nil)
	if err != nil {
		return -1, err
	} else if n == 0 || n+4 >= len(src) {
		return -1, errNotCompressible
	}

	// The compressed block is prefixed by the size of the uncompressed data.
	binary.BigEndian.PutUint32(buf, uint32(len(src)))

	return n + 4, nil
}

func lz4Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, errShortBlock
	}
	size := binary.BigEndian.Uint32(src)
	if size > MaxMessageLen {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, size)

	n, err := lz4.UncompressBlock(src[4:], buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}
