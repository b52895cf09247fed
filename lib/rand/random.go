// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rand generates node ids, request ids and random samples from a
// ChaCha8 stream keyed by crypto/rand.
package rand

import (
	cryptoRand "crypto/rand"
	mathRand "math/rand/v2"
	"strings"
	"sync"
)

// randomCharset contains the characters that can make up a rand.String().
const randomCharset = "2345679abcdefghijkmnopqrstuvwxyzACDEFGHJKLMNPQRSTUVWXYZ"

const (
	// IDLength is the length of the strings returned by ID.
	IDLength = 22
	// MagicIDBlocks is the number of IDs concatenated into a magic id.
	MagicIDBlocks = 8
)

// lockedRand serializes access to the generator, which is not safe for
// concurrent use on its own.
type lockedRand struct {
	mut sync.Mutex
	rnd *mathRand.Rand
}

var defaultRand = newLockedRand()

func newLockedRand() *lockedRand {
	var seed [32]byte
	if _, err := cryptoRand.Read(seed[:]); err != nil {
		panic("randomness failure: " + err.Error())
	}
	return &lockedRand{rnd: mathRand.New(mathRand.NewChaCha8(seed))}
}

func (r *lockedRand) intN(n int) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.rnd.IntN(n)
}

func (r *lockedRand) uint64() uint64 {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.rnd.Uint64()
}

// String returns a random string of characters taken from randomCharset.
// Each character carries ~5.8 bits of entropy.
func String(l int) string {
	bs := make([]byte, l)
	defaultRand.mut.Lock()
	for i := range bs {
		bs[i] = randomCharset[defaultRand.rnd.IntN(len(randomCharset))]
	}
	defaultRand.mut.Unlock()
	return string(bs)
}

// ID returns a new random identifier, used for node ids and request ids.
func ID() string {
	return String(IDLength)
}

// MagicID returns the concatenation of MagicIDBlocks random IDs. It tags a
// single connection attempt during the handshake.
func MagicID() string {
	var sb strings.Builder
	sb.Grow(MagicIDBlocks * IDLength)
	for i := 0; i < MagicIDBlocks; i++ {
		sb.WriteString(ID())
	}
	return sb.String()
}

func Uint64() uint64 {
	return defaultRand.uint64()
}

// Intn returns a number in [0,n). It panics if n <= 0.
func Intn(n int) int {
	return defaultRand.intN(n)
}

// Shuffle the order of elements in slice.
func Shuffle[T any](slice []T) {
	if len(slice) < 2 {
		return
	}
	defaultRand.mut.Lock()
	defaultRand.rnd.Shuffle(len(slice), func(i, j int) {
		slice[i], slice[j] = slice[j], slice[i]
	})
	defaultRand.mut.Unlock()
}

// Sample returns up to n elements of slice picked at random without
// replacement. A non-positive n selects all elements, in random order.
func Sample[T any](slice []T, n int) []T {
	cp := make([]T, len(slice))
	copy(cp, slice)
	Shuffle(cp)
	if n > 0 && n < len(cp) {
		cp = cp[:n]
	}
	return cp
}
