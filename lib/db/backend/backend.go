// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package backend

import (
	"sync"
)

// The Reader interface specifies the read-only operations available on the
// main database and on read-only transactions (snapshots).
type Reader interface {
	Get(key []byte) ([]byte, error)
	NewPrefixIterator(prefix []byte) (Iterator, error)
}

// The Writer interface specifies the mutating operations available on the
// main database and on writable transactions.
type Writer interface {
	Put(key, val []byte) error
	Delete(key []byte) error
}

// The ReadTransaction interface specifies the operations on read-only
// transactions. Every ReadTransaction must be Released when no longer
// required.
type ReadTransaction interface {
	Reader
	Release()
}

// The WriteTransaction interface specifies the operations on writable
// transactions. Every WriteTransaction must be either Committed or Released
// (i.e., discarded) when no longer required. It is fine to Release an
// already Committed transaction.
type WriteTransaction interface {
	ReadTransaction
	Writer
	Commit() error
}

// The Iterator interface specifies the operations available on iterators
// returned by NewPrefixIterator.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

type Backend interface {
	Reader
	Writer
	NewReadTransaction() (ReadTransaction, error)
	NewWriteTransaction() (WriteTransaction, error)
	Close() error
}

func Open(path string) (Backend, error) {
	return OpenLevelDB(path)
}

func OpenMemory() Backend {
	return OpenLevelDBMemory()
}

type errClosedType struct{}

func (errClosedType) Error() string { return "database is closed" }

type errNotFoundType struct{}

func (errNotFoundType) Error() string { return "key not found" }

var (
	errClosed   = errClosedType{}
	errNotFound = errNotFoundType{}
)

func IsClosed(err error) bool {
	_, ok := err.(errClosedType)
	return ok
}

func IsNotFound(err error) bool {
	_, ok := err.(errNotFoundType)
	return ok
}

// closeWaitGroup tracks open transactions, so that Close can wait for
// them and new ones are refused once closing has started.
type closeWaitGroup struct {
	sync.WaitGroup
	closed   bool
	closeMut sync.RWMutex
}

func (cg *closeWaitGroup) Add(i int) error {
	cg.closeMut.RLock()
	defer cg.closeMut.RUnlock()
	if cg.closed {
		return errClosed
	}
	cg.WaitGroup.Add(i)
	return nil
}

func (cg *closeWaitGroup) CloseWait() {
	cg.closeMut.Lock()
	cg.closed = true
	cg.closeMut.Unlock()
	cg.WaitGroup.Wait()
}

// releaser manages counting on top of a waitgroup
type releaser struct {
	wg   *closeWaitGroup
	once *sync.Once
}

func newReleaser(wg *closeWaitGroup) (*releaser, error) {
	if err := wg.Add(1); err != nil {
		return nil, err
	}
	return &releaser{
		wg:   wg,
		once: new(sync.Once),
	}, nil
}

func (r releaser) Release() {
	// We use the Once because we may get called multiple times from
	// Commit() and deferred Release().
	r.once.Do(func() {
		r.wg.Done()
	})
}
