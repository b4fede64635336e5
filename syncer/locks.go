// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"sync"

	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// entryLocks is a keyed mutex: one lock per entry, created on demand
// and dropped when the last holder releases it.
type entryLocks struct {
	mu    sync.Mutex
	locks map[ref.EntryID]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newEntryLocks() *entryLocks {
	return &entryLocks{locks: make(map[ref.EntryID]*entryLock)}
}

// Lock acquires the entry's lock and returns its release function.
func (l *entryLocks) Lock(entry ref.EntryID) func() {
	l.mu.Lock()
	lock, exists := l.locks[entry]
	if !exists {
		lock = &entryLock{}
		l.locks[entry] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, entry)
		}
		l.mu.Unlock()
	}
}
