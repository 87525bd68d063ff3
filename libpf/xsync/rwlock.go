// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/remote-unwinder/libpf/xsync"

import (
	"fmt"
	"sync"
)

// Mode selects whether a registry uses real locks or no-op locks.
type Mode uint8

const (
	// Concurrent uses real reader/writer locks. This is the zero value.
	Concurrent Mode = iota
	// SingleThreaded turns every lock operation into a no-op. Only valid when a single
	// goroutine ever touches the owning structure.
	SingleThreaded
)

func (m Mode) String() string {
	switch m {
	case Concurrent:
		return "concurrent"
	case SingleThreaded:
		return "single-threaded"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// RWMutex hides the data it protects behind RLock/WLock so that it is never accessed
// without the lock being held.
//
//	type registry struct {
//		entries xsync.RWMutex[map[string]*entry]
//	}
//
//	func (r *registry) lookup(name string) *entry {
//		entries := r.entries.RLock()
//		defer r.entries.RUnlock(&entries)
//		return (*entries)[name]
//	}
//
// The unlock functions take a reference to the pointer returned by the lock functions and
// set it to nil, so that a use after unlock crashes in tests instead of racing silently.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
	mode    Mode
}

// NewRWMutex creates a new read-write mutex in the given mode.
func NewRWMutex[T any](guarded T, mode Mode) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
		mode:    mode,
	}
}

// Mode returns the locking mode the mutex was created with.
func (mtx *RWMutex[T]) Mode() Mode {
	return mtx.mode
}

// RLock locks the mutex for reading, returning a pointer to the protected data.
//
// The caller **must not** write through the returned pointer, and must not store it
// beyond the scope of the function that took the lock.
func (mtx *RWMutex[T]) RLock() *T {
	if mtx.mode == Concurrent {
		mtx.mutex.RLock()
	}
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	if mtx.mode == Concurrent {
		mtx.mutex.RUnlock()
	}
}

// WLock locks the mutex for writing, returning a pointer to the protected data.
func (mtx *RWMutex[T]) WLock() *T {
	if mtx.mode == Concurrent {
		mtx.mutex.Lock()
	}
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	if mtx.mode == Concurrent {
		mtx.mutex.Unlock()
	}
}
