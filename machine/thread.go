// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package machine // import "go.opentelemetry.io/remote-unwinder/machine"

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/mapping"
)

// TaskCommLen is the kernel limit for thread names, including the terminating NUL.
const TaskCommLen = 16

// AddressSpace is per-thread unwinder state derived from the thread's mappings.
type AddressSpace interface {
	// Flush drops everything cached for the thread.
	Flush()
}

// Thread is one task of a thread group. All threads of a group share the Mapping Table
// of the group leader.
type Thread struct {
	tid  libpf.TID
	tgid atomic.Uint32
	refs atomic.Int32

	// maps is only replaced under the lock of the thread's shard.
	maps atomic.Pointer[mapping.Table]
	// linked is true while the thread is in the directory. Guarded by the shard lock.
	linked bool

	mu        sync.Mutex
	name      string
	addrSpace AddressSpace
}

func newThread(tgid libpf.PID, tid libpf.TID) *Thread {
	th := &Thread{tid: tid}
	th.tgid.Store(uint32(tgid))
	th.refs.Store(1)
	return th
}

// TID returns the thread ID.
func (th *Thread) TID() libpf.TID {
	return th.tid
}

// TGID returns the ID of the thread group the thread belongs to.
func (th *Thread) TGID() libpf.PID {
	return libpf.PID(th.tgid.Load())
}

// IsLeader reports whether the thread is the leader of its thread group.
func (th *Thread) IsLeader() bool {
	return th.tid.IsLeader(th.TGID())
}

// Maps returns the Mapping Table of the thread group. The table is valid while the
// thread is held.
func (th *Thread) Maps() *mapping.Table {
	return th.maps.Load()
}

// FindMap returns the map containing ip, or nil. The returned map must be released
// with Put.
func (th *Thread) FindMap(ip uint64) *mapping.Map {
	maps := th.Maps()
	if maps == nil {
		return nil
	}
	return maps.Find(ip)
}

// Name returns the last recorded thread name.
func (th *Thread) Name() string {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.name
}

// SetName records the thread name, truncated to the kernel limit. A changed name
// flushes the address space.
func (th *Thread) SetName(name string) {
	if len(name) >= TaskCommLen {
		name = name[:TaskCommLen-1]
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	if th.name == name {
		return
	}
	th.name = name
	if th.addrSpace != nil {
		th.addrSpace.Flush()
	}
}

// AddressSpace returns the thread's address space, creating it with create on first
// use. A nil create only returns an existing address space.
func (th *Thread) AddressSpace(create func() AddressSpace) AddressSpace {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.addrSpace == nil && create != nil {
		th.addrSpace = create()
	}
	return th.addrSpace
}

// Get acquires an additional reference.
func (th *Thread) Get() *Thread {
	th.refs.Add(1)
	return th
}

// Put releases a reference. The thread must be removed from the directory before its
// last reference is released.
func (th *Thread) Put() {
	switch refs := th.refs.Add(-1); {
	case refs == 0:
		th.teardown()
	case refs < 0:
		panic(fmt.Sprintf("thread %d: reference count underflow", th.tid))
	}
}

// Refs returns the current reference count.
func (th *Thread) Refs() int {
	return int(th.refs.Load())
}

func (th *Thread) teardown() {
	if th.linked {
		panic(fmt.Sprintf("thread %d/%d released while still in the directory",
			th.TGID(), th.tid))
	}
	if maps := th.maps.Swap(nil); maps != nil {
		maps.Put()
	}
	th.mu.Lock()
	if th.addrSpace != nil {
		th.addrSpace.Flush()
		th.addrSpace = nil
	}
	th.mu.Unlock()
}

func (th *Thread) String() string {
	return fmt.Sprintf("%d/%d", th.TGID(), th.tid)
}
