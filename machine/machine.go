// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package machine is the directory of traced threads. It registers the executable
// mappings of each thread group and hands out the threads the unwinder works on.
package machine // import "go.opentelemetry.io/remote-unwinder/machine"

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/dso"
	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
	"go.opentelemetry.io/remote-unwinder/mapping"
	"go.opentelemetry.io/remote-unwinder/process"
)

// DefaultShards is the number of thread directory shards used when Config.Shards is 0.
const DefaultShards = 256

const btreeDegree = 8

// Config configures a Machine.
type Config struct {
	// Shards is the number of independently locked thread directory buckets.
	Shards int
	// Mode selects real or no-op locking for every registry of the machine.
	Mode xsync.Mode
}

type shardState struct {
	threads *btree.BTreeG[*Thread]
	// lastMatch is the thread returned by the previous lookup of this shard.
	lastMatch *Thread
}

// Machine owns the thread directory and the Dso registry.
type Machine struct {
	mode   xsync.Mode
	shards []xsync.RWMutex[shardState]
	dsos   *dso.Registry
}

// New creates an empty Machine.
func New(cfg Config) *Machine {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	m := &Machine{
		mode:   cfg.Mode,
		shards: make([]xsync.RWMutex[shardState], n),
		dsos:   dso.NewRegistry(cfg.Mode),
	}
	for i := range m.shards {
		m.shards[i] = xsync.NewRWMutex(shardState{
			threads: btree.NewG(btreeDegree, func(a, b *Thread) bool { return a.tid < b.tid }),
		}, cfg.Mode)
	}
	return m
}

// Dsos returns the Dso registry of the machine.
func (m *Machine) Dsos() *dso.Registry {
	return m.dsos
}

func (m *Machine) shard(tid libpf.TID) *xsync.RWMutex[shardState] {
	return &m.shards[uint32(tid)%uint32(len(m.shards))]
}

// lookup finds tid in a locked shard and refreshes the front cache.
func lookup(state *shardState, tid libpf.TID) *Thread {
	if th := state.lastMatch; th != nil && th.tid == tid {
		return th
	}
	th, ok := state.threads.Get(&Thread{tid: tid})
	if !ok {
		return nil
	}
	state.lastMatch = th
	return th
}

// FindThread returns the thread tid. The returned thread must be released with Put.
func (m *Machine) FindThread(tid libpf.TID) (*Thread, error) {
	shard := m.shard(tid)
	state := shard.WLock()
	defer shard.WUnlock(&state)

	th := lookup(state, tid)
	if th == nil {
		return nil, fmt.Errorf("thread %d: %w", tid, libpf.ErrNotFound)
	}
	return th.Get(), nil
}

// FindOrCreateThread returns the thread tid of group tgid, creating it on a miss.
// A thread group leader owns a new Mapping Table; other threads share the table of
// their leader, which is created as well if necessary. A known thread that reports a
// different tgid is moved onto the new leader's table. The returned thread must be
// released with Put.
func (m *Machine) FindOrCreateThread(tgid libpf.PID, tid libpf.TID) (*Thread, error) {
	var leader *Thread
	if !tid.IsLeader(tgid) {
		// The leader lives in its own shard, which is locked and released first so that
		// shard locks never nest.
		var err error
		if leader, err = m.FindOrCreateThread(tgid, libpf.TID(tgid)); err != nil {
			return nil, err
		}
		defer leader.Put()
	}

	shard := m.shard(tid)
	state := shard.WLock()
	defer shard.WUnlock(&state)

	if th := lookup(state, tid); th != nil {
		updateTGID(th, tgid, leader)
		return th.Get(), nil
	}

	th := newThread(tgid, tid)
	if leader != nil {
		th.maps.Store(leader.Maps().Get())
	} else {
		th.maps.Store(mapping.NewTable(m.mode))
	}
	th.linked = true
	state.threads.ReplaceOrInsert(th)
	state.lastMatch = th
	// The directory keeps the initial reference.
	return th.Get(), nil
}

// updateTGID moves th to the group tgid. The caller holds the shard lock of th.
func updateTGID(th *Thread, tgid libpf.PID, leader *Thread) {
	if th.TGID() == tgid {
		return
	}
	log.Debugf("Thread %d moves from group %d to %d", th.tid, th.TGID(), tgid)
	th.tgid.Store(uint32(tgid))
	if leader == nil {
		// The thread became the leader and keeps its table.
		return
	}

	shared := leader.Maps()
	old := th.Maps()
	if old == shared {
		return
	}
	if old != nil {
		if !old.Empty() && old.Refs() == 1 {
			panic(fmt.Sprintf("thread %d: private mapping table with %d maps "+
				"while joining group %d", th.tid, old.Len(), tgid))
		}
		old.Put()
	}
	th.maps.Store(shared.Get())
}

// RemoveThread unlinks th from the directory and drops the directory reference. The
// caller's own reference stays valid.
func (m *Machine) RemoveThread(th *Thread) {
	shard := m.shard(th.tid)
	state := shard.WLock()
	if state.lastMatch == th {
		state.lastMatch = nil
	}
	_, removed := state.threads.Delete(th)
	th.linked = false
	shard.WUnlock(&state)

	if removed {
		th.Put()
	}
}

// NumThreads returns the number of threads in the directory.
func (m *Machine) NumThreads() int {
	n := 0
	for i := range m.shards {
		state := m.shards[i].RLock()
		n += state.threads.Len()
		m.shards[i].RUnlock(&state)
	}
	return n
}

// MmapEvent describes one mapping of a thread group.
type MmapEvent struct {
	PID     libpf.PID
	TID     libpf.TID
	Mapping process.Mapping
}

// ProcessMmap registers the mapping of ev in the Mapping Table of its thread group.
func (m *Machine) ProcessMmap(ev MmapEvent) error {
	th, err := m.FindOrCreateThread(ev.PID, ev.TID)
	if err != nil {
		return err
	}
	defer th.Put()

	d, err := m.dsos.FindOrCreate(ev.Mapping.Path)
	if err != nil {
		return fmt.Errorf("mapping %#x-%#x: %w", ev.Mapping.Start, ev.Mapping.End, err)
	}
	defer d.Put()

	mp := mapping.New(ev.Mapping.Start, ev.Mapping.End, ev.Mapping.Pgoff, d)
	mp.Prot = ev.Mapping.Prot
	mp.Flags = ev.Mapping.Flags
	mp.Maj = ev.Mapping.Maj
	mp.Min = ev.Mapping.Min
	mp.Ino = ev.Mapping.Inode
	th.Maps().Insert(mp)
	return nil
}

// ThreadMap registers every mapping parsed from a maps file for thread tid of group
// tgid and returns the number of registered mappings. Mappings that fail to register
// are logged and skipped.
func (m *Machine) ThreadMap(tgid libpf.PID, tid libpf.TID, r io.Reader,
	opts process.Options) (int, error) {
	mappings, numParseErrors, err := process.ParseMappings(r, opts)
	if err != nil {
		return 0, err
	}
	if numParseErrors > 0 {
		log.Debugf("Skipped %d malformed maps lines of %d", numParseErrors, tgid)
	}
	return m.RegisterMappings(tgid, tid, mappings), nil
}

// RegisterMappings registers mappings for thread tid of group tgid and returns the
// number of registered mappings. Mappings that fail to register are logged and
// skipped.
func (m *Machine) RegisterMappings(tgid libpf.PID, tid libpf.TID,
	mappings []process.Mapping) int {
	registered := 0
	for i := range mappings {
		err := m.ProcessMmap(MmapEvent{PID: tgid, TID: tid, Mapping: mappings[i]})
		if err != nil {
			if !errors.Is(err, libpf.ErrDuplicate) {
				log.Warnf("Failed to register mapping of %d: %v", tgid, err)
			}
			continue
		}
		registered++
	}
	return registered
}

// MappedRange is one mapped range as seen by IterateMappings.
type MappedRange struct {
	Start uint64
	End   uint64
	Pgoff uint64
	Path  string
}

// IterateMappings calls fn for every mapping of the thread group tgid in address
// order and stops at the first error.
func (m *Machine) IterateMappings(tgid libpf.PID, fn func(MappedRange) error) error {
	leader, err := m.FindThread(libpf.TID(tgid))
	if err != nil {
		return err
	}
	defer leader.Put()

	table := leader.Maps()
	for mp := table.First(); mp != nil; {
		err = fn(MappedRange{
			Start: mp.Start,
			End:   mp.End,
			Pgoff: mp.Pgoff,
			Path:  mp.Dso().LongName(),
		})
		if err != nil {
			mp.Put()
			return err
		}
		next := table.Next(mp)
		mp.Put()
		mp = next
	}
	return nil
}

// Close removes every thread from the directory and purges the Dso registry.
// Threads and Dsos still held by callers stay usable until released.
func (m *Machine) Close() {
	for i := range m.shards {
		state := m.shards[i].WLock()
		var threads []*Thread
		state.threads.Ascend(func(th *Thread) bool {
			threads = append(threads, th)
			return true
		})
		state.threads.Clear(false)
		state.lastMatch = nil
		for _, th := range threads {
			th.linked = false
		}
		m.shards[i].WUnlock(&state)

		for _, th := range threads {
			th.Put()
		}
	}
	m.dsos.Purge()
}
