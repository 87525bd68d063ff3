// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapping holds the virtual address ranges of a thread group and the binaries
// backing them.
package mapping // import "go.opentelemetry.io/remote-unwinder/mapping"

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/remote-unwinder/dso"
)

// Map is one mapped range [Start, End) of a Dso, starting at file offset Pgoff.
type Map struct {
	Start uint64
	End   uint64
	Pgoff uint64
	// Prot holds unix.PROT_* bits, Flags unix.MAP_SHARED or unix.MAP_PRIVATE.
	Prot  uint32
	Flags uint32
	Maj   uint32
	Min   uint32
	Ino   uint64

	dso  *dso.Dso
	refs atomic.Int32
	// seq orders maps sharing a start address by insertion.
	seq uint64
}

// New creates a Map over d. The Map acquires its own reference on d, which is released
// with the last Put of the Map.
func New(start, end, pgoff uint64, d *dso.Dso) *Map {
	m := &Map{
		Start: start,
		End:   end,
		Pgoff: pgoff,
		dso:   d.Get(),
	}
	m.refs.Store(1)
	return m
}

// Dso returns the backing binary. The handle is valid while the Map is held.
func (m *Map) Dso() *dso.Dso {
	return m.dso
}

// MapIP converts a virtual address into an offset in the backing file.
func (m *Map) MapIP(ip uint64) uint64 {
	return ip - m.Start + m.Pgoff
}

// UnmapIP converts an offset in the backing file into a virtual address.
func (m *Map) UnmapIP(rip uint64) uint64 {
	return rip + m.Start - m.Pgoff
}

// Contains reports whether ip lies within [Start, End).
func (m *Map) Contains(ip uint64) bool {
	return ip >= m.Start && ip < m.End
}

// Len returns the size of the range.
func (m *Map) Len() uint64 {
	return m.End - m.Start
}

// Get acquires an additional reference.
func (m *Map) Get() *Map {
	m.refs.Add(1)
	return m
}

// Put releases a reference. The last release drops the Dso reference.
func (m *Map) Put() {
	switch refs := m.refs.Add(-1); {
	case refs == 0:
		m.dso.Put()
		m.dso = nil
	case refs < 0:
		panic(fmt.Sprintf("map %#x-%#x: reference count underflow", m.Start, m.End))
	}
}

func (m *Map) String() string {
	name := "<released>"
	if m.dso != nil {
		name = m.dso.LongName()
	}
	return fmt.Sprintf("%#x-%#x %#x %s", m.Start, m.End, m.Pgoff, name)
}
