// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mapping // import "go.opentelemetry.io/remote-unwinder/mapping"

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/btree"

	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
)

const btreeDegree = 16

func mapLess(a, b *Map) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.seq < b.seq
}

type tableState struct {
	byStart *btree.BTreeG[*Map]
	// order lists the maps in insertion order.
	order []*Map
	seq   uint64
}

// Table is the set of Maps of one thread group, shared by all of its threads.
// Ranges are not checked for overlap.
type Table struct {
	refs  atomic.Int32
	state xsync.RWMutex[tableState]
}

// NewTable creates an empty table holding one reference.
func NewTable(mode xsync.Mode) *Table {
	t := &Table{
		state: xsync.NewRWMutex(tableState{
			byStart: btree.NewG(btreeDegree, mapLess),
		}, mode),
	}
	t.refs.Store(1)
	return t
}

// Insert adds m to the table, which takes over the caller's reference.
func (t *Table) Insert(m *Map) {
	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	state.seq++
	m.seq = state.seq
	state.byStart.ReplaceOrInsert(m)
	state.order = append(state.order, m)
}

// Find returns the Map containing ip, or nil. Of several maps starting at the same
// address the most recently inserted one is checked. The returned Map must be
// released with Put.
func (t *Table) Find(ip uint64) *Map {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	var found *Map
	state.byStart.DescendLessOrEqual(&Map{Start: ip, seq: math.MaxUint64},
		func(m *Map) bool {
			if m.Contains(ip) {
				found = m.Get()
			}
			return false
		})
	return found
}

// First returns the Map with the lowest start address, or nil if the table is empty.
// The returned Map must be released with Put.
func (t *Table) First() *Map {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	m, ok := state.byStart.Min()
	if !ok {
		return nil
	}
	return m.Get()
}

// Next returns the Map following m in address order, or nil. The returned Map must be
// released with Put; m itself stays held by the caller.
func (t *Table) Next(m *Map) *Map {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	var next *Map
	state.byStart.AscendGreaterOrEqual(m, func(item *Map) bool {
		if item == m {
			return true
		}
		next = item.Get()
		return false
	})
	return next
}

// Walk calls fn for every Map in insertion order and stops at the first error.
// fn must not modify the table.
func (t *Table) Walk(fn func(*Map) error) error {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	for _, m := range state.order {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of Maps.
func (t *Table) Len() int {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)
	return len(state.order)
}

// Empty reports whether the table holds no Map.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Get acquires an additional reference.
func (t *Table) Get() *Table {
	t.refs.Add(1)
	return t
}

// Put releases a reference. The last release removes and releases every Map.
func (t *Table) Put() {
	switch refs := t.refs.Add(-1); {
	case refs == 0:
		t.purge()
	case refs < 0:
		panic("mapping table: reference count underflow")
	}
}

// Refs returns the current reference count.
func (t *Table) Refs() int {
	return int(t.refs.Load())
}

func (t *Table) purge() {
	state := t.state.WLock()
	maps := state.order
	state.order = nil
	state.byStart.Clear(false)
	t.state.WUnlock(&state)

	for _, m := range maps {
		m.Put()
	}
}

func (t *Table) String() string {
	return fmt.Sprintf("mapping table (%d maps, %d refs)", t.Len(), t.Refs())
}
