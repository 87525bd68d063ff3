// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/dso"
	"go.opentelemetry.io/remote-unwinder/libpf/xsync"
)

func newTestDso(t *testing.T, reg *dso.Registry, path string) *dso.Dso {
	t.Helper()
	d, err := reg.FindOrCreate(path)
	require.NoError(t, err)
	return d
}

func TestMapTranslation(t *testing.T) {
	reg := dso.NewRegistry(xsync.Concurrent)
	defer reg.Purge()
	d := newTestDso(t, reg, "/usr/bin/app")
	defer d.Put()

	m := New(0x401000, 0x402000, 0x1000, d)
	defer m.Put()

	tests := map[string]struct {
		ip   uint64
		rip  uint64
		cont bool
	}{
		"start":     {ip: 0x401000, rip: 0x1000, cont: true},
		"inside":    {ip: 0x401234, rip: 0x1234, cont: true},
		"last byte": {ip: 0x401fff, rip: 0x1fff, cont: true},
		"end":       {ip: 0x402000, rip: 0x2000},
		"below":     {ip: 0x400fff, rip: 0xfff},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.rip, m.MapIP(tc.ip))
			assert.Equal(t, tc.ip, m.UnmapIP(tc.rip))
			assert.Equal(t, tc.cont, m.Contains(tc.ip))
		})
	}
}

func TestMapReleasesDso(t *testing.T) {
	reg := dso.NewRegistry(xsync.Concurrent)
	d := newTestDso(t, reg, "/usr/lib/libz.so.1")

	m := New(0x1000, 0x2000, 0, d)
	assert.Equal(t, 3, d.Refs())
	d.Put()

	m.Get()
	m.Put()
	assert.Equal(t, 2, d.Refs())
	m.Put()
	assert.Equal(t, 1, d.Refs())
	assert.Panics(t, m.Put)

	reg.Purge()
	assert.Zero(t, d.Refs())
}

func TestTableFind(t *testing.T) {
	reg := dso.NewRegistry(xsync.Concurrent)
	defer reg.Purge()
	libc := newTestDso(t, reg, "/lib/libc.so.6")
	app := newTestDso(t, reg, "/bin/app")

	table := NewTable(xsync.Concurrent)
	table.Insert(New(0x7f0000001000, 0x7f0000005000, 0x1000, libc))
	table.Insert(New(0x400000, 0x401000, 0, app))
	table.Insert(New(0x401000, 0x408000, 0x1000, app))
	libc.Put()
	app.Put()

	tests := map[string]struct {
		ip    uint64
		start uint64
		found bool
	}{
		"first byte":  {ip: 0x400000, start: 0x400000, found: true},
		"adjacent":    {ip: 0x401000, start: 0x401000, found: true},
		"last":        {ip: 0x407fff, start: 0x401000, found: true},
		"end":         {ip: 0x408000},
		"gap":         {ip: 0x500000},
		"below all":   {ip: 0x1000},
		"shared lib":  {ip: 0x7f0000004ff8, start: 0x7f0000001000, found: true},
		"above all":   {ip: 0x7f0000005000},
		"zero":        {ip: 0},
		"max address": {ip: ^uint64(0)},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := table.Find(tc.ip)
			if !tc.found {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			defer m.Put()
			assert.Equal(t, tc.start, m.Start)
		})
	}

	assert.Equal(t, 3, table.Len())
	table.Put()
	assert.True(t, table.Empty())
}

func TestTableSameStartKeepsInsertionOrder(t *testing.T) {
	reg := dso.NewRegistry(xsync.SingleThreaded)
	defer reg.Purge()
	a := newTestDso(t, reg, "/a/liba.so")
	b := newTestDso(t, reg, "/b/libb.so")
	defer a.Put()
	defer b.Put()

	table := NewTable(xsync.SingleThreaded)
	defer table.Put()
	table.Insert(New(0x1000, 0x3000, 0, a))
	table.Insert(New(0x1000, 0x2000, 0, b))

	// Overlaps are not reconciled: the newest map of a start address is checked.
	m := table.Find(0x1800)
	require.NotNil(t, m)
	assert.Equal(t, "/b/libb.so", m.Dso().LongName())
	m.Put()
	assert.Nil(t, table.Find(0x2800))
	assert.Equal(t, 2, table.Len())
}

func TestTableEnumeration(t *testing.T) {
	reg := dso.NewRegistry(xsync.Concurrent)
	defer reg.Purge()
	d := newTestDso(t, reg, "/bin/enum")
	defer d.Put()

	table := NewTable(xsync.Concurrent)
	defer table.Put()
	for _, start := range []uint64{0x3000, 0x1000, 0x2000} {
		table.Insert(New(start, start+0x1000, 0, d))
	}

	var ordered []uint64
	for m := table.First(); m != nil; {
		ordered = append(ordered, m.Start)
		next := table.Next(m)
		m.Put()
		m = next
	}
	assert.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, ordered)

	var inserted []uint64
	require.NoError(t, table.Walk(func(m *Map) error {
		inserted = append(inserted, m.Start)
		return nil
	}))
	assert.Equal(t, []uint64{0x3000, 0x1000, 0x2000}, inserted)

	errStop := errors.New("stop")
	calls := 0
	err := table.Walk(func(*Map) error {
		calls++
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls)
}

func TestTableReleaseDropsAllReferences(t *testing.T) {
	reg := dso.NewRegistry(xsync.Concurrent)
	d := newTestDso(t, reg, "/bin/leak")

	table := NewTable(xsync.Concurrent)
	table.Insert(New(0x1000, 0x2000, 0, d))
	table.Insert(New(0x2000, 0x3000, 0x1000, d))
	d.Put()
	assert.Equal(t, 3, d.Refs())

	shared := table.Get()
	shared.Put()
	assert.Equal(t, 2, table.Len())

	table.Put()
	assert.Zero(t, table.Len())
	assert.Equal(t, 1, d.Refs())

	reg.Purge()
	assert.Zero(t, reg.Len())
	assert.Zero(t, d.Refs())
}
