// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "go.opentelemetry.io/remote-unwinder/unwind"

import (
	"fmt"

	"go.opentelemetry.io/remote-unwinder/dso"
	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/freelru"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"
)

const (
	procCacheSize  = 1024
	tableCacheSize = 64
)

// AddressSpace caches the unwind information found in the mappings of one thread.
// It is flushed when the thread's mappings are assumed to have changed.
type AddressSpace struct {
	procs  *freelru.LRU[uint64, dwarfcfi.ProcInfo]
	tables *freelru.LRU[string, dwarfcfi.TableInfo]
	cies   *dwarfcfi.CIECache
}

var _ machine.AddressSpace = &AddressSpace{}

// Statistics are the cache counters of an AddressSpace.
type Statistics struct {
	Procs  freelru.Statistics
	Tables freelru.Statistics
	CIEs   freelru.Statistics
}

// NewAddressSpace creates an empty address space.
func NewAddressSpace() (*AddressSpace, error) {
	procs, err := freelru.New[uint64, dwarfcfi.ProcInfo](procCacheSize, freelru.HashUint64)
	if err != nil {
		return nil, err
	}
	tables, err := freelru.New[string, dwarfcfi.TableInfo](tableCacheSize,
		freelru.HashString)
	if err != nil {
		return nil, err
	}
	cies, err := dwarfcfi.NewCIECache()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{procs: procs, tables: tables, cies: cies}, nil
}

// Flush drops all cached unwind information.
func (as *AddressSpace) Flush() {
	as.procs.Purge()
	as.tables.Purge()
	as.cies.Purge()
}

// Statistics returns the counters since the last call and resets them.
func (as *AddressSpace) Statistics() Statistics {
	return Statistics{
		Procs:  as.procs.GetAndResetStatistics(),
		Tables: as.tables.GetAndResetStatistics(),
		CIEs:   as.cies.Statistics(),
	}
}

func (as *AddressSpace) table(d *dso.Dso) (dwarfcfi.TableInfo, error) {
	if t, ok := as.tables.Get(d.LongName()); ok {
		return t, nil
	}
	t, err := Locate(d)
	if err != nil {
		return dwarfcfi.TableInfo{}, err
	}
	as.tables.Add(d.LongName(), t)
	return t, nil
}

// addressSpace returns the address space of th, creating it on first use.
func addressSpace(th *machine.Thread) (*AddressSpace, error) {
	var createErr error
	space := th.AddressSpace(func() machine.AddressSpace {
		as, err := NewAddressSpace()
		if err != nil {
			createErr = err
			return nil
		}
		return as
	})
	if createErr != nil {
		return nil, createErr
	}
	as, ok := space.(*AddressSpace)
	if !ok {
		return nil, fmt.Errorf("thread %v has address space %T: %w", th, space,
			libpf.ErrUnsupported)
	}
	return as, nil
}
