// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import (
	"fmt"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/nopanicslicereader"
)

// tableEntrySize is the size of one (start, fde) pair with the datarel sdata4 encoding.
const tableEntrySize = 8

// SearchTable looks up ip in the binary search table described by t and returns the
// parsed FDE covering it. Table entries and the FDE are read from the target with mem.
// Parsed CIEs are kept in cies, which may be nil.
func SearchTable(mem Memory, ip uint64, t TableInfo, cies *CIECache) (ProcInfo, error) {
	if t.TableEnc != EncTableDataRelSData4 {
		return ProcInfo{}, fmt.Errorf("search table encoding %#02x: %w",
			t.TableEnc, libpf.ErrUnsupported)
	}
	if t.FDECount == 0 {
		return ProcInfo{}, fmt.Errorf("empty search table at %#x: %w",
			t.Table, libpf.ErrNotFound)
	}
	if t.FDECount > (^uint64(0)-t.Table)/tableEntrySize {
		return ProcInfo{}, fmt.Errorf("search table at %#x with %d entries wraps: %w",
			t.Table, t.FDECount, libpf.ErrProtocol)
	}

	entry := func(i uint64) (start, fde uint64, err error) {
		var buf [tableEntrySize]byte
		if err = readMem(mem, t.Table+i*tableEntrySize, buf[:]); err != nil {
			return 0, 0, err
		}
		start = t.Segbase + uint64(int64(nopanicslicereader.Int32(buf[:], 0)))
		fde = t.Segbase + uint64(int64(nopanicslicereader.Int32(buf[:], 4)))
		return start, fde, nil
	}

	// Find the first entry starting above ip, the candidate is the one before it.
	lo, hi := uint64(0), t.FDECount
	for lo < hi {
		mid := lo + (hi-lo)/2
		start, _, err := entry(mid)
		if err != nil {
			return ProcInfo{}, err
		}
		if start <= ip {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return ProcInfo{}, fmt.Errorf("no FDE for %#x: %w", ip, libpf.ErrNotFound)
	}

	_, fde, err := entry(lo - 1)
	if err != nil {
		return ProcInfo{}, err
	}
	pi, err := parseFDE(mem, fde, cies)
	if err != nil {
		return ProcInfo{}, fmt.Errorf("FDE %#x for %#x: %w", fde, ip, err)
	}
	if !pi.Contains(ip) {
		return ProcInfo{}, fmt.Errorf("no FDE for %#x, nearest %#x-%#x: %w",
			ip, pi.StartIP, pi.EndIP, libpf.ErrNotFound)
	}
	return pi, nil
}
