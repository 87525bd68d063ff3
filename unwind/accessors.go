// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "go.opentelemetry.io/remote-unwinder/unwind"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/mapping"
	"go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"
	"go.opentelemetry.io/remote-unwinder/nopanicslicereader"
	"go.opentelemetry.io/remote-unwinder/snapshot"
)

const wordSize = 8

// accessors serves the CFI engine from one Snapshot: registers and stack memory come
// from the capture, all other memory from the files backing the thread's mappings.
type accessors struct {
	snap  *snapshot.Snapshot
	stack []byte
	th    *machine.Thread
	as    *AddressSpace
}

var _ dwarfcfi.Accessors = &accessors{}

func newAccessors(snap *snapshot.Snapshot, th *machine.Thread, as *AddressSpace) *accessors {
	return &accessors{
		snap:  snap,
		stack: snap.Stack(),
		th:    th,
		as:    as,
	}
}

// readMapWord reads the word at addr from the file backing m. The address does not
// need to be inside m; it is translated with the load bias of m.
func readMapWord(m *mapping.Map, addr uint64, val *uint64) error {
	var buf [wordSize]byte
	n, err := m.Dso().ReadAt(buf[:], int64(m.MapIP(addr)))
	if n == wordSize {
		*val = binary.LittleEndian.Uint64(buf[:])
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%#x beyond end of %s: %w", addr, m.Dso().LongName(),
			libpf.ErrNotFound)
	}
	return fmt.Errorf("%#x in %s: %w", addr, m.Dso().LongName(), err)
}

// AccessMem reads from the captured stack if the whole word is inside it, otherwise
// from the mapping containing addr.
func (a *accessors) AccessMem(addr uint64, val *uint64, write bool) error {
	if write {
		return fmt.Errorf("write to %#x: %w", addr, libpf.ErrUnsupported)
	}
	if addr+wordSize < addr {
		return fmt.Errorf("read at %#x wraps: %w", addr, libpf.ErrProtocol)
	}

	sp := a.snap.Regs.SP
	if addr >= sp {
		if v, ok := nopanicslicereader.Uint64Checked(a.stack, addr-sp); ok {
			*val = v
			return nil
		}
	}

	m := a.th.FindMap(addr)
	if m == nil {
		return fmt.Errorf("no mapping for %#x: %w", addr, libpf.ErrNotFound)
	}
	defer m.Put()
	return readMapWord(m, addr, val)
}

// FindProcInfo searches the .eh_frame_hdr table of the file mapped at ip.
func (a *accessors) FindProcInfo(ip uint64) (dwarfcfi.ProcInfo, error) {
	if pi, ok := a.as.procs.Get(ip); ok {
		return pi, nil
	}

	m := a.th.FindMap(ip)
	if m == nil {
		return dwarfcfi.ProcInfo{}, fmt.Errorf("no mapping for %#x: %w", ip,
			libpf.ErrNotFound)
	}
	defer m.Put()

	table, err := a.as.table(m.Dso())
	if err != nil {
		return dwarfcfi.ProcInfo{}, notFound(ip, err)
	}
	table.Segbase = m.UnmapIP(table.Segbase)
	table.Table = m.UnmapIP(table.Table)

	// The table usually lives in a segment that is not mapped executable, so it is
	// read from the file of the mapping containing ip.
	pi, err := dwarfcfi.SearchTable(mapMemory{m}, ip, table, a.as.cies)
	if err != nil {
		return dwarfcfi.ProcInfo{}, notFound(ip, err)
	}
	a.as.procs.Add(ip, pi)
	return pi, nil
}

func notFound(ip uint64, err error) error {
	if errors.Is(err, libpf.ErrNotFound) {
		return fmt.Errorf("unwind info for %#x: %w", ip, err)
	}
	return fmt.Errorf("unwind info for %#x: %w: %w", ip, libpf.ErrNotFound, err)
}

// AccessReg reads the captured value of a DWARF register. Writes are ignored.
func (a *accessors) AccessReg(reg dwarfcfi.Reg, val *uint64, write bool) error {
	if write {
		return nil
	}
	regs := &a.snap.Regs
	switch reg {
	case dwarfcfi.RegRAX:
		*val = regs.AX
	case dwarfcfi.RegRDX:
		*val = regs.DX
	case dwarfcfi.RegRCX:
		*val = regs.CX
	case dwarfcfi.RegRBX:
		*val = regs.BX
	case dwarfcfi.RegRSI:
		*val = regs.SI
	case dwarfcfi.RegRDI:
		*val = regs.DI
	case dwarfcfi.RegRBP:
		*val = regs.BP
	case dwarfcfi.RegRSP:
		*val = regs.SP
	case dwarfcfi.RegR8:
		*val = regs.R8
	case dwarfcfi.RegR9:
		*val = regs.R9
	case dwarfcfi.RegR10:
		*val = regs.R10
	case dwarfcfi.RegR11:
		*val = regs.R11
	case dwarfcfi.RegR12:
		*val = regs.R12
	case dwarfcfi.RegR13:
		*val = regs.R13
	case dwarfcfi.RegR14:
		*val = regs.R14
	case dwarfcfi.RegR15:
		*val = regs.R15
	case dwarfcfi.RegRIP:
		*val = regs.IP
	default:
		return fmt.Errorf("register %v: %w", reg, libpf.ErrUnsupported)
	}
	return nil
}

func (a *accessors) AccessFPReg(reg dwarfcfi.Reg, _ *float64, _ bool) error {
	return fmt.Errorf("floating point register %v: %w", reg, libpf.ErrUnsupported)
}

func (a *accessors) Resume() error {
	return fmt.Errorf("resume: %w", libpf.ErrUnsupported)
}

func (a *accessors) GetProcName(ip uint64) (string, uint64, error) {
	return "", 0, fmt.Errorf("procedure name of %#x: %w", ip, libpf.ErrUnsupported)
}

// mapMemory reads target memory from the file of one mapping.
type mapMemory struct {
	m *mapping.Map
}

func (mm mapMemory) AccessMem(addr uint64, val *uint64, write bool) error {
	if write {
		return fmt.Errorf("write to %#x: %w", addr, libpf.ErrUnsupported)
	}
	return readMapWord(mm.m, addr, val)
}
