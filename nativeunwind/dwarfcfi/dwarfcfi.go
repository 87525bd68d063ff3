// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfcfi walks x86-64 stacks with the Call Frame Information of .eh_frame
// sections. All target state, memory as well as registers, is reached through the
// Accessors callbacks, so the walked process does not need to be the current one.
package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import "fmt"

// Reg is a DWARF register number.
type Reg uint16

// x86-64 DWARF register numbers
// (https://refspecs.linuxbase.org/elf/x86_64-abi-0.99.pdf, page 57)
const (
	RegRAX Reg = iota
	RegRDX
	RegRCX
	RegRBX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP

	// NumRegs is the number of general purpose registers tracked by the unwinder.
	NumRegs = int(iota)
)

var regNames = [NumRegs]string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

func (r Reg) String() string {
	if int(r) < NumRegs {
		return regNames[r]
	}
	return fmt.Sprintf("?%d", uint16(r))
}

// Memory reads 8-byte words of the target address space.
type Memory interface {
	// AccessMem reads the word at addr into val. Writes are not part of the model.
	AccessMem(addr uint64, val *uint64, write bool) error
}

// Accessors is the interface through which the unwinder reaches the target.
type Accessors interface {
	Memory

	// FindProcInfo returns the unwind information of the procedure containing ip.
	FindProcInfo(ip uint64) (ProcInfo, error)
	// AccessReg reads the initial value of a general purpose register.
	AccessReg(reg Reg, val *uint64, write bool) error
	// AccessFPReg reads a floating point register.
	AccessFPReg(reg Reg, val *float64, write bool) error
	// Resume continues execution in the context of the current frame.
	Resume() error
	// GetProcName returns the name of the procedure containing ip and the offset of ip
	// within it.
	GetProcName(ip uint64) (string, uint64, error)
}

// ProcInfo is the parsed Frame Description Entry covering a procedure.
type ProcInfo struct {
	// StartIP and EndIP delimit the procedure [StartIP, EndIP).
	StartIP uint64
	EndIP   uint64
	// FDE is the address of the Frame Description Entry.
	FDE uint64
	// CIE is the Common Information Entry of the FDE.
	CIE *CIE
	// Instructions are the call frame instructions of the FDE.
	Instructions []byte

	insAddr uint64
}

// Contains reports whether ip lies within the procedure.
func (pi *ProcInfo) Contains(ip uint64) bool {
	return ip >= pi.StartIP && ip < pi.EndIP
}

// TableInfo locates an .eh_frame_hdr binary search table in the target address space.
type TableInfo struct {
	// Segbase is the address the table entries are relative to.
	Segbase uint64
	// Table is the address of the first table entry.
	Table uint64
	// FDECount is the number of table entries.
	FDECount uint64
	// TableEnc is the pointer encoding of the entries.
	TableEnc uint8
}
