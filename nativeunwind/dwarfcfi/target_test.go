// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/testsupport"
)

const (
	testImageBase = 0x400000
	testStackBase = 0x7ffe0000
)

// testTarget is an Accessors implementation over an ELF image mapped at
// testImageBase and a stack at testStackBase.
type testTarget struct {
	image []byte
	stack []uint64
	regs  [NumRegs]uint64
	table TableInfo
	cies  *CIECache
	reads int
	// lookups counts FindProcInfo calls.
	lookups int
}

func newTestTarget(t *testing.T, img testsupport.UnwindImage) *testTarget {
	t.Helper()
	image := img.Build()
	hdr, err := ParseHeader(bytes.NewReader(image), testsupport.UnwindImageHdrOffset)
	require.NoError(t, err)
	cies, err := NewCIECache()
	require.NoError(t, err)

	tt := &testTarget{
		image: image,
		stack: make([]uint64, 64),
		table: TableInfo{
			Segbase:  testImageBase + hdr.SegbaseOffset,
			Table:    testImageBase + hdr.TableOffset,
			FDECount: hdr.FDECount,
			TableEnc: hdr.TableEnc,
		},
		cies: cies,
	}
	tt.regs[RegRSP] = testStackBase
	return tt
}

func (tt *testTarget) AccessMem(addr uint64, val *uint64, write bool) error {
	tt.reads++
	if write {
		return libpf.ErrUnsupported
	}
	if addr >= testStackBase && addr+8 <= testStackBase+8*uint64(len(tt.stack)) &&
		addr%8 == 0 {
		*val = tt.stack[(addr-testStackBase)/8]
		return nil
	}
	if addr >= testImageBase && addr+8 <= testImageBase+uint64(len(tt.image)) {
		off := addr - testImageBase
		*val = binary.LittleEndian.Uint64(tt.image[off:])
		return nil
	}
	return fmt.Errorf("address %#x: %w", addr, libpf.ErrNotFound)
}

func (tt *testTarget) FindProcInfo(ip uint64) (ProcInfo, error) {
	tt.lookups++
	return SearchTable(tt, ip, tt.table, tt.cies)
}

func (tt *testTarget) AccessReg(reg Reg, val *uint64, _ bool) error {
	if int(reg) >= NumRegs {
		return libpf.ErrUnsupported
	}
	*val = tt.regs[reg]
	return nil
}

func (tt *testTarget) AccessFPReg(Reg, *float64, bool) error {
	return libpf.ErrUnsupported
}

func (tt *testTarget) Resume() error {
	return libpf.ErrUnsupported
}

func (tt *testTarget) GetProcName(uint64) (string, uint64, error) {
	return "", 0, libpf.ErrUnsupported
}

// setStack stores val at the stack address addr.
func (tt *testTarget) setStack(addr, val uint64) {
	tt.stack[(addr-testStackBase)/8] = val
}

// textVA returns the virtual address of offset off within .text.
func textVA(off uint64) uint64 {
	return testImageBase + testsupport.UnwindImageTextOffset + off
}
