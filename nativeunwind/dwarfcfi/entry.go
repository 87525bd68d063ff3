// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import (
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/freelru"
)

// Most files have a single CIE, and all FDEs use that. But multiple CIEs are needed
// in some cases.
const cieCacheSize = 256

// maxEntrySize bounds the size of a single CIE or FDE read from the target.
const maxEntrySize = 64 * 1024

// CIE describes the contents of one Common Information Entry.
type CIE struct {
	dataAlign       sleb128
	codeAlign       uleb128
	regRA           uleb128
	enc             encoding
	hasAugmentation bool
	isSignalHandler bool

	// initialState is the virtual machine state after running the CIE opcodes.
	initialState vmRegs
}

// Signal reports whether the CIE carries the 'S' augmentation of signal frames.
func (cie *CIE) Signal() bool {
	return cie.isSignalHandler
}

// CIECache caches parsed CIEs by their address in the target. Addresses are only
// meaningful within one address space.
type CIECache struct {
	cies *freelru.LRU[uint64, *CIE]
}

// NewCIECache creates an empty cache.
func NewCIECache() (*CIECache, error) {
	cies, err := freelru.New[uint64, *CIE](cieCacheSize, freelru.HashUint64)
	if err != nil {
		return nil, err
	}
	return &CIECache{cies: cies}, nil
}

// Purge drops every cached CIE.
func (c *CIECache) Purge() {
	c.cies.Purge()
}

// Len returns the number of cached CIEs.
func (c *CIECache) Len() int {
	return c.cies.Len()
}

// Statistics returns the counters since the last call and resets them.
func (c *CIECache) Statistics() freelru.Statistics {
	return c.cies.GetAndResetStatistics()
}

func (c *CIECache) get(addr uint64) (*CIE, bool) {
	if c == nil {
		return nil, false
	}
	return c.cies.Get(addr)
}

func (c *CIECache) add(addr uint64, cie *CIE) {
	if c != nil {
		c.cies.Add(addr, cie)
	}
}

// readMem copies target memory at addr into buf using aligned word reads.
func readMem(mem Memory, addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) < addr {
		return fmt.Errorf("read of %d bytes at %#x wraps: %w", len(buf), addr,
			libpf.ErrProtocol)
	}
	var word [8]byte
	for n := 0; n < len(buf); {
		cur := addr + uint64(n)
		base := cur &^ 7
		var val uint64
		if err := mem.AccessMem(base, &val, false); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(word[:], val)
		n += copy(buf[n:], word[cur-base:])
	}
	return nil
}

// loadEntry reads the CIE or FDE at addr including its length field.
func loadEntry(mem Memory, addr uint64) (reader, error) {
	var lenBuf [12]byte
	if err := readMem(mem, addr, lenBuf[:4]); err != nil {
		return reader{}, err
	}
	size := uint64(binary.LittleEndian.Uint32(lenBuf[:4])) + 4
	if size == 0xffffffff+4 {
		// 64-bit DWARF
		if err := readMem(mem, addr+4, lenBuf[4:]); err != nil {
			return reader{}, err
		}
		size = binary.LittleEndian.Uint64(lenBuf[4:]) + 12
	}
	if size > maxEntrySize || size < 4 {
		return reader{}, fmt.Errorf("CIE/FDE at %#x has invalid size %d: %w",
			addr, size, libpf.ErrProtocol)
	}
	data := make([]byte, size)
	if err := readMem(mem, addr, data); err != nil {
		return reader{}, err
	}
	return newReader(data, addr), nil
}

// parseHDR parses the common part of CIE and FDE blocks. It returns a reader over the
// entry contents and, for FDEs, the address of the CIE.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos uint64
	dlen := uint64(r.u32())
	switch {
	case dlen == 0:
		return reader{}, 0, fmt.Errorf("empty CIE/FDE at %#x: %w", r.vaddr, libpf.ErrProtocol)
	case dlen < 0xfffffff0:
		// Normal 32-bit dwarf
		idPos = r.addr()
		ciePos = uint64(r.u32())
		dlen -= 4
	case dlen == 0xffffffff:
		// 64-bit dwarf
		dlen = r.u64()
		idPos = r.addr()
		ciePos = r.u64()
		dlen -= 8
	default:
		return reader{}, 0, fmt.Errorf("unsupported initial length %#x: %w", dlen,
			libpf.ErrProtocol)
	}

	data = r.sub(dlen)
	if r.err != nil {
		return reader{}, 0, r.err
	}
	// In .eh_frame the CIE id is zero.
	isCIE := ciePos == 0
	if isCIE != expectCIE {
		return reader{}, 0, fmt.Errorf("unexpected CIE/FDE type at %#x: %w", r.vaddr,
			libpf.ErrProtocol)
	}
	if !isCIE {
		// The FDE pointer is relative to its own position.
		ciePos = idPos - ciePos
	}
	return data, ciePos, nil
}

// parseCIE reads and processes one Common Information Entry and runs its initial
// instructions.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
func (r *reader) parseCIE() (*CIE, error) {
	data, _, err := r.parseHDR(true)
	if err != nil {
		return nil, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return nil, fmt.Errorf("CIE version %d not supported: %w", ver, libpf.ErrProtocol)
	}

	cie := &CIE{enc: encFormatNative | encAdjustAbs}
	augmentation := data.str()
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields.
		data.skip(2)
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uleb128(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return nil, fmt.Errorf("too old augmentation string '%s': %w",
				augmentation, libpf.ErrProtocol)
		}
		data.uleb()
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				data.u8()
			case 'R':
				cie.enc = encoding(data.u8())
			case 'P':
				// The personality routine is not used, skip over its pointer.
				enc := encoding(data.u8()) &^ encIndirect
				data.ptr(enc)
			case 'S':
				cie.isSignalHandler = true
			default:
				return nil, fmt.Errorf("unsupported augmentation string '%s': %w",
					augmentation, libpf.ErrProtocol)
			}
		}
	}
	if data.err != nil {
		return nil, fmt.Errorf("CIE not valid after header: %w", data.err)
	}

	cie.initialState = newVMRegs(cie.regRA)
	in := interpreter{cie: cie, cur: cie.initialState}
	for data.hasData() {
		if err = in.run(&data); err != nil {
			return nil, err
		}
	}
	if data.err != nil {
		return nil, data.err
	}
	cie.initialState = in.cur
	return cie, nil
}

// parseFDE loads the FDE at addr and its CIE.
func parseFDE(mem Memory, addr uint64, cies *CIECache) (ProcInfo, error) {
	r, err := loadEntry(mem, addr)
	if err != nil {
		return ProcInfo{}, err
	}
	data, ciePos, err := r.parseHDR(false)
	if err != nil {
		return ProcInfo{}, err
	}

	cie, ok := cies.get(ciePos)
	if !ok {
		cr, err := loadEntry(mem, ciePos)
		if err != nil {
			return ProcInfo{}, fmt.Errorf("CIE %#x: %w", ciePos, err)
		}
		if cie, err = cr.parseCIE(); err != nil {
			return ProcInfo{}, fmt.Errorf("CIE %#x: %w", ciePos, err)
		}
		cies.add(ciePos, cie)
	}

	pi := ProcInfo{FDE: addr, CIE: cie}
	pi.StartIP = data.ptr(cie.enc)
	ipLen := data.ptr(cie.enc & (encFormatMask | encSignedMask))
	if cie.hasAugmentation {
		data.skip(int(data.uleb()))
	}
	if data.err != nil {
		return ProcInfo{}, fmt.Errorf("FDE %#x not valid after header: %w", addr, data.err)
	}
	pi.EndIP = pi.StartIP + ipLen
	pi.insAddr = data.addr()
	pi.Instructions = data.data[data.pos:]
	return pi, nil
}
