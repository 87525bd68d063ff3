// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// uleb128 is the data type for unsigned little endian base-128 encoded number
type uleb128 uint64

// sleb128 is the data type for signed little endian base-128 encoded number
type sleb128 int64

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustDataRel encoding = 0x30
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// EncTableDataRelSData4 is the only supported search table encoding: signed 4-byte
// values relative to the start of .eh_frame_hdr.
const EncTableDataRelSData4 = uint8(encAdjustDataRel | encSignedMask | encFormatData4)

// reader decodes DWARF data from a byte slice that was loaded from address vaddr.
// The first decoding error is kept in err; reads after it return zero values.
type reader struct {
	data  []byte
	pos   int
	vaddr uint64
	// datarel is the base of data relative pointers.
	datarel uint64
	err     error
}

func newReader(data []byte, vaddr uint64) reader {
	return reader{data: data, vaddr: vaddr}
}

// hasData checks if there is data left to decode
func (r *reader) hasData() bool {
	return r.err == nil && r.pos < len(r.data)
}

// addr returns the target address of the current position.
func (r *reader) addr() uint64 {
	return r.vaddr + uint64(r.pos)
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s at %#x: %w", fmt.Sprintf(format, args...), r.addr(),
			libpf.ErrProtocol)
	}
}

// take returns the next n bytes, or nil if the data ends before.
func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.pos {
		r.fail("read of %d bytes beyond end", n)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) skip(n int) {
	r.take(n)
}

// u8 reads one unsigned byte.
func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// u16 reads one unsigned word.
func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// u32 reads one unsigned word.
func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// u64 reads one unsigned word.
func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// uleb reads one unsigned little endian base-128 encoded value
func (r *reader) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0 && r.err == nil; shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= uleb128(b&0x7f) << shift
		}
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value
func (r *reader) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0 && r.err == nil; shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= sleb128(b&0x7f) << shift
		}
	}
	if b&0x40 != 0 && shift < 64 {
		// Sign extend
		val |= sleb128(-1) << shift
	}
	return val
}

// str reads one zero-terminated string value.
func (r *reader) str() string {
	if r.err != nil {
		return ""
	}
	n := bytes.IndexByte(r.data[r.pos:], 0)
	if n < 0 {
		r.fail("unterminated string")
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n + 1
	return s
}

// sub returns a reader over the next n bytes and advances past them.
func (r *reader) sub(n uint64) reader {
	if n > uint64(len(r.data)-r.pos) {
		r.fail("block of %d bytes beyond end", n)
		return reader{err: r.err}
	}
	start := r.addr()
	b := r.take(int(n))
	return reader{data: b, vaddr: start, datarel: r.datarel}
}

// ptr reads one pointer value encoded with enc encoding
func (r *reader) ptr(enc encoding) uint64 {
	if enc == encOmit {
		return 0
	}
	pos := r.addr()
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatNative, encFormatData8, encFormatData8 | encSignedMask,
		encFormatNative | encSignedMask:
		val = r.u64()
	case encFormatLeb128:
		val = uint64(r.uleb())
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		r.fail("unsupported format encoding %#02x", uint8(enc))
		return 0
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos
	case encAdjustDataRel:
		val += r.datarel
	default:
		r.fail("unsupported adjust encoding %#02x", uint8(enc))
		return 0
	}

	if enc&encIndirect != 0 {
		r.fail("unsupported indirect encoding %#02x", uint8(enc))
		return 0
	}
	return val
}
