// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import (
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// ehFrameHdrMaxSize is the size of the fixed header plus two 8-byte encoded pointers.
const ehFrameHdrMaxSize = 4 + 2*8

// HeaderInfo is the decoded header of an .eh_frame_hdr section.
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
type HeaderInfo struct {
	Version       uint8
	EhFramePtrEnc uint8
	FDECountEnc   uint8
	TableEnc      uint8
	// EhFramePtr is the decoded .eh_frame pointer relative to the file.
	EhFramePtr uint64
	FDECount   uint64
	// SegbaseOffset is the file offset of the section; table entries are relative to it.
	SegbaseOffset uint64
	// TableOffset is the file offset of the binary search table.
	TableOffset uint64
}

// ParseHeader decodes the .eh_frame_hdr header at file offset off.
func ParseHeader(r io.ReaderAt, off uint64) (HeaderInfo, error) {
	buf := make([]byte, ehFrameHdrMaxSize)
	n, err := r.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return HeaderInfo{}, fmt.Errorf("failed to read .eh_frame_hdr at %#x: %w", off, err)
	}

	rd := newReader(buf[:n], off)
	hdr := HeaderInfo{
		Version:       rd.u8(),
		EhFramePtrEnc: rd.u8(),
		FDECountEnc:   rd.u8(),
		TableEnc:      rd.u8(),
	}
	if rd.err != nil {
		return HeaderInfo{}, rd.err
	}
	if hdr.Version != 1 {
		return HeaderInfo{}, fmt.Errorf(".eh_frame_hdr version %d not supported: %w",
			hdr.Version, libpf.ErrProtocol)
	}
	rd.datarel = off
	hdr.EhFramePtr = rd.ptr(encoding(hdr.EhFramePtrEnc))
	hdr.FDECount = rd.ptr(encoding(hdr.FDECountEnc))
	if rd.err != nil {
		return HeaderInfo{}, fmt.Errorf("malformed .eh_frame_hdr: %w", rd.err)
	}
	hdr.SegbaseOffset = off
	hdr.TableOffset = rd.addr()
	return hdr, nil
}
