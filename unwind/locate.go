// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "go.opentelemetry.io/remote-unwinder/unwind"

import (
	"fmt"
	"io"

	"go.opentelemetry.io/remote-unwinder/dso"
	"go.opentelemetry.io/remote-unwinder/libpf/pfelf"
	"go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"
)

const ehFrameHdrName = ".eh_frame_hdr"

func findEhFrameHdr(r io.ReaderAt) (uint64, error) {
	sec, err := pfelf.FindSection(r, ehFrameHdrName)
	if err != nil {
		return 0, err
	}
	return sec.Offset, nil
}

// Locate returns the .eh_frame_hdr search table of d. Segbase and Table are file
// offsets; they become addresses once translated through a Map of d.
func Locate(d *dso.Dso) (dwarfcfi.TableInfo, error) {
	off, err := d.EhFrameHdrOffset(findEhFrameHdr)
	if err != nil {
		return dwarfcfi.TableInfo{}, err
	}
	hdr, err := dwarfcfi.ParseHeader(d, off)
	if err != nil {
		return dwarfcfi.TableInfo{}, fmt.Errorf("%s: %w", d.LongName(), err)
	}
	return dwarfcfi.TableInfo{
		Segbase:  hdr.SegbaseOffset,
		Table:    hdr.TableOffset,
		FDECount: hdr.FDECount,
		TableEnc: hdr.TableEnc,
	}, nil
}
