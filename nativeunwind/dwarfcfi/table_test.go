// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/testsupport"
)

var threeFDEs = []testsupport.FDESpec{
	{Start: 0x1000, Len: 0x100},
	{Start: 0x1100, Len: 0x100},
	{Start: 0x1300, Len: 0x10},
}

func TestParseHeader(t *testing.T) {
	image := testsupport.UnwindImage{FDEs: threeFDEs}.Build()

	hdr, err := ParseHeader(bytes.NewReader(image), testsupport.UnwindImageHdrOffset)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), hdr.Version)
	assert.Equal(t, EncTableDataRelSData4, hdr.TableEnc)
	assert.Equal(t, uint64(testsupport.UnwindImageEhFrameOffset), hdr.EhFramePtr)
	assert.Equal(t, uint64(3), hdr.FDECount)
	assert.Equal(t, uint64(testsupport.UnwindImageHdrOffset), hdr.SegbaseOffset)
	assert.Equal(t, uint64(testsupport.UnwindImageHdrOffset+12), hdr.TableOffset)
}

// hdrBytes places an .eh_frame_hdr with the given encodings and raw pointer fields
// at offset off.
func hdrBytes(off int, ptrEnc, countEnc uint8, fields ...any) []byte {
	buf := bytes.NewBuffer(make([]byte, off))
	buf.Write([]byte{1, ptrEnc, countEnc, EncTableDataRelSData4})
	for _, f := range fields {
		_ = binary.Write(buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}

func TestParseHeaderEncodings(t *testing.T) {
	const off = 0x40

	tests := map[string]struct {
		data        []byte
		ehFramePtr  uint64
		fdeCount    uint64
		tableOffset uint64
	}{
		"absolute udata4": {
			data:       hdrBytes(off, 0x03, 0x03, uint32(0x1234), uint32(7)),
			ehFramePtr: 0x1234, fdeCount: 7, tableOffset: off + 12,
		},
		"absolute sdata4": {
			data:       hdrBytes(off, 0x0b, 0x03, int32(0x5000), uint32(2)),
			ehFramePtr: 0x5000, fdeCount: 2, tableOffset: off + 12,
		},
		"absolute udata8": {
			data:       hdrBytes(off, 0x04, 0x04, uint64(0x1_0000_2000), uint64(5)),
			ehFramePtr: 0x1_0000_2000, fdeCount: 5, tableOffset: off + 20,
		},
		"pcrel sdata8": {
			data:       hdrBytes(off, 0x1c, 0x03, int64(-0x20), uint32(9)),
			ehFramePtr: off + 4 - 0x20, fdeCount: 9, tableOffset: off + 16,
		},
		"pcrel udata8 with sdata8 count": {
			data:       hdrBytes(off, 0x14, 0x0c, uint64(0x100), int64(3)),
			ehFramePtr: off + 4 + 0x100, fdeCount: 3, tableOffset: off + 20,
		},
		"datarel udata4 with udata8 count": {
			data:       hdrBytes(off, 0x33, 0x04, uint32(0x80), uint64(4)),
			ehFramePtr: off + 0x80, fdeCount: 4, tableOffset: off + 16,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			hdr, err := ParseHeader(bytes.NewReader(tc.data), off)
			require.NoError(t, err)
			assert.Equal(t, tc.ehFramePtr, hdr.EhFramePtr)
			assert.Equal(t, tc.fdeCount, hdr.FDECount)
			assert.Equal(t, uint64(off), hdr.SegbaseOffset)
			assert.Equal(t, tc.tableOffset, hdr.TableOffset)
		})
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := map[string]struct {
		data []byte
	}{
		"bad version":  {data: []byte{2, 0x1b, 0x03, 0x3b, 0, 0, 0, 0, 0, 0, 0, 0}},
		"truncated":    {data: []byte{1, 0x1b}},
		"short count":  {data: []byte{1, 0x1b, 0x03, 0x3b, 0, 0, 0, 0, 1}},
		"bad format":   {data: []byte{1, 0x07, 0x03, 0x3b, 0, 0, 0, 0, 0, 0, 0, 0}},
		"short udata8": {data: []byte{1, 0x04, 0x03, 0x3b, 0, 0, 0, 0, 0, 0, 0, 0}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHeader(bytes.NewReader(tc.data), 0)
			require.ErrorIs(t, err, libpf.ErrProtocol)
		})
	}
}

func TestSearchTable(t *testing.T) {
	tt := newTestTarget(t, testsupport.UnwindImage{TextSize: 0x400, FDEs: threeFDEs})

	tests := map[string]struct {
		ip    uint64
		start uint64
		end   uint64
		err   error
	}{
		"first entry":     {ip: textVA(0), start: textVA(0), end: textVA(0x100)},
		"last byte":       {ip: textVA(0xff), start: textVA(0), end: textVA(0x100)},
		"second entry":    {ip: textVA(0x150), start: textVA(0x100), end: textVA(0x200)},
		"gap":             {ip: textVA(0x250), err: libpf.ErrNotFound},
		"last entry":      {ip: textVA(0x305), start: textVA(0x300), end: textVA(0x310)},
		"past last entry": {ip: textVA(0x310), err: libpf.ErrNotFound},
		"below table":     {ip: textVA(0) - 1, err: libpf.ErrNotFound},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			pi, err := SearchTable(tt, tc.ip, tt.table, tt.cies)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.start, pi.StartIP)
			assert.Equal(t, tc.end, pi.EndIP)
			assert.True(t, pi.Contains(tc.ip))
			require.NotNil(t, pi.CIE)
			assert.False(t, pi.CIE.Signal())
		})
	}

	// All FDEs share one CIE.
	assert.Equal(t, 1, tt.cies.Len())
	assert.Equal(t, uint64(1), tt.cies.Statistics().Miss)
}

func TestSearchTableWithoutCache(t *testing.T) {
	tt := newTestTarget(t, testsupport.UnwindImage{})
	pi, err := SearchTable(tt, textVA(0x10), tt.table, nil)
	require.NoError(t, err)
	assert.Equal(t, textVA(0), pi.StartIP)
}

func TestSearchTableErrors(t *testing.T) {
	tt := newTestTarget(t, testsupport.UnwindImage{})

	tests := map[string]struct {
		table TableInfo
		err   error
	}{
		"encoding": {
			table: TableInfo{Table: tt.table.Table, FDECount: 1, TableEnc: 0x1b},
			err:   libpf.ErrUnsupported,
		},
		"empty": {
			table: TableInfo{Table: tt.table.Table, TableEnc: EncTableDataRelSData4},
			err:   libpf.ErrNotFound,
		},
		"wrapping": {
			table: TableInfo{Table: ^uint64(0) - 8, FDECount: 2,
				TableEnc: EncTableDataRelSData4},
			err: libpf.ErrProtocol,
		},
		"unmapped": {
			table: TableInfo{Table: 0x1000, FDECount: 4, TableEnc: EncTableDataRelSData4},
			err:   libpf.ErrNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := SearchTable(tt, textVA(0x10), tc.table, nil)
			require.ErrorIs(t, err, tc.err)
		})
	}
}
