// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

func TestLEB128(t *testing.T) {
	r := newReader([]byte{
		0xe5, 0x8e, 0x26, // 624485
		0xc0, 0xbb, 0x78, // -123456
		0x7f, // -1
		0x02, // 2
	}, 0)
	assert.Equal(t, uleb128(624485), r.uleb())
	assert.Equal(t, sleb128(-123456), r.sleb())
	assert.Equal(t, sleb128(-1), r.sleb())
	assert.Equal(t, uleb128(2), r.uleb())
	assert.False(t, r.hasData())
	require.NoError(t, r.err)
}

func TestReaderPointer(t *testing.T) {
	tests := map[string]struct {
		data    []byte
		enc     encoding
		want    uint64
		invalid bool
	}{
		"absolute udata4": {
			data: []byte{0x78, 0x56, 0x34, 0x12},
			enc:  encFormatData4,
			want: 0x12345678,
		},
		"pcrel sdata4": {
			data: []byte{0xf0, 0xff, 0xff, 0xff},
			enc:  encAdjustPcRel | encSignedMask | encFormatData4,
			want: 0x1000 - 16,
		},
		"datarel sdata4": {
			data: []byte{0x10, 0x00, 0x00, 0x00},
			enc:  encAdjustDataRel | encSignedMask | encFormatData4,
			want: 0x2000 + 16,
		},
		"native": {
			data: []byte{1, 0, 0, 0, 0, 0, 0, 0x80},
			enc:  encFormatNative,
			want: 0x8000000000000001,
		},
		"sdata2": {
			data: []byte{0xfe, 0xff},
			enc:  encSignedMask | encFormatData2,
			want: ^uint64(1),
		},
		"uleb128": {
			data: []byte{0x80, 0x01},
			enc:  encFormatLeb128,
			want: 128,
		},
		"omit": {
			enc: encOmit,
		},
		"indirect": {
			data:    []byte{0, 0, 0, 0},
			enc:     encIndirect | encFormatData4,
			invalid: true,
		},
		"textrel": {
			data:    []byte{0, 0, 0, 0},
			enc:     0x20 | encFormatData4,
			invalid: true,
		},
		"truncated": {
			data:    []byte{0, 0},
			enc:     encFormatData4,
			invalid: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newReader(tc.data, 0x1000)
			r.datarel = 0x2000
			got := r.ptr(tc.enc)
			if tc.invalid {
				require.ErrorIs(t, r.err, libpf.ErrProtocol)
				return
			}
			require.NoError(t, r.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReaderStickyError(t *testing.T) {
	r := newReader([]byte{1, 2, 3}, 0x10)
	assert.Equal(t, uint16(0x201), r.u16())
	assert.Zero(t, r.u32())
	require.ErrorIs(t, r.err, libpf.ErrProtocol)
	// Further reads keep failing even if data would be available.
	assert.Zero(t, r.u8())
	assert.False(t, r.hasData())
	assert.Empty(t, r.str())
}

func TestReaderString(t *testing.T) {
	r := newReader([]byte("zR\x00zPLR"), 0)
	assert.Equal(t, "zR", r.str())
	assert.Empty(t, r.str())
	require.ErrorIs(t, r.err, libpf.ErrProtocol)
}
