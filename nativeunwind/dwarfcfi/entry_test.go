// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/libpf/freelru"
)

// entry prefixes body with its 32-bit length.
func entry(body ...byte) []byte {
	return append(binary.LittleEndian.AppendUint32(nil, uint32(len(body))), body...)
}

func TestParseCIE(t *testing.T) {
	tests := map[string]struct {
		data   []byte
		enc    encoding
		signal bool
		err    error
	}{
		"version 1 zPLR": {
			data: entry(
				0, 0, 0, 0, // CIE id
				1, 'z', 'P', 'L', 'R', 0,
				0x01, 0x78, 0x10, // code align 1, data align -8, ra 16
				11,                           // augmentation length
				0x00, 1, 2, 3, 4, 5, 6, 7, 8, // personality, absolute
				0x1b, // LSDA encoding
				0x1b, // FDE encoding
				0x0c, 0x07, 0x08, 0x90, 0x01,
			),
			enc: 0x1b,
		},
		"version 3 zRS": {
			data: entry(
				0, 0, 0, 0,
				3, 'z', 'R', 'S', 0,
				0x01, 0x78, 0x10,
				1, 0x03,
				0x0c, 0x07, 0x08, 0x90, 0x01, 0,
			),
			enc:    0x03,
			signal: true,
		},
		"version 4": {
			data: entry(
				0, 0, 0, 0,
				4, 0,
				8, 0, // address and segment selector size
				0x01, 0x78, 0x10,
				0x0c, 0x07, 0x08, 0x90, 0x01, 0, 0,
			),
			enc: encFormatNative,
		},
		"version 2": {
			data: entry(0, 0, 0, 0, 2, 0, 1, 0x78, 0x10, 0, 0, 0),
			err:  libpf.ErrProtocol,
		},
		"old augmentation": {
			data: entry(0, 0, 0, 0, 1, 'e', 'h', 0, 1, 0x78, 0x10, 0),
			err:  libpf.ErrProtocol,
		},
		"unknown augmentation": {
			data: entry(0, 0, 0, 0, 1, 'z', 'X', 0, 1, 0x78, 0x10, 0),
			err:  libpf.ErrProtocol,
		},
		"FDE": {
			data: entry(8, 0, 0, 0, 0, 0, 0, 0),
			err:  libpf.ErrProtocol,
		},
		"empty": {
			data: entry(),
			err:  libpf.ErrProtocol,
		},
		"truncated": {
			data: append(binary.LittleEndian.AppendUint32(nil, 32), 0, 0, 0, 0, 1),
			err:  libpf.ErrProtocol,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newReader(tc.data, 0x5000)
			cie, err := r.parseCIE()
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enc, cie.enc)
			assert.Equal(t, tc.signal, cie.Signal())
			assert.Equal(t, sleb128(-8), cie.dataAlign)
			assert.Equal(t, uleb128(16), cie.regRA)
			assert.Equal(t, "rsp+8", cie.initialState.cfa.String())
			assert.Equal(t, "c-8", cie.initialState.regs[RegRIP].String())
		})
	}
}

func TestReadMemUnaligned(t *testing.T) {
	tt := &testTarget{stack: []uint64{0x0706050403020100, 0x0f0e0d0c0b0a0908}}
	buf := make([]byte, 10)
	require.NoError(t, readMem(tt, testStackBase+3, buf))
	assert.Equal(t, []byte{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, buf)
	assert.Equal(t, 2, tt.reads)

	require.ErrorIs(t, readMem(tt, testStackBase+12, buf), libpf.ErrNotFound)
	require.ErrorIs(t, readMem(tt, ^uint64(0)-4, buf), libpf.ErrProtocol)
}

func TestCIECache(t *testing.T) {
	cache, err := NewCIECache()
	require.NoError(t, err)

	_, ok := cache.get(0x100)
	assert.False(t, ok)
	cie := &CIE{}
	cache.add(0x100, cie)
	got, ok := cache.get(0x100)
	require.True(t, ok)
	assert.Same(t, cie, got)

	assert.Equal(t, freelru.Statistics{Hit: 1, Miss: 1, Added: 1}, cache.Statistics())
	assert.Equal(t, freelru.Statistics{}, cache.Statistics())

	cache.Purge()
	assert.Zero(t, cache.Len())

	var none *CIECache
	_, ok = none.get(0x100)
	assert.False(t, ok)
	none.add(0x100, cie)
}
