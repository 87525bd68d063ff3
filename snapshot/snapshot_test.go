// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

func newTestSnapshot(size int32) *Snapshot {
	s := &Snapshot{
		Timestamp: 0x1122334455667788,
		TID:       4242,
		TGID:      4200,
		Size:      size,
	}
	s.Regs.IP = 0x401234
	s.Regs.SP = 0x7ffee0001000
	s.Regs.BP = 0x7ffee0001040
	s.Regs.R15 = 15
	s.Regs.SS = 0x2b
	s.SetComm("worker")
	for i := range s.Data[:size] {
		s.Data[i] = byte(i)
	}
	return s
}

func TestRecordLayout(t *testing.T) {
	assert.Equal(t, 204, HeaderSize)
	assert.Equal(t, 8400, RecordSize)

	s := newTestSnapshot(64)
	b, err := s.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, RecordSize)

	le := binary.LittleEndian
	assert.Equal(t, uint64(0x1122334455667788), le.Uint64(b[0:]))
	assert.Equal(t, uint32(4242), le.Uint32(b[8:]))
	assert.Equal(t, uint32(4200), le.Uint32(b[12:]))
	assert.Equal(t, uint64(15), le.Uint64(b[16:]), "r15 comes first")
	assert.Equal(t, uint64(0x7ffee0001040), le.Uint64(b[16+4*8:]), "bp")
	assert.Equal(t, uint64(0x401234), le.Uint64(b[16+16*8:]), "ip")
	assert.Equal(t, uint64(0x7ffee0001000), le.Uint64(b[16+19*8:]), "sp")
	assert.Equal(t, uint64(0x2b), le.Uint64(b[16+20*8:]), "ss")
	assert.Equal(t, []byte("worker\x00"), b[184:191])
	assert.Equal(t, uint32(64), le.Uint32(b[200:]))
	assert.Equal(t, byte(63), b[204+63])
}

func TestDecode(t *testing.T) {
	s := newTestSnapshot(128)
	full, err := s.MarshalBinary()
	require.NoError(t, err)

	tests := map[string]struct {
		record   []byte
		wantSize int32
		wantErr  error
	}{
		"full record": {record: full, wantSize: 128},
		"header only": {record: full[:HeaderSize], wantSize: 0},
		"short stack": {record: full[:HeaderSize+100], wantSize: 100},
		"truncated":   {record: full[:HeaderSize-1], wantErr: libpf.ErrProtocol},
		"register file cut": {
			record: full[:100], wantErr: libpf.ErrProtocol,
		},
		"negative size": {
			record: func() []byte {
				b := bytes.Clone(full)
				binary.LittleEndian.PutUint32(b[200:], 0xffffffff)
				return b
			}(),
			wantSize: 0,
		},
		"oversized": {
			record: func() []byte {
				b := bytes.Clone(full)
				binary.LittleEndian.PutUint32(b[200:], 100000)
				return b
			}(),
			wantSize: StackSize,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(tc.record)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, s.Regs, got.Regs)
			assert.Equal(t, s.TID, got.TID)
			assert.Equal(t, s.TGID, got.TGID)
			assert.Equal(t, "worker", got.Comm())
			assert.Equal(t, tc.wantSize, got.Size)
			assert.Len(t, got.Stack(), int(tc.wantSize))
		})
	}
}

func TestMarshalRejectsInvalidSize(t *testing.T) {
	s := newTestSnapshot(0)
	s.Size = -1
	_, err := s.MarshalBinary()
	require.ErrorIs(t, err, libpf.ErrProtocol)
}

func TestComm(t *testing.T) {
	s := &Snapshot{}
	s.SetComm("a-very-long-thread-name")
	assert.Equal(t, "a-very-long-thr", s.Comm())
	assert.Zero(t, s.Name[NameLen-1])

	copy(s.Name[:], "0123456789abcdef")
	assert.Equal(t, "0123456789abcdef", s.Comm(), "unterminated name")
}

func TestStream(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, compress)
			require.NoError(t, err)
			for i := range 3 {
				s := newTestSnapshot(int32(i * 1000))
				s.Timestamp = uint64(i)
				require.NoError(t, w.Write(s))
			}
			require.NoError(t, w.Close())
			if compress {
				assert.Less(t, buf.Len(), 3*RecordSize)
			} else {
				assert.Equal(t, 3*RecordSize, buf.Len())
			}

			r, err := NewReader(&buf)
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, compress, r.Compressed())

			for i := range 3 {
				s, err := r.Next()
				require.NoError(t, err)
				assert.Equal(t, uint64(i), s.Timestamp)
				assert.Equal(t, int32(i*1000), s.Size)
			}
			_, err = r.Next()
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestStreamTruncated(t *testing.T) {
	b, err := newTestSnapshot(10).MarshalBinary()
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(b[:RecordSize-1]))
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	require.ErrorIs(t, err, libpf.ErrProtocol)

	r, err = NewReader(bytes.NewReader(nil))
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
