// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot // import "go.opentelemetry.io/remote-unwinder/snapshot"

import (
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// Offsets of the wire record fields. The record is little-endian with natural C
// alignment.
const (
	offTimestamp = 0
	offTID       = 8
	offTGID      = 12
	offRegs      = 16
	numRegs      = 21
	offName      = offRegs + numRegs*8
	offSize      = offName + NameLen
	offData      = offSize + 4

	// HeaderSize is the minimum length of a decodable record.
	HeaderSize = offData
	// RecordSize is the length of one record including trailing padding.
	RecordSize = (offData + StackSize + 7) &^ 7
)

func (r *Regs) slots() [numRegs]*uint64 {
	return [numRegs]*uint64{
		&r.R15, &r.R14, &r.R13, &r.R12, &r.BP, &r.BX, &r.R11, &r.R10,
		&r.R9, &r.R8, &r.AX, &r.CX, &r.DX, &r.SI, &r.DI, &r.OrigAX,
		&r.IP, &r.CS, &r.Flags, &r.SP, &r.SS,
	}
}

// Decode parses one wire record. b may be shorter than RecordSize as long as it holds
// the header; Size is clamped to the stack bytes actually present.
func Decode(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return s, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("snapshot record of %d bytes, need at least %d: %w",
			len(b), HeaderSize, libpf.ErrProtocol)
	}
	le := binary.LittleEndian

	s.Timestamp = le.Uint64(b[offTimestamp:])
	s.TID = libpf.TID(le.Uint32(b[offTID:]))
	s.TGID = libpf.PID(le.Uint32(b[offTGID:]))
	for i, reg := range s.Regs.slots() {
		*reg = le.Uint64(b[offRegs+i*8:])
	}
	copy(s.Name[:], b[offName:offName+NameLen])

	size := int32(le.Uint32(b[offSize:]))
	present := int32(min(len(b)-offData, StackSize))
	s.Size = min(max(size, 0), present)
	s.Data = [StackSize]byte{}
	copy(s.Data[:], b[offData:offData+int(s.Size)])
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler and returns a full record.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, RecordSize))
}

// AppendBinary appends the wire record of s to b.
func (s *Snapshot) AppendBinary(b []byte) ([]byte, error) {
	if s.Size < 0 || s.Size > StackSize {
		return nil, fmt.Errorf("invalid stack size %d: %w", s.Size, libpf.ErrProtocol)
	}
	le := binary.LittleEndian

	b = le.AppendUint64(b, s.Timestamp)
	b = le.AppendUint32(b, uint32(s.TID))
	b = le.AppendUint32(b, uint32(s.TGID))
	for _, reg := range s.Regs.slots() {
		b = le.AppendUint64(b, *reg)
	}
	b = append(b, s.Name[:]...)
	b = le.AppendUint32(b, uint32(s.Size))
	b = append(b, s.Data[:]...)
	return append(b, make([]byte, RecordSize-offData-StackSize)...), nil
}
