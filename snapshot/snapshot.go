// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot defines the capture record of a thread's registers and stack bytes
// together with its fixed-size binary wire format.
package snapshot // import "go.opentelemetry.io/remote-unwinder/snapshot"

import (
	"bytes"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

const (
	// NameLen is the size of the thread name buffer.
	NameLen = 16
	// StackSize is the capacity of the captured stack buffer.
	StackSize = 8192
)

// Regs is the x86-64 user register file in the order of the kernel's struct pt_regs.
type Regs struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	BP     uint64
	BX     uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	AX     uint64
	CX     uint64
	DX     uint64
	SI     uint64
	DI     uint64
	OrigAX uint64
	IP     uint64
	CS     uint64
	Flags  uint64
	SP     uint64
	SS     uint64
}

// Snapshot is one capture of a thread: its registers and the bytes of its stack
// starting at Regs.SP. A Snapshot is consumed by a single unwind and never modified
// afterwards.
type Snapshot struct {
	Timestamp uint64
	TID       libpf.TID
	TGID      libpf.PID
	Regs      Regs
	Name      [NameLen]byte
	// Size is the number of valid bytes in Data.
	Size int32
	Data [StackSize]byte
}

// Stack returns the captured stack bytes.
func (s *Snapshot) Stack() []byte {
	size := min(max(s.Size, 0), StackSize)
	return s.Data[:size]
}

// Comm returns the thread name up to the first NUL byte.
func (s *Snapshot) Comm() string {
	name := s.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// SetComm stores name, truncated so that it stays NUL terminated.
func (s *Snapshot) SetComm(name string) {
	s.Name = [NameLen]byte{}
	copy(s.Name[:NameLen-1], name)
}
