// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwind produces the call chain of a captured thread from its Snapshot and
// the unwind tables of the binaries mapped by its thread group.
package unwind // import "go.opentelemetry.io/remote-unwinder/unwind"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/libpf"
	"go.opentelemetry.io/remote-unwinder/machine"
	"go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"
	"go.opentelemetry.io/remote-unwinder/snapshot"
)

// Unwind walks the stack captured in snap for thread th and stores the call chain
// in st. The captured instruction pointer is always the first entry. Frames that
// cannot be unwound end the chain without an error; only an unusable snapshot
// fails.
func Unwind(snap *snapshot.Snapshot, th *machine.Thread, st *Stacktrace) error {
	st.Reset()
	if snap.Size < 0 || snap.Size > snapshot.StackSize {
		return fmt.Errorf("snapshot of %v captured %d stack bytes: %w",
			th, snap.Size, libpf.ErrProtocol)
	}
	if st.Cap() == 0 {
		st.Stop = StopExhausted
		return fmt.Errorf("stacktrace without capacity: %w", libpf.ErrExhausted)
	}

	st.append(snap.Regs.IP)
	if st.full() {
		st.Stop = StopExhausted
		return nil
	}

	as, err := addressSpace(th)
	if err != nil {
		return err
	}
	cur, err := dwarfcfi.NewCursor(newAccessors(snap, th, as))
	if err != nil {
		return err
	}

	for !st.full() {
		ok, err := cur.Step()
		if err != nil {
			log.Debugf("Unwinding %v stopped after %d frames: %v", th, st.Len(), err)
			st.Stop = StopStepFailed
			return nil
		}
		if !ok {
			return nil
		}
		ip := cur.IP()
		if cur.IsReturnAddress() && !cur.IsSignalFrame() {
			// Attribute the frame to the call instruction.
			ip--
		}
		st.append(ip)
	}
	st.Stop = StopExhausted
	return nil
}
