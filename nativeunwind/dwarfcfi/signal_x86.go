// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

// x86-64 signal frame handling. The filename ends with `_x86` instead of `_amd64`, so
// that the code can be used regardless of the build platform.

import (
	"golang.org/x/arch/x86/x86asm"
)

// sigreturnCodeLen is the length of the rt_sigreturn trampoline:
//
//	mov $0xf,%rax
//	syscall
//
// https://git.musl-libc.org/cgit/musl/tree/src/signal/x86_64/restore.s?h=v1.2.4#n6
const sigreturnCodeLen = 9

// sysRtSigreturn is the x86-64 rt_sigreturn system call number.
const sysRtSigreturn = 15

// sigcontextOffsets are the offsets of the saved registers relative to the stack
// pointer of the trampoline frame. The stack pointer addresses the ucontext, whose
// uc_mcontext starts after uc_flags, uc_link and uc_stack.
var sigcontextOffsets = [NumRegs]uint64{
	RegR8:  40,
	RegR9:  48,
	RegR10: 56,
	RegR11: 64,
	RegR12: 72,
	RegR13: 80,
	RegR14: 88,
	RegR15: 96,
	RegRDI: 104,
	RegRSI: 112,
	RegRBP: 120,
	RegRBX: 128,
	RegRDX: 136,
	RegRAX: 144,
	RegRCX: 152,
	RegRSP: 160,
	RegRIP: 168,
}

// isSigreturnCode checks if code starts with the rt_sigreturn trampoline. The
// .eh_frame of the trampoline is often missing or wrong, so it is detected by code.
func isSigreturnCode(code []byte) bool {
	mov, err := x86asm.Decode(code, 64)
	if err != nil || mov.Op != x86asm.MOV {
		return false
	}
	if dst, ok := mov.Args[0].(x86asm.Reg); !ok || (dst != x86asm.RAX && dst != x86asm.EAX) {
		return false
	}
	if imm, ok := mov.Args[1].(x86asm.Imm); !ok || imm != sysRtSigreturn {
		return false
	}
	syscall, err := x86asm.Decode(code[mov.Len:], 64)
	return err == nil && syscall.Op == x86asm.SYSCALL
}

// restoreSigcontext loads the interrupted register state saved by the kernel on
// signal delivery.
func restoreSigcontext(mem Memory, sp uint64, regs *[NumRegs]uint64) error {
	var next [NumRegs]uint64
	for reg, off := range sigcontextOffsets {
		if err := mem.AccessMem(sp+off, &next[reg], false); err != nil {
			return err
		}
	}
	*regs = next
	return nil
}
