// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

type signalState uint8

const (
	signalUnknown signalState = iota
	signalNo
	signalYes
)

// Cursor is the position of an unwind pass: the register state of one frame.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	acc  Accessors
	regs [NumRegs]uint64
	// known has bit n set if register n has a recovered value.
	known uint32

	// prevInstr is set if IP is a return address, so the call instruction is at IP-1.
	prevInstr bool
	signal    signalState

	// proc is the lookup result for the current frame once procDone is set.
	proc     ProcInfo
	procErr  error
	procDone bool
}

// NewCursor initializes a cursor with the registers of the innermost frame.
func NewCursor(acc Accessors) (*Cursor, error) {
	c := &Cursor{acc: acc}
	for reg := range Reg(NumRegs) {
		err := acc.AccessReg(reg, &c.regs[reg], false)
		switch {
		case err == nil:
			c.known |= 1 << reg
		case reg == RegRIP || reg == RegRSP:
			return nil, fmt.Errorf("initial %v: %w", reg, err)
		}
	}
	return c, nil
}

// IP returns the instruction pointer of the current frame.
func (c *Cursor) IP() uint64 {
	return c.regs[RegRIP]
}

// SP returns the stack pointer of the current frame.
func (c *Cursor) SP() uint64 {
	return c.regs[RegRSP]
}

// Reg returns the value of reg in the current frame, if it was recovered.
func (c *Cursor) Reg(reg Reg) (uint64, bool) {
	if int(reg) >= NumRegs || c.known&(1<<reg) == 0 {
		return 0, false
	}
	return c.regs[reg], true
}

// IsReturnAddress reports whether IP of the current frame was recovered as a return
// address, and thus points after the call instruction.
func (c *Cursor) IsReturnAddress() bool {
	return c.prevInstr
}

func (c *Cursor) lookupIP() uint64 {
	if c.prevInstr {
		return c.regs[RegRIP] - 1
	}
	return c.regs[RegRIP]
}

// procInfo looks up the unwind information of the current frame at most once.
func (c *Cursor) procInfo() (ProcInfo, error) {
	if !c.procDone {
		c.proc, c.procErr = c.acc.FindProcInfo(c.lookupIP())
		c.procDone = true
	}
	return c.proc, c.procErr
}

// newFrame moves the cursor to the frame described by regs.
func (c *Cursor) newFrame(regs *[NumRegs]uint64, known uint32, prevInstr bool) {
	c.regs = *regs
	c.known = known
	c.prevInstr = prevInstr
	c.signal = signalUnknown
	c.proc, c.procErr, c.procDone = ProcInfo{}, nil, false
}

func (c *Cursor) isSigreturn() bool {
	var code [sigreturnCodeLen]byte
	if readMem(c.acc, c.regs[RegRIP], code[:]) != nil {
		return false
	}
	return isSigreturnCode(code[:])
}

// IsSignalFrame reports whether the current frame is a signal delivery frame: either
// the rt_sigreturn trampoline, or code whose CIE is marked with the 'S' augmentation.
func (c *Cursor) IsSignalFrame() bool {
	if c.signal == signalUnknown {
		c.signal = signalNo
		if c.isSigreturn() {
			c.signal = signalYes
		} else if pi, err := c.procInfo(); err == nil &&
			pi.CIE != nil && pi.CIE.Signal() {
			c.signal = signalYes
		}
	}
	return c.signal == signalYes
}

// Step unwinds to the caller of the current frame. It returns false with a nil error at
// the end of the chain.
func (c *Cursor) Step() (bool, error) {
	ip, sp := c.regs[RegRIP], c.regs[RegRSP]

	if c.isSigreturn() {
		next := c.regs
		if err := restoreSigcontext(c.acc, sp, &next); err != nil {
			return false, fmt.Errorf("sigcontext at %#x: %w", sp, err)
		}
		c.newFrame(&next, 1<<NumRegs-1, false)
		return c.regs[RegRIP] != 0, nil
	}

	lookup := c.lookupIP()
	pi, err := c.procInfo()
	if err != nil {
		return false, fmt.Errorf("frame %#x: %w", ip, err)
	}
	rules, err := pi.rulesAt(lookup)
	if err != nil {
		return false, fmt.Errorf("frame %#x: %w", ip, err)
	}

	if rules.regs[RegRIP].kind == ruleUndefined {
		// Outermost frame
		return false, nil
	}
	cfa, err := c.cfa(&rules.cfa)
	if err != nil {
		return false, fmt.Errorf("frame %#x CFA %v: %w", ip, &rules.cfa, err)
	}

	var next [NumRegs]uint64
	known := uint32(0)
	for reg := range Reg(NumRegs) {
		val, ok, err := c.recover(&rules.regs[reg], reg, cfa)
		if err != nil {
			return false, fmt.Errorf("frame %#x %v %v: %w", ip, reg,
				&rules.regs[reg], err)
		}
		if ok {
			next[reg] = val
			known |= 1 << reg
		}
	}
	if known&(1<<RegRIP) == 0 || next[RegRIP] == 0 {
		return false, nil
	}
	// The stack pointer of the caller is the CFA by definition.
	next[RegRSP] = cfa
	known |= 1 << RegRSP

	if next[RegRIP] == ip && next[RegRSP] == sp {
		return false, fmt.Errorf("no progress at %#x sp %#x: %w", ip, sp,
			libpf.ErrProtocol)
	}

	c.newFrame(&next, known, !pi.CIE.Signal())
	return true, nil
}

func (c *Cursor) get(reg Reg) (uint64, error) {
	if int(reg) >= NumRegs || c.known&(1<<reg) == 0 {
		return 0, fmt.Errorf("register %v not recovered: %w", reg, libpf.ErrNotFound)
	}
	return c.regs[reg], nil
}

func (c *Cursor) load(addr uint64) (uint64, error) {
	var val uint64
	err := c.acc.AccessMem(addr, &val, false)
	return val, err
}

// eval computes the value of a register or expression based rule.
func (c *Cursor) eval(ru *rule) (uint64, error) {
	switch ru.kind {
	case ruleReg:
		base, err := c.get(ru.reg)
		return base + uint64(ru.off), err
	case ruleRegDeref:
		base, err := c.get(ru.reg)
		if err != nil {
			return 0, err
		}
		val, err := c.load(base + uint64(ru.off))
		return val + uint64(ru.addend), err
	case ruleRegIndexDeref:
		base, err := c.get(ru.reg)
		if err != nil {
			return 0, err
		}
		index, err := c.get(ru.index)
		if err != nil {
			return 0, err
		}
		val, err := c.load(base + 8*index + uint64(ru.off))
		return val + uint64(ru.addend), err
	case rulePLT:
		rsp, err := c.get(RegRSP)
		if err != nil {
			return 0, err
		}
		rip, err := c.get(RegRIP)
		if err != nil {
			return 0, err
		}
		val := rsp + uint64(ru.off)
		if rip&ru.mask >= ru.min {
			val += 1 << ru.shift
		}
		return val, nil
	default:
		return 0, fmt.Errorf("rule %v has no value: %w", ru, libpf.ErrProtocol)
	}
}

// cfa evaluates the CFA rule against the current frame.
func (c *Cursor) cfa(ru *rule) (uint64, error) {
	if ru.kind == ruleUndefined {
		return 0, errors.New("CFA undefined")
	}
	return c.eval(ru)
}

// recover computes the caller's value of reg. It returns false if the value is
// undefined.
func (c *Cursor) recover(ru *rule, reg Reg, cfa uint64) (uint64, bool, error) {
	switch {
	case ru.kind == ruleUndefined:
		return 0, false, nil
	case ru.kind == ruleSame:
		val, ok := c.Reg(reg)
		return val, ok, nil
	case ru.kind == ruleAtCFA:
		val, err := c.load(cfa + uint64(ru.off))
		return val, err == nil, err
	case ru.kind == ruleCFAOffset:
		return cfa + uint64(ru.off), true, nil
	case ru.kind == ruleReg && !ru.saved:
		// Copied from another register, which may itself be unknown.
		val, ok := c.Reg(ru.reg)
		return val + uint64(ru.off), ok, nil
	}

	val, err := c.eval(ru)
	if err != nil {
		return 0, false, err
	}
	if ru.saved {
		if val, err = c.load(val); err != nil {
			return 0, false, err
		}
	}
	return val, true, nil
}
