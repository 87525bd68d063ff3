// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/remote-unwinder/nativeunwind/dwarfcfi"

import (
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// Call frame instructions, DWARF 5 section 6.4.2. The three primary instructions
// keep their operand in the low six bits of the opcode byte.
const (
	insPrimaryAdvanceLoc = 0x1
	insPrimaryOffset     = 0x2
	insPrimaryRestore    = 0x3

	insNop              = 0x00
	insSetLoc           = 0x01
	insAdvanceLoc1      = 0x02
	insAdvanceLoc2      = 0x03
	insAdvanceLoc4      = 0x04
	insOffsetExtended   = 0x05
	insRestoreExtended  = 0x06
	insUndefined        = 0x07
	insSameValue        = 0x08
	insRegister         = 0x09
	insRememberState    = 0x0a
	insRestoreState     = 0x0b
	insDefCFA           = 0x0c
	insDefCFARegister   = 0x0d
	insDefCFAOffset     = 0x0e
	insDefCFAExpression = 0x0f
	insExpression       = 0x10
	insOffsetExtendedSf = 0x11
	insDefCFASf         = 0x12
	insDefCFAOffsetSf   = 0x13
	insValOffset        = 0x14
	insValOffsetSf      = 0x15
	insValExpression    = 0x16
	insGNUWindowSave    = 0x2d
	insGNUArgsSize      = 0x2e
	insGNUNegOffsetExt  = 0x2f
)

// DWARF expression operations understood by the pattern matcher.
type exprOp uint8

const (
	exprDeref      exprOp = 0x06
	exprConstU     exprOp = 0x10
	exprConstS     exprOp = 0x11
	exprRot        exprOp = 0x17
	exprAnd        exprOp = 0x1a
	exprMul        exprOp = 0x1e
	exprPlus       exprOp = 0x22
	exprPlusUConst exprOp = 0x23
	exprShl        exprOp = 0x24
	exprGE         exprOp = 0x2a
	exprNE         exprOp = 0x2e
	exprLit0       exprOp = 0x30
	exprLit31      exprOp = 0x4f
	exprBReg0      exprOp = 0x70
	exprBReg31     exprOp = 0x8f
)

// exprStep is one decoded operation. Literals and base registers are folded into
// exprLit0 and exprBReg0 with the number in arg.
type exprStep struct {
	op  exprOp
	arg uint64
	off int64
}

// maxRememberDepth is the nesting limit of DW_CFA_remember_state.
const maxRememberDepth = 4

type ruleKind uint8

const (
	// ruleUndefined marks a value that cannot be recovered.
	ruleUndefined ruleKind = iota
	// ruleSame keeps the value of the callee.
	ruleSame
	// ruleAtCFA loads the value from CFA+off.
	ruleAtCFA
	// ruleCFAOffset computes the value as CFA+off.
	ruleCFAOffset
	// ruleReg computes reg+off.
	ruleReg
	// ruleRegDeref computes *(reg+off)+addend.
	ruleRegDeref
	// ruleRegIndexDeref computes *(reg+8*index+off)+addend.
	ruleRegIndexDeref
	// rulePLT computes rsp+off, plus 1<<shift once (rip&mask) >= min.
	rulePLT
)

// rule tells how the CFA or one register of the caller is recovered.
type rule struct {
	kind  ruleKind
	reg   Reg
	index Reg
	off   int64
	// addend is added after a dereference.
	addend int64
	// mask, min and shift parameterize rulePLT.
	mask  uint64
	min   uint64
	shift uint8
	// saved is set for DW_CFA_expression: the computed value is the address the
	// register was saved at.
	saved bool
}

func withOffset(s string, off int64) string {
	if off == 0 {
		return s
	}
	return fmt.Sprintf("%s%+d", s, off)
}

func (ru *rule) String() string {
	var s string
	switch ru.kind {
	case ruleUndefined:
		return "u"
	case ruleSame:
		return "s"
	case ruleAtCFA:
		return withOffset("c", ru.off)
	case ruleCFAOffset:
		return withOffset("&c", ru.off)
	case ruleReg:
		s = withOffset(ru.reg.String(), ru.off)
	case ruleRegDeref:
		s = fmt.Sprintf("*(%s)%+d", withOffset(ru.reg.String(), ru.off), ru.addend)
	case ruleRegIndexDeref:
		s = fmt.Sprintf("*(%v+8*%v%+d)%+d", ru.reg, ru.index, ru.off, ru.addend)
	case rulePLT:
		s = "plt"
	default:
		return fmt.Sprintf("kind(%d)", ru.kind)
	}
	if ru.saved {
		return "[" + s + "]"
	}
	return s
}

// dwarfReg converts a register operand, reporting false for registers above
// the Reg range.
func dwarfReg(n uleb128) (Reg, bool) {
	if n > uleb128(^Reg(0)) {
		return 0, false
	}
	return Reg(n), true
}

// exprPattern associates an operation sequence with the rule it describes.
type exprPattern struct {
	ops   []exprOp
	build func(e []exprStep) (rule, bool)
}

var exprPatterns = []exprPattern{
	{
		// GCC PLT stubs: rsp+off + (((rip & mask) >= min) << shift)
		ops: []exprOp{exprBReg0, exprBReg0, exprLit0, exprAnd, exprLit0, exprGE,
			exprLit0, exprShl, exprPlus},
		build: func(e []exprStep) (rule, bool) {
			if Reg(e[0].arg) != RegRSP || Reg(e[1].arg) != RegRIP {
				return rule{}, false
			}
			return rule{kind: rulePLT, reg: RegRSP, off: e[0].off,
				mask: e[2].arg, min: e[4].arg, shift: uint8(e[6].arg)}, true
		},
	},
	{
		// reg+off, seen for registers saved by SSE vectorized code
		ops: []exprOp{exprBReg0},
		build: func(e []exprStep) (rule, bool) {
			return rule{kind: ruleReg, reg: Reg(e[0].arg), off: e[0].off}, true
		},
	},
	{
		// *(reg+off), seen for the CFA of SSE vectorized code
		ops: []exprOp{exprBReg0, exprDeref},
		build: func(e []exprStep) (rule, bool) {
			return rule{kind: ruleRegDeref, reg: Reg(e[0].arg), off: e[0].off}, true
		},
	},
	{
		// *(reg+off)+addend, seen in openssl libcrypto
		ops: []exprOp{exprBReg0, exprDeref, exprPlusUConst},
		build: func(e []exprStep) (rule, bool) {
			return rule{kind: ruleRegDeref, reg: Reg(e[0].arg), off: e[0].off,
				addend: int64(e[2].arg)}, true
		},
	},
	{
		// *(reg+8*index+off)+addend, seen in openssl libcrypto
		ops: []exprOp{exprBReg0, exprBReg0, exprLit0, exprMul, exprPlus, exprDeref,
			exprPlusUConst},
		build: func(e []exprStep) (rule, bool) {
			if e[1].off != 0 || e[2].arg != 8 {
				return rule{}, false
			}
			return rule{kind: ruleRegIndexDeref, reg: Reg(e[0].arg),
				index: Reg(e[1].arg), off: e[0].off, addend: int64(e[6].arg)}, true
		},
	},
}

// matchExpr returns the rule computing the value of the expression.
func matchExpr(e []exprStep) (rule, error) {
	for _, p := range exprPatterns {
		if len(p.ops) != len(e) {
			continue
		}
		if !slices.EqualFunc(p.ops, e, func(op exprOp, s exprStep) bool {
			return op == s.op
		}) {
			continue
		}
		if ru, ok := p.build(e); ok {
			return ru, nil
		}
	}
	return rule{}, fmt.Errorf("expression %v not recognized: %w", e, libpf.ErrUnsupported)
}

// expression decodes a length prefixed DWARF expression block.
func (r *reader) expression() ([]exprStep, error) {
	n := uint64(r.uleb())
	blk := r.sub(n)
	var e []exprStep
	for blk.hasData() {
		op := exprOp(blk.u8())
		switch {
		case op >= exprLit0 && op <= exprLit31:
			e = append(e, exprStep{op: exprLit0, arg: uint64(op - exprLit0)})
		case op >= exprBReg0 && op <= exprBReg31:
			e = append(e, exprStep{op: exprBReg0, arg: uint64(op - exprBReg0),
				off: int64(blk.sleb())})
		case op == exprConstU || op == exprPlusUConst:
			e = append(e, exprStep{op: op, arg: uint64(blk.uleb())})
		case op == exprConstS:
			e = append(e, exprStep{op: op, arg: uint64(blk.sleb())})
		case op == exprDeref || (op >= exprRot && op <= exprNE):
			e = append(e, exprStep{op: op})
		default:
			return nil, fmt.Errorf("expression operation %#x in %d byte block: %w",
				uint8(op), n, libpf.ErrUnsupported)
		}
	}
	if blk.err != nil {
		return nil, blk.err
	}
	return e, r.err
}

// vmRegs is the set of rules in effect at one location.
type vmRegs struct {
	cfa rule
	// regs holds the register rules; the return address column lives in RegRIP.
	regs [NumRegs]rule
	// ra is the return address column of the CIE.
	ra uleb128
}

// newVMRegs returns the rules before any CIE instruction: registers keep their
// values while the CFA and the return address are unknown.
func newVMRegs(ra uleb128) vmRegs {
	var regs vmRegs
	regs.ra = ra
	for i := range regs.regs {
		regs.regs[i].kind = ruleSame
	}
	regs.regs[RegRIP].kind = ruleUndefined
	return regs
}

// column returns the rule of a DWARF register column, or nil if it is not tracked.
func (regs *vmRegs) column(n uleb128) *rule {
	if n == regs.ra {
		return &regs.regs[RegRIP]
	}
	if n < uleb128(RegRIP) {
		return &regs.regs[n]
	}
	return nil
}

func (regs *vmRegs) String() string {
	return fmt.Sprintf("cfa=%v rip=%v rsp=%v rbp=%v",
		&regs.cfa, &regs.regs[RegRIP], &regs.regs[RegRSP], &regs.regs[RegRBP])
}

// interpreter runs call frame instructions for one CIE.
type interpreter struct {
	cie *CIE
	// loc is the code location the current rules apply from.
	loc   uint64
	cur   vmRegs
	saved [maxRememberDepth]vmRegs
	depth int
}

func (in *interpreter) advance(delta uint64) {
	in.loc += delta * uint64(in.cie.codeAlign)
}

// set replaces the rule of column n. Factored offsets are scaled by the data
// alignment.
func (in *interpreter) set(n uleb128, ru rule, factored sleb128) {
	if dst := in.cur.column(n); dst != nil {
		ru.off = int64(factored * in.cie.dataAlign)
		*dst = ru
	}
}

func (in *interpreter) restore(n uleb128) {
	if dst := in.cur.column(n); dst != nil {
		*dst = *in.cie.initialState.column(n)
	}
}

func (in *interpreter) defCFA(n uleb128, off int64) {
	reg, ok := dwarfReg(n)
	if !ok {
		in.cur.cfa = rule{kind: ruleUndefined}
		return
	}
	in.cur.cfa = rule{kind: ruleReg, reg: reg, off: off}
}

// exprRule decodes an expression operand. Unrecognized expressions yield an
// undefined rule so the remaining instructions still apply.
func (in *interpreter) exprRule(r *reader, what string) rule {
	e, err := r.expression()
	if err == nil {
		var ru rule
		if ru, err = matchExpr(e); err == nil {
			return ru
		}
	}
	log.Debugf("DWARF expression for %s at %#x: %v", what, in.loc, err)
	return rule{kind: ruleUndefined}
}

// run executes instructions until the location advances or the instructions end.
func (in *interpreter) run(r *reader) error {
	for r.hasData() {
		op := r.u8()
		switch op >> 6 {
		case insPrimaryAdvanceLoc:
			in.advance(uint64(op & 0x3f))
			return r.err
		case insPrimaryOffset:
			in.set(uleb128(op&0x3f), rule{kind: ruleAtCFA}, sleb128(r.uleb()))
			continue
		case insPrimaryRestore:
			in.restore(uleb128(op & 0x3f))
			continue
		}

		switch op {
		case insNop, insGNUWindowSave:
		case insSetLoc:
			in.loc = r.ptr(in.cie.enc)
			return r.err
		case insAdvanceLoc1:
			in.advance(uint64(r.u8()))
			return r.err
		case insAdvanceLoc2:
			in.advance(uint64(r.u16()))
			return r.err
		case insAdvanceLoc4:
			in.advance(uint64(r.u32()))
			return r.err
		case insOffsetExtended:
			n := r.uleb()
			in.set(n, rule{kind: ruleAtCFA}, sleb128(r.uleb()))
		case insOffsetExtendedSf:
			n := r.uleb()
			in.set(n, rule{kind: ruleAtCFA}, r.sleb())
		case insGNUNegOffsetExt:
			n := r.uleb()
			in.set(n, rule{kind: ruleAtCFA}, -sleb128(r.uleb()))
		case insValOffset:
			n := r.uleb()
			in.set(n, rule{kind: ruleCFAOffset}, sleb128(r.uleb()))
		case insValOffsetSf:
			n := r.uleb()
			in.set(n, rule{kind: ruleCFAOffset}, r.sleb())
		case insRestoreExtended:
			in.restore(r.uleb())
		case insUndefined:
			in.set(r.uleb(), rule{kind: ruleUndefined}, 0)
		case insSameValue:
			in.set(r.uleb(), rule{kind: ruleSame}, 0)
		case insRegister:
			n := r.uleb()
			src, ok := dwarfReg(r.uleb())
			if !ok {
				in.set(n, rule{kind: ruleUndefined}, 0)
				break
			}
			in.set(n, rule{kind: ruleReg, reg: src}, 0)
		case insRememberState:
			if in.depth == len(in.saved) {
				return fmt.Errorf("remember_state nested deeper than %d at %#x: %w",
					len(in.saved), in.loc, libpf.ErrUnsupported)
			}
			in.saved[in.depth] = in.cur
			in.depth++
		case insRestoreState:
			if in.depth == 0 {
				return fmt.Errorf("restore_state without remember_state at %#x: %w",
					in.loc, libpf.ErrProtocol)
			}
			in.depth--
			in.cur = in.saved[in.depth]
		case insDefCFA:
			n := r.uleb()
			in.defCFA(n, int64(r.uleb()))
		case insDefCFASf:
			n := r.uleb()
			in.defCFA(n, int64(r.sleb()*in.cie.dataAlign))
		case insDefCFARegister:
			off := in.cur.cfa.off
			in.defCFA(r.uleb(), off)
		case insDefCFAOffset:
			in.cur.cfa.off = int64(r.uleb())
		case insDefCFAOffsetSf:
			in.cur.cfa.off = int64(r.sleb() * in.cie.dataAlign)
		case insDefCFAExpression:
			in.cur.cfa = in.exprRule(r, "CFA")
		case insExpression:
			n := r.uleb()
			ru := in.exprRule(r, fmt.Sprintf("column %d", n))
			ru.saved = ru.kind != ruleUndefined
			if dst := in.cur.column(n); dst != nil {
				*dst = ru
			}
		case insValExpression:
			// Value expressions are not evaluated.
			in.set(r.uleb(), rule{kind: ruleUndefined}, 0)
			r.skip(int(r.uleb()))
		case insGNUArgsSize:
			// Callee popped arguments only matter for rsp based CFAs, which do not
			// occur together with them.
			r.uleb()
		default:
			return fmt.Errorf("call frame instruction %#02x at %#x: %w",
				op, in.loc, libpf.ErrUnsupported)
		}
	}
	return r.err
}

// rulesAt runs the FDE instructions and returns the rules in effect at ip.
func (pi *ProcInfo) rulesAt(ip uint64) (vmRegs, error) {
	if pi.CIE == nil {
		return vmRegs{}, fmt.Errorf("FDE %#x without CIE: %w", pi.FDE, libpf.ErrProtocol)
	}
	in := interpreter{cie: pi.CIE, loc: pi.StartIP, cur: pi.CIE.initialState}
	r := newReader(pi.Instructions, pi.insAddr)
	for r.hasData() && in.loc <= ip {
		if err := in.run(&r); err != nil {
			return vmRegs{}, err
		}
	}
	if r.err != nil {
		return vmRegs{}, r.err
	}
	return in.cur, nil
}
