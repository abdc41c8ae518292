// Package asm assembles the handful of x86-64 instructions that guest
// programs run by the hypervisor are made of.
package asm

import (
	"encoding/binary"
)

// Reg is a 64-bit general purpose register in encoding order.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const (
	rexW = 0x48
	rexR = 0x04
	rexB = 0x01

	modDisp32 = 0x80
	modReg    = 0xc0
	sibNoIdx  = 0x24
)

// Program is a guest code buffer. Methods append one instruction each and
// return the program so calls can be chained.
type Program struct {
	buf []byte
}

func New() *Program {
	return &Program{}
}

// Bytes returns the assembled code.
func (p *Program) Bytes() []byte {
	return p.buf
}

// Len returns the current offset, usable as a jump target.
func (p *Program) Len() int {
	return len(p.buf)
}

func (p *Program) emit(b ...byte) *Program {
	p.buf = append(p.buf, b...)

	return p
}

func (p *Program) imm32(v uint32) *Program {
	return p.emit(binary.LittleEndian.AppendUint32(nil, v)...)
}

func rex(reg, rm Reg) byte {
	b := byte(rexW)
	if reg >= R8 {
		b |= rexR
	}

	if rm >= R8 {
		b |= rexB
	}

	return b
}

// MovImm loads a 64-bit immediate: mov r, imm64.
func (p *Program) MovImm(r Reg, v uint64) *Program {
	p.emit(rex(0, r), 0xb8+byte(r&7))

	return p.emit(binary.LittleEndian.AppendUint64(nil, v)...)
}

func (p *Program) memOp(op byte, r, base Reg, disp int32) *Program {
	p.emit(rex(r, base), op, modDisp32|byte(r&7)<<3|byte(base&7))
	if base&7 == RSP {
		p.emit(sibNoIdx)
	}

	return p.imm32(uint32(disp))
}

// Load is mov dst, [base+disp].
func (p *Program) Load(dst, base Reg, disp int32) *Program {
	return p.memOp(0x8b, dst, base, disp)
}

// Store is mov [base+disp], src.
func (p *Program) Store(base Reg, disp int32, src Reg) *Program {
	return p.memOp(0x89, src, base, disp)
}

// AddImm is add r, imm32 with the immediate sign-extended.
func (p *Program) AddImm(r Reg, v int32) *Program {
	p.emit(rex(0, r), 0x81, modReg|byte(r&7))

	return p.imm32(uint32(v))
}

// Jmp jumps to the absolute program offset target.
func (p *Program) Jmp(target int) *Program {
	p.emit(0xe9)

	return p.imm32(uint32(int32(target - (len(p.buf) + 4))))
}

// Out writes AL to an 8-bit port.
func (p *Program) Out(port uint8) *Program { return p.emit(0xe6, port) }

// In reads an 8-bit port into AL.
func (p *Program) In(port uint8) *Program { return p.emit(0xe4, port) }

func (p *Program) CPUID() *Program  { return p.emit(0x0f, 0xa2) }
func (p *Program) VMCALL() *Program { return p.emit(0x0f, 0x01, 0xc1) }
func (p *Program) XSETBV() *Program { return p.emit(0x0f, 0x01, 0xd1) }
func (p *Program) RDMSR() *Program  { return p.emit(0x0f, 0x32) }
func (p *Program) WRMSR() *Program  { return p.emit(0x0f, 0x30) }
func (p *Program) RDTSC() *Program  { return p.emit(0x0f, 0x31) }
func (p *Program) HLT() *Program    { return p.emit(0xf4) }
func (p *Program) UD2() *Program    { return p.emit(0x0f, 0x0b) }
func (p *Program) NOP() *Program    { return p.emit(0x90) }
func (p *Program) Pause() *Program  { return p.emit(0xf3, 0x90) }

// Spin is an endless loop of a single jump to itself.
func (p *Program) Spin() *Program {
	return p.Jmp(p.Len())
}

// PrintString emits one print-character hypercall per byte of s.
func (p *Program) PrintString(s string, hypercall uint64) *Program {
	for i := range len(s) {
		p.MovImm(RAX, hypercall).MovImm(RDI, uint64(s[i])).VMCALL()
	}

	return p
}
