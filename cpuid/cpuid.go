// Package cpuid executes CPUID on the host and rewrites CPUID results
// through bit patches.
package cpuid

import (
	"errors"
	"fmt"
)

// Regs holds the four output registers of one CPUID invocation.
type Regs struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// CPUID executes CPUID for leaf with subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDCount executes CPUID for leaf and subleaf.
func CPUIDCount(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}

// XCR0 returns the host's extended control register 0, or 0 when the OS
// has not enabled XSAVE.
func XCR0() uint64 {
	_, _, ecx, _ := cpuidLow(1, 0)
	if ecx&OSXSAVE.Mask() == 0 {
		return 0
	}

	eax, edx := xgetbvLow(0)

	return uint64(edx)<<32 | uint64(eax)
}

// Reg names one CPUID output register.
type Reg uint8

const (
	EAX Reg = iota
	EBX
	ECX
	EDX
)

// AnySubleaf matches every subleaf of a leaf.
const AnySubleaf = ^uint32(0)

// Patch forces bits of one output register of one leaf.
type Patch struct {
	Leaf    uint32
	Subleaf uint32
	Reg     Reg
	Set     uint32
	Clear   uint32
}

var errInvalidPatchset = errors.New("invalid patch: set and clear overlap")

// Validate checks that no patch both sets and clears a bit.
func Validate(patches []Patch) error {
	for _, p := range patches {
		if p.Set&p.Clear != 0 {
			return fmt.Errorf("%w: leaf %#x reg %d bits %#x", errInvalidPatchset, p.Leaf, p.Reg, p.Set&p.Clear)
		}
	}

	return nil
}

// Apply rewrites r, the result of leaf/subleaf, with every matching patch.
func Apply(leaf, subleaf uint32, r *Regs, patches []Patch) {
	for _, p := range patches {
		if p.Leaf != leaf || (p.Subleaf != AnySubleaf && p.Subleaf != subleaf) {
			continue
		}

		reg := r.reg(p.Reg)
		*reg = (*reg &^ p.Clear) | p.Set
	}
}

func (r *Regs) reg(n Reg) *uint32 {
	switch n {
	case EAX:
		return &r.EAX
	case EBX:
		return &r.EBX
	case ECX:
		return &r.ECX
	default:
		return &r.EDX
	}
}
