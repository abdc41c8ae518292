package vmexit

import (
	"fmt"

	"github.com/bobuhiro11/govmx/proc"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes the guest instruction at rip and returns it in GNU
// syntax.
func Disassemble(p *proc.Process, rip uint64) (string, error) {
	b, err := p.FetchInstruction(rip)
	if err != nil {
		return "", fmt.Errorf("reading rip %#x: %w", rip, err)
	}

	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		return "", fmt.Errorf("decoding % x: %w", b, err)
	}

	return x86asm.GNUSyntax(inst, rip, nil), nil
}
