package vmm

import (
	"github.com/bobuhiro11/govmx/asm"
	"github.com/bobuhiro11/govmx/vmexit"
)

const (
	leafSignature = 0x40000100
	guestXCR0     = 0x3
)

// Program returns the demo guest. It asks for the hypervisor signature,
// narrows its XCR0 to x87 and SSE, stores to a lazily populated page,
// prints msg and halts.
func Program(msg string) []byte {
	return asm.New().
		MovImm(asm.RAX, leafSignature).
		MovImm(asm.RCX, 0).
		CPUID().
		MovImm(asm.RAX, guestXCR0).
		MovImm(asm.RDX, 0).
		MovImm(asm.RCX, 0).
		XSETBV().
		MovImm(asm.RBX, DataVA).
		Store(asm.RBX, 0, asm.RAX).
		PrintString(msg, vmexit.HypercallPrintChar).
		HLT().
		Bytes()
}

// Busy returns a guest that runs n CPUID instructions and halts.
func Busy(n int) []byte {
	p := asm.New()
	for range n {
		p.CPUID()
	}

	return p.HLT().Bytes()
}
