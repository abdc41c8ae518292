package asm_test

import (
	"testing"

	"github.com/bobuhiro11/govmx/asm"
	"golang.org/x/arch/x86/x86asm"
)

func TestEncodings(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		prog *asm.Program
		op   x86asm.Op
		args []x86asm.Arg
	}{
		{
			name: "mov imm", prog: asm.New().MovImm(asm.R9, 0x1122334455667788),
			op: x86asm.MOV, args: []x86asm.Arg{x86asm.R9, x86asm.Imm(0x1122334455667788)},
		},
		{
			name: "load", prog: asm.New().Load(asm.RAX, asm.RBX, 0x10),
			op: x86asm.MOV, args: []x86asm.Arg{x86asm.RAX, x86asm.Mem{Base: x86asm.RBX, Disp: 0x10}},
		},
		{
			name: "load rsp base", prog: asm.New().Load(asm.RCX, asm.RSP, 8),
			op: x86asm.MOV, args: []x86asm.Arg{x86asm.RCX, x86asm.Mem{Base: x86asm.RSP, Disp: 8}},
		},
		{
			name: "store r12", prog: asm.New().Store(asm.R12, -8, asm.R10),
			op: x86asm.MOV, args: []x86asm.Arg{x86asm.Mem{Base: x86asm.R12, Disp: -8}, x86asm.R10},
		},
		{
			name: "add", prog: asm.New().AddImm(asm.RDX, 3),
			op: x86asm.ADD, args: []x86asm.Arg{x86asm.RDX, x86asm.Imm(3)},
		},
		{name: "cpuid", prog: asm.New().CPUID(), op: x86asm.CPUID},
		{name: "xsetbv", prog: asm.New().XSETBV(), op: x86asm.XSETBV},
		{name: "rdmsr", prog: asm.New().RDMSR(), op: x86asm.RDMSR},
		{name: "wrmsr", prog: asm.New().WRMSR(), op: x86asm.WRMSR},
		{name: "rdtsc", prog: asm.New().RDTSC(), op: x86asm.RDTSC},
		{name: "hlt", prog: asm.New().HLT(), op: x86asm.HLT},
		{name: "ud2", prog: asm.New().UD2(), op: x86asm.UD2},
		{name: "pause", prog: asm.New().Pause(), op: x86asm.PAUSE},
		{name: "out", prog: asm.New().Out(0x80), op: x86asm.OUT, args: []x86asm.Arg{x86asm.Imm(0x80), x86asm.AL}},
		{name: "in", prog: asm.New().In(0x71), op: x86asm.IN, args: []x86asm.Arg{x86asm.AL, x86asm.Imm(0x71)}},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			b := test.prog.Bytes()

			inst, err := x86asm.Decode(b, 64)
			if err != nil {
				t.Fatal(err)
			}

			if inst.Len != len(b) {
				t.Fatalf("length got %d, want %d", inst.Len, len(b))
			}

			if inst.Op != test.op {
				t.Fatalf("op got %v, want %v", inst.Op, test.op)
			}

			for i, want := range test.args {
				got := inst.Args[i]
				if m, ok := got.(x86asm.Mem); ok {
					// The decoder does not sign-extend 32-bit displacements.
					got = x86asm.Mem{Base: m.Base, Disp: int64(int32(m.Disp))}
				}

				if got != want {
					t.Fatalf("arg %d got %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestJmp(t *testing.T) {
	t.Parallel()

	p := asm.New().NOP().NOP()
	p.Jmp(0)

	inst, err := x86asm.Decode(p.Bytes()[2:], 64)
	if err != nil {
		t.Fatal(err)
	}

	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok || int(rel) != -7 {
		t.Fatalf("got %v, want rel -7", inst.Args[0])
	}

	spin := asm.New().Spin().Bytes()
	if want := []byte{0xe9, 0xfb, 0xff, 0xff, 0xff}; string(spin) != string(want) {
		t.Fatalf("got %x, want %x", spin, want)
	}
}

func TestVMCALL(t *testing.T) {
	t.Parallel()

	b := asm.New().VMCALL().Bytes()
	if string(b) != "\x0f\x01\xc1" {
		t.Fatalf("got %x, want 0f01c1", b)
	}

	p := asm.New().PrintString("hi", 0x31337)
	if got, want := p.Len(), 2*(10+10+3); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
