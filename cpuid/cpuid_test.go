package cpuid_test

import (
	"runtime"
	"testing"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/google/go-cmp/cmp"
)

func TestCPUID(t *testing.T) {
	t.Parallel()

	if runtime.GOARCH != "amd64" {
		t.Skip("CPUID is only available on amd64")
	}

	eax, ebx, ecx, edx := cpuid.CPUID(0)

	t.Logf("eax:0x%x ebx:0x%x ecx:0x%x edx:0x%x",
		eax, ebx, ecx, edx)

	s := []rune{}
	for _, x := range []uint32{ebx, edx, ecx} {
		s = append(s, rune(x>>0)&0xff)
		s = append(s, rune(x>>8)&0xff)
		s = append(s, rune(x>>16)&0xff)
		s = append(s, rune(x>>24)&0xff)
	}

	if string(s) != "GenuineIntel" && string(s) != "AuthenticAMD" {
		t.Fatalf("Unknown CPU vender found: %s", string(s))
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   string
		want string
	}{
		{name: "kvm", in: "KVMKVMKVM\x00\x00\x00", want: "KVMKVMKVM"},
		{name: "full", in: "GOVMX_INSIDE", want: "GOVMX_INSIDE"},
		{name: "short", in: "ab", want: "ab"},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ebx, ecx, edx := cpuid.Signature(test.in)
			if got := cpuid.SignatureString(ebx, ecx, edx); got != test.want {
				t.Fatalf("SignatureString got %q, want %q", got, test.want)
			}
		})
	}

	ebx, ecx, edx := cpuid.Signature("KVMKVMKVM")
	if ebx != 0x4b4d564b || ecx != 0x564b4d56 || edx != 0x4d {
		t.Fatalf("Signature got %#x %#x %#x", ebx, ecx, edx)
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	patches := []cpuid.Patch{
		{
			Leaf: 1, Subleaf: cpuid.AnySubleaf, Reg: cpuid.ECX,
			Set:   cpuid.HYPERVISOR.Mask(),
			Clear: cpuid.VMX.Mask() | cpuid.MONITOR.Mask(),
		},
		{Leaf: 0xd, Subleaf: 1, Reg: cpuid.EAX, Clear: 1 << cpuid.XSAVES},
	}

	if err := cpuid.Validate(patches); err != nil {
		t.Fatal(err)
	}

	r := cpuid.Regs{ECX: cpuid.VMX.Mask() | cpuid.XSAVE.Mask()}
	cpuid.Apply(1, 0, &r, patches)

	want := cpuid.Regs{ECX: cpuid.HYPERVISOR.Mask() | cpuid.XSAVE.Mask()}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("leaf 1 mismatch (-want +got):\n%s", diff)
	}

	r = cpuid.Regs{EAX: 0xf}
	cpuid.Apply(0xd, 0, &r, patches)

	if r.EAX != 0xf {
		t.Fatalf("subleaf 0 got EAX %#x, want 0xf", r.EAX)
	}

	cpuid.Apply(0xd, 1, &r, patches)

	if r.EAX != 0x7 {
		t.Fatalf("subleaf 1 got EAX %#x, want 0x7", r.EAX)
	}

	if !cpuid.Has(r.EAX, cpuid.F1Ecx(0)) {
		t.Fatalf("Has reported bit 0 clear")
	}
}

func TestValidateOverlap(t *testing.T) {
	t.Parallel()

	err := cpuid.Validate([]cpuid.Patch{{Leaf: 1, Reg: cpuid.ECX, Set: 1, Clear: 1}})
	if err == nil {
		t.Fatal("overlapping patch was accepted")
	}
}
