package simhw_test

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/bobuhiro11/govmx/asm"
	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/simhw"
	"github.com/bobuhiro11/govmx/vmx"
)

const codeGPA = 0x1000

type rig struct {
	t   *testing.T
	mem *memory.Tracker
	m   *simhw.Machine
}

func newRig(t *testing.T, opts simhw.Options) *rig {
	t.Helper()

	mem := memory.NewTracker(memory.NewMmapAllocator(), 0)
	opts.Memory = mem

	return &rig{t: t, mem: mem, m: simhw.New(opts)}
}

func (r *rig) page() *memory.Page {
	r.t.Helper()

	p, err := r.mem.Alloc()
	if err != nil {
		r.t.Fatal(err)
	}

	p.Zero()
	binary.LittleEndian.PutUint32(p.Bytes(), simhw.ReferenceRevision)

	return p
}

func (r *rig) vmxon(c *simhw.Core) {
	r.t.Helper()

	if err := c.WriteMSR(vmx.MSRFeatureControl,
		vmx.FeatureControlLocked|vmx.FeatureControlVMXOutsideSMX); err != nil {
		r.t.Fatal(err)
	}

	c.SetCR4(c.CR4() | vmx.CR4VMXE)

	if res := c.VMXON(r.page().Addr()); res != vmx.Succeeded {
		r.t.Fatalf("VMXON got %v, want %v", res, vmx.Succeeded)
	}
}

// guest loads a fresh VMCS with the smallest valid controls and code
// mapped at codeGPA.
func (r *rig) guest(c *simhw.Core, code []byte, pin, proc uint32) (*ept.Table, uint64) {
	r.t.Helper()

	tbl, err := ept.New(r.mem, nil)
	if err != nil {
		r.t.Fatal(err)
	}

	cp := r.page()
	cp.Poison()
	copy(cp.Bytes(), code)

	if err := tbl.SetMapping(codeGPA, cp.Addr(), false); err != nil {
		r.t.Fatal(err)
	}

	vmcs := r.page().Addr()
	if res := c.VMPTRLD(vmcs); res != vmx.Succeeded {
		r.t.Fatalf("VMPTRLD got %v", res)
	}

	msrs := simhw.ReferenceMSRs()
	low := func(msr uint32) uint64 { return msrs[msr] & 0xffffffff }
	host := c.Host()

	for f, v := range map[vmx.Field]uint64{
		vmx.PinBasedControls:  low(vmx.MSRTruePinbasedCtls) | uint64(vmx.PinExternalInterrupt|vmx.PinNMI|pin),
		vmx.ProcBasedControls: low(vmx.MSRTrueProcbasedCtls) | uint64(vmx.ProcHLT|vmx.ProcActivateSecondary|proc),
		vmx.SecondaryControls: uint64(vmx.Proc2EPT),
		vmx.ExitControls:      low(vmx.MSRTrueExitCtls) | uint64(vmx.ExitAckInterrupt),
		vmx.EntryControls:     low(vmx.MSRTrueEntryCtls),
		vmx.EPTPointer:        tbl.EPTP(),
		vmx.GuestRIP:          codeGPA,
		vmx.HostCR4:           host.CR4,
		vmx.HostRIP:           0xffffffff81000000,
		vmx.HostTRBase:        host.TRBase,
		vmx.HostGDTRBase:      host.GDTRBase,
		vmx.HostGSBase:        host.GSBase,
	} {
		if res := c.VMWRITE(f, v); res != vmx.Succeeded {
			r.t.Fatalf("VMWRITE %v got %v", f, res)
		}
	}

	return tbl, vmcs
}

func read(t *testing.T, c *simhw.Core, f vmx.Field) uint64 {
	t.Helper()

	v, res := c.VMREAD(f)
	if res != vmx.Succeeded {
		t.Fatalf("VMREAD %v got %v", f, res)
	}

	return v
}

func TestFeatureControlLocked(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{MSRs: map[uint32]uint64{vmx.MSRFeatureControl: vmx.FeatureControlLocked}})
	c := r.m.Cores()[0]

	err := c.WriteMSR(vmx.MSRFeatureControl, vmx.FeatureControlLocked|vmx.FeatureControlVMXOutsideSMX)
	if !errors.Is(err, vmx.ErrGeneralProtection) {
		t.Fatalf("got %v, want %v", err, vmx.ErrGeneralProtection)
	}

	c.SetCR4(c.CR4() | vmx.CR4VMXE)

	if res := c.VMXON(r.page().Addr()); res != vmx.FailInvalid {
		t.Fatalf("got %v, want %v", res, vmx.FailInvalid)
	}

	if n := len(r.m.Violations()); n != 1 {
		t.Fatalf("violations got %d, want 1", n)
	}
}

func TestVMXONRevision(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]

	if err := c.WriteMSR(vmx.MSRFeatureControl,
		vmx.FeatureControlLocked|vmx.FeatureControlVMXOutsideSMX); err != nil {
		t.Fatal(err)
	}

	c.SetCR4(c.CR4() | vmx.CR4VMXE)

	bad := r.page()
	binary.LittleEndian.PutUint32(bad.Bytes(), simhw.ReferenceRevision+1)

	if res := c.VMXON(bad.Addr()); res != vmx.FailInvalid {
		t.Fatalf("got %v, want %v", res, vmx.FailInvalid)
	}

	if res := c.VMXON(r.page().Addr()); res != vmx.Succeeded {
		t.Fatalf("got %v, want %v", res, vmx.Succeeded)
	}
}

func TestVMPTRLDActiveElsewhere(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{Cores: 2})
	c0, c1 := r.m.Cores()[0], r.m.Cores()[1]
	r.vmxon(c0)
	r.vmxon(c1)

	vmcs := r.page().Addr()

	if res := c0.VMPTRLD(vmcs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if got := r.m.ActiveOn(vmcs); got != 0 {
		t.Fatalf("active on got %d, want 0", got)
	}

	if res := c0.VMCLEAR(vmcs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if res := c1.VMPTRLD(vmcs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if n := len(r.m.Violations()); n != 0 {
		t.Fatalf("violations got %v, want none", r.m.Violations())
	}

	if res := c0.VMPTRLD(vmcs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if n := len(r.m.Violations()); n != 1 {
		t.Fatalf("violations got %d, want 1", n)
	}
}

func TestLaunchState(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)
	r.guest(c, asm.New().HLT().Bytes(), 0, 0)

	var regs vmx.Regs

	if res := c.Enter(false, &regs); res != vmx.FailValid {
		t.Fatalf("resume got %v, want %v", res, vmx.FailValid)
	}

	if code := read(t, c, vmx.InstructionErrorField); code != uint64(vmx.ErrCodeVMRESUMENonLaunched) {
		t.Fatalf("error got %d, want %d", code, vmx.ErrCodeVMRESUMENonLaunched)
	}

	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("launch got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitHLT {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitHLT)
	}

	if res := c.Enter(true, &regs); res != vmx.FailValid {
		t.Fatalf("relaunch got %v, want %v", res, vmx.FailValid)
	}

	if code := read(t, c, vmx.InstructionErrorField); code != uint64(vmx.ErrCodeVMLAUNCHNonClear) {
		t.Fatalf("error got %d, want %d", code, vmx.ErrCodeVMLAUNCHNonClear)
	}
}

func TestInvalidControls(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)
	r.guest(c, asm.New().HLT().Bytes(), 0, 0)

	if res := c.VMWRITE(vmx.PinBasedControls, 0); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.FailValid {
		t.Fatalf("got %v, want %v", res, vmx.FailValid)
	}

	if code := read(t, c, vmx.InstructionErrorField); code != uint64(vmx.ErrCodeEntryInvalidControls) {
		t.Fatalf("error got %d, want %d", code, vmx.ErrCodeEntryInvalidControls)
	}
}

func TestExits(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		code   []byte
		reason vmx.ExitReason
		rip    uint64
		ilen   uint64
	}{
		{name: "vmcall", code: asm.New().NOP().VMCALL().Bytes(), reason: vmx.ExitVMCALL, rip: codeGPA + 1, ilen: 3},
		{name: "cpuid", code: asm.New().CPUID().Bytes(), reason: vmx.ExitCPUID, rip: codeGPA, ilen: 2},
		{name: "xsetbv", code: asm.New().XSETBV().Bytes(), reason: vmx.ExitXSETBV, rip: codeGPA, ilen: 3},
		{name: "rdmsr", code: asm.New().RDMSR().Bytes(), reason: vmx.ExitMSRRead, rip: codeGPA, ilen: 2},
		{name: "hlt", code: asm.New().MovImm(asm.RAX, 1).HLT().Bytes(), reason: vmx.ExitHLT, rip: codeGPA + 10, ilen: 1},
		{name: "ud2 without intercept", code: asm.New().UD2().Bytes(), reason: vmx.ExitTripleFault, rip: codeGPA},
		{name: "out", code: asm.New().Out(0x80).Bytes(), reason: vmx.ExitIOInstruction, rip: codeGPA, ilen: 2},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, simhw.Options{})
			c := r.m.Cores()[0]
			r.vmxon(c)
			r.guest(c, test.code, 0, vmx.ProcUnconditionalIO)

			var regs vmx.Regs
			if res := c.Enter(true, &regs); res != vmx.Succeeded {
				t.Fatalf("got %v", res)
			}

			if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != test.reason {
				t.Fatalf("exit got %v, want %v", reason, test.reason)
			}

			if rip := read(t, c, vmx.GuestRIP); rip != test.rip {
				t.Fatalf("rip got %#x, want %#x", rip, test.rip)
			}

			if test.ilen == 0 {
				return
			}

			if ilen := read(t, c, vmx.ExitInstructionLen); ilen != test.ilen {
				t.Fatalf("instruction length got %d, want %d", ilen, test.ilen)
			}
		})
	}
}

func TestIOQualification(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)
	r.guest(c, asm.New().In(0x71).Bytes(), 0, vmx.ProcUnconditionalIO)

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if got, want := read(t, c, vmx.ExitQualification), uint64(0x71<<16|1<<6|1<<3); got != want {
		t.Fatalf("qualification got %#x, want %#x", got, want)
	}
}

func TestEPTViolation(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)

	code := asm.New().
		MovImm(asm.RBX, 0x5000).
		Store(asm.RBX, 8, asm.RAX).
		Bytes()
	tbl, _ := r.guest(c, code, 0, 0)

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitEPTViolation {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitEPTViolation)
	}

	if gpa := read(t, c, vmx.GuestPhysicalAddress); gpa != 0x5008 {
		t.Fatalf("gpa got %#x, want 0x5008", gpa)
	}

	qual := read(t, c, vmx.ExitQualification)
	if qual&vmx.EPTQualWrite == 0 || qual&(vmx.EPTQualReadable|vmx.EPTQualWritable) != 0 {
		t.Fatalf("qualification got %#x, want a write to a missing page", qual)
	}

	if rip := read(t, c, vmx.GuestRIP); rip != codeGPA+10 {
		t.Fatalf("rip got %#x, want %#x", rip, codeGPA+10)
	}

	data := r.page()
	if err := tbl.SetMapping(0x5000, data.Addr(), true); err != nil {
		t.Fatal(err)
	}

	regs.RAX = 0xfeedface
	if res := c.Enter(false, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if got := binary.LittleEndian.Uint64(data.Bytes()[8:]); got != 0xfeedface {
		t.Fatalf("stored got %#x, want 0xfeedface", got)
	}
}

func TestNegativeDisplacement(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)

	code := asm.New().
		MovImm(asm.R12, 0x5010).
		MovImm(asm.R10, 0xfeedface).
		Store(asm.R12, -8, asm.R10).
		HLT().
		Bytes()
	tbl, _ := r.guest(c, code, 0, 0)

	data := r.page()
	if err := tbl.SetMapping(0x5000, data.Addr(), true); err != nil {
		t.Fatal(err)
	}

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitHLT {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitHLT)
	}

	if got := binary.LittleEndian.Uint64(data.Bytes()[8:]); got != 0xfeedface {
		t.Fatalf("stored at 0x5008 got %#x, want 0xfeedface", got)
	}
}

func TestTimerPreemptsSpinningGuest(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{Quantum: 16})
	c := r.m.Cores()[0]
	r.vmxon(c)
	r.guest(c, asm.New().Spin().Bytes(), 0, 0)

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitExternalInterrupt {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitExternalInterrupt)
	}

	want := uint64(vmx.IntrInfoValid) | uint64(simhw.VectorTimer)
	if info := read(t, c, vmx.ExitIntrInfo); info != want {
		t.Fatalf("info got %#x, want %#x", info, want)
	}

	if got := c.Retired(); got != 16 {
		t.Fatalf("retired got %d, want 16", got)
	}
}

func TestPostedInterrupts(t *testing.T) {
	t.Parallel()

	const notify = 0xf2

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)
	r.guest(c, asm.New().HLT().Bytes(), vmx.PinPostedInterrupts, 0)

	desc, vapic := r.page(), r.page()
	desc.Zero()
	vapic.Zero()

	// vector 0x41 and 0xa0 requested, notification outstanding.
	atomic.StoreUint64(desc.Word(8), 1<<1)
	atomic.StoreUint64(desc.Word(16), 1<<32)
	atomic.StoreUint64(desc.Word(32), 1)

	for f, v := range map[vmx.Field]uint64{
		vmx.PostedIntrNotifyVec: notify,
		vmx.PostedIntrDescAddr:  desc.Addr(),
		vmx.VirtualAPICPageAddr: vapic.Addr(),
	} {
		if res := c.VMWRITE(f, v); res != vmx.Succeeded {
			t.Fatalf("VMWRITE %v got %v", f, res)
		}
	}

	c.Raise(notify)

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitHLT {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitHLT)
	}

	if c.Posted() != 1 || c.Pending(notify) {
		t.Fatalf("posted got %d pending %v, want 1 false", c.Posted(), c.Pending(notify))
	}

	if on := atomic.LoadUint64(desc.Word(32)); on != 0 {
		t.Fatalf("ON got %d, want 0", on)
	}

	for _, w := range []uintptr{0, 8, 16, 24} {
		if pir := atomic.LoadUint64(desc.Word(w)); pir != 0 {
			t.Fatalf("PIR word %d got %#x, want 0", w/8, pir)
		}
	}

	if got := atomic.LoadUint32(vapic.Word32(0x200 + 0x10*2)); got != 1<<1 {
		t.Fatalf("IRR 0x40 got %#x, want 0x2", got)
	}

	if got := atomic.LoadUint32(vapic.Word32(0x200 + 0x10*5)); got != 1 {
		t.Fatalf("IRR 0xa0 got %#x, want 0x1", got)
	}
}

func TestMSRBitmap(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]
	r.vmxon(c)

	code := asm.New().
		MovImm(asm.RCX, uint64(vmx.MSRFSBase)).
		MovImm(asm.RAX, 0x1234).
		MovImm(asm.RDX, 0).
		WRMSR().
		HLT().
		Bytes()
	r.guest(c, code, 0, vmx.ProcUseMSRBitmaps)

	bitmap := r.page()
	bitmap.Zero()

	if res := c.VMWRITE(vmx.MSRBitmap, bitmap.Addr()); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	var regs vmx.Regs
	if res := c.Enter(true, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitHLT {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitHLT)
	}

	if base := read(t, c, vmx.GuestFSBase); base != 0x1234 {
		t.Fatalf("fs base got %#x, want 0x1234", base)
	}

	// Intercept writes of the FS base and run the program again.
	bitmap.Bytes()[1024+2048+0x100/8] = 1

	if res := c.VMWRITE(vmx.GuestRIP, codeGPA); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if res := c.Enter(false, &regs); res != vmx.Succeeded {
		t.Fatalf("got %v", res)
	}

	if reason := vmx.BasicExitReason(read(t, c, vmx.ExitReasonField)); reason != vmx.ExitMSRWrite {
		t.Fatalf("exit got %v, want %v", reason, vmx.ExitMSRWrite)
	}
}

func TestXSETBV(t *testing.T) {
	t.Parallel()

	r := newRig(t, simhw.Options{})
	c := r.m.Cores()[0]

	for _, test := range []struct {
		v  uint64
		ok bool
	}{
		{v: 0x3, ok: true},
		{v: 0x7, ok: true},
		{v: 0x2},
		{v: 0x5},
		{v: 0xf},
	} {
		err := c.XSETBV(test.v)
		if (err == nil) != test.ok {
			t.Fatalf("xsetbv %#x got %v, want ok %v", test.v, err, test.ok)
		}
	}
}
