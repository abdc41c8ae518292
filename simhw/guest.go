package simhw

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/bobuhiro11/govmx/ept"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"golang.org/x/arch/x86/x86asm"
)

const (
	vectorNMI = 2
	vectorUD  = 6
	vectorGP  = 13

	maxInstLen = 15

	// Offsets in the posted-interrupt descriptor and virtual-APIC page.
	piControl = 32
	piON      = 1
	vapicIRR  = 0x200

	msrBitmapHigh  = 1024
	msrBitmapWrite = 2048
	msrHighBase    = 0xc0000000
	msrRangeMask   = 0x1fff

	ioQualIn  = 1 << 3
	ioQualImm = 1 << 6
)

// vmexit is what the core writes into the exit information fields.
type vmexit struct {
	reason  vmx.ExitReason
	qual    uint64
	intr    uint32
	errCode uint32
	ilen    int
	gpa     uint64
}

// guest is the state of one run between VM entry and VM exit.
type guest struct {
	c    *Core
	st   *vmcsState
	regs *vmx.Regs

	rip, rsp uint64
	pin      uint32
	proc     uint32
	exitCtls uint32
	eptp     uint64
	ticks    int
}

func (c *Core) run(st *vmcsState, regs *vmx.Regs) {
	g := &guest{
		c:        c,
		st:       st,
		regs:     regs,
		rip:      st.get(vmx.GuestRIP),
		rsp:      st.get(vmx.GuestRSP),
		pin:      uint32(st.get(vmx.PinBasedControls)),
		proc:     uint32(st.get(vmx.ProcBasedControls)),
		exitCtls: uint32(st.get(vmx.ExitControls)),
		eptp:     st.get(vmx.EPTPointer),
	}

	e := g.loop()

	st.set(vmx.ExitReasonField, uint64(e.reason))
	st.set(vmx.ExitQualification, e.qual)
	st.set(vmx.ExitIntrInfo, uint64(e.intr))
	st.set(vmx.ExitIntrErrorCode, uint64(e.errCode))
	st.set(vmx.ExitInstructionLen, uint64(e.ilen))
	st.set(vmx.GuestPhysicalAddress, e.gpa)
	st.set(vmx.GuestLinearAddress, e.gpa)
	st.set(vmx.GuestRIP, g.rip)
	st.set(vmx.GuestRSP, g.rsp)

	c.exits.Add(1)
}

func (g *guest) loop() vmexit {
	for {
		if e, ok := g.event(); ok {
			return e
		}

		if e, ok := g.step(); ok {
			return e
		}

		g.c.retired.Add(1)

		g.ticks++
		if g.ticks%g.c.m.opts.Quantum == 0 {
			g.c.Raise(VectorTimer)
		}
	}
}

// event delivers a pending NMI or interrupt, which exits unless it is the
// posted-interrupt notification.
func (g *guest) event() (vmexit, bool) {
	c := g.c

	c.apic.Lock()
	defer c.apic.Unlock()

	if c.nmi && g.pin&vmx.PinNMI != 0 {
		c.nmi = false

		return vmexit{
			reason: vmx.ExitExceptionNMI,
			intr:   vmx.IntrInfoValid | vmx.IntrTypeNMI | vectorNMI,
		}, true
	}

	for {
		v, ok := highest(&c.irr)
		if !ok {
			return vmexit{}, false
		}

		if g.pin&vmx.PinPostedInterrupts != 0 && uint64(v) == g.st.get(vmx.PostedIntrNotifyVec) {
			c.irr[v/64] &^= 1 << (v % 64)
			g.post()

			continue
		}

		if g.pin&vmx.PinExternalInterrupt == 0 {
			return vmexit{}, false
		}

		e := vmexit{reason: vmx.ExitExternalInterrupt}
		if g.exitCtls&vmx.ExitAckInterrupt != 0 {
			c.irr[v/64] &^= 1 << (v % 64)
			c.isr[v/64] |= 1 << (v % 64)
			e.intr = vmx.IntrInfoValid | vmx.IntrTypeExternal | uint32(v)
		}

		return e, true
	}
}

// post moves the posted-interrupt requests into the virtual-APIC IRR.
func (g *guest) post() {
	mem := g.c.m.opts.Memory
	desc := g.st.get(vmx.PostedIntrDescAddr)

	dp, ok := mem.Lookup(desc)
	if !ok {
		g.c.m.violate("core %d: posted-interrupt descriptor %#x not in memory", g.c.id, desc)

		return
	}

	vp, ok := mem.Lookup(g.st.get(vmx.VirtualAPICPageAddr))
	if !ok {
		g.c.m.violate("core %d: virtual-APIC page not in memory", g.c.id)

		return
	}

	off := uintptr(desc & memory.PageMask)
	atomic.AndUint64(dp.Word(off+piControl), ^uint64(piON))

	for i := range 4 {
		pir := atomic.SwapUint64(dp.Word(off+8*uintptr(i)), 0)

		for half := range 2 {
			if bits := uint32(pir >> (32 * half)); bits != 0 {
				atomic.OrUint32(vp.Word32(vapicIRR+0x10*uintptr(2*i+half)), bits)
			}
		}
	}

	g.c.posted.Add(1)
}

func (g *guest) step() (vmexit, bool) {
	buf, fault, ok := g.fetch()
	if !ok {
		return fault, true
	}

	if reason, ok := vmxInstruction(buf); ok {
		return vmexit{reason: reason, ilen: 3}, true
	}

	inst, err := x86asm.Decode(buf, 64)
	if errors.Is(err, x86asm.ErrTruncated) && len(buf) < maxInstLen {
		return fault, true
	}

	if err != nil {
		return g.exception(vectorUD, 0, false)
	}

	next := g.rip + uint64(inst.Len)

	switch inst.Op {
	case x86asm.NOP:
	case x86asm.PAUSE:
		if g.proc&vmx.ProcPAUSE != 0 {
			return vmexit{reason: vmx.ExitPAUSE, ilen: inst.Len}, true
		}
	case x86asm.HLT:
		if g.proc&vmx.ProcHLT != 0 {
			return vmexit{reason: vmx.ExitHLT, ilen: inst.Len}, true
		}
	case x86asm.MONITOR:
		if g.proc&vmx.ProcMONITOR != 0 {
			return vmexit{reason: vmx.ExitMONITOR, ilen: inst.Len}, true
		}
	case x86asm.MWAIT:
		if g.proc&vmx.ProcMWAIT != 0 {
			return vmexit{reason: vmx.ExitMWAIT, ilen: inst.Len}, true
		}
	case x86asm.CPUID:
		return vmexit{reason: vmx.ExitCPUID, ilen: inst.Len}, true
	case x86asm.XSETBV:
		return vmexit{reason: vmx.ExitXSETBV, ilen: inst.Len}, true
	case x86asm.RDMSR:
		if g.msrIntercepted(uint32(g.regs.RCX), false) {
			return vmexit{reason: vmx.ExitMSRRead, ilen: inst.Len}, true
		}

		if e, ok := g.rdmsr(); ok {
			return e, true
		}
	case x86asm.WRMSR:
		if g.msrIntercepted(uint32(g.regs.RCX), true) {
			return vmexit{reason: vmx.ExitMSRWrite, ilen: inst.Len}, true
		}

		if e, ok := g.wrmsr(); ok {
			return e, true
		}
	case x86asm.RDTSC:
		if g.proc&vmx.ProcRDTSC != 0 {
			return vmexit{reason: vmx.ExitRDTSC, ilen: inst.Len}, true
		}

		tsc := g.c.retired.Load()
		if g.proc&vmx.ProcTSCOffsetting != 0 {
			tsc += g.st.get(vmx.TSCOffset)
		}

		g.regs.RAX, g.regs.RDX = tsc&0xffffffff, tsc>>32
	case x86asm.IN, x86asm.OUT:
		if e, ok := g.io(inst); ok {
			return e, true
		}
	case x86asm.MOV, x86asm.ADD:
		if e, ok := g.arith(inst, next); ok {
			return e, true
		}
	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return g.exception(vectorUD, 0, false)
		}

		next += uint64(int64(rel))
	default:
		return g.exception(vectorUD, 0, false)
	}

	g.rip = next

	return vmexit{}, false
}

// vmxInstruction recognises the 0f 01 c1..c4 group, which always exits.
func vmxInstruction(b []byte) (vmx.ExitReason, bool) {
	if len(b) < 3 || b[0] != 0x0f || b[1] != 0x01 {
		return 0, false
	}

	switch b[2] {
	case 0xc1:
		return vmx.ExitVMCALL, true
	case 0xc2:
		return vmx.ExitVMLAUNCH, true
	case 0xc3:
		return vmx.ExitVMRESUME, true
	case 0xc4:
		return vmx.ExitVMXOFF, true
	}

	return 0, false
}

// exception raises vector in the guest. Intercepted exceptions exit; the
// model has no guest IDT, so any other exception is a triple fault.
func (g *guest) exception(vector uint32, code uint32, hasCode bool) (vmexit, bool) {
	if g.st.get(vmx.ExceptionBitmap)&(1<<vector) == 0 {
		return vmexit{reason: vmx.ExitTripleFault}, true
	}

	e := vmexit{
		reason: vmx.ExitExceptionNMI,
		intr:   vmx.IntrInfoValid | vmx.IntrTypeHardExcep | vector,
	}

	if hasCode {
		e.intr |= vmx.IntrInfoErrorCodeValid
		e.errCode = code
	}

	return e, true
}

// translate walks the EPT the way the processor does.
func (g *guest) translate(gpa, access uint64) (*memory.Page, uint64, vmexit, bool) {
	mem := g.c.m.opts.Memory
	table := g.eptp &^ memory.PageMask

	for level := ept.Levels - 1; level >= 0; level-- {
		p, ok := mem.Lookup(table)
		if !ok {
			return nil, 0, vmexit{reason: vmx.ExitEPTMisconfig, gpa: gpa}, false
		}

		e := ept.Entry(atomic.LoadUint64(&p.Entries()[ept.Index(gpa, level)]))
		if !e.Present() {
			return nil, 0, violation(gpa, access, 0), false
		}

		if level > 0 && !e.IsHuge() {
			table = e.Address()

			continue
		}

		if !permits(e, access) {
			return nil, 0, violation(gpa, access, e), false
		}

		hpa := e.Address() | gpa&memory.PageMask
		if e.IsHuge() {
			hpa = e.Address() + gpa%ept.HugePageSize
		}

		hp, ok := mem.Lookup(hpa)
		if !ok {
			return nil, 0, vmexit{reason: vmx.ExitEPTMisconfig, gpa: gpa}, false
		}

		return hp, hpa & memory.PageMask, vmexit{}, true
	}

	return nil, 0, vmexit{reason: vmx.ExitEPTMisconfig, gpa: gpa}, false
}

func permits(e ept.Entry, access uint64) bool {
	switch access {
	case vmx.EPTQualWrite:
		return e.Writable()
	case vmx.EPTQualFetch:
		return e.Executable()
	}

	return e.Readable()
}

func violation(gpa, access uint64, e ept.Entry) vmexit {
	return vmexit{
		reason: vmx.ExitEPTViolation,
		qual:   access | uint64(e&ept.RWX)<<3 | vmx.EPTQualLinearValid | 1<<8,
		gpa:    gpa,
	}
}

// fetch returns up to maxInstLen bytes at RIP. When the instruction may
// cross into an unmapped page the returned exit describes that page.
func (g *guest) fetch() ([]byte, vmexit, bool) {
	p, off, e, ok := g.translate(g.rip, vmx.EPTQualFetch)
	if !ok {
		return nil, e, false
	}

	n := min(maxInstLen, memory.PageSize-off)
	buf := append([]byte(nil), p.Bytes()[off:off+n]...)

	if n < maxInstLen {
		np, _, e, ok := g.translate(g.rip+n, vmx.EPTQualFetch)
		if !ok {
			return buf, e, true
		}

		buf = append(buf, np.Bytes()[:maxInstLen-n]...)
	}

	return buf, vmexit{}, true
}

// span resolves n bytes at gpa, which may cross one page boundary.
func (g *guest) span(gpa uint64, n int, access uint64) ([][]byte, vmexit, bool) {
	var out [][]byte

	for done := 0; done < n; {
		p, off, e, ok := g.translate(gpa+uint64(done), access)
		if !ok {
			return nil, e, false
		}

		chunk := p.Bytes()[off:min(memory.PageSize, off+uint64(n-done))]
		out = append(out, chunk)
		done += len(chunk)
	}

	return out, vmexit{}, true
}

func (g *guest) load(gpa uint64, n int) (uint64, vmexit, bool) {
	chunks, e, ok := g.span(gpa, n, vmx.EPTQualRead)
	if !ok {
		return 0, e, false
	}

	var b [8]byte

	i := 0
	for _, c := range chunks {
		i += copy(b[i:], c)
	}

	return binary.LittleEndian.Uint64(b[:]), vmexit{}, true
}

func (g *guest) store(gpa uint64, n int, v uint64) (vmexit, bool) {
	chunks, e, ok := g.span(gpa, n, vmx.EPTQualWrite)
	if !ok {
		return e, false
	}

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)

	i := 0
	for _, c := range chunks {
		i += copy(c, b[i:n])
	}

	return vmexit{}, true
}

// reg returns the storage of a 64 or 32-bit general purpose register.
func (g *guest) reg(r x86asm.Reg) (*uint64, int) {
	gprs := [...]*uint64{
		&g.regs.RAX, &g.regs.RCX, &g.regs.RDX, &g.regs.RBX,
		&g.rsp, &g.regs.RBP, &g.regs.RSI, &g.regs.RDI,
		&g.regs.R8, &g.regs.R9, &g.regs.R10, &g.regs.R11,
		&g.regs.R12, &g.regs.R13, &g.regs.R14, &g.regs.R15,
	}

	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return gprs[r-x86asm.RAX], 8
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return gprs[r-x86asm.EAX], 4
	}

	return nil, 0
}

func (g *guest) addr(m x86asm.Mem, next uint64) (uint64, bool) {
	var a uint64

	switch m.Base {
	case 0:
	case x86asm.RIP:
		a = next
	default:
		p, size := g.reg(m.Base)
		if size != 8 {
			return 0, false
		}

		a = *p
	}

	if m.Index != 0 {
		p, size := g.reg(m.Index)
		if size != 8 {
			return 0, false
		}

		a += *p * uint64(m.Scale)
	}

	// x86asm leaves a 32-bit displacement zero-extended.
	return a + uint64(int64(int32(m.Disp))), true
}

// arith runs MOV and ADD between registers, immediates and memory.
func (g *guest) arith(inst x86asm.Inst, next uint64) (vmexit, bool) {
	size := inst.MemBytes
	if r, ok := inst.Args[0].(x86asm.Reg); ok {
		_, size = g.reg(r)
	}

	if size != 4 && size != 8 {
		return g.exception(vectorUD, 0, false)
	}

	var src uint64

	switch a := inst.Args[1].(type) {
	case x86asm.Reg:
		p, _ := g.reg(a)
		if p == nil {
			return g.exception(vectorUD, 0, false)
		}

		src = *p
	case x86asm.Imm:
		src = uint64(int64(a))
	case x86asm.Mem:
		addr, ok := g.addr(a, next)
		if !ok {
			return g.exception(vectorUD, 0, false)
		}

		v, e, ok := g.load(addr, size)
		if !ok {
			return e, true
		}

		src = v
	default:
		return g.exception(vectorUD, 0, false)
	}

	switch a := inst.Args[0].(type) {
	case x86asm.Reg:
		p, _ := g.reg(a)
		if inst.Op == x86asm.ADD {
			src += *p
		}

		if size == 4 {
			src = uint64(uint32(src))
		}

		*p = src
	case x86asm.Mem:
		addr, ok := g.addr(a, next)
		if !ok {
			return g.exception(vectorUD, 0, false)
		}

		if inst.Op == x86asm.ADD {
			old, e, ok := g.load(addr, size)
			if !ok {
				return e, true
			}

			src += old
		}

		if e, ok := g.store(addr, size, src); !ok {
			return e, true
		}
	default:
		return g.exception(vectorUD, 0, false)
	}

	return vmexit{}, false
}

func (g *guest) msrIntercepted(msr uint32, write bool) bool {
	if g.proc&vmx.ProcUseMSRBitmaps == 0 {
		return true
	}

	var base uint32

	switch {
	case msr <= msrRangeMask:
	case msr >= msrHighBase && msr <= msrHighBase+msrRangeMask:
		base = msrBitmapHigh
		msr -= msrHighBase
	default:
		return true
	}

	if write {
		base += msrBitmapWrite
	}

	p, ok := g.c.m.opts.Memory.Lookup(g.st.get(vmx.MSRBitmap))
	if !ok {
		g.c.m.violate("core %d: msr bitmap not in memory", g.c.id)

		return true
	}

	return p.Bytes()[base+msr/8]&(1<<(msr%8)) != 0
}

// rdmsr and wrmsr run a passed-through MSR access against the core. The
// FS and GS bases are guest state held in the VMCS.
func (g *guest) rdmsr() (vmexit, bool) {
	var v uint64

	switch msr := uint32(g.regs.RCX); msr {
	case vmx.MSRFSBase:
		v = g.st.get(vmx.GuestFSBase)
	case vmx.MSRGSBase:
		v = g.st.get(vmx.GuestGSBase)
	default:
		var err error
		if v, err = g.c.ReadMSR(msr); err != nil {
			return g.exception(vectorGP, 0, true)
		}
	}

	g.regs.RAX, g.regs.RDX = v&0xffffffff, v>>32

	return vmexit{}, false
}

func (g *guest) wrmsr() (vmexit, bool) {
	v := g.regs.RDX<<32 | g.regs.RAX&0xffffffff

	switch msr := uint32(g.regs.RCX); msr {
	case vmx.MSRFSBase:
		g.st.set(vmx.GuestFSBase, v)
	case vmx.MSRGSBase:
		g.st.set(vmx.GuestGSBase, v)
	default:
		if err := g.c.WriteMSR(msr, v); err != nil {
			return g.exception(vectorGP, 0, true)
		}
	}

	return vmexit{}, false
}

func (g *guest) io(inst x86asm.Inst) (vmexit, bool) {
	in := inst.Op == x86asm.IN

	data, port := inst.Args[0], inst.Args[1]
	if !in {
		data, port = port, data
	}

	var size uint64

	switch data {
	case x86asm.AL:
		size = 1
	case x86asm.AX:
		size = 2
	case x86asm.EAX:
		size = 4
	default:
		return g.exception(vectorUD, 0, false)
	}

	var p, qual uint64

	switch a := port.(type) {
	case x86asm.Imm:
		p = uint64(a) & 0xffff
		qual |= ioQualImm
	case x86asm.Reg:
		p = g.regs.RDX & 0xffff
	}

	if g.ioIntercepted(p) {
		qual |= size - 1 | p<<16
		if in {
			qual |= ioQualIn
		}

		return vmexit{reason: vmx.ExitIOInstruction, qual: qual, ilen: inst.Len}, true
	}

	if in {
		mask := uint64(1)<<(8*size) - 1
		g.regs.RAX = g.regs.RAX&^mask | mask
	}

	return vmexit{}, false
}

func (g *guest) ioIntercepted(port uint64) bool {
	if g.proc&vmx.ProcUseIOBitmaps == 0 {
		return g.proc&vmx.ProcUnconditionalIO != 0
	}

	f := vmx.IOBitmapA
	if port >= 0x8000 {
		f = vmx.IOBitmapB
		port -= 0x8000
	}

	p, ok := g.c.m.opts.Memory.Lookup(g.st.get(f))
	if !ok {
		g.c.m.violate("core %d: io bitmap not in memory", g.c.id)

		return true
	}

	return p.Bytes()[port/8]&(1<<(port%8)) != 0
}
