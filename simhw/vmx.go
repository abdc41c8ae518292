package simhw

import (
	"encoding/binary"
	"sync"

	"github.com/bobuhiro11/govmx/vmx"
)

type vmcsState struct {
	mu       sync.Mutex
	fields   map[vmx.Field]uint64
	launched bool
	activeOn int
}

func (s *vmcsState) get(f vmx.Field) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fields[f]
}

func (s *vmcsState) set(f vmx.Field, v uint64) {
	s.mu.Lock()
	s.fields[f] = v
	s.mu.Unlock()
}

// revision reads the revision identifier from the first word of a region.
func (c *Core) revision(addr uint64) (uint32, bool) {
	p, ok := c.m.opts.Memory.Lookup(addr)
	if !ok || addr&0xfff != 0 {
		return 0, false
	}

	return binary.LittleEndian.Uint32(p.Bytes()), true
}

func (c *Core) currentVMCS() *vmcsState {
	if c.current == 0 {
		return nil
	}

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	return c.m.vmcs[c.current]
}

// failValid stores code in the current VMCS, or reports VMfailInvalid when
// there is none.
func (c *Core) failValid(code uint32) vmx.Result {
	st := c.currentVMCS()
	if st == nil {
		return vmx.FailInvalid
	}

	st.set(vmx.InstructionErrorField, uint64(code))

	return vmx.FailValid
}

func (c *Core) VMXON(region uint64) vmx.Result {
	if c.cr4&vmx.CR4VMXE == 0 {
		c.m.violate("core %d: VMXON with CR4.VMXE clear", c.id)

		return vmx.FailInvalid
	}

	if c.vmxon {
		return c.failValid(vmx.ErrCodeVMXONInRoot)
	}

	fc := c.msrs[vmx.MSRFeatureControl]
	if fc&vmx.FeatureControlLocked == 0 || fc&vmx.FeatureControlVMXOutsideSMX == 0 {
		c.m.violate("core %d: VMXON with feature control %#x", c.id, fc)

		return vmx.FailInvalid
	}

	rev, ok := c.revision(region)
	if !ok || rev != c.basicRevision() {
		return vmx.FailInvalid
	}

	c.vmxon = true
	c.region = region
	c.current = 0

	return vmx.Succeeded
}

func (c *Core) basicRevision() uint32 {
	return uint32(c.msrs[vmx.MSRBasic] & vmx.BasicRevisionMask)
}

func (c *Core) VMXOFF() vmx.Result {
	if !c.vmxon {
		return vmx.FailInvalid
	}

	c.vmxon = false
	c.current = 0

	return vmx.Succeeded
}

func (c *Core) VMPTRLD(addr uint64) vmx.Result {
	if !c.vmxon {
		return vmx.FailInvalid
	}

	if addr == c.region {
		return c.failValid(vmx.ErrCodeVMPTRLDVMXONPtr)
	}

	rev, ok := c.revision(addr)
	if !ok {
		return c.failValid(vmx.ErrCodeVMPTRLDInvalidAddr)
	}

	if rev != c.basicRevision() {
		return c.failValid(vmx.ErrCodeVMPTRLDBadRevision)
	}

	c.m.mu.Lock()

	st, ok := c.m.vmcs[addr]
	if !ok {
		st = &vmcsState{fields: map[vmx.Field]uint64{}, activeOn: -1}
		c.m.vmcs[addr] = st
	}

	other := st.activeOn
	st.activeOn = c.id
	c.m.mu.Unlock()

	if other != -1 && other != c.id {
		c.m.violate("core %d: VMPTRLD of vmcs %#x active on core %d", c.id, addr, other)
	}

	c.current = addr

	return vmx.Succeeded
}

func (c *Core) VMCLEAR(addr uint64) vmx.Result {
	if !c.vmxon {
		return vmx.FailInvalid
	}

	if addr == c.region {
		return c.failValid(vmx.ErrCodeVMCLEARVMXONPtr)
	}

	if _, ok := c.revision(addr); !ok {
		return c.failValid(vmx.ErrCodeVMCLEARInvalidAddr)
	}

	c.m.mu.Lock()

	other := -1
	if st, ok := c.m.vmcs[addr]; ok {
		other = st.activeOn
		st.launched = false
		st.activeOn = -1
	}
	c.m.mu.Unlock()

	if other != -1 && other != c.id {
		c.m.violate("core %d: VMCLEAR of vmcs %#x active on core %d", c.id, addr, other)
	}

	if c.current == addr {
		c.current = 0
	}

	return vmx.Succeeded
}

func (c *Core) VMREAD(f vmx.Field) (uint64, vmx.Result) {
	st := c.currentVMCS()
	if st == nil {
		return 0, vmx.FailInvalid
	}

	return st.get(f), vmx.Succeeded
}

func (c *Core) VMWRITE(f vmx.Field, v uint64) vmx.Result {
	st := c.currentVMCS()
	if st == nil {
		return vmx.FailInvalid
	}

	if f.ReadOnly() {
		return c.failValid(vmx.ErrCodeVMWRITEReadOnly)
	}

	st.set(f, v)

	return vmx.Succeeded
}

func (c *Core) INVEPT(t vmx.InvalidationType, _ uint64) vmx.Result {
	if !c.vmxon {
		return vmx.FailInvalid
	}

	if t != vmx.InvSingleContext && t != vmx.InvAllContext {
		return c.failValid(vmx.ErrCodeInvalidINVEPTOperand)
	}

	c.invept[t].Add(1)

	return vmx.Succeeded
}

func (c *Core) INVVPID(t vmx.InvalidationType, vpid uint16, _ uint64) vmx.Result {
	if !c.vmxon {
		return vmx.FailInvalid
	}

	if t > vmx.InvSingleRetainGlob || (t != vmx.InvAllContext && vpid == 0) {
		return c.failValid(vmx.ErrCodeInvalidINVEPTOperand)
	}

	c.invvpid[t].Add(1)

	return vmx.Succeeded
}

// checkControls validates a control word against its capability MSR.
func (c *Core) checkControls(word uint64, msr uint32) bool {
	capability := c.msrs[msr]
	allowed0 := capability & 0xffffffff
	allowed1 := capability >> 32

	return word&allowed0 == allowed0 && word&^allowed1 == 0
}

func (c *Core) controlsValid(st *vmcsState) bool {
	pin, proc, exit, entry := vmx.MSRPinbasedCtls, vmx.MSRProcbasedCtls, vmx.MSRExitCtls, vmx.MSREntryCtls
	if c.msrs[vmx.MSRBasic]&vmx.BasicTrueControls != 0 {
		pin, proc, exit, entry = vmx.MSRTruePinbasedCtls, vmx.MSRTrueProcbasedCtls,
			vmx.MSRTrueExitCtls, vmx.MSRTrueEntryCtls
	}

	ok := c.checkControls(st.get(vmx.PinBasedControls), pin) &&
		c.checkControls(st.get(vmx.ProcBasedControls), proc) &&
		c.checkControls(st.get(vmx.ExitControls), exit) &&
		c.checkControls(st.get(vmx.EntryControls), entry)

	if uint32(st.get(vmx.ProcBasedControls))&vmx.ProcActivateSecondary != 0 {
		ok = ok && c.checkControls(st.get(vmx.SecondaryControls), vmx.MSRProcbasedCtls2)
	}

	return ok
}

// Enter runs VMLAUNCH or VMRESUME. The guest executes until it exits.
func (c *Core) Enter(launch bool, regs *vmx.Regs) vmx.Result {
	st := c.currentVMCS()
	if st == nil {
		return vmx.FailInvalid
	}

	c.m.mu.Lock()
	launched := st.launched
	c.m.mu.Unlock()

	switch {
	case launch && launched:
		return c.failValid(vmx.ErrCodeVMLAUNCHNonClear)
	case !launch && !launched:
		return c.failValid(vmx.ErrCodeVMRESUMENonLaunched)
	case !c.controlsValid(st):
		return c.failValid(vmx.ErrCodeEntryInvalidControls)
	case st.get(vmx.HostCR4)&vmx.CR4VMXE == 0 || st.get(vmx.HostRIP) == 0:
		return c.failValid(vmx.ErrCodeEntryInvalidHostState)
	}

	host := c.Host()
	if st.get(vmx.HostTRBase) != host.TRBase || st.get(vmx.HostGSBase) != host.GSBase ||
		st.get(vmx.HostGDTRBase) != host.GDTRBase {
		c.m.violate("core %d: vmcs %#x carries another core's host state", c.id, c.current)
	}

	c.m.mu.Lock()
	st.launched = true
	c.m.mu.Unlock()

	c.entries.Add(1)
	c.run(st, regs)

	return vmx.Succeeded
}
