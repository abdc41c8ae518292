package vmexit

import (
	"github.com/bobuhiro11/govmx/cpuid"
)

const (
	leafFeatures     = 0x1
	leafExtFeatures  = 0x7
	leafPerfMon      = 0xa
	leafXSave        = 0xd
	leafKVMSignature = 0x40000000
	leafKVMFeatures  = 0x40000003
	leafSignature    = 0x40000100
	leafFeatures2    = 0x40000103

	KVMSignature   = "KVMKVMKVM\x00\x00\x00"
	GovmxSignature = "GOVMX_INSIDE"

	hvMonitor = 1 << 0
)

// cpuidPatches hide what the guest cannot use: MONITOR/MWAIT, nested VMX,
// the perf capabilities MSR, XSAVES and TSC_ADJUST.
//
//nolint:gochecknoglobals
var cpuidPatches = []cpuid.Patch{
	{
		Leaf:    leafFeatures,
		Subleaf: cpuid.AnySubleaf,
		Reg:     cpuid.ECX,
		Set:     cpuid.HYPERVISOR.Mask(),
		Clear:   cpuid.MONITOR.Mask() | cpuid.VMX.Mask() | cpuid.PDCM.Mask(),
	},
	{Leaf: leafExtFeatures, Subleaf: 0, Reg: cpuid.EBX, Clear: cpuid.TSC_ADJUST.Mask()},
	{Leaf: leafXSave, Subleaf: 1, Reg: cpuid.EAX, Clear: 1 << cpuid.XSAVES},
	{Leaf: leafKVMFeatures, Subleaf: cpuid.AnySubleaf, Reg: cpuid.EDX, Clear: hvMonitor},
	{Leaf: leafFeatures2, Subleaf: cpuid.AnySubleaf, Reg: cpuid.EDX, Clear: hvMonitor},
}

// Topology is what CPUID leaf 1 reports about the guest's cores.
type Topology struct {
	ID    int
	Count int
}

// RewriteCPUID turns the host's answer for leaf/subleaf into the guest's.
func RewriteCPUID(leaf, subleaf uint32, r cpuid.Regs, topo Topology) cpuid.Regs {
	switch leaf {
	case leafPerfMon:
		return cpuid.Regs{}
	case leafKVMSignature:
		r.EBX, r.ECX, r.EDX = cpuid.Signature(KVMSignature)
		r.EAX = 0

		return r
	case leafSignature:
		r.EBX, r.ECX, r.EDX = cpuid.Signature(GovmxSignature)
		r.EAX = 0

		return r
	case leafFeatures:
		r.EBX = r.EBX&0x0000ffff | uint32(topo.Count&0xff)<<16 | uint32(topo.ID&0xff)<<24
	}

	cpuid.Apply(leaf, subleaf, &r, cpuidPatches)

	return r
}
