// Package msr emulates the model specific registers that the MSR bitmap
// intercepts.
package msr

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "msr")

var (
	ErrUnhandled = errors.New("unhandled msr")
	ErrReadOnly  = errors.New("msr is read only")
	ErrBadValue  = errors.New("msr value rejected")
)

// Kind selects how an MSR is emulated.
type Kind int

const (
	// ReadOnly returns the host value; writes fault.
	ReadOnly Kind = iota
	// Fixed returns Entry.Value; writes fault.
	Fixed
	// FakeWrite returns the host value and drops writes.
	FakeWrite
	// ReadZero returns zero and drops writes.
	ReadZero
	// Shadow keeps a per-GPC copy seeded from the host value.
	Shadow
	// GuestField is backed by a VMCS guest-state field.
	GuestField
	// MiscEnable hides MONITOR/MWAIT and reports BTS and PEBS unavailable.
	MiscEnable
)

func (k Kind) String() string {
	switch k {
	case ReadOnly:
		return "read-only"
	case Fixed:
		return "fixed"
	case FakeWrite:
		return "fake-write"
	case ReadZero:
		return "read-zero"
	case Shadow:
		return "shadow"
	case GuestField:
		return "guest-field"
	case MiscEnable:
		return "misc-enable"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

const (
	miscEnableBTSUnavail  uint64 = 1 << 11
	miscEnablePEBSUnavail uint64 = 1 << 12
	miscEnableMonitor     uint64 = 1 << 18
)

// Entry describes one emulated MSR.
type Entry struct {
	Name  string
	Kind  Kind
	Value uint64
	Field vmx.Field
}

// State holds the shadowed MSR values of one GPC. It is only touched by
// the core the GPC is loaded on.
type State struct {
	shadow map[uint32]uint64
}

func NewState() *State {
	return &State{shadow: map[uint32]uint64{}}
}

// Emulator is the immutable table of emulated MSRs.
type Emulator struct {
	table map[uint32]Entry
}

// New returns the default table.
func New() *Emulator {
	t := map[uint32]Entry{
		vmx.MSRFeatureControl: {Name: "IA32_FEATURE_CONTROL", Kind: Fixed, Value: vmx.FeatureControlLocked},
		vmx.MSRMiscEnable:     {Name: "IA32_MISC_ENABLE", Kind: MiscEnable},
		vmx.MSRPlatformID:     {Name: "IA32_PLATFORM_ID", Kind: ReadOnly},
		vmx.MSRAPICBase:       {Name: "IA32_APIC_BASE", Kind: ReadOnly},
		vmx.MSRUcodeRev:       {Name: "IA32_BIOS_SIGN_ID", Kind: ReadOnly},
		vmx.MSRMTRRCap:        {Name: "IA32_MTRRCAP", Kind: ReadOnly},
		vmx.MSRPerfStatus:     {Name: "IA32_PERF_STATUS", Kind: ReadOnly},
		vmx.MSRThermStatus:    {Name: "IA32_THERM_STATUS", Kind: ReadOnly},
		vmx.MSRMTRRDefType:    {Name: "IA32_MTRR_DEF_TYPE", Kind: FakeWrite},
		vmx.MSRPerfCtl:        {Name: "IA32_PERF_CTL", Kind: Shadow},
		vmx.MSREnergyPerfBias: {Name: "IA32_ENERGY_PERF_BIAS", Kind: Shadow},
		vmx.MSRStar:           {Name: "STAR", Kind: Shadow},
		vmx.MSRLStar:          {Name: "LSTAR", Kind: Shadow},
		vmx.MSRCStar:          {Name: "CSTAR", Kind: Shadow},
		vmx.MSRSyscallMask:    {Name: "SFMASK", Kind: Shadow},
		vmx.MSRTSCAux:         {Name: "TSC_AUX", Kind: Shadow},
		vmx.MSRTSCDeadline:    {Name: "IA32_TSC_DEADLINE", Kind: ReadZero},
		vmx.MSRPAT:            {Name: "IA32_PAT", Kind: GuestField, Field: vmx.GuestIA32PAT},
		vmx.MSREFER:           {Name: "IA32_EFER", Kind: GuestField, Field: vmx.GuestIA32EFER},
		vmx.MSRSysenterCS:     {Name: "IA32_SYSENTER_CS", Kind: GuestField, Field: vmx.GuestSysenterCS},
		vmx.MSRSysenterESP:    {Name: "IA32_SYSENTER_ESP", Kind: GuestField, Field: vmx.GuestSysenterESP},
		vmx.MSRSysenterEIP:    {Name: "IA32_SYSENTER_EIP", Kind: GuestField, Field: vmx.GuestSysenterEIP},
	}

	// The performance monitoring unit is not virtualized.
	for _, m := range []uint32{vmx.MSRPerfGlobalStatus, vmx.MSRPerfGlobalCtrl, vmx.MSRPerfGlobalOvfCtrl} {
		t[m] = Entry{Name: fmt.Sprintf("PERF_GLOBAL_%#x", m), Kind: ReadZero}
	}

	for i := range uint32(4) {
		t[vmx.MSRPMC0+i] = Entry{Name: fmt.Sprintf("IA32_PMC%d", i), Kind: ReadZero}
		t[vmx.MSRPerfEvtSel0+i] = Entry{Name: fmt.Sprintf("IA32_PERFEVTSEL%d", i), Kind: ReadZero}
	}

	return &Emulator{table: t}
}

// Lookup returns the entry for msr.
func (e *Emulator) Lookup(msr uint32) (Entry, bool) {
	ent, ok := e.table[msr]

	return ent, ok
}

// Len returns the number of emulated MSRs.
func (e *Emulator) Len() int {
	return len(e.table)
}

func unhandled(msr uint32, op string) error {
	log.WithFields(logrus.Fields{"msr": fmt.Sprintf("%#x", msr), "op": op}).Debug("msr not emulated")

	return fmt.Errorf("%s %#x: %w", op, msr, ErrUnhandled)
}

// Read emulates RDMSR for the GPC with shadow state s, loaded on c.
func (e *Emulator) Read(c vmx.CPU, s *State, msr uint32) (uint64, error) {
	ent, ok := e.table[msr]
	if !ok {
		return 0, unhandled(msr, "rdmsr")
	}

	switch ent.Kind {
	case Fixed:
		return ent.Value, nil
	case ReadZero:
		return 0, nil
	case ReadOnly, FakeWrite:
		return c.ReadMSR(msr)
	case Shadow:
		if v, ok := s.shadow[msr]; ok {
			return v, nil
		}

		return c.ReadMSR(msr)
	case GuestField:
		return vmx.Read(c, ent.Field)
	case MiscEnable:
		v, err := c.ReadMSR(msr)
		if err != nil {
			return 0, err
		}

		return miscEnable(v), nil
	}

	return 0, unhandled(msr, "rdmsr")
}

func miscEnable(host uint64) uint64 {
	return host&^miscEnableMonitor | miscEnableBTSUnavail | miscEnablePEBSUnavail
}

// Write emulates WRMSR.
func (e *Emulator) Write(c vmx.CPU, s *State, msr uint32, v uint64) error {
	ent, ok := e.table[msr]
	if !ok {
		return unhandled(msr, "wrmsr")
	}

	switch ent.Kind {
	case ReadOnly, Fixed:
		return fmt.Errorf("wrmsr %s: %w", ent.Name, ErrReadOnly)
	case FakeWrite, ReadZero:
		return nil
	case Shadow:
		s.shadow[msr] = v

		return nil
	case GuestField:
		return vmx.Write(c, ent.Field, v)
	case MiscEnable:
		host, err := c.ReadMSR(msr)
		if err != nil {
			return err
		}

		if v != miscEnable(host) {
			return fmt.Errorf("wrmsr %s %#x: %w", ent.Name, v, ErrBadValue)
		}

		return nil
	}

	return unhandled(msr, "wrmsr")
}
