// Package probe reports what the host processor offers for VMX: the raw
// capability MSRs, the control words the policy negotiates from them,
// and the CPUID features guests get to see.
package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/bobuhiro11/govmx/vmxcap"
	"golang.org/x/sys/unix"
)

var ErrShortRead = errors.New("short msr read")

// MSRDevice reads the MSRs of one core through the Linux msr driver.
type MSRDevice struct {
	fd   int
	core int
}

// OpenMSR opens the msr device of core. It needs the msr module loaded
// and CAP_SYS_RAWIO.
func OpenMSR(core int) (*MSRDevice, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", core)

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &MSRDevice{fd: fd, core: core}, nil
}

// ReadMSR reads msr; the device maps the MSR index to the file offset.
func (d *MSRDevice) ReadMSR(msr uint32) (uint64, error) {
	var b [8]byte

	n, err := unix.Pread(d.fd, b[:], int64(msr))
	if err != nil {
		return 0, fmt.Errorf("core %d msr %#x: %w", d.core, msr, err)
	}

	if n != len(b) {
		return 0, fmt.Errorf("core %d msr %#x: %w", d.core, msr, ErrShortRead)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func (d *MSRDevice) Close() error {
	return unix.Close(d.fd)
}

//nolint:gochecknoglobals
var capabilityMSRs = []struct {
	name string
	msr  uint32
}{
	{"IA32_FEATURE_CONTROL", vmx.MSRFeatureControl},
	{"IA32_VMX_BASIC", vmx.MSRBasic},
	{"IA32_VMX_PINBASED_CTLS", vmx.MSRPinbasedCtls},
	{"IA32_VMX_PROCBASED_CTLS", vmx.MSRProcbasedCtls},
	{"IA32_VMX_EXIT_CTLS", vmx.MSRExitCtls},
	{"IA32_VMX_ENTRY_CTLS", vmx.MSREntryCtls},
	{"IA32_VMX_MISC", vmx.MSRMisc},
	{"IA32_VMX_CR0_FIXED0", vmx.MSRCR0Fixed0},
	{"IA32_VMX_CR0_FIXED1", vmx.MSRCR0Fixed1},
	{"IA32_VMX_CR4_FIXED0", vmx.MSRCR4Fixed0},
	{"IA32_VMX_CR4_FIXED1", vmx.MSRCR4Fixed1},
	{"IA32_VMX_PROCBASED_CTLS2", vmx.MSRProcbasedCtls2},
	{"IA32_VMX_EPT_VPID_CAP", vmx.MSREPTVPIDCap},
	{"IA32_VMX_TRUE_PINBASED_CTLS", vmx.MSRTruePinbasedCtls},
	{"IA32_VMX_TRUE_PROCBASED_CTLS", vmx.MSRTrueProcbasedCtls},
	{"IA32_VMX_TRUE_EXIT_CTLS", vmx.MSRTrueExitCtls},
	{"IA32_VMX_TRUE_ENTRY_CTLS", vmx.MSRTrueEntryCtls},
}

// Run prints the capability MSRs read through r, the negotiated
// configuration and the host CPUID features. A failed negotiation is
// printed and returned.
func Run(w io.Writer, r vmxcap.MSRReader) error {
	fmt.Fprintf(w, "Capability MSRs.\n")

	for _, m := range capabilityMSRs {
		v, err := r.ReadMSR(m.msr)
		if err != nil {
			fmt.Fprintf(w, "  %-30s unreadable: %v\n", m.name, err)

			continue
		}

		fmt.Fprintf(w, "  %-30s %#016x\n", m.name, v)
	}

	fmt.Fprintf(w, "\nControls.\n")

	for _, c := range []vmxcap.Control{
		vmxcap.PinPolicy, vmxcap.ProcPolicy, vmxcap.Proc2Policy, vmxcap.ExitPolicy, vmxcap.EntryPolicy,
	} {
		printControl(w, r, c)
	}

	cfg, err := vmxcap.Negotiate(r)
	if err != nil {
		fmt.Fprintf(w, "\nNegotiation failed, virtualization disabled:\n  %v\n\n", err)
	} else {
		fmt.Fprintf(w, "\nNegotiated.\n  %s\n  ept %#x vpid %#x 2M pages %v\n\n",
			cfg, cfg.Caps.EPT, cfg.Caps.VPID, cfg.Caps.Has2MBPages())
	}

	printHostCPUID(w)

	return err
}

// printControl shows how the processor constrains each bit of c: forced
// to 0, forced to 1 or free.
func printControl(w io.Writer, r vmxcap.MSRReader, c vmxcap.Control) {
	msr := c.MSR
	if c.TrueMSR != 0 {
		if basic, err := r.ReadMSR(vmx.MSRBasic); err == nil && basic&vmx.BasicTrueControls != 0 {
			msr = c.TrueMSR
		}
	}

	v, err := r.ReadMSR(msr)
	if err != nil {
		fmt.Fprintf(w, "  %s: unreadable: %v\n", c.Name, err)

		return
	}

	reserved0, reserved1, changeable := vmxcap.Split(v)
	fmt.Fprintf(w, "  %-26s no %#08x forced %#08x free %#08x\n", c.Name, reserved0, reserved1, changeable)
}

func printHostCPUID(w io.Writer) {
	_, _, ecx, _ := cpuid.CPUIDCount(1, 0)
	_, ebx, _, _ := cpuid.CPUIDCount(7, 0)

	eax, b, c, d := cpuid.CPUID(0)
	fmt.Fprintf(w, "Host %q max leaf %#x xcr0 %#x.\n\n", cpuid.SignatureString(b, d, c), eax, cpuid.XCR0())

	fmt.Fprintf(w, "F_1_Ecx.\n")
	printFeatures(w, cpuid.AllF1Ecx, ecx)
	fmt.Fprintf(w, "F_7_0_Ebx.\n")
	printFeatures(w, cpuid.AllF7_0Ebx, ebx)
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled := []T{}
	disabled := []T{}

	for _, f := range features {
		if cpuid.Has(reg, f) {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n\n")
}
