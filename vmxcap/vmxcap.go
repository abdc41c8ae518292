// Package vmxcap negotiates the VMCS control words against the processor's
// capability MSRs.
package vmxcap

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/vmx"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "vmxcap")

var (
	ErrPolicyOverlap     = errors.New("policy sets overlap")
	ErrPolicyUncovered   = errors.New("changeable controls not covered by policy")
	ErrMustBe1Unsettable = errors.New("required control cannot be set")
	ErrMustBe0Unclear    = errors.New("forbidden control cannot be cleared")
	ErrVMCSSize          = errors.New("vmcs larger than a page")
	ErrMemType           = errors.New("vmcs memory type is not write-back")
	ErrPhysAddrWidth     = errors.New("vmx limited to 32-bit physical addresses")
	ErrEPTCapabilities   = errors.New("missing ept capabilities")
	ErrVPIDCapabilities  = errors.New("missing vpid capabilities")
)

// MSRReader reads capability MSRs.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// Control is the policy for one 32-bit control word.
type Control struct {
	Name    string
	MSR     uint32
	TrueMSR uint32
	MustBe1 uint32
	MustBe0 uint32
	TrySet1 uint32
	TrySet0 uint32
}

// Split divides a capability MSR value into bits that must be 0, bits
// that must be 1, and bits software may choose.
func Split(capability uint64) (reserved0, reserved1, changeable uint32) {
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)

	return ^allowed0 & ^allowed1, allowed0 & allowed1, ^allowed0 & allowed1
}

// Negotiate checks the policy against capability and returns the control
// word to program.
func (c *Control) Negotiate(capability uint64) (uint32, error) {
	reserved0, reserved1, changeable := Split(capability)
	allowed1 := uint32(capability >> 32)

	var errs []error

	sets := []uint32{c.MustBe1, c.MustBe0, c.TrySet1, c.TrySet0}
	for i := range sets {
		for j := i + 1; j < len(sets); j++ {
			if o := sets[i] & sets[j]; o != 0 {
				errs = append(errs, fmt.Errorf("%s: bits %#x: %w", c.Name, o, ErrPolicyOverlap))
			}
		}
	}

	policy := c.MustBe1 | c.MustBe0 | c.TrySet1 | c.TrySet0
	if u := changeable &^ policy; u != 0 {
		errs = append(errs, fmt.Errorf("%s: bits %#x: %w", c.Name, u, ErrPolicyUncovered))
	}

	if b := c.MustBe1 & reserved0; b != 0 {
		errs = append(errs, fmt.Errorf("%s: bits %#x: %w", c.Name, b, ErrMustBe1Unsettable))
	}

	if b := c.MustBe0 & reserved1; b != 0 {
		errs = append(errs, fmt.Errorf("%s: bits %#x: %w", c.Name, b, ErrMustBe0Unclear))
	}

	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	return c.MustBe1 | (c.TrySet1 & allowed1) | reserved1, nil
}

// Capabilities are the EPT and VPID features of the processor.
type Capabilities struct {
	EPT  uint64
	VPID uint64
}

// Has2MBPages reports whether EPT supports 2 MiB leaves.
func (c Capabilities) Has2MBPages() bool {
	return c.EPT&vmx.EPTCap2MBPage != 0
}

const (
	requiredEPT = vmx.EPTCapPageWalk4 | vmx.EPTCapWriteBack | vmx.EPTCapINVEPT |
		vmx.EPTCapINVEPTSingle | vmx.EPTCapINVEPTAll
	requiredVPID = vmx.VPIDCapINVVPID | vmx.VPIDCapINVVPIDAll
)

// Config is the negotiated VMCS configuration. It is built once at boot
// and never modified.
type Config struct {
	Revision  uint32
	Size      uint32
	TrueCtls  bool
	Pin       uint32
	Proc      uint32
	Proc2     uint32
	Exit      uint32
	Entry     uint32
	CR0Fixed0 uint64
	CR0Fixed1 uint64
	CR4Fixed0 uint64
	CR4Fixed1 uint64
	Caps      Capabilities
}

func (c *Config) String() string {
	return fmt.Sprintf("revision %#x size %d pin %#08x proc %#08x proc2 %#08x exit %#08x entry %#08x",
		c.Revision, c.Size, c.Pin, c.Proc, c.Proc2, c.Exit, c.Entry)
}

// Negotiate reads the capability MSRs through r and builds the
// configuration. Every problem found is reported.
func Negotiate(r MSRReader) (*Config, error) {
	basic, err := r.ReadMSR(vmx.MSRBasic)
	if err != nil {
		return nil, fmt.Errorf("read IA32_VMX_BASIC: %w", err)
	}

	cfg := &Config{
		Revision: uint32(basic & vmx.BasicRevisionMask),
		Size:     uint32((basic >> vmx.BasicSizeShift) & vmx.BasicSizeMask),
		TrueCtls: basic&vmx.BasicTrueControls != 0,
	}

	var errs []error

	if cfg.Size > vmx.PageSize {
		errs = append(errs, fmt.Errorf("size %d: %w", cfg.Size, ErrVMCSSize))
	}

	if mt := (basic >> vmx.BasicMemTypeShift) & vmx.BasicMemTypeMask; mt != vmx.MemTypeWriteBack {
		errs = append(errs, fmt.Errorf("type %d: %w", mt, ErrMemType))
	}

	if basic&vmx.Basic32BitPhysAddr != 0 {
		errs = append(errs, ErrPhysAddrWidth)
	}

	words := []struct {
		ctl *Control
		out *uint32
	}{
		{&PinPolicy, &cfg.Pin},
		{&ProcPolicy, &cfg.Proc},
		{&Proc2Policy, &cfg.Proc2},
		{&ExitPolicy, &cfg.Exit},
		{&EntryPolicy, &cfg.Entry},
	}

	for _, w := range words {
		msr := w.ctl.MSR
		if cfg.TrueCtls && w.ctl.TrueMSR != 0 {
			msr = w.ctl.TrueMSR
		}

		capability, err := r.ReadMSR(msr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: read %#x: %w", w.ctl.Name, msr, err))

			continue
		}

		v, err := w.ctl.Negotiate(capability)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		*w.out = v
	}

	fixed := []struct {
		msr uint32
		out *uint64
	}{
		{vmx.MSRCR0Fixed0, &cfg.CR0Fixed0},
		{vmx.MSRCR0Fixed1, &cfg.CR0Fixed1},
		{vmx.MSRCR4Fixed0, &cfg.CR4Fixed0},
		{vmx.MSRCR4Fixed1, &cfg.CR4Fixed1},
	}

	for _, f := range fixed {
		if *f.out, err = r.ReadMSR(f.msr); err != nil {
			errs = append(errs, fmt.Errorf("read %#x: %w", f.msr, err))
		}
	}

	caps, err := r.ReadMSR(vmx.MSREPTVPIDCap)
	if err != nil {
		errs = append(errs, fmt.Errorf("read IA32_VMX_EPT_VPID_CAP: %w", err))
	} else {
		cfg.Caps = Capabilities{EPT: caps & 0xffffffff, VPID: caps &^ 0xffffffff}

		if m := requiredEPT &^ caps; m != 0 {
			errs = append(errs, fmt.Errorf("bits %#x: %w", m, ErrEPTCapabilities))
		}

		if m := requiredVPID &^ caps; m != 0 {
			errs = append(errs, fmt.Errorf("bits %#x: %w", m>>32, ErrVPIDCapabilities))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	log.WithField("config", cfg.String()).Info("vmcs configuration negotiated")

	return cfg, nil
}

// FixCR0 applies the fixed bits to a guest CR0. With an unrestricted
// guest PE and PG may be clear.
func (c *Config) FixCR0(v uint64) uint64 {
	fixed0 := c.CR0Fixed0
	if c.Proc2&vmx.Proc2UnrestrictedGuest != 0 {
		fixed0 &^= vmx.CR0PE | vmx.CR0PG
	}

	return (v | fixed0) & c.CR0Fixed1
}

// FixCR4 applies the fixed bits to a CR4 value.
func (c *Config) FixCR4(v uint64) uint64 {
	return (v | c.CR4Fixed0) & c.CR4Fixed1
}
