package vmx

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var log = logrus.WithField("pkg", "vmx")

// Result is the outcome of a VMX instruction as reported through
// RFLAGS.CF and RFLAGS.ZF.
type Result uint8

const (
	// Succeeded: CF = 0, ZF = 0.
	Succeeded Result = iota
	// FailInvalid: CF = 1. There is no current VMCS to hold an error number.
	FailInvalid
	// FailValid: ZF = 1. The error number is in the VM-instruction error field.
	FailValid
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "VMsucceed"
	case FailInvalid:
		return "VMfailInvalid"
	case FailValid:
		return "VMfailValid"
	}

	return fmt.Sprintf("Result(%d)", uint8(r))
}

var (
	ErrFailInvalid = errors.New("VMfailInvalid")
	ErrFailValid   = errors.New("VMfailValid")
)

// InstructionError is a failed VMX instruction.
type InstructionError struct {
	Op     string
	Result Result
	// Code is the VM-instruction error number, valid for FailValid only.
	Code  uint32
	Field Field
	Value uint64
}

func (e *InstructionError) Error() string {
	if e.Result == FailValid {
		return fmt.Sprintf("%s: %s: error %d (%s)", e.Op, e.Result, e.Code, InstructionErrorText(e.Code))
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Result)
}

func (e *InstructionError) Unwrap() error {
	if e.Result == FailValid {
		return ErrFailValid
	}

	return ErrFailInvalid
}

// VM-instruction error numbers.
const (
	ErrCodeVMCALLInRoot          uint32 = 1
	ErrCodeVMCLEARInvalidAddr    uint32 = 2
	ErrCodeVMCLEARVMXONPtr       uint32 = 3
	ErrCodeVMLAUNCHNonClear      uint32 = 4
	ErrCodeVMRESUMENonLaunched   uint32 = 5
	ErrCodeEntryInvalidControls  uint32 = 7
	ErrCodeEntryInvalidHostState uint32 = 8
	ErrCodeVMPTRLDInvalidAddr    uint32 = 9
	ErrCodeVMPTRLDVMXONPtr       uint32 = 10
	ErrCodeVMPTRLDBadRevision    uint32 = 11
	ErrCodeUnsupportedComponent  uint32 = 12
	ErrCodeVMWRITEReadOnly       uint32 = 13
	ErrCodeVMXONInRoot           uint32 = 15
	ErrCodeEntryBlockedByMovSS   uint32 = 26
	ErrCodeInvalidINVEPTOperand  uint32 = 28
)

//nolint:gochecknoglobals
var errorText = map[uint32]string{
	ErrCodeVMCALLInRoot:          "VMCALL executed in VMX root operation",
	ErrCodeVMCLEARInvalidAddr:    "VMCLEAR with invalid physical address",
	ErrCodeVMCLEARVMXONPtr:       "VMCLEAR with VMXON pointer",
	ErrCodeVMLAUNCHNonClear:      "VMLAUNCH with non-clear VMCS",
	ErrCodeVMRESUMENonLaunched:   "VMRESUME with non-launched VMCS",
	ErrCodeEntryInvalidControls:  "VM entry with invalid control field(s)",
	ErrCodeEntryInvalidHostState: "VM entry with invalid host-state field(s)",
	ErrCodeVMPTRLDInvalidAddr:    "VMPTRLD with invalid physical address",
	ErrCodeVMPTRLDVMXONPtr:       "VMPTRLD with VMXON pointer",
	ErrCodeVMPTRLDBadRevision:    "VMPTRLD with incorrect VMCS revision identifier",
	ErrCodeUnsupportedComponent:  "VMREAD/VMWRITE from/to unsupported VMCS component",
	ErrCodeVMWRITEReadOnly:       "VMWRITE to read-only VMCS component",
	ErrCodeVMXONInRoot:           "VMXON executed in VMX root operation",
	ErrCodeEntryBlockedByMovSS:   "VM entry with events blocked by MOV SS",
	ErrCodeInvalidINVEPTOperand:  "invalid operand to INVEPT/INVVPID",
}

// InstructionErrorText describes a VM-instruction error number.
func InstructionErrorText(code uint32) string {
	if s, ok := errorText[code]; ok {
		return s
	}

	return "unknown error"
}

// Check converts the result of op on c into an error. For FailValid the
// error number is read from the current VMCS.
func Check(c CPU, op string, r Result) error {
	if r == Succeeded {
		return nil
	}

	e := &InstructionError{Op: op, Result: r}

	if r == FailValid {
		code, rr := c.VMREAD(InstructionErrorField)
		if rr == Succeeded {
			e.Code = uint32(code)
		}
	}

	log.WithFields(logrus.Fields{"core": c.ID(), "code": e.Code}).Errorf("%s failed: %s", op, r)

	return e
}

// Read reads field f of the current VMCS.
func Read(c CPU, f Field) (uint64, error) {
	v, r := c.VMREAD(f)
	if r != Succeeded {
		err := Check(c, "vmread", r)

		var ie *InstructionError
		if errors.As(err, &ie) {
			ie.Field = f
		}

		log.WithField("field", f).Error("vmread failed")

		return 0, err
	}

	return v, nil
}

// Write writes v to field f of the current VMCS.
func Write(c CPU, f Field, v uint64) error {
	r := c.VMWRITE(f, v)
	if r != Succeeded {
		err := Check(c, "vmwrite", r)

		var ie *InstructionError
		if errors.As(err, &ie) {
			ie.Field = f
			ie.Value = v
		}

		log.WithFields(logrus.Fields{"field": f, "value": fmt.Sprintf("%#x", v)}).Error("vmwrite failed")

		return err
	}

	return nil
}

// Writer batches VMCS writes and keeps the first error.
type Writer struct {
	CPU CPU
	Err error
}

// Set writes v to f unless an earlier write failed.
func (w *Writer) Set(f Field, v uint64) {
	if w.Err != nil {
		return
	}

	w.Err = Write(w.CPU, f, v)
}
