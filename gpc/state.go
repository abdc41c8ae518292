package gpc

import "github.com/bobuhiro11/govmx/vmx"

// ExceptionBitmap intercepts #UD and #GP so that guest faults reach the
// exit dispatcher.
const ExceptionBitmap = 1<<6 | 1<<13

const (
	hostCS = 0x10
	hostDS = 0x18
	hostTR = 0x40

	arCode     = 0xa09b
	arData     = 0xc093
	arTSS      = 0x8b
	arUnusable = 1 << 16
)

type segment struct {
	selector, limit, rights vmx.Field
	sel, ar                 uint64
}

//nolint:gochecknoglobals
var segments = []segment{
	{vmx.GuestCSSelector, vmx.GuestCSLimit, vmx.GuestCSAccessRights, hostCS, arCode},
	{vmx.GuestSSSelector, vmx.GuestSSLimit, vmx.GuestSSAccessRights, hostDS, arData},
	{vmx.GuestDSSelector, vmx.GuestDSLimit, vmx.GuestDSAccessRights, hostDS, arData},
	{vmx.GuestESSelector, vmx.GuestESLimit, vmx.GuestESAccessRights, hostDS, arData},
	{vmx.GuestFSSelector, vmx.GuestFSLimit, vmx.GuestFSAccessRights, 0, arData},
	{vmx.GuestGSSelector, vmx.GuestGSLimit, vmx.GuestGSAccessRights, 0, arData},
}
