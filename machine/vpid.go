package machine

import (
	"errors"
	"sync"
)

var ErrNoVPID = errors.New("virtual processor ids exhausted")

const maxVPID = 1<<16 - 1

// VPIDs hands out virtual processor identifiers. Zero is the host's.
type VPIDs struct {
	mu   sync.Mutex
	used map[uint16]bool
	next uint16
}

func NewVPIDs() *VPIDs {
	return &VPIDs{used: map[uint16]bool{}, next: 1}
}

func (v *VPIDs) Alloc() (uint16, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.used) == maxVPID {
		return 0, ErrNoVPID
	}

	for v.used[v.next] {
		v.next++
		if v.next == 0 {
			v.next = 1
		}
	}

	id := v.next
	v.used[id] = true

	return id, nil
}

func (v *VPIDs) Free(id uint16) {
	v.mu.Lock()
	delete(v.used, id)
	v.mu.Unlock()
}

// InUse returns the number of allocated identifiers.
func (v *VPIDs) InUse() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.used)
}
