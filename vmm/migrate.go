package vmm

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migrate moves GPC id to core. It takes effect at the next step: the
// load on the new core asks the old one to clear the VMCS first.
func (v *VMM) Migrate(id, core int) error {
	s, err := v.slot(id)
	if err != nil {
		return err
	}

	if core < 0 || core >= len(v.m.CPUs()) {
		return fmt.Errorf("core %d: %w", core, ErrNoSuchCore)
	}

	if !v.m.CPU(core).Online() {
		return fmt.Errorf("core %d offline: %w", core, ErrNoSuchCore)
	}

	old := s.home.Swap(int32(core))

	log.WithFields(logrus.Fields{"gpc": id, "from": old, "to": core}).Debug("migrate")

	return nil
}

// Rotate moves every GPC to the next core, wrapping around.
func (v *VMM) Rotate() error {
	n := len(v.m.CPUs())

	for id, s := range v.slots {
		if err := v.Migrate(id, (int(s.home.Load())+1)%n); err != nil {
			return err
		}
	}

	return nil
}
