//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/msix/internal/hv"
)

// archInit creates the in-kernel IOAPIC and local APICs that KVM_SIGNAL_MSI
// writes into.
func (c *MSIController) archInit() error {
	ok, err := checkExtension(c.sysFd, kvmCapIrqchip)
	if err != nil {
		return fmt.Errorf("kvm: KVM_CAP_IRQCHIP: %w", err)
	}
	if !ok {
		return fmt.Errorf("kvm: in-kernel irqchip: %w", hv.ErrHypervisorUnsupported)
	}
	if err := createIRQChip(c.vmFd); err != nil {
		return fmt.Errorf("creating IRQ chip: %w", err)
	}
	return nil
}
