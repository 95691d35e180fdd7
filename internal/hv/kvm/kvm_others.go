//go:build linux && !amd64

package kvm

// archInit is a no-op: on arm64 the GIC is created with its vCPUs, and until
// then KVM_SIGNAL_MSI reports an error which the caller logs.
func (c *MSIController) archInit() error {
	return nil
}
