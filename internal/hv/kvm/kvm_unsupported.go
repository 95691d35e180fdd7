//go:build !linux

package kvm

import (
	"errors"

	"github.com/tinyrange/msix/internal/hv"
)

var ErrClosed = errors.New("kvm: msi controller closed")

type MSIController struct{}

func OpenMSIController() (*MSIController, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func (*MSIController) SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error {
	return hv.ErrHypervisorUnsupported
}

func (*MSIController) Stats() (delivered, blocked uint64) { return 0, 0 }

func (*MSIController) Close() error { return nil }
