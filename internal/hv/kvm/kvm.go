//go:build linux

// Package kvm delivers MSI-X messages to a KVM virtual machine with the
// KVM_SIGNAL_MSI ioctl.
package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/msix/internal/hv"
)

var ErrClosed = errors.New("kvm: msi controller closed")

// MSIController owns a KVM VM with an in-kernel interrupt controller and
// injects messages into it.
type MSIController struct {
	mu     sync.RWMutex
	sysFd  int
	vmFd   int
	closed bool

	useDeviceID bool

	delivered atomic.Uint64
	blocked   atomic.Uint64
}

// OpenMSIController opens /dev/kvm, creates a VM and prepares it for
// KVM_SIGNAL_MSI. It fails with hv.ErrHypervisorUnsupported when the host
// cannot deliver MSIs from userspace.
func OpenMSIController() (*MSIController, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	if ok, err := checkExtension(fd, kvmCapSignalMsi); err != nil || !ok {
		unix.Close(fd)
		if err == nil {
			err = hv.ErrHypervisorUnsupported
		}
		return nil, fmt.Errorf("kvm: KVM_CAP_SIGNAL_MSI: %w", err)
	}

	vmFd, err := createVm(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create VM: %w", err)
	}

	c := &MSIController{sysFd: fd, vmFd: vmFd}
	if err := c.archInit(); err != nil {
		c.Close()
		return nil, err
	}
	if ok, _ := checkExtension(vmFd, kvmCapMsiDevid); ok {
		c.useDeviceID = true
	}

	slog.Debug("kvm: msi controller ready", "vm_fd", vmFd, "devid", c.useDeviceID)
	return c, nil
}

// SignalMSI implements hv.MSISignaler.
func (c *MSIController) SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	msi := kvmMSI{
		AddressLo: uint32(addr),
		AddressHi: uint32(addr >> 32),
		Data:      data,
		Flags:     flags,
	}
	if c.useDeviceID {
		msi.Flags |= kvmMSIValidDevID
		msi.Devid = deviceID
	}

	n, err := signalMSI(c.vmFd, &msi)
	if err != nil {
		return fmt.Errorf("KVM_SIGNAL_MSI addr=%#x data=%#x: %w", addr, data, err)
	}
	if n == 0 {
		c.blocked.Add(1)
	} else {
		c.delivered.Add(1)
	}
	return nil
}

// Stats returns how many messages reached a CPU and how many the guest
// blocked.
func (c *MSIController) Stats() (delivered, blocked uint64) {
	return c.delivered.Load(), c.blocked.Load()
}

func (c *MSIController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.vmFd > 0 {
		if err := unix.Close(c.vmFd); err != nil {
			errs = append(errs, fmt.Errorf("close vm fd: %w", err))
		}
	}
	if err := unix.Close(c.sysFd); err != nil {
		errs = append(errs, fmt.Errorf("close kvm fd: %w", err))
	}
	return errors.Join(errs...)
}

var (
	_ hv.MSISignaler = (*MSIController)(nil)
)
