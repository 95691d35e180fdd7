//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion = ioctlInt(kvmGetApiVersion)
	createVm      = ioctlInt(kvmCreateVm)
)

func checkExtension(fd int, capability int) (bool, error) {
	ret, err := ioctlWithRetry(uintptr(fd), uint64(kvmCheckExtension), uintptr(capability))
	if err != nil {
		return false, err
	}
	return ret != 0, nil
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateIrqchip), 0)
	return err
}

// signalMSI returns the number of CPUs the message reached; zero means the
// guest blocked it.
func signalMSI(vmFd int, msi *kvmMSI) (int, error) {
	ret, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSignalMsi), uintptr(unsafe.Pointer(msi)))
	if err != nil {
		return 0, err
	}
	return int(ret), nil
}
