package hv

import "errors"

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrUnmappedAddress       = errors.New("no device mapped at address")
)

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MMIORegion) Contains(addr uint64, size uint64) bool {
	if r.Size == 0 || addr < r.Address {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	return end <= r.Address+r.Size
}

func (r MMIORegion) overlaps(other MMIORegion) bool {
	return r.Address < other.Address+other.Size && other.Address < r.Address+r.Size
}

type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MSISignaler injects a message-signaled interrupt into the guest.
//
// Implementations are called with device locks held and must not block or
// call back into the device that raised the interrupt.
type MSISignaler interface {
	SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error
}

type MSISignalerFunc func(addr uint64, data uint32, flags uint32, deviceID uint32) error

func (f MSISignalerFunc) SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error {
	return f(addr, data, flags, deviceID)
}
