package msix

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/msix/internal/hv"
)

// x86 MSI address format.
const (
	AddressBase         = uint64(0xfee0_0000)
	addressBaseMask     = uint64(0xfff0_0000) // [31:20]
	addressDestMask     = uint64(0x000f_f000) // [19:12]
	addressDestShift    = 12
	addressRedirectHint = uint64(1 << 3)
	addressDestModeLog  = uint64(1 << 2)
)

// Vector is one MSI-X table entry as read for delivery: the 64-bit message
// address and the 64-bit word starting at the message data field, so the upper
// half carries the vector-control word.
type Vector struct {
	Address        uint64
	DataAndControl uint64
}

// Data returns the 32-bit message data.
func (v Vector) Data() uint32 {
	return uint32(v.DataAndControl)
}

// Masked reports the per-vector mask bit captured with the entry.
func (v Vector) Masked() bool {
	return uint32(v.DataAndControl>>32)&entryMaskBit != 0
}

// IsLocalAPIC reports whether the address targets the x86 local APIC window.
func (v Vector) IsLocalAPIC() bool {
	return v.Address>>32 == 0 && v.Address&addressBaseMask == AddressBase
}

// Destination returns the APIC destination ID encoded in the address.
func (v Vector) Destination() uint8 {
	return uint8((v.Address & addressDestMask) >> addressDestShift)
}

func (v Vector) RedirectionHint() bool {
	return v.Address&addressRedirectHint != 0
}

func (v Vector) LogicalDestination() bool {
	return v.Address&addressDestModeLog != 0
}

// InterruptVector returns the interrupt vector number carried in the data.
func (v Vector) InterruptVector() uint8 {
	return uint8(v.Data())
}

func (v Vector) String() string {
	if !v.IsLocalAPIC() {
		return fmt.Sprintf("addr=%#x data=%#x", v.Address, v.Data())
	}
	mode := "physical"
	if v.LogicalDestination() {
		mode = "logical"
	}
	s := fmt.Sprintf("addr=%#x data=%#x dest=%d/%s vec=%#x", v.Address, v.Data(), v.Destination(), mode, v.InterruptVector())
	if v.RedirectionHint() {
		s += " rh"
	}
	return s
}

// InterruptBackend injects a vector into the guest.
//
// TriggerMSI is called with the device lock held. It must not block and must
// never call back into the device that raised the interrupt, or the device
// deadlocks.
type InterruptBackend interface {
	TriggerMSI(v Vector, deviceID uint32) error
}

// BackendFunc adapts a function to InterruptBackend.
type BackendFunc func(v Vector, deviceID uint32) error

func (f BackendFunc) TriggerMSI(v Vector, deviceID uint32) error {
	return f(v, deviceID)
}

// SignalerBackend delivers vectors through a hypervisor MSI signaler.
type SignalerBackend struct {
	Signaler hv.MSISignaler
}

func (b SignalerBackend) TriggerMSI(v Vector, deviceID uint32) error {
	if b.Signaler == nil {
		return ErrNoBackend
	}
	if !v.IsLocalAPIC() {
		slog.Warn("msix: message address outside the local APIC window", "device", deviceID, "vector", v.String())
	}
	return b.Signaler.SignalMSI(v.Address, v.Data(), 0, deviceID)
}

var (
	_ InterruptBackend = BackendFunc(nil)
	_ InterruptBackend = SignalerBackend{}
)
