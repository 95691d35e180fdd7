//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion  = 0xae00
	kvmCreateVm       = 0xae01
	kvmCheckExtension = 0xae03
	kvmCreateIrqchip  = 0xae60
	kvmSignalMsi      = 0x4020aea5

	kvmCapIrqchip   = 0
	kvmCapSignalMsi = 77
	kvmCapMsiDevid  = 131
)

// kvmMSIValidDevID tells KVM to use the Devid field, needed when the
// interrupt controller translates MSIs per requester (GICv3 ITS).
const kvmMSIValidDevID = 1 << 0

type kvmMSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	Devid     uint32
	Pad       [12]uint8
}
