package manifest

import (
	"errors"
	"fmt"
)

// Trace operations.
const (
	// OpControl writes the MSI-X control register (enable and function mask).
	OpControl = "msix-control"
	// OpTableWrite programs a whole vector table entry.
	OpTableWrite = "table-write"
	// OpMask sets or clears one vector's mask bit.
	OpMask = "mask"
	// OpRing rings the device doorbell for a vector.
	OpRing = "ring"
	// OpReset resets the device through its register page.
	OpReset = "reset"
	// OpConfigWrite is a raw configuration space write.
	OpConfigWrite = "config-write"
	// OpMMIOWrite and OpMMIORead access a BAR directly.
	OpMMIOWrite = "mmio-write"
	OpMMIORead  = "mmio-read"
	// OpExpectDeliveries checks the total number of deliveries so far, or the
	// number for one device when Device is set.
	OpExpectDeliveries = "expect-deliveries"
	// OpExpectPending checks a vector's pending bit.
	OpExpectPending = "expect-pending"
)

// Op is one step of a trace. Which fields matter depends on Op.
type Op struct {
	Op     string `yaml:"op"`
	Device string `yaml:"device,omitempty"`
	Vector int    `yaml:"vector,omitempty"`

	Enable bool `yaml:"enable,omitempty"`
	Mask   bool `yaml:"mask,omitempty"`

	Address uint64 `yaml:"address,omitempty"`
	Data    uint32 `yaml:"data,omitempty"`
	Masked  bool   `yaml:"masked,omitempty"`

	BAR    int     `yaml:"bar,omitempty"`
	Offset uint64  `yaml:"offset,omitempty"`
	Size   uint8   `yaml:"size,omitempty"`
	Value  uint64  `yaml:"value,omitempty"`
	Expect *uint64 `yaml:"expect,omitempty"`
	// ExpectError marks an access that must fail.
	ExpectError bool `yaml:"expectError,omitempty"`

	Count   int  `yaml:"count,omitempty"`
	Pending bool `yaml:"pending,omitempty"`
}

func (op Op) validate(devices map[string]Device) error {
	needDevice := func() (Device, error) {
		d, ok := devices[op.Device]
		if !ok {
			return Device{}, fmt.Errorf("unknown device %q", op.Device)
		}
		return d, nil
	}
	checkVector := func(d Device) error {
		if op.Vector < 0 || op.Vector >= int(d.Vectors) {
			return fmt.Errorf("vector %d not in [0, %d)", op.Vector, d.Vectors)
		}
		return nil
	}

	switch op.Op {
	case OpControl, OpReset:
		_, err := needDevice()
		return err
	case OpTableWrite, OpMask, OpExpectPending:
		d, err := needDevice()
		if err != nil {
			return err
		}
		return checkVector(d)
	case OpRing:
		// Out of range vectors are allowed: they exercise the stale doorbell
		// path.
		_, err := needDevice()
		return err
	case OpConfigWrite:
		if _, err := needDevice(); err != nil {
			return err
		}
		if op.Size != 1 && op.Size != 2 && op.Size != 4 {
			return fmt.Errorf("config access size %d", op.Size)
		}
		if op.Offset+uint64(op.Size) > 4096 {
			return fmt.Errorf("config offset %#x out of range", op.Offset)
		}
		return nil
	case OpMMIOWrite, OpMMIORead:
		if _, err := needDevice(); err != nil {
			return err
		}
		if op.BAR < 0 || op.BAR > 5 {
			return fmt.Errorf("BAR %d", op.BAR)
		}
		if op.Size == 0 || op.Size > 8 {
			return fmt.Errorf("access size %d", op.Size)
		}
		if op.Op == OpMMIOWrite && op.Expect != nil {
			return errors.New("expect is only valid on reads")
		}
		return nil
	case OpExpectDeliveries:
		if op.Device != "" {
			if _, err := needDevice(); err != nil {
				return err
			}
		}
		if op.Count < 0 {
			return fmt.Errorf("count %d", op.Count)
		}
		return nil
	case "":
		return errors.New("missing op")
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}
