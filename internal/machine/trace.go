package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/msix/internal/devices/doorbell"
	"github.com/tinyrange/msix/internal/devices/pci/msix"
	"github.com/tinyrange/msix/internal/manifest"
)

var ErrExpectation = errors.New("trace expectation failed")

// Step reports the outcome of one trace operation.
type Step struct {
	Index int
	Op    manifest.Op
	// Value is the result of a read.
	Value uint64
	// Deliveries is the total number of deliveries after the step.
	Deliveries int
}

// Run replays trace against the machine, stopping at the first failing step.
// observe, if non-nil, is called after every successful step.
func (m *Machine) Run(ctx context.Context, trace []manifest.Op, observe func(Step)) error {
	for i, op := range trace {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := m.step(op)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, op.Op, err)
		}
		if observe != nil {
			observe(Step{Index: i, Op: op, Value: value, Deliveries: m.Recorder.Count()})
		}
	}
	return nil
}

func (m *Machine) step(op manifest.Op) (uint64, error) {
	var dev *doorbell.Device
	if op.Device != "" {
		d, ok := m.devices[op.Device]
		if !ok {
			return 0, fmt.Errorf("unknown device %q", op.Device)
		}
		dev = d
	} else if op.Op != manifest.OpExpectDeliveries {
		return 0, errors.New("op needs a device")
	}

	if err := checkSize(op); err != nil {
		return 0, err
	}

	switch op.Op {
	case manifest.OpControl:
		var control uint16
		if op.Enable {
			control |= msix.ControlEnable
		}
		if op.Mask {
			control |= msix.ControlFunctionMask
		}
		return 0, m.writeConfig(op.Device, uint16(dev.MSIX().ControlOffset()), 2, uint64(control))

	case manifest.OpTableWrite:
		entry := make([]byte, msix.TableEntrySize)
		binary.LittleEndian.PutUint64(entry[0:], op.Address)
		binary.LittleEndian.PutUint32(entry[8:], op.Data)
		if op.Masked {
			entry[12] = 1
		}
		// A driver programs an entry with dword writes.
		base := dev.MSIX().Layout.EntryOffset(op.Vector)
		for i := 0; i < len(entry); i += 4 {
			if err := m.writeBAR(op.Device, dev.MSIX().BAR, base+uint64(i), entry[i:i+4]); err != nil {
				return 0, err
			}
		}
		return 0, nil

	case manifest.OpMask:
		ctrl := make([]byte, 4)
		if op.Masked {
			ctrl[0] = 1
		}
		offset := dev.MSIX().Layout.EntryOffset(op.Vector) + 12
		return 0, m.writeBAR(op.Device, dev.MSIX().BAR, offset, ctrl)

	case manifest.OpRing:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(op.Vector))
		return 0, m.writeBAR(op.Device, doorbell.RegisterBAR, doorbell.DOORBELL_NOTIFY, buf)

	case manifest.OpReset:
		return 0, m.writeBAR(op.Device, doorbell.RegisterBAR, doorbell.DOORBELL_RESET, []byte{1, 0, 0, 0})

	case manifest.OpConfigWrite:
		return 0, m.writeConfig(op.Device, uint16(op.Offset), op.Size, op.Value)

	case manifest.OpMMIOWrite:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, op.Value)
		err := m.writeBAR(op.Device, op.BAR, op.Offset, buf[:op.Size])
		return 0, expectError(op, err)

	case manifest.OpMMIORead:
		buf := make([]byte, 8)
		err := m.readBAR(op.Device, op.BAR, op.Offset, buf[:op.Size])
		if err := expectError(op, err); err != nil || op.ExpectError {
			return 0, err
		}
		value := binary.LittleEndian.Uint64(buf)
		if op.Expect != nil && *op.Expect != value {
			return value, fmt.Errorf("%w: read %#x, want %#x", ErrExpectation, value, *op.Expect)
		}
		return value, nil

	case manifest.OpExpectDeliveries:
		got := m.Recorder.Count()
		if dev != nil {
			got = m.Recorder.CountFor(dev.DeviceID())
		}
		if got != op.Count {
			return uint64(got), fmt.Errorf("%w: %d deliveries, want %d", ErrExpectation, got, op.Count)
		}
		return uint64(got), nil

	case manifest.OpExpectPending:
		pending := dev.MSIX().State.IsPending(op.Vector)
		if pending != op.Pending {
			return 0, fmt.Errorf("%w: vector %d pending=%v, want %v", ErrExpectation, op.Vector, pending, op.Pending)
		}
		if pending {
			return 1, nil
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown op %q", op.Op)
	}
}

// checkSize rejects access sizes the step would not be able to encode. Traces
// handed to Run need not have gone through manifest validation.
func checkSize(op manifest.Op) error {
	switch op.Op {
	case manifest.OpConfigWrite:
		if op.Size != 1 && op.Size != 2 && op.Size != 4 {
			return fmt.Errorf("config access size %d", op.Size)
		}
	case manifest.OpMMIOWrite, manifest.OpMMIORead:
		if op.Size == 0 || op.Size > 8 {
			return fmt.Errorf("access size %d", op.Size)
		}
	}
	return nil
}

func expectError(op manifest.Op, err error) error {
	switch {
	case op.ExpectError && err == nil:
		return fmt.Errorf("%w: access succeeded, want an error", ErrExpectation)
	case op.ExpectError:
		return nil
	default:
		return err
	}
}

func (m *Machine) writeConfig(name string, offset uint16, size uint8, value uint64) error {
	addr, err := m.ConfigAddress(name, offset)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return m.Bus.WriteMMIO(addr, buf[:size])
}

func (m *Machine) writeBAR(name string, bar int, offset uint64, data []byte) error {
	addr, err := m.BARAddress(name, bar, offset)
	if err != nil {
		return err
	}
	return m.Bus.WriteMMIO(addr, data)
}

func (m *Machine) readBAR(name string, bar int, offset uint64, data []byte) error {
	addr, err := m.BARAddress(name, bar, offset)
	if err != nil {
		return err
	}
	return m.Bus.ReadMMIO(addr, data)
}
