package msix

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"

	"github.com/tinyrange/msix/internal/devices/pci"
)

// Offsets places the table and the pending-bit array inside the BAR. Both must
// be 8-byte aligned since the low three bits of each register hold the BAR
// index.
type Offsets struct {
	Table uint32
	PBA   uint32
}

// Layout describes where the table and pending-bit array live inside the BAR
// and how large the BAR has to be.
type Layout struct {
	VectorCount uint32
	TableOffset uint32
	TableSize   uint32
	PBAOffset   uint32
	PBASize     uint32
	BARSize     uint64
}

// Type 0 functions have six BARs.
const maxBAR = 5

func (l Layout) tableEnd() uint64 { return uint64(l.TableOffset) + uint64(l.TableSize) }
func (l Layout) pbaEnd() uint64   { return uint64(l.PBAOffset) + uint64(l.PBASize) }

// ComputeLayout validates a vector count and optional explicit offsets. With
// nil offsets the table starts at 0 and the pending-bit array follows it.
func ComputeLayout(vectorCount uint32, offsets *Offsets) (Layout, error) {
	if vectorCount == 0 || vectorCount > MaxVectors {
		return Layout{}, fmt.Errorf("%w: vector count %d not in [1, %d]", ErrInvalidLayout, vectorCount, MaxVectors)
	}

	l := Layout{
		VectorCount: vectorCount,
		TableSize:   tableSize(vectorCount),
		PBASize:     pbaSize(vectorCount),
	}
	if offsets == nil {
		l.TableOffset = 0
		l.PBAOffset = l.TableSize
	} else {
		l.TableOffset = offsets.Table
		l.PBAOffset = offsets.PBA
	}

	if l.TableOffset&offsetBIRMask != 0 || l.PBAOffset&offsetBIRMask != 0 {
		return Layout{}, fmt.Errorf("%w: offsets %#x/%#x must be 8-byte aligned", ErrInvalidLayout, l.TableOffset, l.PBAOffset)
	}
	if pci.RangesOverlap(uint64(l.TableOffset), uint64(l.TableSize), uint64(l.PBAOffset), uint64(l.PBASize)) {
		return Layout{}, fmt.Errorf("%w: table [%#x, %#x) overlaps pba [%#x, %#x)",
			ErrInvalidLayout, l.TableOffset, l.tableEnd(), l.PBAOffset, l.pbaEnd())
	}

	end := max(l.tableEnd(), l.pbaEnd())
	l.BARSize = max(nextPowerOfTwo(end), MinimumBARSize)
	if l.BARSize > 1<<31 {
		return Layout{}, fmt.Errorf("%w: BAR of %#x bytes too large", ErrInvalidLayout, l.BARSize)
	}
	return l, nil
}

func nextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

// EntryOffset returns the BAR offset of vector v's table entry.
func (l Layout) EntryOffset(v int) uint64 {
	return uint64(l.TableOffset) + uint64(v)*TableEntrySize
}

// Capability is an installed MSI-X capability.
type Capability struct {
	State  *State
	Region *Region
	Layout Layout
	// Offset of the capability header in configuration space.
	Offset int
	BAR    int

	config *pci.Config
}

// Reset returns the capability to its installed state: the control register
// reads back only the table size, and State is reset.
func (c *Capability) Reset() error {
	control := uint16(c.State.VectorCount()-1) & controlTableSize
	if err := c.config.SetU16(c.ControlOffset(), control); err != nil {
		return fmt.Errorf("reset msix control: %w", err)
	}
	c.State.Reset()
	return nil
}

// ControlOffset returns the configuration space offset of the message
// control register.
func (c *Capability) ControlOffset() int {
	return c.Offset + capControl
}

// Install adds an MSI-X capability to fn and backs it with memory BAR bar.
// The capability must be installed before fn is attached to its bus. The
// interrupt backend is taken from the parent host bridge; without one the
// device still works but every delivery is dropped with a log message.
//
// deviceID is read at delivery time, so the owner can assign the requester
// ID after installation. It may be nil.
func Install(fn *pci.Function, bar int, vectorCount uint32, deviceID *atomic.Uint32, offsets *Offsets) (*Capability, error) {
	layout, err := ComputeLayout(vectorCount, offsets)
	if err != nil {
		return nil, err
	}
	cfg := fn.Config()
	if bar < 0 || bar > maxBAR {
		return nil, fmt.Errorf("%w: BAR index %d", ErrInvalidLayout, bar)
	}
	if handler, _, _ := cfg.BAR(bar); handler != nil {
		return nil, fmt.Errorf("%w: BAR %d of %s already in use", ErrInvalidLayout, bar, fn.Name())
	}

	capOffset, err := cfg.AddCapability(pci.CapIDMSIX, CapabilitySize)
	if err != nil {
		return nil, fmt.Errorf("add msix capability: %w", err)
	}

	var backend InterruptBackend
	if host := fn.Bus(); host != nil {
		if sig := host.MSISignaler(); sig != nil {
			backend = SignalerBackend{Signaler: sig}
		}
	}
	if backend == nil {
		slog.Warn("msix: parent bus has no interrupt backend, deliveries will be dropped", "device", fn.Name())
	}

	state, err := NewState(vectorCount, capOffset, deviceID, backend)
	if err != nil {
		return nil, err
	}

	if err := cfg.SetU16(capOffset+capControl, uint16(vectorCount-1)&controlTableSize); err != nil {
		return nil, err
	}
	if err := cfg.SetWriteMaskU16(capOffset+capControl, ControlEnable|ControlFunctionMask); err != nil {
		return nil, err
	}
	if err := cfg.SetU32(capOffset+capTable, layout.TableOffset|uint32(bar)); err != nil {
		return nil, err
	}
	if err := cfg.SetU32(capOffset+capPBA, layout.PBAOffset|uint32(bar)); err != nil {
		return nil, err
	}

	region := NewRegion(state, layout)
	if err := cfg.RegisterBAR(bar, region, layout.BARSize); err != nil {
		return nil, fmt.Errorf("register msix BAR: %w", err)
	}

	cfg.OnWrite(func(config []byte, offset, length int) {
		state.WriteConfig(config, state.DeviceID(), offset, length)
	})

	slog.Debug("msix: capability installed",
		"device", fn.Name(),
		"cap", fmt.Sprintf("%#x", capOffset),
		"bar", bar,
		"vectors", vectorCount,
		"table", fmt.Sprintf("%#x", layout.TableOffset),
		"pba", fmt.Sprintf("%#x", layout.PBAOffset),
		"size", layout.BARSize)

	return &Capability{
		State:  state,
		Region: region,
		Layout: layout,
		Offset: capOffset,
		BAR:    bar,
		config: cfg,
	}, nil
}
