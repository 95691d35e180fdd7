package msix

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/msix/internal/devices/pci"
)

// Region decodes guest accesses to the BAR holding the vector table and the
// pending-bit array. The table is guest-writable; the pending-bit array is
// owned by the device and silently ignores guest writes.
type Region struct {
	state  *State
	layout Layout
}

func NewRegion(state *State, layout Layout) *Region {
	return &Region{state: state, layout: layout}
}

func (r *Region) Layout() Layout { return r.layout }

func checkWidth(offset uint64, width int) error {
	switch width {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("%w: unsupported access width %d at %#x", ErrOutOfRange, width, offset)
	}
}

type target int

const (
	targetTable target = iota
	targetPBA
)

// locate maps a BAR offset onto the table or the pending-bit array. The access
// must fall entirely inside one of them.
func (r *Region) locate(offset uint64, width int) (target, int, error) {
	if err := checkWidth(offset, width); err != nil {
		return 0, 0, err
	}
	end := offset + uint64(width)
	l := r.layout
	tableStart, tableEnd := uint64(l.TableOffset), uint64(l.TableOffset)+uint64(l.TableSize)
	pbaStart, pbaEnd := uint64(l.PBAOffset), uint64(l.PBAOffset)+uint64(l.PBASize)
	switch {
	case offset >= tableStart && end <= tableEnd:
		return targetTable, int(offset - tableStart), nil
	case offset >= pbaStart && end <= pbaEnd:
		return targetPBA, int(offset - pbaStart), nil
	default:
		return 0, 0, fmt.Errorf("%w: %d-byte access at %#x (table [%#x, %#x), pba [%#x, %#x))",
			ErrOutOfRange, width, offset, tableStart, tableEnd, pbaStart, pbaEnd)
	}
}

// ReadRegion implements pci.RegionHandler.
func (r *Region) ReadRegion(offset uint64, data []byte) error {
	where, rel, err := r.locate(offset, len(data))
	if err != nil {
		return err
	}

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	switch where {
	case targetTable:
		copy(data, r.state.table[rel:rel+len(data)])
	case targetPBA:
		copy(data, r.state.pba[rel:rel+len(data)])
	}
	return nil
}

// WriteRegion implements pci.RegionHandler.
func (r *Region) WriteRegion(offset uint64, data []byte) error {
	where, rel, err := r.locate(offset, len(data))
	if err != nil {
		return err
	}
	if where == targetPBA {
		return nil
	}

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return r.state.tableWrite(rel, data)
}

// Read returns the little-endian value of a size-byte access at offset.
func (r *Region) Read(offset uint64, size uint8) (uint64, error) {
	var buf [8]byte
	if size > 8 {
		return 0, checkWidth(offset, int(size))
	}
	if err := r.ReadRegion(offset, buf[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write performs a size-byte access at offset using the first size bytes of
// data.
func (r *Region) Write(offset uint64, size uint8, data []byte) error {
	if len(data) < int(size) {
		return fmt.Errorf("%w: %d-byte write with %d bytes of data", ErrOutOfRange, size, len(data))
	}
	return r.WriteRegion(offset, data[:size])
}

var _ pci.RegionHandler = (*Region)(nil)
