package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Mapping is one device window placed on the bus.
type Mapping struct {
	Name   string
	Region MMIORegion
	Device MemoryMappedIODevice
}

// Bus places MMIO windows in guest physical address space and routes trapped
// guest accesses to the device that owns the address. It stands in for the
// VM-exit dispatch path: every vCPU calls ReadMMIO/WriteMMIO concurrently.
type Bus struct {
	mu sync.RWMutex

	// nextMMIO is the next address handed out by Allocate.
	nextMMIO uint64
	mappings []Mapping
	// reserved holds fixed windows that Allocate must avoid before their
	// device is mapped.
	reserved []MMIORegion
}

// NewBus creates an empty bus. Dynamic allocations start at mmioBase.
func NewBus(mmioBase uint64) *Bus {
	return &Bus{nextMMIO: alignUp(mmioBase, 0x1000)}
}

// Allocate reserves a window of the given size without attaching a device.
// The returned base is aligned to align (4 KiB when zero).
func (b *Bus) Allocate(name string, size, align uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("bus: cannot allocate zero-size region for %s", name)
	}
	if align == 0 {
		align = 0x1000
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("bus: alignment 0x%x is not a power of 2 for %s", align, name)
	}

	base := alignUp(b.nextMMIO, align)
	for moved := true; moved; {
		moved = false
		for _, r := range b.taken() {
			if r.overlaps(MMIORegion{Address: base, Size: size}) {
				base = alignUp(r.Address+r.Size, align)
				moved = true
			}
		}
	}
	b.nextMMIO = base + alignUp(size, align)
	return base, nil
}

// Reserve keeps Allocate away from a window whose address is fixed but whose
// device is mapped later.
func (b *Bus) Reserve(name string, region MMIORegion) error {
	if region.Size == 0 {
		return fmt.Errorf("bus: cannot reserve zero-size region for %s", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.mappings {
		if m.Region.overlaps(region) {
			return fmt.Errorf("bus: reservation %s [0x%x-0x%x) overlaps %s", name, region.Address, region.Address+region.Size, m.Name)
		}
	}
	b.reserved = append(b.reserved, region)
	return nil
}

func (b *Bus) taken() []MMIORegion {
	out := make([]MMIORegion, 0, len(b.mappings)+len(b.reserved))
	for _, m := range b.mappings {
		out = append(out, m.Region)
	}
	return append(out, b.reserved...)
}

// Map attaches every region the device reports. Regions may not overlap an
// existing mapping.
func (b *Bus) Map(name string, dev MemoryMappedIODevice) error {
	if dev == nil {
		return fmt.Errorf("bus: device %s is nil", name)
	}
	regions := dev.MMIORegions()
	if len(regions) == 0 {
		return fmt.Errorf("bus: device %s exposes no MMIO regions", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, region := range regions {
		if region.Size == 0 {
			return fmt.Errorf("bus: device %s has zero-size region at 0x%x", name, region.Address)
		}
		for _, m := range b.mappings {
			if m.Region.overlaps(region) {
				return fmt.Errorf("bus: %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
					name, region.Address, region.Address+region.Size,
					m.Name, m.Region.Address, m.Region.Address+m.Region.Size)
			}
		}
	}
	for _, region := range regions {
		b.mappings = append(b.mappings, Mapping{Name: name, Region: region, Device: dev})
	}
	sort.Slice(b.mappings, func(i, j int) bool {
		return b.mappings[i].Region.Address < b.mappings[j].Region.Address
	})
	return nil
}

// Mappings returns a copy of the current mappings ordered by address.
func (b *Bus) Mappings() []Mapping {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Mapping, len(b.mappings))
	copy(result, b.mappings)
	return result
}

func (b *Bus) lookup(addr uint64, size uint64) (MemoryMappedIODevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.mappings), func(i int) bool {
		r := b.mappings[i].Region
		return r.Address+r.Size > addr
	})
	if i < len(b.mappings) && b.mappings[i].Region.Contains(addr, size) {
		return b.mappings[i].Device, true
	}
	return nil, false
}

// ReadMMIO implements MemoryMappedIODevice.
func (b *Bus) ReadMMIO(addr uint64, data []byte) error {
	dev, ok := b.lookup(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("bus: read 0x%x/%d: %w", addr, len(data), ErrUnmappedAddress)
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO implements MemoryMappedIODevice.
func (b *Bus) WriteMMIO(addr uint64, data []byte) error {
	dev, ok := b.lookup(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("bus: write 0x%x/%d: %w", addr, len(data), ErrUnmappedAddress)
	}
	return dev.WriteMMIO(addr, data)
}

// MMIORegions implements MemoryMappedIODevice.
func (b *Bus) MMIORegions() []MMIORegion {
	b.mu.RLock()
	defer b.mu.RUnlock()

	regions := make([]MMIORegion, 0, len(b.mappings))
	for _, m := range b.mappings {
		regions = append(regions, m.Region)
	}
	return regions
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

var _ MemoryMappedIODevice = (*Bus)(nil)
