package pci

import (
	"fmt"
	"sync"
)

const (
	ConfigSpaceSize = 4096

	configVendorID     = 0x00
	configDeviceID     = 0x02
	configCommand      = 0x04
	configStatus       = 0x06
	configRevision     = 0x08
	configClassCode    = 0x09
	configHeaderType   = 0x0e
	configCapPointer   = 0x34
	configIntLine      = 0x3c
	capabilityStart    = 0x40
	capabilityListEnd  = 0x100
	statusCapabilities = 0x10
)

const (
	CommandMemorySpace   = uint16(1 << 1)
	CommandBusMaster     = uint16(1 << 2)
	CommandIntxDisable   = uint16(1 << 10)
	commandGuestWritable = CommandMemorySpace | CommandBusMaster | CommandIntxDisable
)

// Capability IDs used by devices in this tree.
const (
	CapIDMSI    = 0x05
	CapIDVendor = 0x09
	CapIDMSIX   = 0x11
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
	barAttrMask    = uint32(0xf)
	minBARSize     = 16
)

// RegionHandler backs guest accesses to a memory BAR. Offsets are relative to
// the start of the BAR and the access width is len(data).
type RegionHandler interface {
	ReadRegion(offset uint64, data []byte) error
	WriteRegion(offset uint64, data []byte) error
}

// WriteObserver is told about every guest configuration write after the write
// mask has been applied. config is the live configuration space and must not be
// retained.
type WriteObserver func(config []byte, offset, length int)

type barSlot struct {
	size    uint64
	handler RegionHandler
}

// Config is a type 0 configuration space: the raw bytes, a per-byte mask of
// guest-writable bits, and the memory BARs registered by the device model.
//
// Guest writes and their observers run under one lock, so observers see
// writes in order. Lock order is Config before any device lock taken by an
// observer.
type Config struct {
	mu sync.Mutex

	data      [ConfigSpaceSize]byte
	writeMask [ConfigSpaceSize]byte

	lastCap int
	nextCap int

	bars      [type0BARCount]barSlot
	observers []WriteObserver
}

// NewConfig builds a header for a single-function endpoint.
func NewConfig(vendorID, deviceID uint16, classCode uint32, revision uint8) *Config {
	c := &Config{nextCap: capabilityStart}
	_ = WriteU16(c.data[:], configVendorID, vendorID)
	_ = WriteU16(c.data[:], configDeviceID, deviceID)
	c.data[configRevision] = revision
	c.data[configClassCode] = byte(classCode)
	c.data[configClassCode+1] = byte(classCode >> 8)
	c.data[configClassCode+2] = byte(classCode >> 16)
	c.data[configHeaderType] = 0x00

	_ = WriteU16(c.writeMask[:], configCommand, commandGuestWritable)
	c.writeMask[configIntLine] = 0xff
	return c
}

// AddCapability appends a capability of size bytes to the legacy capability
// list and returns its offset. The header's id and next pointer are filled in.
func (c *Config) AddCapability(id uint8, size int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size < 2 {
		return 0, fmt.Errorf("pci: capability %#x size %d too small", id, size)
	}
	offset := c.nextCap
	if offset+size > capabilityListEnd {
		return 0, fmt.Errorf("pci: no room for capability %#x (%d bytes at %#x)", id, size, offset)
	}

	c.data[offset] = id
	c.data[offset+1] = 0
	if c.lastCap == 0 {
		c.data[configCapPointer] = uint8(offset)
	} else {
		c.data[c.lastCap+1] = uint8(offset)
	}
	status, _ := ReadU16(c.data[:], configStatus)
	_ = WriteU16(c.data[:], configStatus, status|statusCapabilities)

	c.lastCap = offset
	c.nextCap = (offset + size + 3) &^ 3
	return offset, nil
}

// Capabilities walks the capability list and returns the offset of each entry
// keyed by capability id.
func (c *Config) Capabilities() map[uint8]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps := make(map[uint8]int)
	seen := make(map[int]bool)
	ptr := int(c.data[configCapPointer])
	for ptr >= capabilityStart && ptr < capabilityListEnd && !seen[ptr] {
		seen[ptr] = true
		caps[c.data[ptr]] = ptr
		ptr = int(c.data[ptr+1])
	}
	return caps
}

// SetU16 stores a field on behalf of the device model, ignoring the write mask.
func (c *Config) SetU16(offset int, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteU16(c.data[:], offset, value)
}

// SetU32 stores a field on behalf of the device model, ignoring the write mask.
func (c *Config) SetU32(offset int, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteU32(c.data[:], offset, value)
}

// SetWriteMaskU16 marks bits of a 16-bit field as guest-writable.
func (c *Config) SetWriteMaskU16(offset int, mask uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteU16(c.writeMask[:], offset, mask)
}

func (c *Config) U16(offset int) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReadU16(c.data[:], offset)
}

func (c *Config) U32(offset int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReadU32(c.data[:], offset)
}

// OnWrite registers an observer for guest writes.
func (c *Config) OnWrite(fn WriteObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// RegisterBAR declares a 32-bit non-prefetchable memory BAR of the given size
// and the handler that backs it. size must be a power of two.
func (c *Config) RegisterBAR(index int, handler RegionHandler, size uint64) error {
	if index < 0 || index >= type0BARCount {
		return fmt.Errorf("pci: BAR index %d out of range", index)
	}
	if handler == nil {
		return fmt.Errorf("pci: BAR %d handler is nil", index)
	}
	if size < minBARSize || size&(size-1) != 0 || size > 1<<31 {
		return fmt.Errorf("pci: BAR %d size %#x must be a power of two in [%#x, 2GiB]", index, size, minBARSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bars[index].handler != nil {
		return fmt.Errorf("pci: BAR %d already registered", index)
	}
	c.bars[index] = barSlot{size: size, handler: handler}

	offset := type0BAROffset + index*type0BARStride
	mask := uint32(^(size - 1)) &^ barAttrMask
	_ = WriteU32(c.writeMask[:], offset, mask)
	_ = WriteU32(c.data[:], offset, 0)
	return nil
}

// BAR returns the handler, size and current base address of a BAR.
func (c *Config) BAR(index int) (RegionHandler, uint64, uint64) {
	if index < 0 || index >= type0BARCount {
		return nil, 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.bars[index]
	raw, _ := ReadU32(c.data[:], type0BAROffset+index*type0BARStride)
	return slot.handler, slot.size, uint64(raw &^ barAttrMask)
}

// MemoryDecodeEnabled reports whether the guest enabled memory space decoding.
func (c *Config) MemoryDecodeEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, _ := ReadU16(c.data[:], configCommand)
	return cmd&CommandMemorySpace != 0
}

// ReadConfig implements ConfigSpace.
func (c *Config) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("pci: unsupported config read size %d", size)
	}
	if int(offset)+int(size) > ConfigSpaceSize {
		return 0, fmt.Errorf("pci: config read at %#x/%d out of range", offset, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	value := uint32(0)
	for i := 0; i < int(size); i++ {
		value |= uint32(c.data[int(offset)+i]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace. Only bits set in the write mask change.
func (c *Config) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: unsupported config write size %d", size)
	}
	if int(offset)+int(size) > ConfigSpaceSize {
		return fmt.Errorf("pci: config write at %#x/%d out of range", offset, size)
	}
	value = maskValue(value, size)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < int(size); i++ {
		pos := int(offset) + i
		mask := c.writeMask[pos]
		b := byte(value >> (8 * i))
		c.data[pos] = (c.data[pos] &^ mask) | (b & mask)
	}
	for _, fn := range c.observers {
		fn(c.data[:], int(offset), int(size))
	}
	return nil
}

var _ ConfigSpace = (*Config)(nil)
