package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/msix/internal/hv"
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// MemoryEndpoint is an Endpoint that decodes accesses to its memory BARs. The
// host bridge forwards accesses in its MMIO window to the endpoint whose
// regions contain the address.
type MemoryEndpoint interface {
	Endpoint
	hv.MemoryMappedIODevice
}

// linearAllocator hands out BAR windows from the bridge MMIO window in
// increasing address order.
type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) Allocate(io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	align64 := uint64(align)
	base := (a.next + align64 - 1) &^ (align64 - 1)
	if base < a.base || base+uint64(size) < base || base+uint64(size) > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + uint64(size)
	return base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
	barValue [type0BARCount]uint32
	barSize  [type0BARCount]uint32
}

func (s *deviceSlot) onConfigWrite(offset uint16, size uint8, value uint32) (int, uint32, bool) {
	if s == nil || s.endpoint == nil {
		return 0, 0, false
	}
	if size != 4 {
		return 0, 0, false
	}
	if offset < type0BAROffset || offset >= type0BAROffset+type0BARCount*type0BARStride {
		return 0, 0, false
	}
	if offset%type0BARStride != 0 {
		return 0, 0, false
	}
	if value == 0xffff_ffff {
		return 0, 0, false
	}
	index := int((offset - type0BAROffset) / type0BARStride)
	if index < 0 || index >= type0BARCount {
		return 0, 0, false
	}
	s.barValue[index] = value
	return index, value, true
}

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
}

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.key, index, false, size, align)
}

// RequesterID returns the 16-bit PCI requester ID (bus<<8 | dev<<3 | fn).
func (h *DeviceHandle) RequesterID() uint32 {
	return uint32(h.key.bus)<<8 | uint32(h.key.dev)<<3 | uint32(h.key.fn)
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8

	// MSISignaler delivers message-signaled interrupts raised by functions on
	// this bus. It may be nil; devices then log and drop their interrupts.
	MSISignaler hv.MSISignaler
}

// HostBridge implements a minimal ECAM-capable PCI root complex.
type HostBridge struct {
	configBase uint64
	configSize uint64

	mmioBase uint64
	mmioSize uint64

	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	barAllocator *linearAllocator

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
	msi     hv.MSISignaler
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultConfigBase = 0x30000000
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x20000000
		defaultMMIOSize   = 0x10000000
	)

	h := &HostBridge{
		configBase: cfg.ConfigBase,
		configSize: cfg.ConfigSize,
		mmioBase:   cfg.MMIOBase,
		mmioSize:   cfg.MMIOSize,
		rootVendorID: func() uint16 {
			if cfg.RootVendorID != 0 {
				return cfg.RootVendorID
			}
			return 0x1af4
		}(),
		rootDeviceID: func() uint16 {
			if cfg.RootDeviceID != 0 {
				return cfg.RootDeviceID
			}
			return 0x0001
		}(),
		maxBus:  0,
		devices: make(map[deviceKey]*deviceSlot),
		msi:     cfg.MSISignaler,
	}
	if h.configBase == 0 {
		h.configBase = defaultConfigBase
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if cfg.MaxBus != 0 {
		h.maxBus = cfg.MaxBus
	}
	h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	return h
}

// SetMSISignaler replaces the interrupt backend used by functions on this bus.
// Functions resolve the signaler when their MSI-X capability is installed.
func (h *HostBridge) SetMSISignaler(s hv.MSISignaler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msi = s
}

// MSISignaler returns the bus interrupt backend, or nil.
func (h *HostBridge) MSISignaler() hv.MSISignaler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msi
}

// ConfigAddress returns the ECAM address of a function's config register.
func (h *HostBridge) ConfigAddress(bus, device, function uint8, offset uint16) uint64 {
	return h.configBase | uint64(bus)<<20 | uint64(device&0x1f)<<15 | uint64(function&0x7)<<12 | uint64(offset&0xfff)
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	regions := make([]hv.MMIORegion, 0, 2)
	if h.configSize != 0 {
		regions = append(regions, hv.MMIORegion{Address: h.configBase, Size: h.configSize})
	}
	if h.mmioSize != 0 {
		regions = append(regions, hv.MMIORegion{Address: h.mmioBase, Size: h.mmioSize})
	}
	return regions
}

func (h *HostBridge) inConfigWindow(addr uint64) bool {
	return addr >= h.configBase && addr-h.configBase < h.configSize
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !h.inConfigWindow(addr) {
		ep, err := h.memoryEndpoint(addr, len(data))
		if err != nil {
			return err
		}
		return ep.ReadMMIO(addr, data)
	}
	offset := addr - h.configBase

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			curOffset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			if cursor+i < len(data) {
				data[cursor+i] = byte(value >> (8 * i))
			}
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !h.inConfigWindow(addr) {
		ep, err := h.memoryEndpoint(addr, len(data))
		if err != nil {
			return err
		}
		return ep.WriteMMIO(addr, data)
	}
	offset := addr - h.configBase

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

func (h *HostBridge) memoryEndpoint(addr uint64, size int) (MemoryEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, slot := range h.devices {
		ep, ok := slot.endpoint.(MemoryEndpoint)
		if !ok {
			continue
		}
		for _, region := range ep.MMIORegions() {
			if region.Contains(addr, uint64(size)) {
				return ep, nil
			}
		}
	}
	return nil, fmt.Errorf("pci host bridge: no BAR decodes %#x/%d: %w", addr, size, hv.ErrUnmappedAddress)
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if bus > h.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	return deviceKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return 0xffff_ffff
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		slog.Debug("pci: config read failed", "device", key.String(), "offset", offset, "err", err)
		return 0xffff_ffff
	}
	return maskValue(value, size)
}

func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return
	}
	provider := h.provider(key)
	if provider == nil {
		return
	}
	if err := provider.WriteConfig(offset, size, value); err != nil {
		slog.Debug("pci: config write failed", "device", key.String(), "offset", offset, "err", err)
		return
	}

	var (
		endpoint Endpoint
		barIdx   int
		barValue uint32
		notify   bool
	)

	h.mu.Lock()
	if slot := h.devices[key]; slot != nil {
		barIdx, barValue, notify = slot.onConfigWrite(offset, size, value)
		if notify {
			endpoint = slot.endpoint
		}
	}
	h.mu.Unlock()

	if notify && endpoint != nil {
		if err := endpoint.OnBARReprogram(barIdx, barValue); err != nil {
			slog.Warn("pci: BAR reprogram rejected", "device", key.String(), "bar", barIdx, "err", err)
		}
	}
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 {
		return 0xffff_ffff
	}
	if int(offset)+int(size) > 256 {
		return 0xffff_ffff
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus > h.maxBus {
		return nil, fmt.Errorf("bus %d beyond max bus %d", bus, h.maxBus)
	}
	if bus == 0 && device == 0 && function == 0 {
		return nil, fmt.Errorf("00:00.0 is reserved for the host bridge")
	}
	if device > 0x1f || function > 0x7 {
		return nil, fmt.Errorf("invalid location %02x:%02x.%x", bus, device, function)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{
		endpoint: endpoint,
		provider: provider,
	}
	return &DeviceHandle{host: h, key: key}, nil
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func (h *HostBridge) allocateBAR(key deviceKey, index int, io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	slot := h.devices[key]
	if slot == nil {
		return 0, fmt.Errorf("device not registered")
	}
	base, err := h.barAllocator.Allocate(io, size, align)
	if err != nil {
		return 0, err
	}
	slot.barSize[index] = size
	slot.barValue[index] = uint32(base & 0xffff_ffff)
	return base, nil
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
)
