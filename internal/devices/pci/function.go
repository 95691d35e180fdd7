package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/msix/internal/hv"
)

// Function is a generic type 0 endpoint: a configuration space plus the
// region handlers behind its memory BARs. Device models embed the behaviour
// they need by registering BARs and capabilities on Config before Attach.
type Function struct {
	name   string
	config *Config
	host   *HostBridge

	mu     sync.Mutex
	handle *DeviceHandle
}

// NewFunction creates a function whose parent bus is host. host may be nil
// for functions that are never attached (tests, offline layout checks).
func NewFunction(host *HostBridge, name string, config *Config) *Function {
	return &Function{name: name, config: config, host: host}
}

func (f *Function) Name() string { return f.name }

// Config returns the function's configuration space.
func (f *Function) Config() *Config { return f.config }

// Bus returns the parent host bridge, or nil.
func (f *Function) Bus() *HostBridge { return f.host }

// Handle returns the host bridge registration, or nil before Attach.
func (f *Function) Handle() *DeviceHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

// Attach registers the function on its parent bus and assigns addresses to
// every registered BAR, the way firmware would before handing the bus to the
// guest. Memory decoding is enabled afterwards.
func (f *Function) Attach(bus, device, function uint8) error {
	if f.host == nil {
		return fmt.Errorf("pci: function %s has no parent bus", f.name)
	}
	handle, err := f.host.RegisterEndpoint(bus, device, function, f)
	if err != nil {
		return fmt.Errorf("register %s: %w", f.name, err)
	}
	f.mu.Lock()
	f.handle = handle
	f.mu.Unlock()

	for index := 0; index < type0BARCount; index++ {
		handler, size, _ := f.config.BAR(index)
		if handler == nil {
			continue
		}
		base, err := handle.AllocateMemoryBAR(index, uint32(size), uint32(size))
		if err != nil {
			return fmt.Errorf("allocate BAR %d of %s: %w", index, f.name, err)
		}
		if err := f.config.SetU32(type0BAROffset+index*type0BARStride, uint32(base)); err != nil {
			return err
		}
		slog.Debug("pci: BAR assigned", "device", f.name, "bar", index, "base", fmt.Sprintf("%#x", base), "size", size)
	}

	cmd, err := f.config.U16(configCommand)
	if err != nil {
		return err
	}
	return f.config.SetU16(configCommand, cmd|CommandMemorySpace)
}

// ConfigSpace implements Endpoint.
func (f *Function) ConfigSpace() ConfigSpace {
	return f.config
}

// OnBARReprogram implements Endpoint. The new base is already in the
// configuration bytes; decoding reads it on every access.
func (f *Function) OnBARReprogram(index int, value uint32) error {
	handler, _, base := f.config.BAR(index)
	if handler == nil {
		return fmt.Errorf("BAR %d not configured", index)
	}
	slog.Debug("pci: BAR reprogrammed", "device", f.name, "bar", index, "base", fmt.Sprintf("%#x", base))
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice. Unassigned BARs and BARs of
// a function with memory decoding disabled are not reported.
func (f *Function) MMIORegions() []hv.MMIORegion {
	if !f.config.MemoryDecodeEnabled() {
		return nil
	}
	var regions []hv.MMIORegion
	for index := 0; index < type0BARCount; index++ {
		handler, size, base := f.config.BAR(index)
		if handler == nil || base == 0 {
			continue
		}
		regions = append(regions, hv.MMIORegion{Address: base, Size: size})
	}
	return regions
}

func (f *Function) decode(addr uint64, size int) (RegionHandler, uint64, error) {
	if !f.config.MemoryDecodeEnabled() {
		return nil, 0, fmt.Errorf("pci: %s memory decoding disabled: %w", f.name, hv.ErrUnmappedAddress)
	}
	for index := 0; index < type0BARCount; index++ {
		handler, barSize, base := f.config.BAR(index)
		if handler == nil || base == 0 {
			continue
		}
		region := hv.MMIORegion{Address: base, Size: barSize}
		if region.Contains(addr, uint64(size)) {
			return handler, addr - base, nil
		}
	}
	return nil, 0, fmt.Errorf("pci: %s has no BAR at %#x/%d: %w", f.name, addr, size, hv.ErrUnmappedAddress)
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (f *Function) ReadMMIO(addr uint64, data []byte) error {
	handler, offset, err := f.decode(addr, len(data))
	if err != nil {
		return err
	}
	return handler.ReadRegion(offset, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (f *Function) WriteMMIO(addr uint64, data []byte) error {
	handler, offset, err := f.decode(addr, len(data))
	if err != nil {
		return err
	}
	return handler.WriteRegion(offset, data)
}

var (
	_ MemoryEndpoint = (*Function)(nil)
)
