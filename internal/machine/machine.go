// Package machine assembles a guest address space of PCI doorbell devices from
// a manifest and replays scripted guest accesses against it.
package machine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/msix/internal/devices/doorbell"
	"github.com/tinyrange/msix/internal/devices/pci"
	"github.com/tinyrange/msix/internal/devices/pci/msix"
	"github.com/tinyrange/msix/internal/hv"
	"github.com/tinyrange/msix/internal/manifest"
)

// Delivery is one message that reached the bus interrupt backend.
type Delivery struct {
	DeviceID uint32
	Address  uint64
	Data     uint32
}

// Message decodes the delivered address and data as an MSI message.
func (d Delivery) Message() msix.Vector {
	return msix.Vector{Address: d.Address, DataAndControl: uint64(d.Data)}
}

// Recorder is the interrupt backend of the machine's host bridge. It keeps
// every delivery and forwards it to next, if any.
type Recorder struct {
	next hv.MSISignaler
	log  *slog.Logger

	mu         sync.Mutex
	deliveries []Delivery
	perDevice  map[uint32]int
}

func NewRecorder(next hv.MSISignaler, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{next: next, log: log, perDevice: make(map[uint32]int)}
}

// SignalMSI implements hv.MSISignaler.
func (r *Recorder) SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, Delivery{DeviceID: deviceID, Address: addr, Data: data})
	r.perDevice[deviceID]++
	r.mu.Unlock()

	msg := msix.Vector{Address: addr, DataAndControl: uint64(data)}
	r.log.Debug("machine: msi",
		"device", deviceID,
		"addr", fmt.Sprintf("%#x", addr),
		"data", fmt.Sprintf("%#x", data),
		"apic", msg.IsLocalAPIC(),
		"dest", msg.Destination(),
		"vec", msg.InterruptVector())
	if r.next == nil {
		return nil
	}
	return r.next.SignalMSI(addr, data, flags, deviceID)
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func (r *Recorder) CountFor(deviceID uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perDevice[deviceID]
}

// Machine is a bus with a PCI host bridge and the doorbell devices behind it.
type Machine struct {
	Name     string
	Bus      *hv.Bus
	Host     *pci.HostBridge
	Recorder *Recorder

	devices map[string]*doorbell.Device
	order   []string
	slots   map[string][3]uint8
}

// New builds the machine described by m. Deliveries are recorded and then
// forwarded to next; with the "none" backend the host bridge has no interrupt
// backend at all and devices drop their interrupts.
func New(m manifest.Manifest, next hv.MSISignaler) (*Machine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var maxBus uint8
	for _, d := range m.Devices {
		b, _, _, _ := d.Location()
		maxBus = max(maxBus, b)
	}

	if need := (uint64(maxBus) + 1) << 20; m.HostBridge.ConfigSize < need {
		return nil, fmt.Errorf("machine: ECAM window of %#x bytes cannot reach bus %d", m.HostBridge.ConfigSize, maxBus)
	}

	bus := hv.NewBus(m.HostBridge.AddressSpaceBase)
	if base := m.HostBridge.ConfigBase; base != 0 {
		if err := bus.Reserve("pci-ecam", hv.MMIORegion{Address: base, Size: m.HostBridge.ConfigSize}); err != nil {
			return nil, err
		}
	}
	if base := m.HostBridge.MMIOBase; base != 0 {
		if err := bus.Reserve("pci-mmio", hv.MMIORegion{Address: base, Size: m.HostBridge.MMIOSize}); err != nil {
			return nil, err
		}
	}
	configBase := m.HostBridge.ConfigBase
	if configBase == 0 {
		base, err := bus.Allocate("pci-ecam", m.HostBridge.ConfigSize, m.HostBridge.ConfigSize)
		if err != nil {
			return nil, fmt.Errorf("allocate ECAM window: %w", err)
		}
		configBase = base
	}
	mmioBase := m.HostBridge.MMIOBase
	if mmioBase == 0 {
		base, err := bus.Allocate("pci-mmio", m.HostBridge.MMIOSize, 0x1000)
		if err != nil {
			return nil, fmt.Errorf("allocate BAR window: %w", err)
		}
		mmioBase = base
	}

	recorder := NewRecorder(next, nil)
	hostCfg := pci.HostBridgeConfig{
		ConfigBase: configBase,
		ConfigSize: m.HostBridge.ConfigSize,
		MMIOBase:   mmioBase,
		MMIOSize:   m.HostBridge.MMIOSize,
		MaxBus:     maxBus,
	}
	if m.Backend != manifest.BackendNone {
		hostCfg.MSISignaler = recorder
	}
	host := pci.NewHostBridge(hostCfg)
	if err := bus.Map("pci", host); err != nil {
		return nil, err
	}

	mach := &Machine{
		Name:     m.Name,
		Bus:      bus,
		Host:     host,
		Recorder: recorder,
		devices:  make(map[string]*doorbell.Device),
		slots:    make(map[string][3]uint8),
	}
	for _, d := range m.Devices {
		dev, err := doorbell.New(host, doorbell.Config{
			Name:        d.Name,
			VendorID:    d.VendorID,
			DeviceID:    d.DeviceID,
			Vectors:     d.Vectors,
			MSIXBAR:     d.MSIXBAR,
			Offsets:     d.Offsets(),
			RequesterID: d.RequesterID,
		})
		if err != nil {
			return nil, err
		}
		b, dv, fn, err := d.Location()
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		if err := dev.Attach(b, dv, fn); err != nil {
			return nil, err
		}
		mach.devices[d.Name] = dev
		mach.order = append(mach.order, d.Name)
		mach.slots[d.Name] = [3]uint8{b, dv, fn}
	}

	slog.Info("machine: ready",
		"name", m.Name,
		"devices", len(mach.order),
		"ecam", fmt.Sprintf("%#x", configBase),
		"mmio", fmt.Sprintf("%#x", mmioBase))
	return mach, nil
}

func (m *Machine) Device(name string) (*doorbell.Device, bool) {
	d, ok := m.devices[name]
	return d, ok
}

// Devices returns the devices in manifest order.
func (m *Machine) Devices() []*doorbell.Device {
	out := make([]*doorbell.Device, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.devices[name])
	}
	return out
}

// DeviceName maps a requester ID back to a device name.
func (m *Machine) DeviceName(id uint32) string {
	for _, name := range m.order {
		if m.devices[name].DeviceID() == id {
			return name
		}
	}
	return fmt.Sprintf("%#x", id)
}

// ConfigAddress returns the ECAM address of a register of the named device.
func (m *Machine) ConfigAddress(name string, offset uint16) (uint64, error) {
	slot, ok := m.slots[name]
	if !ok {
		return 0, fmt.Errorf("machine: unknown device %q", name)
	}
	return m.Host.ConfigAddress(slot[0], slot[1], slot[2], offset), nil
}

// BARAddress returns the guest address of offset within BAR bar of the named
// device.
func (m *Machine) BARAddress(name string, bar int, offset uint64) (uint64, error) {
	dev, ok := m.devices[name]
	if !ok {
		return 0, fmt.Errorf("machine: unknown device %q", name)
	}
	handler, size, base := dev.Function().Config().BAR(bar)
	if handler == nil {
		return 0, fmt.Errorf("machine: %s has no BAR %d", name, bar)
	}
	if offset >= size {
		return 0, fmt.Errorf("machine: offset %#x outside %s BAR %d (%#x bytes)", offset, name, bar, size)
	}
	return base + offset, nil
}
