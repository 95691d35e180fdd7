// Package manifest describes a virtual machine made of MSI-X doorbell
// devices, and an optional scripted trace of guest accesses to replay
// against it.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/msix/internal/devices/pci/msix"
)

const (
	CurrentVersion = 1

	BackendLog  = "log"
	BackendKVM  = "kvm"
	BackendNone = "none"

	DefaultAddressSpaceBase = 0x2000_0000
	DefaultConfigSize       = 1 << 20
	DefaultMMIOSize         = 0x1000_0000
)

var ErrInvalid = errors.New("invalid manifest")

// Manifest is the root document.
type Manifest struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	// Backend selects where deliveries go: "log" records and logs them, "kvm"
	// injects them into a KVM VM, "none" leaves the bus without a backend.
	Backend string `yaml:"backend,omitempty"`

	HostBridge HostBridge `yaml:"hostBridge"`
	Devices    []Device   `yaml:"devices"`
	Trace      []Op       `yaml:"trace,omitempty"`
}

// HostBridge places the PCI windows. Zero bases are allocated from
// AddressSpaceBase.
type HostBridge struct {
	AddressSpaceBase uint64 `yaml:"addressSpaceBase,omitempty"`
	ConfigBase       uint64 `yaml:"configBase,omitempty"`
	ConfigSize       uint64 `yaml:"configSize,omitempty"`
	MMIOBase         uint64 `yaml:"mmioBase,omitempty"`
	MMIOSize         uint64 `yaml:"mmioSize,omitempty"`
}

type Device struct {
	Name string `yaml:"name"`
	// Slot is "bus:device.function" in hex, e.g. "00:01.0".
	Slot     string `yaml:"slot"`
	Vectors  uint32 `yaml:"vectors"`
	VendorID uint16 `yaml:"vendorId,omitempty"`
	DeviceID uint16 `yaml:"deviceId,omitempty"`
	MSIXBAR  int    `yaml:"msixBar,omitempty"`

	TableOffset *uint32 `yaml:"tableOffset,omitempty"`
	PBAOffset   *uint32 `yaml:"pbaOffset,omitempty"`
	// RequesterID overrides the identifier derived from Slot.
	RequesterID *uint32 `yaml:"requesterId,omitempty"`
}

// Offsets returns the explicit table/PBA placement, or nil for the default
// layout.
func (d Device) Offsets() *msix.Offsets {
	if d.TableOffset == nil && d.PBAOffset == nil {
		return nil
	}
	layout, err := msix.ComputeLayout(d.Vectors, nil)
	if err != nil {
		return nil
	}
	offsets := &msix.Offsets{Table: layout.TableOffset, PBA: layout.PBAOffset}
	if d.TableOffset != nil {
		offsets.Table = *d.TableOffset
	}
	if d.PBAOffset != nil {
		offsets.PBA = *d.PBAOffset
	}
	return offsets
}

// Identifier returns the device identifier the device will hand to the
// interrupt backend: RequesterID if set, otherwise bus<<8 | dev<<3 | fn.
func (d Device) Identifier() (uint32, error) {
	if d.RequesterID != nil {
		return *d.RequesterID, nil
	}
	bus, dev, fn, err := d.Location()
	if err != nil {
		return 0, err
	}
	return uint32(bus)<<8 | uint32(dev)<<3 | uint32(fn), nil
}

// Location parses Slot.
func (d Device) Location() (bus, device, function uint8, err error) {
	return ParseSlot(d.Slot)
}

// ParseSlot parses "bb:dd.f".
func ParseSlot(slot string) (bus, device, function uint8, err error) {
	var b, dev, fn uint
	n, scanErr := fmt.Sscanf(strings.TrimSpace(slot), "%x:%x.%x", &b, &dev, &fn)
	if scanErr != nil || n != 3 {
		return 0, 0, 0, fmt.Errorf("slot %q: want bus:device.function", slot)
	}
	if b > 0xff || dev > 0x1f || fn > 7 {
		return 0, 0, 0, fmt.Errorf("slot %q out of range", slot)
	}
	return uint8(b), uint8(dev), uint8(fn), nil
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
	if m.Name == "" {
		m.Name = "msix"
	}
	if m.Backend == "" {
		m.Backend = BackendLog
	}
	if m.HostBridge.AddressSpaceBase == 0 {
		m.HostBridge.AddressSpaceBase = DefaultAddressSpaceBase
	}
	if m.HostBridge.ConfigSize == 0 {
		m.HostBridge.ConfigSize = DefaultConfigSize
	}
	if m.HostBridge.MMIOSize == 0 {
		m.HostBridge.MMIOSize = DefaultMMIOSize
	}
	for i := range m.Devices {
		if m.Devices[i].MSIXBAR == 0 {
			m.Devices[i].MSIXBAR = 1
		}
	}
	for i := range m.Trace {
		m.Trace[i].Op = strings.ToLower(strings.TrimSpace(m.Trace[i].Op))
	}
}

// Validate checks the manifest for errors that would make a device fail to
// install or a trace step reference something that does not exist.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("unsupported version %d", m.Version))
	}
	switch m.Backend {
	case BackendLog, BackendKVM, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", m.Backend))
	}
	if len(m.Devices) == 0 {
		errs = append(errs, errors.New("no devices"))
	}

	names := make(map[string]Device)
	slots := make(map[string]string)
	ids := make(map[uint32]string)
	for i, d := range m.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("device %d has no name", i))
			continue
		}
		if _, dup := names[d.Name]; dup {
			errs = append(errs, fmt.Errorf("device %q defined twice", d.Name))
		}
		names[d.Name] = d

		bus, dev, fn, err := d.Location()
		if err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", d.Name, err))
		} else {
			key := fmt.Sprintf("%02x:%02x.%x", bus, dev, fn)
			if key == "00:00.0" {
				errs = append(errs, fmt.Errorf("device %q: slot 00:00.0 is the host bridge", d.Name))
			}
			if other, dup := slots[key]; dup {
				errs = append(errs, fmt.Errorf("device %q: slot %s already used by %q", d.Name, key, other))
			}
			slots[key] = d.Name
		}
		if id, err := d.Identifier(); err == nil {
			if other, dup := ids[id]; dup {
				errs = append(errs, fmt.Errorf("device %q: device id %#x already used by %q", d.Name, id, other))
			}
			ids[id] = d.Name
		}

		if d.MSIXBAR < 1 || d.MSIXBAR > 5 {
			errs = append(errs, fmt.Errorf("device %q: msixBar %d not in [1, 5]", d.Name, d.MSIXBAR))
		}
		if _, err := msix.ComputeLayout(d.Vectors, d.Offsets()); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", d.Name, err))
		}
	}

	for i, op := range m.Trace {
		if err := op.validate(names); err != nil {
			errs = append(errs, fmt.Errorf("trace step %d (%s): %w", i, op.Op, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Parse decodes, normalizes and validates a manifest.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write encodes m to path.
func Write(path string, m Manifest) error {
	m.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Example returns a manifest with one device and a trace that exercises
// pending-bit latching and both edge delivery paths.
func Example() Manifest {
	m := Manifest{
		Name: "example",
		Devices: []Device{
			{Name: "db0", Slot: "00:01.0", Vectors: 4},
		},
		Trace: []Op{
			{Op: OpTableWrite, Device: "db0", Vector: 0, Address: 0xfee0_0000, Data: 0x30},
			{Op: OpTableWrite, Device: "db0", Vector: 1, Address: 0xfee0_0000, Data: 0x31, Masked: true},
			{Op: OpRing, Device: "db0", Vector: 0},
			{Op: OpExpectPending, Device: "db0", Vector: 0, Pending: true},
			{Op: OpControl, Device: "db0", Enable: true},
			{Op: OpExpectDeliveries, Count: 1},
			{Op: OpRing, Device: "db0", Vector: 1},
			{Op: OpMask, Device: "db0", Vector: 1, Masked: false},
			{Op: OpExpectDeliveries, Count: 2},
			{Op: OpReset, Device: "db0"},
			{Op: OpExpectPending, Device: "db0", Vector: 1, Pending: false},
		},
	}
	m.normalize()
	return m
}
