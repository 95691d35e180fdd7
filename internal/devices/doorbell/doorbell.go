// Package doorbell implements a minimal PCI device that raises MSI-X vectors
// when the guest (or the host side of an emulated device) rings its doorbell
// register.
package doorbell

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/msix/internal/devices/pci"
	"github.com/tinyrange/msix/internal/devices/pci/msix"
)

// Register page offsets in BAR0.
const (
	DOORBELL_NOTIFY   = 0x00 // (WO) vector index to raise
	DOORBELL_VECTORS  = 0x04 // (RO) number of MSI-X vectors
	DOORBELL_RESET    = 0x08 // (WO) any value resets the device
	DOORBELL_DEVICEID = 0x0C // (RW) requester ID handed to the interrupt backend
)

const (
	RegisterBAR  = 0
	RegisterSize = 0x1000

	DefaultVendorID = 0x1af4
	DefaultDeviceID = 0x10ff
	DefaultMSIXBAR  = 1

	// Base system peripheral, other.
	classCode = 0x088000
)

type Config struct {
	Name     string
	VendorID uint16
	DeviceID uint16
	Vectors  uint32

	// MSIXBAR selects the BAR backing the MSI-X table and pending-bit array.
	// Zero selects DefaultMSIXBAR since BAR0 holds the register page.
	MSIXBAR int
	Offsets *msix.Offsets

	// RequesterID overrides the device identifier derived from the slot the
	// device is attached to.
	RequesterID *uint32
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = "doorbell"
	}
	if c.VendorID == 0 {
		c.VendorID = DefaultVendorID
	}
	if c.DeviceID == 0 {
		c.DeviceID = DefaultDeviceID
	}
	if c.MSIXBAR == 0 {
		c.MSIXBAR = DefaultMSIXBAR
	}
}

// Device is a PCI function with a doorbell register page and an MSI-X
// capability.
type Device struct {
	fn   *pci.Function
	msix *msix.Capability

	id      atomic.Uint32
	fixedID bool
	rings   atomic.Uint64
	resets  atomic.Uint64
	log     *slog.Logger
}

// New builds the device on host. The device is live once Attach succeeds.
func New(host *pci.HostBridge, cfg Config) (*Device, error) {
	cfg.normalize()

	d := &Device{log: slog.Default().With("device", cfg.Name)}
	if cfg.RequesterID != nil {
		d.id.Store(*cfg.RequesterID)
		d.fixedID = true
	}

	config := pci.NewConfig(cfg.VendorID, cfg.DeviceID, classCode, 1)
	d.fn = pci.NewFunction(host, cfg.Name, config)

	if err := config.RegisterBAR(RegisterBAR, &registers{d: d}, RegisterSize); err != nil {
		return nil, fmt.Errorf("doorbell %s: %w", cfg.Name, err)
	}
	capability, err := msix.Install(d.fn, cfg.MSIXBAR, cfg.Vectors, &d.id, cfg.Offsets)
	if err != nil {
		return nil, fmt.Errorf("doorbell %s: install msix: %w", cfg.Name, err)
	}
	capability.State.SetLogger(d.log)
	d.msix = capability
	return d, nil
}

// Attach places the device at bus:device.function. Unless the configuration
// fixed one, the requester ID of that slot becomes the device identifier.
func (d *Device) Attach(bus, device, function uint8) error {
	if err := d.fn.Attach(bus, device, function); err != nil {
		return err
	}
	if !d.fixedID {
		d.id.Store(d.fn.Handle().RequesterID())
	}
	d.log.Debug("doorbell: attached", "slot", fmt.Sprintf("%02x:%02x.%d", bus, device, function), "id", d.id.Load())
	return nil
}

func (d *Device) Name() string { return d.fn.Name() }

func (d *Device) Function() *pci.Function { return d.fn }

func (d *Device) MSIX() *msix.Capability { return d.msix }

func (d *Device) DeviceID() uint32 { return d.id.Load() }

func (d *Device) SetDeviceID(id uint32) { d.id.Store(id) }

// Ring raises vector v.
func (d *Device) Ring(v int) {
	d.rings.Add(1)
	d.msix.State.Notify(v, d.id.Load())
}

// Reset returns the MSI-X capability to power-on defaults, including the
// control register in configuration space.
func (d *Device) Reset() {
	d.resets.Add(1)
	if err := d.msix.Reset(); err != nil {
		d.log.Error("doorbell: reset", "device", d.Name(), "err", err)
	}
}

// Stats returns the number of doorbell rings and resets seen.
func (d *Device) Stats() (rings, resets uint64) {
	return d.rings.Load(), d.resets.Load()
}

// registers backs the BAR0 register page.
type registers struct {
	d *Device
}

func checkRegisterAccess(offset uint64, data []byte) error {
	if len(data) != 4 || offset%4 != 0 {
		return fmt.Errorf("doorbell: unsupported %d-byte access at %#x", len(data), offset)
	}
	if offset+4 > RegisterSize {
		return fmt.Errorf("doorbell: access at %#x outside register page", offset)
	}
	return nil
}

func (r *registers) ReadRegion(offset uint64, data []byte) error {
	if err := checkRegisterAccess(offset, data); err != nil {
		return err
	}
	var value uint32
	switch offset {
	case DOORBELL_VECTORS:
		value = uint32(r.d.msix.State.VectorCount())
	case DOORBELL_DEVICEID:
		value = r.d.id.Load()
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

func (r *registers) WriteRegion(offset uint64, data []byte) error {
	if err := checkRegisterAccess(offset, data); err != nil {
		return err
	}
	value := binary.LittleEndian.Uint32(data)
	switch offset {
	case DOORBELL_NOTIFY:
		r.d.Ring(int(value))
	case DOORBELL_RESET:
		r.d.Reset()
	case DOORBELL_DEVICEID:
		r.d.id.Store(value)
	default:
		r.d.log.Debug("doorbell: write to read-only register", "offset", fmt.Sprintf("%#x", offset), "value", value)
	}
	return nil
}

var _ pci.RegionHandler = (*registers)(nil)
