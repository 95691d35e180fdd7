// Package stress drives a machine from many simulated vCPUs at once: rings,
// per-vector mask toggles and function mask toggles race each other, and the
// run checks afterwards that no interrupt was lost.
package stress

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/msix/internal/devices/doorbell"
	"github.com/tinyrange/msix/internal/devices/pci/msix"
	"github.com/tinyrange/msix/internal/hv"
	"github.com/tinyrange/msix/internal/machine"
	"github.com/tinyrange/msix/internal/timeslice"
)

var ErrLostInterrupt = errors.New("stress: interrupt lost")

// Operation kinds recorded to a timeslice log, indexed by the op* constants.
var Kinds = []timeslice.Kind{
	opRing:         {Name: "ring", Flags: timeslice.FlagGuestAccess},
	opVectorMask:   {Name: "vector-mask", Flags: timeslice.FlagGuestAccess | timeslice.FlagMask},
	opFunctionMask: {Name: "function-mask", Flags: timeslice.FlagGuestAccess | timeslice.FlagMask},
}

const (
	opRing = iota
	opVectorMask
	opFunctionMask
)

type Config struct {
	VCPUs      int
	Iterations int
	Seed       uint64
	// Progress is told about completed operations. It must be safe for
	// concurrent use.
	Progress func(n int)
	// Timeslice, if set, receives the latency of every operation. It must
	// have been created with Kinds.
	Timeslice *timeslice.Writer
}

type Result struct {
	Operations uint64
	Rings      uint64
	Toggles    uint64
	Deliveries uint64
	Duration   time.Duration
}

func (r Result) String() string {
	return fmt.Sprintf("%d ops (%d rings, %d mask toggles) -> %d deliveries in %s",
		r.Operations, r.Rings, r.Toggles, r.Deliveries, r.Duration.Round(time.Millisecond))
}

// Tracker sits between the machine and the real backend. It stamps every ring
// and every delivery with a global sequence number so the run can check that
// each vector's last ring was followed by a delivery.
type Tracker struct {
	next hv.MSISignaler

	seq        atomic.Uint64
	deliveries atomic.Uint64

	mu       sync.RWMutex
	byDevice map[uint32]int
	lastRing [][]atomic.Uint64
	lastSeen [][]atomic.Uint64
}

func NewTracker(next hv.MSISignaler) *Tracker {
	return &Tracker{next: next}
}

// bind sizes the tracking tables for the machine's devices. Deliveries are
// attributed by device id, so ids must be unique.
func (t *Tracker) bind(devices []*doorbell.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDevice = make(map[uint32]int, len(devices))
	t.lastRing = make([][]atomic.Uint64, len(devices))
	t.lastSeen = make([][]atomic.Uint64, len(devices))
	for i, d := range devices {
		if other, dup := t.byDevice[d.DeviceID()]; dup {
			return fmt.Errorf("stress: %s and %s share device id %#x", devices[other].Name(), d.Name(), d.DeviceID())
		}
		t.byDevice[d.DeviceID()] = i
		n := d.MSIX().State.VectorCount()
		t.lastRing[i] = make([]atomic.Uint64, n)
		t.lastSeen[i] = make([]atomic.Uint64, n)
	}
	return nil
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if cur >= n || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (t *Tracker) ring(device, vector int) {
	storeMax(&t.lastRing[device][vector], t.seq.Add(1))
}

// SignalMSI implements hv.MSISignaler. Vectors are programmed with their index
// as message data.
func (t *Tracker) SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error {
	t.deliveries.Add(1)
	t.mu.RLock()
	device, ok := t.byDevice[deviceID]
	if ok && int(data) < len(t.lastSeen[device]) {
		storeMax(&t.lastSeen[device][data], t.seq.Add(1))
	}
	t.mu.RUnlock()

	if t.next == nil {
		return nil
	}
	return t.next.SignalMSI(addr, data, flags, deviceID)
}

type vcpu struct {
	m       *machine.Machine
	tracker *Tracker
	devices []*doorbell.Device
	rng     *rand.Rand

	rings   *atomic.Uint64
	toggles *atomic.Uint64
}

func (c *vcpu) write(name string, bar int, offset uint64, value uint32) error {
	addr, err := c.m.BARAddress(name, bar, offset)
	if err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return c.m.Bus.WriteMMIO(addr, buf)
}

func (c *vcpu) writeControl(name string, control uint16) error {
	dev, _ := c.m.Device(name)
	addr, err := c.m.ConfigAddress(name, uint16(dev.MSIX().ControlOffset()))
	if err != nil {
		return err
	}
	return c.m.Bus.WriteMMIO(addr, []byte{byte(control), byte(control >> 8)})
}

func (c *vcpu) step() (int, error) {
	i := c.rng.IntN(len(c.devices))
	dev := c.devices[i]
	capability := dev.MSIX()
	vector := c.rng.IntN(capability.State.VectorCount())

	switch roll := c.rng.IntN(100); {
	case roll < 70:
		c.rings.Add(1)
		c.tracker.ring(i, vector)
		return opRing, c.write(dev.Name(), doorbell.RegisterBAR, doorbell.DOORBELL_NOTIFY, uint32(vector))
	case roll < 95:
		c.toggles.Add(1)
		offset := capability.Layout.EntryOffset(vector) + 12
		return opVectorMask, c.write(dev.Name(), capability.BAR, offset, uint32(c.rng.IntN(2)))
	default:
		c.toggles.Add(1)
		control := msix.ControlEnable
		if c.rng.IntN(2) == 0 {
			control |= msix.ControlFunctionMask
		}
		return opFunctionMask, c.writeControl(dev.Name(), control)
	}
}

// Run programs every vector of every device, races cfg.VCPUs workers against
// the machine, unmasks everything and verifies delivery. The machine must
// have been built with tracker as its interrupt backend.
func Run(ctx context.Context, m *machine.Machine, tracker *Tracker, cfg Config) (Result, error) {
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	devices := m.Devices()
	if len(devices) == 0 {
		return Result{}, errors.New("stress: machine has no devices")
	}
	if err := tracker.bind(devices); err != nil {
		return Result{}, err
	}

	setup := &vcpu{m: m, devices: devices}
	for _, dev := range devices {
		capability := dev.MSIX()
		for v := 0; v < capability.State.VectorCount(); v++ {
			base := capability.Layout.EntryOffset(v)
			for _, w := range []struct {
				offset uint64
				value  uint32
			}{
				{0, uint32(msix.AddressBase)},
				{4, 0},
				{8, uint32(v)},
				{12, 0},
			} {
				if err := setup.write(dev.Name(), capability.BAR, base+w.offset, w.value); err != nil {
					return Result{}, fmt.Errorf("program %s vector %d: %w", dev.Name(), v, err)
				}
			}
		}
		if err := setup.writeControl(dev.Name(), msix.ControlEnable); err != nil {
			return Result{}, err
		}
	}

	var rings, toggles atomic.Uint64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < cfg.VCPUs; id++ {
		c := &vcpu{
			m:       m,
			tracker: tracker,
			devices: devices,
			rng:     rand.New(rand.NewPCG(cfg.Seed, uint64(id))),
			rings:   &rings,
			toggles: &toggles,
		}
		g.Go(func() error {
			for n := 0; n < cfg.Iterations; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				kind, err := c.step()
				if err != nil {
					return fmt.Errorf("vcpu %d: %w", id, err)
				}
				if cfg.Timeslice != nil {
					cfg.Timeslice.Record(kind, uint32(id), time.Since(start))
				}
				if cfg.Progress != nil {
					cfg.Progress(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	// Quiesce: unmask everything so that every pending vector is flushed.
	for _, dev := range devices {
		if err := setup.writeControl(dev.Name(), msix.ControlEnable); err != nil {
			return Result{}, err
		}
		capability := dev.MSIX()
		for v := 0; v < capability.State.VectorCount(); v++ {
			if err := setup.write(dev.Name(), capability.BAR, capability.Layout.EntryOffset(v)+12, 0); err != nil {
				return Result{}, err
			}
		}
	}

	res := Result{
		Operations: rings.Load() + toggles.Load(),
		Rings:      rings.Load(),
		Toggles:    toggles.Load(),
		Deliveries: tracker.deliveries.Load(),
		Duration:   elapsed,
	}
	return res, verify(devices, tracker)
}

func verify(devices []*doorbell.Device, tracker *Tracker) error {
	var errs []error
	for i, dev := range devices {
		state := dev.MSIX().State
		for v := 0; v < state.VectorCount(); v++ {
			if state.IsPending(v) {
				errs = append(errs, fmt.Errorf("%s vector %d still pending after unmask", dev.Name(), v))
			}
			ring := tracker.lastRing[i][v].Load()
			seen := tracker.lastSeen[i][v].Load()
			if ring != 0 && seen < ring {
				errs = append(errs, fmt.Errorf("%w: %s vector %d rung at %d, last delivered at %d", ErrLostInterrupt, dev.Name(), v, ring, seen))
			}
		}
	}
	if len(errs) > 0 {
		slog.Error("stress: verification failed", "problems", len(errs))
	}
	return errors.Join(errs...)
}
