package msix

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/msix/internal/devices/pci"
	"github.com/tinyrange/msix/internal/hv"
)

func newTestRegion(t *testing.T, vectors uint32) (*Region, *State, *recordingBackend) {
	t.Helper()
	layout, err := ComputeLayout(vectors, nil)
	if err != nil {
		t.Fatalf("ComputeLayout(%d): %v", vectors, err)
	}
	s, backend := newTestState(t, vectors)
	return NewRegion(s, layout), s, backend
}

func TestComputeLayout(t *testing.T) {
	l, err := ComputeLayout(4, nil)
	if err != nil {
		t.Fatalf("ComputeLayout: %v", err)
	}
	if l.TableOffset != 0 || l.TableSize != 64 || l.PBAOffset != 64 || l.PBASize != 8 || l.BARSize != MinimumBARSize {
		t.Fatalf("layout = %+v", l)
	}

	l, err = ComputeLayout(MaxVectors, nil)
	if err != nil {
		t.Fatalf("ComputeLayout(max): %v", err)
	}
	if l.PBAOffset != 0x8000 || l.BARSize != 0x10000 {
		t.Fatalf("max layout = %+v", l)
	}

	l, err = ComputeLayout(4, &Offsets{Table: 0x2000, PBA: 0x3000})
	if err != nil {
		t.Fatalf("explicit offsets: %v", err)
	}
	if l.BARSize != 0x4000 {
		t.Fatalf("BAR size = %#x, want 0x4000", l.BARSize)
	}

	for _, tc := range []struct {
		name    string
		vectors uint32
		offsets *Offsets
	}{
		{"zero vectors", 0, nil},
		{"too many vectors", MaxVectors + 1, nil},
		{"overlap", 4, &Offsets{Table: 0, PBA: 32}},
		{"same offset", 4, &Offsets{Table: 0x100, PBA: 0x100}},
		{"unaligned table", 4, &Offsets{Table: 4, PBA: 0x100}},
		{"unaligned pba", 4, &Offsets{Table: 0, PBA: 0x101}},
	} {
		if _, err := ComputeLayout(tc.vectors, tc.offsets); !errors.Is(err, ErrInvalidLayout) {
			t.Errorf("%s: err = %v, want ErrInvalidLayout", tc.name, err)
		}
	}
}

func TestRegionBounds(t *testing.T) {
	r, s, _ := newTestRegion(t, 4)

	if _, err := r.Read(72, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read(72,1) err = %v, want ErrOutOfRange", err)
	}
	if err := r.Write(71, 4, []byte{1, 2, 3, 4}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write(71,4) err = %v, want ErrOutOfRange", err)
	}
	if err := r.Write(60, 8, make([]byte, 8)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write straddling table and pba err = %v, want ErrOutOfRange", err)
	}
	if _, err := r.Read(0, 3); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("3-byte read err = %v, want ErrOutOfRange", err)
	}

	s.Notify(1, 0)
	v, err := r.Read(64, 8)
	if err != nil {
		t.Fatalf("read pba: %v", err)
	}
	if v != 1<<1 {
		t.Fatalf("pba = %#x, want 0x2", v)
	}

	if err := r.Write(64, 8, make([]byte, 8)); err != nil {
		t.Fatalf("write pba: %v", err)
	}
	if !s.IsPending(1) {
		t.Fatal("guest write changed the pending-bit array")
	}
}

func TestRegionAccessWidths(t *testing.T) {
	r, s, _ := newTestRegion(t, 2)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0x0000_0000_fee0_1000)
	if err := r.Write(0, 8, buf); err != nil {
		t.Fatalf("64-bit address write: %v", err)
	}
	binary.LittleEndian.PutUint32(buf, 0x4242)
	if err := r.Write(8, 4, buf); err != nil {
		t.Fatalf("data write: %v", err)
	}
	if err := r.Write(13, 1, []byte{0xaa}); err != nil {
		t.Fatalf("byte write: %v", err)
	}

	vec, err := s.Vector(0)
	if err != nil {
		t.Fatal(err)
	}
	if vec.Address != 0xfee0_1000 || vec.Data() != 0x4242 || vec.DataAndControl>>40 != 0xaa {
		t.Fatalf("vector = %#x/%#x", vec.Address, vec.DataAndControl)
	}

	for _, tc := range []struct {
		offset uint64
		size   uint8
		want   uint64
	}{
		{0, 4, 0xfee0_1000},
		{2, 2, 0xfee0},
		{8, 8, 0xaa00_0000_4242},
		{13, 1, 0xaa},
	} {
		got, err := r.Read(tc.offset, tc.size)
		if err != nil || got != tc.want {
			t.Errorf("Read(%d, %d) = %#x, %v; want %#x", tc.offset, tc.size, got, err, tc.want)
		}
	}

	if err := r.Write(0, 4, []byte{1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("short data err = %v, want ErrOutOfRange", err)
	}
}

func TestRegionUnmaskThroughMMIO(t *testing.T) {
	r, s, backend := newTestRegion(t, 4)
	config := make([]byte, pci.ConfigSpaceSize)
	writeControl(s, config, ControlEnable)

	if err := r.Write(2*TableEntrySize+entryControl, 4, []byte{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	s.Notify(2, s.DeviceID())
	if v, _ := r.Read(64, 8); v != 1<<2 {
		t.Fatalf("pba = %#x", v)
	}

	if err := r.Write(2*TableEntrySize+entryControl, 4, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if len(backend.deliveries()) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(backend.deliveries()))
	}
	if v, _ := r.Read(64, 8); v != 0 {
		t.Fatalf("pba after delivery = %#x", v)
	}
}

type signalRecorder struct {
	mu    sync.Mutex
	calls []struct {
		addr     uint64
		data     uint32
		deviceID uint32
	}
}

func (r *signalRecorder) SignalMSI(addr uint64, data uint32, flags uint32, deviceID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		addr     uint64
		data     uint32
		deviceID uint32
	}{addr, data, deviceID})
	return nil
}

func (r *signalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var _ hv.MSISignaler = (*signalRecorder)(nil)

func TestInstallEndToEnd(t *testing.T) {
	sig := &signalRecorder{}
	host := pci.NewHostBridge(pci.HostBridgeConfig{MSISignaler: sig})
	fn := pci.NewFunction(host, "test", pci.NewConfig(0x1af4, 0x10f0, 0, 0))

	id := new(atomic.Uint32)
	mc, err := Install(fn, 1, 4, id, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := fn.Attach(0, 3, 0); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	id.Store(fn.Handle().RequesterID())

	if mc.Offset != 0x40 || mc.Layout.BARSize != MinimumBARSize {
		t.Fatalf("capability = %+v", mc)
	}

	readConfig := func(offset uint16, size int) uint64 {
		t.Helper()
		buf := make([]byte, size)
		if err := host.ReadMMIO(host.ConfigAddress(0, 3, 0, offset), buf); err != nil {
			t.Fatalf("config read %#x: %v", offset, err)
		}
		var v uint64
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		return v
	}
	writeConfig := func(offset uint16, value uint16) {
		t.Helper()
		buf := []byte{byte(value), byte(value >> 8)}
		if err := host.WriteMMIO(host.ConfigAddress(0, 3, 0, offset), buf); err != nil {
			t.Fatalf("config write %#x: %v", offset, err)
		}
	}

	capOff := uint16(mc.Offset)
	if id := readConfig(capOff, 1); id != pci.CapIDMSIX {
		t.Fatalf("capability id = %#x", id)
	}
	if ctrl := readConfig(capOff+capControl, 2); ctrl != 3 {
		t.Fatalf("control = %#x, want table size 3", ctrl)
	}
	if tbl := readConfig(capOff+capTable, 4); tbl != 1 {
		t.Fatalf("table register = %#x, want BIR 1 offset 0", tbl)
	}
	if pba := readConfig(capOff+capPBA, 4); pba != 64|1 {
		t.Fatalf("pba register = %#x", pba)
	}

	// Table size bits are read-only.
	writeConfig(capOff+capControl, 0x07ff|ControlFunctionMask)
	if ctrl := readConfig(capOff+capControl, 2); ctrl != uint64(ControlFunctionMask|3) {
		t.Fatalf("control = %#x after guest write", ctrl)
	}

	_, _, base := fn.Config().BAR(1)
	entry := make([]byte, 8)
	binary.LittleEndian.PutUint64(entry, 0xfee0_0000)
	if err := host.WriteMMIO(base+TableEntrySize, entry); err != nil {
		t.Fatalf("program address: %v", err)
	}
	binary.LittleEndian.PutUint32(entry, 0x45)
	if err := host.WriteMMIO(base+TableEntrySize+entryData, entry[:4]); err != nil {
		t.Fatalf("program data: %v", err)
	}

	mc.State.Notify(1, mc.State.DeviceID())
	if sig.count() != 0 {
		t.Fatal("delivered while disabled")
	}

	writeConfig(capOff+capControl, ControlEnable)
	if sig.count() != 1 {
		t.Fatalf("signals = %d, want 1", sig.count())
	}
	call := sig.calls[0]
	if call.addr != 0xfee0_0000 || call.data != 0x45 || call.deviceID != 0x18 {
		t.Fatalf("signal = %+v", call)
	}

	if _, err := Install(fn, 1, 4, nil, nil); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("second install on BAR 1 err = %v, want ErrInvalidLayout", err)
	}
}

func TestInstallRejectsBadLayout(t *testing.T) {
	fn := pci.NewFunction(nil, "bad", pci.NewConfig(1, 2, 0, 0))
	if _, err := Install(fn, 0, 4, nil, &Offsets{Table: 0, PBA: 8}); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("overlap err = %v, want ErrInvalidLayout", err)
	}
	if _, err := Install(fn, 6, 4, nil, nil); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("bad BAR err = %v, want ErrInvalidLayout", err)
	}
	if caps := fn.Config().Capabilities(); len(caps) != 0 {
		t.Fatalf("failed install left capabilities %v", caps)
	}
}
