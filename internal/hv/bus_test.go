package hv

import (
	"errors"
	"sync"
	"testing"
)

type recordingDevice struct {
	mu      sync.Mutex
	regions []MMIORegion
	reads   []uint64
	writes  []uint64
}

func (d *recordingDevice) MMIORegions() []MMIORegion { return d.regions }

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, addr)
	for i := range data {
		data[i] = 0xab
	}
	return nil
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, addr)
	return nil
}

func TestBusRoutesToOwningDevice(t *testing.T) {
	bus := NewBus(0x1000_0000)
	a := &recordingDevice{regions: []MMIORegion{{Address: 0x1000_0000, Size: 0x1000}}}
	b := &recordingDevice{regions: []MMIORegion{{Address: 0x2000_0000, Size: 0x100}}}
	if err := bus.Map("a", a); err != nil {
		t.Fatalf("map a: %v", err)
	}
	if err := bus.Map("b", b); err != nil {
		t.Fatalf("map b: %v", err)
	}

	buf := make([]byte, 4)
	if err := bus.ReadMMIO(0x2000_0010, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 0xab {
		t.Fatalf("read data = %#x, want 0xab", buf[0])
	}
	if err := bus.WriteMMIO(0x1000_0ffc, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(a.writes) != 1 || len(b.reads) != 1 {
		t.Fatalf("unexpected routing: a.writes=%v b.reads=%v", a.writes, b.reads)
	}
}

func TestBusRejectsPartialAndUnmappedAccess(t *testing.T) {
	bus := NewBus(0)
	dev := &recordingDevice{regions: []MMIORegion{{Address: 0x1000, Size: 0x10}}}
	if err := bus.Map("dev", dev); err != nil {
		t.Fatalf("map: %v", err)
	}

	for _, tc := range []struct {
		name string
		addr uint64
		size int
	}{
		{"straddles end", 0x100e, 4},
		{"below", 0x0ff0, 4},
		{"above", 0x2000, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := bus.ReadMMIO(tc.addr, make([]byte, tc.size))
			if !errors.Is(err, ErrUnmappedAddress) {
				t.Fatalf("err = %v, want ErrUnmappedAddress", err)
			}
		})
	}
}

func TestBusRejectsOverlap(t *testing.T) {
	bus := NewBus(0)
	if err := bus.Map("a", &recordingDevice{regions: []MMIORegion{{Address: 0x1000, Size: 0x1000}}}); err != nil {
		t.Fatalf("map a: %v", err)
	}
	err := bus.Map("b", &recordingDevice{regions: []MMIORegion{{Address: 0x1800, Size: 0x1000}}})
	if err == nil {
		t.Fatal("expected overlap error")
	}
	if got := len(bus.Mappings()); got != 1 {
		t.Fatalf("mappings = %d, want 1", got)
	}
}

func TestBusAllocateSkipsMappedWindows(t *testing.T) {
	bus := NewBus(0x4000_0000)
	if err := bus.Map("fixed", &recordingDevice{regions: []MMIORegion{{Address: 0x4000_0000, Size: 0x2000}}}); err != nil {
		t.Fatalf("map: %v", err)
	}
	base, err := bus.Allocate("window", 0x1000, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if base != 0x4000_2000 {
		t.Fatalf("base = %#x, want 0x40002000", base)
	}
	if _, err := bus.Allocate("bad", 0x1000, 3); err == nil {
		t.Fatal("expected alignment error")
	}
	if _, err := bus.Allocate("empty", 0, 0); err == nil {
		t.Fatal("expected zero-size error")
	}
}

func TestBusAllocateSkipsReservedWindows(t *testing.T) {
	bus := NewBus(0x2000_0000)
	if err := bus.Reserve("ecam", MMIORegion{Address: 0x2000_0000, Size: 0x10_0000}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	base, err := bus.Allocate("mmio", 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if base != 0x2010_0000 {
		t.Fatalf("allocated %#x, want 0x20100000", base)
	}

	dev := &recordingDevice{regions: []MMIORegion{{Address: 0x3000_0000, Size: 0x1000}}}
	if err := bus.Map("dev", dev); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := bus.Reserve("clash", MMIORegion{Address: 0x3000_0800, Size: 0x1000}); err == nil {
		t.Fatal("expected reservation over a mapped window to fail")
	}
}
