package pci

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/msix/internal/hv"
)

type memRegion struct {
	mu  sync.Mutex
	buf []byte
}

func (r *memRegion) ReadRegion(offset uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(data, r.buf[offset:])
	return nil
}

func (r *memRegion) WriteRegion(offset uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.buf[offset:], data)
	return nil
}

func newTestBridge() *HostBridge {
	return NewHostBridge(HostBridgeConfig{
		ConfigBase: 0x3000_0000,
		ConfigSize: 1 << 20,
		MMIOBase:   0x2000_0000,
		MMIOSize:   0x0100_0000,
	})
}

func TestHostBridgeRootConfig(t *testing.T) {
	h := newTestBridge()
	buf := make([]byte, 4)
	if err := h.ReadMMIO(h.ConfigAddress(0, 0, 0, 0), buf); err != nil {
		t.Fatalf("read root id: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x00011af4 {
		t.Fatalf("root id = %#x", got)
	}

	if err := h.ReadMMIO(h.ConfigAddress(0, 3, 0, 0), buf); err != nil {
		t.Fatalf("read empty slot: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0xffff_ffff {
		t.Fatalf("empty slot read = %#x, want all ones", got)
	}
}

func TestFunctionAttachAssignsBARsAndRoutesMMIO(t *testing.T) {
	h := newTestBridge()
	cfg := NewConfig(0x1af4, 0x10f0, 0, 0)
	region := &memRegion{buf: make([]byte, 0x1000)}
	if err := cfg.RegisterBAR(2, region, 0x1000); err != nil {
		t.Fatalf("register BAR: %v", err)
	}
	fn := NewFunction(h, "test", cfg)
	if err := fn.Attach(0, 1, 0); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if fn.Handle().RequesterID() != 0x08 {
		t.Fatalf("requester id = %#x, want 0x08", fn.Handle().RequesterID())
	}

	_, _, base := cfg.BAR(2)
	if base != 0x2000_0000 {
		t.Fatalf("BAR base = %#x, want 0x20000000", base)
	}
	if !cfg.MemoryDecodeEnabled() {
		t.Fatal("memory decoding not enabled after attach")
	}

	word := []byte{1, 2, 3, 4}
	if err := h.WriteMMIO(base+0x10, word); err != nil {
		t.Fatalf("write BAR: %v", err)
	}
	got := make([]byte, 4)
	if err := h.ReadMMIO(base+0x10, got); err != nil {
		t.Fatalf("read BAR: %v", err)
	}
	if binary.LittleEndian.Uint32(got) != 0x04030201 {
		t.Fatalf("read back %v", got)
	}

	if err := h.ReadMMIO(base+0x1000, got); !errors.Is(err, hv.ErrUnmappedAddress) {
		t.Fatalf("read past BAR err = %v, want ErrUnmappedAddress", err)
	}
}

func TestHostBridgeBARReprogramThroughECAM(t *testing.T) {
	h := newTestBridge()
	cfg := NewConfig(0x1af4, 0x10f0, 0, 0)
	region := &memRegion{buf: make([]byte, 0x1000)}
	if err := cfg.RegisterBAR(0, region, 0x1000); err != nil {
		t.Fatalf("register BAR: %v", err)
	}
	fn := NewFunction(h, "test", cfg)
	if err := fn.Attach(0, 2, 0); err != nil {
		t.Fatalf("attach: %v", err)
	}

	barAddr := h.ConfigAddress(0, 2, 0, type0BAROffset)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0xffff_ffff)
	if err := h.WriteMMIO(barAddr, buf); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := h.ReadMMIO(barAddr, buf); err != nil {
		t.Fatalf("read probe: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0xffff_f000 {
		t.Fatalf("probe = %#x", got)
	}

	binary.LittleEndian.PutUint32(buf, 0x2080_0000)
	if err := h.WriteMMIO(barAddr, buf); err != nil {
		t.Fatalf("reprogram: %v", err)
	}
	if err := h.WriteMMIO(0x2080_0000, []byte{0x5a}); err != nil {
		t.Fatalf("write at new base: %v", err)
	}
	if region.buf[0] != 0x5a {
		t.Fatalf("region byte = %#x", region.buf[0])
	}
}

func TestRegisterEndpointValidation(t *testing.T) {
	h := newTestBridge()
	fn := NewFunction(h, "a", NewConfig(1, 2, 0, 0))
	if _, err := h.RegisterEndpoint(0, 0, 0, fn); err == nil {
		t.Fatal("expected reserved slot error")
	}
	if _, err := h.RegisterEndpoint(0, 4, 0, fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.RegisterEndpoint(0, 4, 0, fn); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := NewFunction(nil, "orphan", NewConfig(1, 2, 0, 0)).Attach(0, 5, 0); err == nil {
		t.Fatal("expected missing bus error")
	}
}
