// Package msix emulates the PCI MSI-X capability of a virtual function: the
// capability header in configuration space, the vector table and pending-bit
// array behind a memory BAR, and the enable/function-mask/per-vector-mask
// state machine that decides when a device interrupt reaches the guest.
package msix

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/msix/internal/devices/pci"
)

const (
	TableEntrySize = 16
	MaxVectors     = 2048
	MinimumBARSize = 4096
	CapabilitySize = 12

	// Capability register offsets relative to the capability header.
	capControl = 0x02
	capTable   = 0x04
	capPBA     = 0x08

	ControlEnable       = uint16(1 << 15)
	ControlFunctionMask = uint16(1 << 14)
	controlTableSize    = uint16(0x07ff)
	offsetBIRMask       = uint32(0x7)

	// Table entry layout.
	entryAddress  = 0x00
	entryData     = 0x08
	entryControl  = 0x0c
	entryMaskBit  = 0x01
	pbaWordSize   = 8
	vectorsPerPBA = 64
)

var (
	ErrOutOfRange    = errors.New("msix: access out of range")
	ErrInvalidLayout = errors.New("msix: invalid capability layout")
	ErrStaleVector   = errors.New("msix: stale vector index")
	ErrNoBackend     = errors.New("msix: no interrupt backend bound")
)

// State holds the vector table, the pending-bit array and the guest-visible
// enable and function-mask flags of one device.
//
// Every operation holds mu for its full duration, including the single call
// into the interrupt backend made while delivering a vector.
type State struct {
	mu sync.Mutex

	table []byte
	pba   []byte

	functionMasked bool
	enabled        bool

	capOffset int
	deviceID  *atomic.Uint32
	backend   InterruptBackend
	log       *slog.Logger
}

// NewState allocates a zeroed table and pending-bit array for vectorCount
// vectors. The state starts enabled and function-masked, so no vector can
// fire before the guest has programmed the table and cleared the mask.
// deviceID may be nil, in which case a private handle is created.
func NewState(vectorCount uint32, capOffset int, deviceID *atomic.Uint32, backend InterruptBackend) (*State, error) {
	if vectorCount == 0 || vectorCount > MaxVectors {
		return nil, fmt.Errorf("%w: vector count %d not in [1, %d]", ErrInvalidLayout, vectorCount, MaxVectors)
	}
	if deviceID == nil {
		deviceID = new(atomic.Uint32)
	}
	return &State{
		table:          make([]byte, tableSize(vectorCount)),
		pba:            make([]byte, pbaSize(vectorCount)),
		functionMasked: true,
		enabled:        true,
		capOffset:      capOffset,
		deviceID:       deviceID,
		backend:        backend,
		log:            slog.Default(),
	}, nil
}

func tableSize(vectorCount uint32) uint32 {
	return vectorCount * TableEntrySize
}

func pbaSize(vectorCount uint32) uint32 {
	return (vectorCount + vectorsPerPBA - 1) / vectorsPerPBA * pbaWordSize
}

// SetLogger replaces the logger used for dropped and failed deliveries.
func (s *State) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = slog.Default()
	}
	s.log = l
}

// SetBackend binds or replaces the interrupt backend.
func (s *State) SetBackend(b InterruptBackend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = b
}

func (s *State) VectorCount() int {
	return len(s.table) / TableEntrySize
}

// DeviceID returns the current device identifier handed to the backend.
func (s *State) DeviceID() uint32 {
	return s.deviceID.Load()
}

func (s *State) FunctionMasked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.functionMasked
}

func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// IsVectorMasked reports whether vector v is masked by the enable bit, the
// function mask or its own vector-control mask bit. Out of range vectors
// report masked.
func (s *State) IsVectorMasked(v int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 || v >= s.VectorCount() {
		return true
	}
	return s.masked(v)
}

// IsPending reports whether vector v has an undelivered event.
func (s *State) IsPending(v int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 || v >= s.VectorCount() {
		return false
	}
	return s.pending(v)
}

// Vector returns the message currently programmed for vector v.
func (s *State) Vector(v int) (Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 || v >= s.VectorCount() {
		return Vector{}, fmt.Errorf("%w: vector %d of %d", ErrStaleVector, v, s.VectorCount())
	}
	return s.vector(v), nil
}

func (s *State) masked(v int) bool {
	if !s.enabled || s.functionMasked {
		return true
	}
	return s.table[v*TableEntrySize+entryControl]&entryMaskBit != 0
}

func pbaPosition(v int) (int, uint64) {
	return (v / vectorsPerPBA) * pbaWordSize, uint64(1) << uint(v%vectorsPerPBA)
}

func (s *State) pending(v int) bool {
	offset, bit := pbaPosition(v)
	word, _ := pci.ReadU64(s.pba, offset)
	return word&bit != 0
}

func (s *State) setPending(v int) {
	offset, bit := pbaPosition(v)
	word, _ := pci.ReadU64(s.pba, offset)
	_ = pci.WriteU64(s.pba, offset, word|bit)
}

func (s *State) clearPending(v int) {
	offset, bit := pbaPosition(v)
	word, _ := pci.ReadU64(s.pba, offset)
	_ = pci.WriteU64(s.pba, offset, word&^bit)
}

// ClearPendingVectors drops every pending event without delivering it.
func (s *State) ClearPendingVectors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pba)
}

func (s *State) vector(v int) Vector {
	base := v * TableEntrySize
	addr, _ := pci.ReadU64(s.table, base+entryAddress)
	data, _ := pci.ReadU64(s.table, base+entryData)
	return Vector{Address: addr, DataAndControl: data}
}

// Notify is the doorbell a device model rings to raise vector v. A masked
// vector is latched in the pending-bit array; an unmasked one is delivered
// immediately. Unknown vectors are logged and ignored since doorbells can race
// a device reconfiguration.
func (s *State) Notify(v int, deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v < 0 || v >= s.VectorCount() {
		s.log.Warn("msix: ignoring doorbell", "vector", v, "vectors", s.VectorCount(), "device", deviceID, "err", ErrStaleVector)
		return
	}
	if s.masked(v) {
		s.setPending(v)
		return
	}
	s.clearPending(v)
	s.send(v, deviceID)
}

// send delivers vector v. Failures are logged: interrupt delivery never
// aborts guest execution.
func (s *State) send(v int, deviceID uint32) {
	vec := s.vector(v)
	if s.backend == nil {
		s.log.Error("msix: dropping interrupt", "vector", v, "device", deviceID, "err", ErrNoBackend)
		return
	}
	if err := s.backend.TriggerMSI(vec, deviceID); err != nil {
		s.log.Error("msix: interrupt delivery failed",
			"vector", v,
			"device", deviceID,
			"addr", fmt.Sprintf("%#x", vec.Address),
			"data", fmt.Sprintf("%#x", vec.Data()),
			"err", err)
	}
}

// WriteConfig is called after every guest write to configuration space. It
// only reacts when [offset, offset+length) touches the byte holding the
// enable and function-mask bits, and flushes pending vectors when the
// function transitions into the enabled, unmasked state.
func (s *State) WriteConfig(config []byte, deviceID uint32, offset, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	controlHigh := s.capOffset + capControl + 1
	if offset < 0 || length <= 0 || !pci.RangesOverlap(uint64(offset), uint64(length), uint64(controlHigh), 1) {
		return
	}

	control, err := pci.ReadU16(config, s.capOffset+capControl)
	if err != nil {
		s.log.Error("msix: reading control register", "offset", s.capOffset+capControl, "err", err)
		return
	}
	masked := control&ControlFunctionMask != 0
	enabled := control&ControlEnable != 0

	changed := masked != s.functionMasked || enabled != s.enabled
	s.functionMasked = masked
	s.enabled = enabled

	if !changed || !enabled || masked {
		return
	}
	for v := 0; v < s.VectorCount(); v++ {
		if !s.masked(v) && s.pending(v) {
			s.clearPending(v)
			s.send(v, deviceID)
		}
	}
}

// TableWrite copies data into the vector table at offset (relative to the
// start of the table) and delivers any vector whose mask bit was cleared
// while an event was pending.
func (s *State) TableWrite(offset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableWrite(offset, data)
}

func (s *State) tableWrite(offset int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if offset < 0 || offset+len(data) > len(s.table) {
		return fmt.Errorf("%w: table write %#x/%d, table is %d bytes", ErrOutOfRange, offset, len(data), len(s.table))
	}

	first := offset / TableEntrySize
	last := (offset + len(data) - 1) / TableEntrySize
	wasMasked := make([]bool, last-first+1)
	for v := first; v <= last; v++ {
		wasMasked[v-first] = s.masked(v)
	}

	copy(s.table[offset:], data)

	deviceID := s.deviceID.Load()
	for v := first; v <= last; v++ {
		if wasMasked[v-first] && !s.masked(v) && s.pending(v) {
			s.clearPending(v)
			s.send(v, deviceID)
		}
	}
	return nil
}

// Reset restores power-on state: a zeroed table and pending-bit array, the
// function enabled and masked.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.table)
	clear(s.pba)
	s.functionMasked = true
	s.enabled = true
}

// IsEnabled reads the enable bit of the capability at capOffset from raw
// configuration bytes.
func IsEnabled(config []byte, capOffset int) bool {
	control, err := pci.ReadU16(config, capOffset+capControl)
	return err == nil && control&ControlEnable != 0
}

// IsFunctionMasked reads the function-mask bit of the capability at capOffset
// from raw configuration bytes.
func IsFunctionMasked(config []byte, capOffset int) bool {
	control, err := pci.ReadU16(config, capOffset+capControl)
	return err == nil && control&ControlFunctionMask != 0
}
