// Package timeslice records per-operation latencies of a stress run to a
// compact binary log and reads them back.
//
// A log starts with a fixed header followed by the JSON-encoded kind table,
// padded to 4096 bytes. Every record after that is 16 bytes: kind, vCPU and
// duration in nanoseconds, all little endian.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x5458534d // "MSXT"
	Version uint32 = 1

	headerAlign = 4096
	recordSize  = 16
)

var (
	ErrClosed      = errors.New("timeslice: writer closed")
	ErrBadHeader   = errors.New("timeslice: bad header")
	ErrUnknownKind = errors.New("timeslice: unknown kind")
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type Flags uint32

const (
	// FlagGuestAccess marks operations that are a guest MMIO or config access.
	FlagGuestAccess Flags = 1 << iota
	// FlagMask marks operations that change masking state.
	FlagMask
)

func (f Flags) String() string {
	var names []string
	if f&FlagGuestAccess != 0 {
		names = append(names, "guest")
	}
	if f&FlagMask != 0 {
		names = append(names, "mask")
	}
	return strings.Join(names, ",")
}

type Kind struct {
	Name  string
	Flags Flags
}

// Entry is one decoded record.
type Entry struct {
	Kind     Kind
	VCPU     uint32
	Duration time.Duration
}

type record struct {
	kind     uint32
	vcpu     uint32
	duration int64
}

// Writer streams records to an io.Writer from a background goroutine. Record
// is safe for concurrent use.
type Writer struct {
	kinds []Kind

	mu     sync.RWMutex
	closed bool
	ch     chan record
	done   chan error
}

// NewWriter writes the log header for kinds to w and starts the writer. Record
// takes an index into kinds.
func NewWriter(w io.Writer, kinds []Kind) (*Writer, error) {
	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	h := header{Magic: Magic, Version: Version, KindsBytes: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(h) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		kinds: append([]Kind(nil), kinds...),
		ch:    make(chan record, 4096),
		done:  make(chan error, 1),
	}
	go tw.run(w)
	return tw, nil
}

func padding(n int) int {
	if n%headerAlign == 0 {
		return 0
	}
	return headerAlign - n%headerAlign
}

func (w *Writer) run(out io.Writer) {
	var buf [headerAlign]byte
	off := 0
	var failed error

	for rec := range w.ch {
		if failed != nil {
			continue
		}
		if off+recordSize > len(buf) {
			if _, err := out.Write(buf[:off]); err != nil {
				failed = err
				continue
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], rec.kind)
		binary.LittleEndian.PutUint32(buf[off+4:], rec.vcpu)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.duration))
		off += recordSize
	}

	if failed == nil && off > 0 {
		_, failed = out.Write(buf[:off])
	}
	w.done <- failed
}

// Record queues one sample. Samples for unknown kinds are dropped, as is
// anything recorded after Close.
func (w *Writer) Record(kind int, vcpu uint32, d time.Duration) {
	if kind < 0 || kind >= len(w.kinds) {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.ch <- record{kind: uint32(kind), vcpu: vcpu, duration: d.Nanoseconds()}
}

// Close flushes queued records and stops the writer. It does not close the
// underlying io.Writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: flush: %w", err)
	}
	return nil
}

// ReadAll decodes every record in r and hands it to fn.
func ReadAll(r io.Reader, fn func(Entry) error) error {
	buf := bufio.NewReaderSize(r, headerAlign)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("%w: magic %#x", ErrBadHeader, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: version %d", ErrBadHeader, h.Version)
	}

	var kinds []Kind
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsBytes))).Decode(&kinds); err != nil {
		return fmt.Errorf("%w: kinds: %w", ErrBadHeader, err)
	}
	if pad := padding(binary.Size(h) + int(h.KindsBytes)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("%w: padding: %w", ErrBadHeader, err)
		}
	}

	var raw [recordSize]byte
	for {
		if _, err := io.ReadFull(buf, raw[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		kind := binary.LittleEndian.Uint32(raw[0:])
		if int(kind) >= len(kinds) {
			return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
		}
		if err := fn(Entry{
			Kind:     kinds[kind],
			VCPU:     binary.LittleEndian.Uint32(raw[4:]),
			Duration: time.Duration(binary.LittleEndian.Uint64(raw[8:])),
		}); err != nil {
			return err
		}
	}
}
