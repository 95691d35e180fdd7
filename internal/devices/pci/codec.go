package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFieldBounds is returned when a register field does not fit in its buffer.
var ErrFieldBounds = errors.New("pci: field out of bounds")

func fieldCheck(buf []byte, offset int, width int) error {
	if offset < 0 || offset+width > len(buf) || offset+width < offset {
		return fmt.Errorf("%w: %d-byte field at %#x, buffer is %d bytes", ErrFieldBounds, width, offset, len(buf))
	}
	return nil
}

func ReadU16(buf []byte, offset int) (uint16, error) {
	if err := fieldCheck(buf, offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[offset:]), nil
}

func ReadU32(buf []byte, offset int) (uint32, error) {
	if err := fieldCheck(buf, offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[offset:]), nil
}

func ReadU64(buf []byte, offset int) (uint64, error) {
	if err := fieldCheck(buf, offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[offset:]), nil
}

func WriteU16(buf []byte, offset int, value uint16) error {
	if err := fieldCheck(buf, offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(buf[offset:], value)
	return nil
}

func WriteU32(buf []byte, offset int, value uint32) error {
	if err := fieldCheck(buf, offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[offset:], value)
	return nil
}

func WriteU64(buf []byte, offset int, value uint64) error {
	if err := fieldCheck(buf, offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[offset:], value)
	return nil
}

// RangesOverlap reports whether [start1, start1+size1) and [start2, start2+size2)
// share at least one byte. Empty ranges never overlap.
func RangesOverlap(start1, size1, start2, size2 uint64) bool {
	if size1 == 0 || size2 == 0 {
		return false
	}
	return start1 < start2+size2 && start2 < start1+size1
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}
