package vstream

import (
	"encoding/binary"
	"fmt"
)

// The following readers take a slice and an offset and never panic on
// short input — they return an error instead (spec §4.1).

func U8(b []byte, off int) (uint8, error) {
	if off < 0 || off+1 > len(b) {
		return 0, fmt.Errorf("u8: short buffer at offset %d", off)
	}
	return b[off], nil
}

func U16LE(b []byte, off int) (uint16, error) {
	if off < 0 || off+2 > len(b) {
		return 0, fmt.Errorf("u16le: short buffer at offset %d", off)
	}
	return binary.LittleEndian.Uint16(b[off:]), nil
}

func U32LE(b []byte, off int) (uint32, error) {
	if off < 0 || off+4 > len(b) {
		return 0, fmt.Errorf("u32le: short buffer at offset %d", off)
	}
	return binary.LittleEndian.Uint32(b[off:]), nil
}

func U64LE(b []byte, off int) (uint64, error) {
	if off < 0 || off+8 > len(b) {
		return 0, fmt.Errorf("u64le: short buffer at offset %d", off)
	}
	return binary.LittleEndian.Uint64(b[off:]), nil
}

func U16BE(b []byte, off int) (uint16, error) {
	if off < 0 || off+2 > len(b) {
		return 0, fmt.Errorf("u16be: short buffer at offset %d", off)
	}
	return binary.BigEndian.Uint16(b[off:]), nil
}

func U32BE(b []byte, off int) (uint32, error) {
	if off < 0 || off+4 > len(b) {
		return 0, fmt.Errorf("u32be: short buffer at offset %d", off)
	}
	return binary.BigEndian.Uint32(b[off:]), nil
}

// U16Both reads a "both-endian" 16-bit field (ISO-9660): the LE half
// followed immediately by the BE half, 4 bytes total. It fails unless the
// two halves agree.
func U16Both(b []byte, off int) (uint16, error) {
	le, err := U16LE(b, off)
	if err != nil {
		return 0, err
	}
	be, err := U16BE(b, off+2)
	if err != nil {
		return 0, err
	}
	if le != be {
		return 0, fmt.Errorf("both-endian mismatch: le=%#x be=%#x", le, be)
	}
	return le, nil
}

// U32Both reads a "both-endian" 32-bit field (ISO-9660): the LE half
// followed immediately by the BE half, 8 bytes total.
func U32Both(b []byte, off int) (uint32, error) {
	le, err := U32LE(b, off)
	if err != nil {
		return 0, err
	}
	be, err := U32BE(b, off+4)
	if err != nil {
		return 0, err
	}
	if le != be {
		return 0, fmt.Errorf("both-endian mismatch: le=%#x be=%#x", le, be)
	}
	return le, nil
}
