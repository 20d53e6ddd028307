// Package harden provides the checked-arithmetic and allocation-limit
// primitives every parser in the vault/zone/territory tiers must route
// untrusted, on-disk-derived sizes through before they touch memory.
package harden

import (
	"fmt"
	"math"
)

// Universal limits (spec §4.2). Values are normative.
const (
	MaxSectorSize   = 4096
	MaxAllocation   = 256 << 20 // 256 MiB
	MaxFATTable     = 100 << 20 // 100 MiB
	MaxFileExtract  = 1 << 30   // 1 GiB
	MaxClusterChain = 1_000_000
	MaxPartitions   = 256
	MaxDirEntries   = 10_000
	MaxMmapSize     = 16 << 30 // 16 GiB
)

// OverflowError reports a checked arithmetic operation that would have
// wrapped or exceeded a platform width.
type OverflowError struct {
	Op string
	A  uint64
	B  uint64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("arithmetic overflow: %s(%d, %d)", e.Op, e.A, e.B)
}

// CheckedAdd returns a+b, or an error if the sum overflows uint64.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, &OverflowError{Op: "add", A: a, B: b}
	}
	return sum, nil
}

// CheckedMul returns a*b, or an error if the product overflows uint64.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b {
		return 0, &OverflowError{Op: "mul", A: a, B: b}
	}
	return product, nil
}

// U64ToUsize converts a uint64 to an int usable as a slice length, failing
// on 32-bit hosts when v exceeds the platform's addressable range.
func U64ToUsize(v uint64) (int, error) {
	if v > math.MaxInt {
		return 0, fmt.Errorf("value %d exceeds platform usize range", v)
	}
	return int(v), nil
}

// AllocationError reports a derived allocation size past its category limit.
type AllocationError struct {
	Context string
	Size    uint64
	Limit   uint64
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: %d > %d", e.Context, e.Size, e.Limit)
}

// ValidateAllocation returns size as an int if it fits within limit, else
// an *AllocationError. Callers still must use a two-step reserve+resize (or
// equivalent) so a merely-large-but-under-limit size can't abort the process.
func ValidateAllocation(size uint64, limit uint64, context string) (int, error) {
	if size > limit {
		return 0, &AllocationError{Context: context, Size: size, Limit: limit}
	}
	return U64ToUsize(size)
}

// IsPowerOfTwo reports whether v is a nonzero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
