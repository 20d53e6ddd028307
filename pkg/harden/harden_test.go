package harden

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedAddOverflow(t *testing.T) {
	_, err := CheckedAdd(math.MaxUint64, 1)
	assert.Error(t, err)

	v, err := CheckedAdd(2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestCheckedMulOverflow(t *testing.T) {
	_, err := CheckedMul(math.MaxUint64, 2)
	assert.Error(t, err)

	v, err := CheckedMul(4, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v)

	v, err = CheckedMul(0, math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestValidateAllocationRejectsOversize(t *testing.T) {
	_, err := ValidateAllocation(MaxAllocation+1, MaxAllocation, "test_buffer")
	assert.Error(t, err)

	n, err := ValidateAllocation(1024, MaxAllocation, "test_buffer")
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []uint64{1, 2, 4, 512, 4096} {
		assert.True(t, IsPowerOfTwo(v), "%d should be a power of two", v)
	}
	for _, v := range []uint64{0, 3, 5, 100, 513} {
		assert.False(t, IsPowerOfTwo(v), "%d should not be a power of two", v)
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	_, err := ValidatePath("../../etc/passwd", root)
	assert.Error(t, err)
}

func TestValidatePathRejectsNulByte(t *testing.T) {
	root := t.TempDir()
	_, err := ValidatePath("evil\x00.img", root)
	assert.Error(t, err)
}

func TestValidatePathRejectsEmpty(t *testing.T) {
	root := t.TempDir()
	_, err := ValidatePath("", root)
	assert.Error(t, err)
}

func TestValidatePathAcceptsFileUnderRoot(t *testing.T) {
	root := t.TempDir()
	img := filepath.Join(root, "disk.img")
	require.NoError(t, os.WriteFile(img, []byte("hi"), 0o644))

	resolved, err := ValidatePath("disk.img", root)
	require.NoError(t, err)
	assert.Equal(t, img, resolved)
}

func TestValidatePathRejectsEscapeViaAbsolute(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	img := filepath.Join(outside, "outside.img")
	require.NoError(t, os.WriteFile(img, []byte("hi"), 0o644))

	_, err := ValidatePath(img, root)
	assert.Error(t, err)
}

func TestValidatePathRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	_, err := ValidatePath(".", root)
	assert.Error(t, err)
}
