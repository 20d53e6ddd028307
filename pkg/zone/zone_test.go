package zone

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

func streamOver(t *testing.T, data []byte) vstream.Stream {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return vstream.OpenFile(f, uint64(len(data)))
}

// microsoftBasicData is the Microsoft Basic Data type GUID in its on-disk
// mixed-endian byte order.
var microsoftBasicData = [16]byte{
	0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44,
	0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7,
}

func buildMBRImage(partType byte, firstLBA, sectors uint32) []byte {
	disk := make([]byte, 1<<20)
	disk[510], disk[511] = 0x55, 0xAA
	e := disk[0x1BE:]
	e[0] = 0x80
	e[4] = partType
	binary.LittleEndian.PutUint32(e[8:], firstLBA)
	binary.LittleEndian.PutUint32(e[12:], sectors)
	return disk
}

func buildGPTImage(t *testing.T) []byte {
	t.Helper()
	disk := make([]byte, 2<<20)

	// Protective MBR.
	disk[510], disk[511] = 0x55, 0xAA
	pm := disk[0x1BE:]
	pm[4] = 0xEE
	binary.LittleEndian.PutUint32(pm[8:], 1)
	binary.LittleEndian.PutUint32(pm[12:], uint32(len(disk)/512-1))

	// Two partition entries at LBA 2; the second is empty.
	entries := make([]byte, 2*gptEntrySize)
	copy(entries[0:16], microsoftBasicData[:])
	entries[16] = 0x01 // non-zero partition GUID
	binary.LittleEndian.PutUint64(entries[32:], 64)  // first LBA
	binary.LittleEndian.PutUint64(entries[40:], 127) // last LBA
	name := utf16.Encode([]rune("Basic data"))
	for i, u := range name {
		binary.LittleEndian.PutUint16(entries[56+i*2:], u)
	}
	copy(disk[2*512:], entries)

	// Header at LBA 1.
	hdr := make([]byte, gptHeaderSize)
	copy(hdr[0:8], gptSignature)
	copy(hdr[8:12], []byte{0x00, 0x00, 0x01, 0x00})
	binary.LittleEndian.PutUint32(hdr[12:], gptHeaderSize)
	binary.LittleEndian.PutUint64(hdr[24:], 1)
	binary.LittleEndian.PutUint64(hdr[32:], uint64(len(disk)/512-1))
	binary.LittleEndian.PutUint64(hdr[40:], 64)
	binary.LittleEndian.PutUint64(hdr[48:], 127)
	binary.LittleEndian.PutUint64(hdr[72:], 2)            // entries LBA
	binary.LittleEndian.PutUint32(hdr[80:], 2)            // entry count
	binary.LittleEndian.PutUint32(hdr[84:], gptEntrySize) // entry size
	binary.LittleEndian.PutUint32(hdr[88:], crc32.ChecksumIEEE(entries))
	binary.LittleEndian.PutUint32(hdr[16:], crc32.ChecksumIEEE(hdr))
	copy(disk[512:], hdr)

	return disk
}

func TestParseMBR(t *testing.T) {
	disk := buildMBRImage(0x0B, 16, 32)
	table, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.NoError(t, err)

	assert.Equal(t, "MBR", table.Source)
	require.Len(t, table.Zones, 1)
	z := table.Zones[0]
	assert.Equal(t, uint64(16*512), z.Offset)
	assert.Equal(t, uint64(32*512), z.Length)
	assert.Equal(t, "FAT", z.TerritoryHint)
	assert.LessOrEqual(t, z.Offset+z.Length, uint64(len(disk)))
}

func TestParseMBREntryBeyondBoundsFallsToDirect(t *testing.T) {
	disk := buildMBRImage(0x0B, 16, 0xFFFFFF00)
	table, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.NoError(t, err)
	assert.Equal(t, "Direct", table.Source)
}

func TestParseGPT(t *testing.T) {
	disk := buildGPTImage(t)
	table, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.NoError(t, err)

	assert.Equal(t, "GPT", table.Source)
	require.Len(t, table.Zones, 1)
	z := table.Zones[0]
	assert.Equal(t, uint64(64*512), z.Offset)
	assert.Equal(t, uint64(64*512), z.Length)
	assert.Equal(t, "ebd0a0a2-b9e5-4433-87c0-68b6b72699c7", z.TypeGUID)
	assert.Equal(t, "Basic data", z.Name)
	assert.Equal(t, "NTFS", z.TerritoryHint)
}

func TestParseGPTHeaderCRCMismatch(t *testing.T) {
	disk := buildGPTImage(t)
	disk[512+40] ^= 0xFF // corrupt a header field after the CRC was sealed

	_, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.Error(t, err)
	var fe *ferr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferr.IntegrityFailure, fe.Kind)
	assert.Equal(t, "gpt_header_crc32", fe.What)
}

func TestParseGPTEntriesCRCMismatch(t *testing.T) {
	disk := buildGPTImage(t)
	disk[2*512] ^= 0xFF // corrupt the entry array

	_, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.Error(t, err)
	var fe *ferr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferr.IntegrityFailure, fe.Kind)
	assert.Equal(t, "gpt_entries_crc32", fe.What)
}

func TestParseDirectFallback(t *testing.T) {
	disk := make([]byte, 1<<20)
	table, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.NoError(t, err)

	assert.Equal(t, "Direct", table.Source)
	require.Len(t, table.Zones, 1)
	assert.Equal(t, uint64(0), table.Zones[0].Offset)
	assert.Equal(t, uint64(len(disk)), table.Zones[0].Length)
}

func TestParseProtectiveMBRWithoutGPTFallsToDirect(t *testing.T) {
	disk := buildMBRImage(0xEE, 1, uint32(1<<20/512-1))
	table, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.NoError(t, err)
	assert.Equal(t, "Direct", table.Source)
}

func TestParseSingleSectorVault(t *testing.T) {
	disk := make([]byte, 512)
	table, err := Parse(streamOver(t, disk), uint64(len(disk)), 0)
	require.NoError(t, err)
	assert.Equal(t, "Direct", table.Source)
}

func TestParseRejectsBadSectorSize(t *testing.T) {
	disk := make([]byte, 1<<20)
	_, err := Parse(streamOver(t, disk), uint64(len(disk)), 513)
	assert.Error(t, err)
}

func TestGUIDStringMixedEndian(t *testing.T) {
	assert.Equal(t, "ebd0a0a2-b9e5-4433-87c0-68b6b72699c7", guidString(microsoftBasicData))
}
