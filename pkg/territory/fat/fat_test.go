package fat

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseforge/forensicvault/pkg/vstream"
)

func streamOver(t *testing.T, data []byte) vstream.Stream {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fat.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return vstream.OpenFile(f, uint64(len(data)))
}

func dirEntry(name11 string, attr byte, cluster uint16, size uint32) []byte {
	e := make([]byte, dirEntrySize)
	copy(e[0:11], name11)
	e[11] = attr
	binary.LittleEndian.PutUint16(e[22:], 12<<11)                // write time 12:00
	binary.LittleEndian.PutUint16(e[24:], (43<<9)|(6<<5)|15)     // write date 2023-06-15
	binary.LittleEndian.PutUint16(e[26:], cluster)
	binary.LittleEndian.PutUint32(e[28:], size)
	return e
}

func shortChecksum(name11 string) byte {
	var sum byte
	for i := 0; i < 11; i++ {
		sum = (((sum & 1) << 7) | ((sum & 0xFE) >> 1)) + name11[i]
	}
	return sum
}

// lfnFor builds the single LFN entry needed for a name of up to 13 chars.
func lfnFor(name string, shortName11 string) []byte {
	e := make([]byte, dirEntrySize)
	e[0] = 0x41 // sequence 1, last-entry flag
	e[11] = attrLongName
	e[13] = shortChecksum(shortName11)

	units := utf16.Encode([]rune(name))
	units = append(units, 0)
	for len(units) < 13 {
		units = append(units, 0xFFFF)
	}
	slots := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
	for i, off := range slots {
		binary.LittleEndian.PutUint16(e[off:], units[i])
	}
	return e
}

// buildFAT12 lays out a 32 KiB volume: reserved sector, one FAT sector,
// one root-directory sector, then the data region from cluster 2.
func buildFAT12(t *testing.T, fatBytes []byte) []byte {
	t.Helper()
	img := make([]byte, 64*512)

	bs := img[:512]
	bs[0], bs[1], bs[2] = 0xEB, 0x3C, 0x90
	copy(bs[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(bs[11:], 512) // bytes per sector
	bs[13] = 1                                  // sectors per cluster
	binary.LittleEndian.PutUint16(bs[14:], 1)   // reserved sectors
	bs[16] = 1                                  // FATs
	binary.LittleEndian.PutUint16(bs[17:], 16)  // root entries
	binary.LittleEndian.PutUint16(bs[19:], 64)  // total sectors
	bs[21] = 0xF8                               // media descriptor
	binary.LittleEndian.PutUint16(bs[22:], 1)   // sectors per FAT
	bs[38] = 0x29                               // extended boot signature
	copy(bs[43:54], "TESTVOL    ")
	copy(bs[54:62], "FAT12   ")
	bs[510], bs[511] = 0x55, 0xAA

	copy(img[512:], fatBytes)

	// Root directory at sector 2.
	root := img[1024:1536]
	n := 0
	put := func(e []byte) { copy(root[n:], e); n += len(e) }
	put(dirEntry("HELLO   TXT", attrArchive, 2, 16))
	put(dirEntry("DOCS       ", attrDir, 3, 0))
	put(lfnFor("readme.md", "README  MD "))
	put(dirEntry("README  MD ", attrArchive, 5, 9))

	// Data region: cluster N lives at sector N+1.
	copy(img[1536:], "Hello, forensic!")                        // cluster 2
	copy(img[2048:], dirEntry("NOTE    TXT", attrArchive, 4, 5)) // cluster 3: DOCS
	copy(img[2560:], "notes")                                    // cluster 4
	copy(img[3072:], "markdown!")                                // cluster 5

	return img
}

// healthyFAT marks clusters 2..5 each as single-cluster chains.
func healthyFAT() []byte {
	return []byte{0xF8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

// cyclicFAT links cluster 2 -> 3 -> 2.
func cyclicFAT() []byte {
	// entry2 = 0x003 (even: low 12 bits), entry3 = 0x002 (odd: high 12 bits)
	return []byte{0xF8, 0xFF, 0xFF, 0x03, 0x20, 0x00, 0xFF, 0xFF, 0xFF}
}

func TestOpenClassifiesFAT12(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	assert.Equal(t, "FAT12", terr.Identify())
	assert.Equal(t, "TESTVOL", terr.Label())
	assert.Equal(t, uint64(64*512), terr.TotalSize())
	assert.Equal(t, uint64(0), terr.FreeSize())
}

func TestRootListing(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	root, err := terr.Root()
	require.NoError(t, err)
	occupants, err := root.List()
	require.NoError(t, err)
	require.Len(t, occupants, 3)

	assert.Equal(t, "HELLO.TXT", occupants[0].Name)
	assert.Equal(t, uint64(16), occupants[0].Size)
	assert.False(t, occupants[0].IsDir)
	require.NotNil(t, occupants[0].Modified)
	assert.Equal(t, 2023, occupants[0].Modified.Year())

	assert.Equal(t, "DOCS", occupants[1].Name)
	assert.True(t, occupants[1].IsDir)

	assert.Equal(t, "readme.md", occupants[2].Name, "long filename wins over 8.3")
}

func TestExtract(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	data, err := terr.Extract("HELLO.TXT")
	require.NoError(t, err)
	assert.Equal(t, "Hello, forensic!", string(data))

	data, err = terr.Extract("DOCS/NOTE.TXT")
	require.NoError(t, err)
	assert.Equal(t, "notes", string(data))
}

func TestNavigate(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	cell, err := terr.Navigate("DOCS")
	require.NoError(t, err)
	occupants, err := cell.List()
	require.NoError(t, err)
	require.Len(t, occupants, 1)
	assert.Equal(t, "NOTE.TXT", occupants[0].Name)
}

func TestExtractRejectsDirectoryAndMissing(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	_, err = terr.Extract("DOCS")
	assert.Error(t, err)
	_, err = terr.Extract("NOPE.TXT")
	assert.Error(t, err)
}

func TestCyclicChainDetected(t *testing.T) {
	img := buildFAT12(t, cyclicFAT())
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	_, err = terr.Extract("HELLO.TXT")
	assert.Error(t, err, "a circular cluster chain must fail, not loop")
}

func TestOpenRejectsBadBootSector(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	img[0] = 0x00 // destroy the jump instruction
	_, err := Open(streamOver(t, img), uint64(len(img)))
	assert.Error(t, err)

	img = buildFAT12(t, healthyFAT())
	binary.LittleEndian.PutUint16(img[11:], 777) // invalid bytes-per-sector
	_, err = Open(streamOver(t, img), uint64(len(img)))
	assert.Error(t, err)
}

func TestLFNChecksumMismatchFallsBackToShortName(t *testing.T) {
	img := buildFAT12(t, healthyFAT())
	// The LFN entry is the third root slot; corrupt its checksum byte.
	img[1024+2*dirEntrySize+13] ^= 0xFF

	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)
	root, err := terr.Root()
	require.NoError(t, err)
	occupants, err := root.List()
	require.NoError(t, err)
	require.Len(t, occupants, 3)
	assert.Equal(t, "README.MD", occupants[2].Name)
}
