package iso9660

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseforge/forensicvault/pkg/vstream"
)

func streamOver(t *testing.T, data []byte) vstream.Stream {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cd.iso")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return vstream.OpenFile(f, uint64(len(data)))
}

func putBoth32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst[0:], v)
	binary.BigEndian.PutUint32(dst[4:], v)
}

func putBoth16(dst []byte, v uint16) {
	binary.LittleEndian.PutUint16(dst[0:], v)
	binary.BigEndian.PutUint16(dst[2:], v)
}

// dirRecordBytes builds one directory record; name is the raw identifier
// including any ";N" version suffix.
func dirRecordBytes(extentLBA, dataLength uint32, flags byte, name string) []byte {
	recLen := 33 + len(name)
	if recLen%2 == 1 {
		recLen++
	}
	rec := make([]byte, recLen)
	rec[0] = byte(recLen)
	putBoth32(rec[2:], extentLBA)
	putBoth32(rec[10:], dataLength)
	rec[18] = 123 // years since 1900 -> 2023
	rec[19] = 6
	rec[20] = 15
	rec[25] = flags
	putBoth16(rec[28:], 1) // volume sequence number
	rec[32] = byte(len(name))
	copy(rec[33:], name)
	return rec
}

// buildISO lays out a 20-sector image: system area, PVD at sector 16,
// terminator at 17, root directory at 18, file data at 19.
func buildISO(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 20*sectorSize)

	pvd := img[16*sectorSize:]
	pvd[0] = descTypePrimary
	copy(pvd[1:6], "CD001")
	pvd[6] = 1
	volID := make([]byte, 32)
	for i := range volID {
		volID[i] = ' '
	}
	copy(volID, "TESTVOL")
	copy(pvd[40:72], volID)
	putBoth32(pvd[80:], 20)    // volume space size, blocks
	putBoth16(pvd[128:], 2048) // logical block size
	copy(pvd[156:190], dirRecordBytes(18, sectorSize, direntFlagDirectory, "\x00"))

	term := img[17*sectorSize:]
	term[0] = descTypeTerminator
	copy(term[1:6], "CD001")
	term[6] = 1

	root := img[18*sectorSize:]
	n := 0
	for _, rec := range [][]byte{
		dirRecordBytes(18, sectorSize, direntFlagDirectory, "\x00"),
		dirRecordBytes(18, sectorSize, direntFlagDirectory, "\x01"),
		dirRecordBytes(19, 12, 0, "README.TXT;1"),
	} {
		copy(root[n:], rec)
		n += len(rec)
	}

	copy(img[19*sectorSize:], "hello, disc!")
	return img
}

func TestOpenPrimaryDescriptor(t *testing.T) {
	img := buildISO(t)
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	assert.Equal(t, "ISO9660", terr.Identify())
	assert.Equal(t, "TESTVOL", terr.Label())
	assert.Equal(t, uint64(20*sectorSize), terr.TotalSize())
	assert.Equal(t, uint64(0), terr.FreeSize())
}

func TestRootListingStripsVersionSuffix(t *testing.T) {
	img := buildISO(t)
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	root, err := terr.Root()
	require.NoError(t, err)
	occupants, err := root.List()
	require.NoError(t, err)
	require.Len(t, occupants, 1, "self and parent records are hidden")

	o := occupants[0]
	assert.Equal(t, "README.TXT", o.Name)
	assert.Equal(t, uint64(12), o.Size)
	assert.False(t, o.IsDir)
	require.NotNil(t, o.Modified)
	assert.Equal(t, 2023, o.Modified.Year())
}

func TestExtract(t *testing.T) {
	img := buildISO(t)
	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)

	data, err := terr.Extract("README.TXT")
	require.NoError(t, err)
	assert.Equal(t, "hello, disc!", string(data))

	_, err = terr.Extract("MISSING.TXT")
	assert.Error(t, err)
}

func TestBothEndianMismatchFailsListing(t *testing.T) {
	img := buildISO(t)
	// Corrupt the BE half of README.TXT's extent field. The record sits
	// after the two 34-byte self/parent records.
	rec := img[18*sectorSize+68:]
	binary.BigEndian.PutUint32(rec[6:], 0xDEAD)

	terr, err := Open(streamOver(t, img), uint64(len(img)))
	require.NoError(t, err)
	root, err := terr.Root()
	require.NoError(t, err)

	_, err = root.List()
	assert.Error(t, err, "disagreeing both-endian halves must fail the listing")
}

func TestOpenRejectsBadIdentifier(t *testing.T) {
	img := buildISO(t)
	copy(img[16*sectorSize+1:], "BOGUS")
	_, err := Open(streamOver(t, img), uint64(len(img)))
	assert.Error(t, err)
}

func TestOpenRejectsMissingTerminator(t *testing.T) {
	img := buildISO(t)
	img[17*sectorSize] = descTypePrimary // with no terminator the walk reaches sector 18, which lacks "CD001"
	_, err := Open(streamOver(t, img), uint64(len(img)))
	assert.Error(t, err)
}
