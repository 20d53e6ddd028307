package forensic

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

// buildFAT12Floppy lays out an unpartitioned FAT12 volume with one file
// in the root directory, the shape of a classic MBR-less floppy image.
func buildFAT12Floppy() []byte {
	img := make([]byte, 64*512)

	bs := img[:512]
	bs[0], bs[1], bs[2] = 0xEB, 0x3C, 0x90
	copy(bs[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(bs[11:], 512)
	bs[13] = 1
	binary.LittleEndian.PutUint16(bs[14:], 1)
	bs[16] = 1
	binary.LittleEndian.PutUint16(bs[17:], 16)
	binary.LittleEndian.PutUint16(bs[19:], 64)
	bs[21] = 0xF8
	binary.LittleEndian.PutUint16(bs[22:], 1)
	bs[510], bs[511] = 0x55, 0xAA

	// FAT: cluster 2 is a single-cluster chain.
	copy(img[512:], []byte{0xF8, 0xFF, 0xFF, 0xFF, 0x0F})

	// Root directory entry for AUTOEXEC.BAT at cluster 2, 16 bytes.
	e := img[1024:1056]
	copy(e[0:11], "AUTOEXECBAT")
	e[11] = 0x20
	binary.LittleEndian.PutUint16(e[26:], 2)
	binary.LittleEndian.PutUint32(e[28:], 16)

	copy(img[1536:], "@ECHO OFF\r\nCLS\r\n") // cluster 2
	return img
}

func writeFloppy(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, "floppy.img")
	require.NoError(t, os.WriteFile(path, buildFAT12Floppy(), 0o644))
	return path
}

func TestAnalyzeRawFAT12EndToEnd(t *testing.T) {
	root := t.TempDir()
	path := writeFloppy(t, root)

	result, err := Analyze(path, root, Config{}, 0)
	require.NoError(t, err)
	defer result.Vault.Close()

	assert.Equal(t, "Raw", result.Vault.Identify())
	assert.Equal(t, "Direct", result.Zones.Source)
	assert.Equal(t, "FAT12", result.Territory.Identify())

	cell, err := result.Territory.Root()
	require.NoError(t, err)
	occupants, err := cell.List()
	require.NoError(t, err)
	require.Len(t, occupants, 1)
	assert.Equal(t, "AUTOEXEC.BAT", occupants[0].Name)
	assert.Equal(t, uint64(16), occupants[0].Size)

	data, err := result.Territory.Extract("AUTOEXEC.BAT")
	require.NoError(t, err)
	assert.Equal(t, "@ECHO OFF\r\nCLS\r\n", string(data))
}

func TestOpenVaultRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	_, err := OpenVault("../../etc/passwd", root, Config{})
	require.Error(t, err)
	var fe *ferr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferr.InvalidPath, fe.Kind)
}

func TestWindowContainment(t *testing.T) {
	root := t.TempDir()
	path := writeFloppy(t, root)

	v, err := OpenVault(path, root, Config{})
	require.NoError(t, err)
	defer v.Close()

	table, err := ParseZones(v.Stream(), v.Length(), 0)
	require.NoError(t, err)
	for _, z := range table.Zones {
		end, err := harden.CheckedAdd(z.Offset, z.Length)
		require.NoError(t, err)
		assert.LessOrEqual(t, end, v.Length())

		_, err = Window(v, z)
		assert.NoError(t, err)
	}
}

func TestDetectTerritoryUnsupported(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "blank.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 64*512), 0o644))

	v, err := OpenVault(path, root, Config{})
	require.NoError(t, err)
	defer v.Close()

	_, err = DetectTerritory(v.Stream(), v.Length(), "")
	require.Error(t, err)
	var fe *ferr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferr.Unsupported, fe.Kind)
}

func TestDetectTerritoryHonorsHint(t *testing.T) {
	root := t.TempDir()
	path := writeFloppy(t, root)

	v, err := OpenVault(path, root, Config{})
	require.NoError(t, err)
	defer v.Close()

	// A wrong hint must fall through to the full ordered probe.
	terr, err := DetectTerritory(v.Stream(), v.Length(), "NTFS")
	require.NoError(t, err)
	assert.Equal(t, "FAT12", terr.Identify())

	terr, err = DetectTerritory(v.Stream(), v.Length(), "FAT")
	require.NoError(t, err)
	assert.Equal(t, "FAT12", terr.Identify())
}

func TestValidateIntegrityRaw(t *testing.T) {
	root := t.TempDir()
	path := writeFloppy(t, root)

	v, err := OpenVault(path, root, Config{})
	require.NoError(t, err)
	defer v.Close()

	report := ValidateIntegrity(v)
	assert.Equal(t, "Raw", report.Format)
	require.NotEmpty(t, report.Checks)
	for _, c := range report.Checks {
		assert.True(t, c.Valid)
	}
}

func TestVaultStreamEqualsWindowedStream(t *testing.T) {
	root := t.TempDir()
	path := writeFloppy(t, root)

	v, err := OpenVault(path, root, Config{})
	require.NoError(t, err)
	defer v.Close()

	direct := make([]byte, 512)
	require.NoError(t, vstream.ReadAtFull(v.Stream(), 1024, direct))

	win, err := vstream.NewWindow(v.Stream(), 1024, 512)
	require.NoError(t, err)
	windowed := make([]byte, 512)
	require.NoError(t, vstream.ReadAtFull(win, 0, windowed))

	assert.Equal(t, direct, windowed)
}
