package e01

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// e01Builder appends typed sections, threading each header's NextOffset to
// the start of the following section.
type e01Builder struct {
	buf bytes.Buffer
}

func newE01Builder(t *testing.T) *e01Builder {
	b := &e01Builder{}
	b.buf.Write(Signature[:])
	b.buf.WriteByte(1)                                        // fields start
	require.NoError(t, binary.Write(&b.buf, binary.LittleEndian, uint16(1))) // segment number
	require.NoError(t, binary.Write(&b.buf, binary.LittleEndian, uint16(0))) // fields end
	return b
}

func (b *e01Builder) addSection(typeName string, body []byte, last bool) {
	start := b.buf.Len()
	var hdr [sectionSize]byte
	copy(hdr[0:16], typeName)
	next := uint64(start + sectionSize + len(body))
	if last {
		next = 0
	}
	binary.LittleEndian.PutUint64(hdr[16:], next)
	binary.LittleEndian.PutUint64(hdr[24:], uint64(sectionSize+len(body)))
	b.buf.Write(hdr[:])
	b.buf.Write(body)
}

func volumeBody(sectorsPerChunk, bytesPerSector uint32, sectorCount uint64) []byte {
	body := make([]byte, 28)
	binary.LittleEndian.PutUint32(body[8:], sectorsPerChunk)
	binary.LittleEndian.PutUint32(body[12:], bytesPerSector)
	binary.LittleEndian.PutUint64(body[16:], sectorCount)
	return body
}

func tableBody(entries []uint32) []byte {
	body := make([]byte, 24+4*len(entries))
	binary.LittleEndian.PutUint32(body[0:], uint32(len(entries)))
	for i, e := range entries {
		binary.LittleEndian.PutUint32(body[24+i*4:], e)
	}
	return body
}

// buildE01 lays out a single-segment image of two 1024-byte chunks: chunk
// 0 zlib-compressed, chunk 1 stored.
func buildE01(t *testing.T, chunk0, chunk1 []byte) []byte {
	t.Helper()
	chunk0z := zlibCompress(t, chunk0)

	b := newE01Builder(t)
	b.addSection("volume", volumeBody(2, 512, 4), false)
	b.addSection("sectors", append(append([]byte{}, chunk0z...), chunk1...), false)
	b.addSection("table", tableBody([]uint32{
		0 | 0x80000000, // chunk 0, compressed
		uint32(len(chunk0z)),
	}), false)
	b.addSection("done", nil, true)
	return b.buf.Bytes()
}

func writeE01(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evidence.E01")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenAndReadAcrossChunks(t *testing.T) {
	chunk0 := bytes.Repeat([]byte{0x11}, 1024)
	chunk1 := bytes.Repeat([]byte{0x22}, 1024)
	path := writeE01(t, buildE01(t, chunk0, chunk1))

	v, err := Open(path)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, "E01", v.Identify())
	assert.Equal(t, uint64(2048), v.Length())

	got := make([]byte, 2048)
	_, err = io.ReadFull(v.Stream(), got)
	require.NoError(t, err)
	assert.Equal(t, chunk0, got[:1024])
	assert.Equal(t, chunk1, got[1024:])
}

func TestBrokenChunkFailsWithoutPoisoningOthers(t *testing.T) {
	chunk0 := bytes.Repeat([]byte{0x11}, 1024)
	chunk1 := bytes.Repeat([]byte{0x22}, 1024)
	img := buildE01(t, chunk0, chunk1)

	// Corrupt the middle of chunk 0's compressed bytes: the sectors body
	// starts after the file header, the volume section (header plus its
	// 28-byte body) and the sectors section header.
	chunk0z := zlibCompress(t, chunk0)
	sectorsData := fileHeaderSize + 2*sectionSize + 28
	img[sectorsData+len(chunk0z)/2] ^= 0xFF

	v, err := Open(writeE01(t, img))
	require.NoError(t, err)
	defer v.Close()

	s := v.Stream()
	buf := make([]byte, 1024)
	_, err = io.ReadFull(s, buf)
	require.Error(t, err, "read over the broken chunk must fail")

	_, err = s.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err, "unrelated chunks still read")
	assert.Equal(t, chunk1, buf)
}

func TestOpenRejectsBadSignature(t *testing.T) {
	img := buildE01(t, make([]byte, 1024), make([]byte, 1024))
	img[0] = 'X'
	_, err := Open(writeE01(t, img))
	assert.Error(t, err)
}

func TestOpenRejectsMissingVolumeSection(t *testing.T) {
	b := newE01Builder(t)
	b.addSection("done", nil, true)
	_, err := Open(writeE01(t, b.buf.Bytes()))
	assert.Error(t, err)
}

func TestNextSegmentPath(t *testing.T) {
	assert.Equal(t, "evidence.E02", nextSegmentPath("evidence.E01"))
	assert.Equal(t, "evidence.e03", nextSegmentPath("evidence.e02"))
	assert.Equal(t, "", nextSegmentPath("x"))
}
