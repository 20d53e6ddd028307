package vstream

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
)

// MmapStream is a Stream backed by a read-only memory map of a regular
// file. Admission is gated by MaxMmapSize and the file being a regular
// file (not a device, pipe, or socket).
type MmapStream struct {
	f    *os.File
	m    mmap.MMap
	pos  uint64
	size uint64
}

// OpenMmap admits f to a memory-mapped view, or returns an error if f is
// not a plain regular file or exceeds MaxMmapSize.
func OpenMmap(f *os.File) (*MmapStream, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, ferr.Wrap(ferr.IO, "stat for mmap", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, ferr.New(ferr.Unsupported, "mmap requires a regular file")
	}
	size := uint64(fi.Size())
	if size > harden.MaxMmapSize {
		return nil, ferr.LimitErr("MAX_MMAP_SIZE", size, harden.MaxMmapSize)
	}

	if size == 0 {
		return &MmapStream{f: f, size: 0}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return bufferedMmapFallback(f, size)
	}

	return &MmapStream{f: f, m: m, size: size}, nil
}

// bufferedMmapFallback provides the mmap Stream contract via buffered
// file reads on platforms where mapping the file isn't possible.
func bufferedMmapFallback(f *os.File, size uint64) (*MmapStream, error) {
	return &MmapStream{f: f, size: size}, nil
}

func (m *MmapStream) Length() uint64   { return m.size }
func (m *MmapStream) Position() uint64 { return m.pos }

func (m *MmapStream) Read(p []byte) (int, error) {
	if m.pos >= m.size {
		return 0, io.EOF
	}
	remaining := m.size - m.pos
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}

	var n int
	var err error
	if m.m != nil {
		n = copy(p, m.m[m.pos:])
	} else {
		n, err = m.f.ReadAt(p, int64(m.pos))
		if err == io.EOF {
			err = nil
		}
	}
	m.pos += uint64(n)
	return n, err
}

func (m *MmapStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = int64(m.pos) + offset
	case io.SeekEnd:
		aim = int64(m.size) + offset
	default:
		return int64(m.pos), ferr.New(ferr.InvalidOperation, "unknown whence")
	}
	if aim < 0 || uint64(aim) > m.size {
		return int64(m.pos), ferr.New(ferr.InvalidOperation, "seek outside stream")
	}
	m.pos = uint64(aim)
	return aim, nil
}

// Close unmaps and releases the backing file.
func (m *MmapStream) Close() error {
	var err error
	if m.m != nil {
		err = m.m.Unmap()
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
