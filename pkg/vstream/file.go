package vstream

import (
	"io"
	"os"

	"github.com/caseforge/forensicvault/pkg/ferr"
)

// FileStream is a Stream backed by an *os.File opened for buffered,
// non-mapped reads. Used when mmap is disabled or admission fails.
type FileStream struct {
	f    *os.File
	pos  uint64
	size uint64
}

// OpenFile wraps f (already positioned at 0) as a Stream of the given size.
func OpenFile(f *os.File, size uint64) *FileStream {
	return &FileStream{f: f, size: size}
}

func (s *FileStream) Length() uint64   { return s.size }
func (s *FileStream) Position() uint64 { return s.pos }

func (s *FileStream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	remaining := s.size - s.pos
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.f.ReadAt(p, int64(s.pos))
	s.pos += uint64(n)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (s *FileStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = int64(s.pos) + offset
	case io.SeekEnd:
		aim = int64(s.size) + offset
	default:
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "unknown whence")
	}
	if aim < 0 || uint64(aim) > s.size {
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "seek outside stream")
	}
	s.pos = uint64(aim)
	return aim, nil
}

func (s *FileStream) Close() error { return s.f.Close() }

// ReadFull reads exactly len(p) bytes from s at the current position,
// failing with a Truncated error on a short read — the bounded-structure
// contract every parser above the stream substrate relies on.
func ReadFull(s Stream, p []byte) error {
	n, err := io.ReadFull(readerFunc(s.Read), p)
	if err != nil {
		if n < len(p) {
			return ferr.Wrap(ferr.Truncated, "short read", err)
		}
		return ferr.Wrap(ferr.IO, "read", err)
	}
	return nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// ReadAtFull seeks s to offset and reads exactly len(buf) bytes, failing
// with a Truncated error on a short read.
func ReadAtFull(s Stream, offset int64, buf []byte) error {
	if _, err := s.Seek(offset, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.InvalidOperation, "seek", err)
	}
	return ReadFull(s, buf)
}

