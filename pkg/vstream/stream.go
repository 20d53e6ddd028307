// Package vstream provides the bounded read+seek abstraction every tier of
// the vault/zone/territory stack reads through (spec §4.1): a Stream with a
// known length, a WindowedStream that bounds a sub-range of an inner
// Stream, and a memory-mapped view for large regular files.
package vstream

import (
	"io"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
)

// Stream is a read+seek interface over a byte range of known length.
// Reads at or past end-of-stream return (0, io.EOF) rather than an error
// of their own; seeks outside [0, length] fail.
type Stream interface {
	io.Reader
	io.Seeker
	Length() uint64
	Position() uint64
}

// Closer is implemented by Streams that own an underlying resource.
type Closer interface {
	Close() error
}

// WindowedStream bounds reads and seeks to [start, start+length) of an
// inner Stream. Windows compose: a window over a window adds start offsets
// with checked arithmetic.
type WindowedStream struct {
	inner  Stream
	start  uint64
	length uint64
	pos    uint64
}

// NewWindow constructs a WindowedStream, failing if start+length would
// overflow or exceed inner's length.
func NewWindow(inner Stream, start, length uint64) (*WindowedStream, error) {
	end, err := harden.CheckedAdd(start, length)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidOperation, "window exceeds inner stream", err)
	}
	if end > inner.Length() {
		return nil, ferr.New(ferr.InvalidOperation, "window exceeds inner stream")
	}
	return &WindowedStream{inner: inner, start: start, length: length}, nil
}

func (w *WindowedStream) Length() uint64   { return w.length }
func (w *WindowedStream) Position() uint64 { return w.pos }

func (w *WindowedStream) Read(p []byte) (int, error) {
	if w.pos >= w.length {
		return 0, io.EOF
	}
	remaining := w.length - w.pos
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}

	absOff, err := harden.CheckedAdd(w.start, w.pos)
	if err != nil {
		return 0, ferr.Wrap(ferr.InvalidOperation, "window offset overflow", err)
	}
	if _, err := w.inner.Seek(int64(absOff), io.SeekStart); err != nil {
		return 0, ferr.Wrap(ferr.IO, "seeking windowed stream", err)
	}

	n, err := w.inner.Read(p)
	w.pos += uint64(n)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (w *WindowedStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = int64(w.pos) + offset
	case io.SeekEnd:
		aim = int64(w.length) + offset
	default:
		return int64(w.pos), ferr.New(ferr.InvalidOperation, "unknown whence")
	}
	if aim < 0 || uint64(aim) > w.length {
		return int64(w.pos), ferr.New(ferr.InvalidOperation, "seek outside window")
	}
	w.pos = uint64(aim)
	return aim, nil
}
