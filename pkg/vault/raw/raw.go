// Package raw implements the simplest container: the file's own bytes,
// exposed directly (or memory-mapped) as the logical stream.
package raw

import (
	"os"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

type Config struct {
	UseMmap bool
}

// Vault exposes a raw disk image file as its own logical byte stream.
type Vault struct {
	f      *os.File
	stream vstream.Stream
	closer interface{ Close() error }
}

func Open(path string, cfg Config) (*Vault, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferr.Wrap(ferr.NotFound, path, err)
		}
		if os.IsPermission(err) {
			return nil, ferr.Wrap(ferr.PermissionDenied, path, err)
		}
		return nil, ferr.Wrap(ferr.IO, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.IO, path, err)
	}
	size := uint64(fi.Size())

	if cfg.UseMmap && size > 0 && size <= harden.MaxMmapSize {
		m, err := vstream.OpenMmap(f)
		if err == nil {
			return &Vault{f: f, stream: m, closer: m}, nil
		}
		// fall through to buffered reads on mmap admission failure
	}

	fs := vstream.OpenFile(f, size)
	return &Vault{f: f, stream: fs, closer: fs}, nil
}

func (v *Vault) Identify() string       { return "Raw" }
func (v *Vault) Length() uint64         { return v.stream.Length() }
func (v *Vault) Stream() vstream.Stream { return v.stream }
func (v *Vault) Close() error           { return v.closer.Close() }
