// Package vault implements the container tier (spec §4.3): format
// detection and the concrete Raw, VHD, E01, and AFF4 decoders, each of
// which exposes the underlying container as a single logical byte stream.
package vault

import (
	"bytes"
	"os"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/vault/aff4"
	"github.com/caseforge/forensicvault/pkg/vault/e01"
	"github.com/caseforge/forensicvault/pkg/vault/raw"
	"github.com/caseforge/forensicvault/pkg/vault/vhd"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

// Vault is the public contract every container decoder satisfies
// (spec §4.3, §6.1).
type Vault interface {
	// Identify returns the format tag, e.g. "Raw", "VHD Fixed", "VHD Dynamic", "E01", "AFF4".
	Identify() string
	Length() uint64
	Stream() vstream.Stream
	Close() error
}

// Config configures Open.
type Config struct {
	// UseMmap requests a memory-mapped view of the backing file where the
	// format supports it and the file is admissible (see vstream.OpenMmap).
	UseMmap bool
}

// Open runs format detection (magic-byte probe, most specific to least
// specific, per spec §4.3) and constructs the matching Vault.
func Open(path string, cfg Config) (Vault, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferr.Wrap(ferr.NotFound, path, err)
		}
		if os.IsPermission(err) {
			return nil, ferr.Wrap(ferr.PermissionDenied, path, err)
		}
		return nil, ferr.Wrap(ferr.IO, path, err)
	}
	if fi.Size() == 0 {
		// Raw is the only format that accepts an empty file.
		return raw.Open(path, raw.Config{UseMmap: cfg.UseMmap})
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.IO, path, err)
	}
	defer f.Close()

	format, err := detect(f, fi.Size())
	if err != nil {
		return nil, err
	}

	switch format {
	case formatVHD:
		return vhd.Open(path, vhd.Config{UseMmap: cfg.UseMmap})
	case formatE01:
		return e01.Open(path)
	case formatAFF4:
		return aff4.Open(path)
	default:
		return raw.Open(path, raw.Config{UseMmap: cfg.UseMmap})
	}
}

type containerFormat int

const (
	formatRaw containerFormat = iota
	formatVHD
	formatE01
	formatAFF4
)

// detect implements the ordered magic-byte probe of spec §4.3:
//  1. "conectix" at length-512 → VHD
//  2. EVF signature at offset 0 → E01
//  3. ZIP EOCD + "information.turtle" member → AFF4
//  4. otherwise → Raw
func detect(f *os.File, size int64) (containerFormat, error) {
	if size >= 512 {
		footer := make([]byte, 8)
		if _, err := f.ReadAt(footer, size-512); err == nil {
			if bytes.Equal(footer, []byte("conectix")) {
				return formatVHD, nil
			}
		}
	}

	head := make([]byte, 8)
	if n, _ := f.ReadAt(head, 0); n == 8 {
		if bytes.Equal(head, e01.Signature[:]) {
			return formatE01, nil
		}
	}

	if aff4.Probe(f, size) {
		return formatAFF4, nil
	}

	return formatRaw, nil
}
