// Package ntfs implements the NTFS territory (spec §4.5) by delegating
// MFT parsing to the established go-ntfs decoder and wrapping its
// reader/directory model behind the Territory contract. The wrapper owns
// bounds enforcement (MAX_FILE_EXTRACT, MAX_DIR_ENTRIES) that the
// decoder itself does not impose, matching how pkg/territory/fat and
// pkg/territory/exfat cap their own chain walks.
package ntfs

import (
	"io"
	"strings"

	"www.velocidex.com/golang/go-ntfs/parser"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/territory"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

const (
	bootSignature = "NTFS    "

	rootMFTEntry = 5 // well-known MFT record of the root directory
)

// rangeReader adapts a vstream.Stream to the io.ReaderAt the decoder's
// paged reader expects; every derived Stream is already bounded to its
// zone, so ReadAt here can never read outside the territory's window.
type rangeReader struct {
	s vstream.Stream
}

func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ferr.New(ferr.InvalidOperation, "ntfs: negative offset")
	}
	if _, err := r.s.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return r.s.Read(p)
}

// Territory decodes an NTFS volume via the wrapped MFT context.
type Territory struct {
	s     vstream.Stream
	ctx   *parser.NTFSContext
	total uint64
}

// Open probes s for the NTFS boot signature ("NTFS    " at byte 3, spec
// §6.2) and, on success, constructs the decoder's NTFSContext over a
// paged reader bounded to this territory's stream.
func Open(s vstream.Stream, length uint64) (territory.Territory, error) {
	sectorBuf := make([]byte, 512)
	if err := vstream.ReadAtFull(s, 0, sectorBuf); err != nil {
		return nil, err
	}
	if string(sectorBuf[3:11]) != bootSignature {
		return nil, ferr.New(ferr.InvalidFormat, "ntfs: missing boot signature")
	}
	if sectorBuf[510] != 0x55 || sectorBuf[511] != 0xAA {
		return nil, ferr.New(ferr.InvalidFormat, "ntfs: missing boot sector signature")
	}

	reader, err := parser.NewPagedReader(&rangeReader{s: s}, 0x1000, 1024)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "ntfs: paged reader", err)
	}

	ctx, err := parser.GetNTFSContext(reader, 0)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "ntfs: volume context", err)
	}

	return &Territory{s: s, ctx: ctx, total: length}, nil
}

func (t *Territory) Identify() string  { return "NTFS" }
func (t *Territory) Label() string     { return "" } // $Volume name retrieval is not exposed by the wrapped decoder
func (t *Territory) TotalSize() uint64 { return t.total }
func (t *Territory) FreeSize() uint64  { return 0 } // would require walking $Bitmap; not computed eagerly

type dirCell struct {
	t     *Territory
	entry *parser.MFT_ENTRY
}

func (t *Territory) Root() (territory.DirectoryCell, error) {
	root, err := t.ctx.GetMFT(rootMFTEntry)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "ntfs: root MFT entry", err)
	}
	return &dirCell{t: t, entry: root}, nil
}

func (d *dirCell) List() ([]territory.OccupantInfo, error) {
	children := parser.ListDir(d.t.ctx, d.entry)
	if len(children) > harden.MaxDirEntries {
		return nil, ferr.LimitErr("MAX_DIR_ENTRIES", uint64(len(children)), harden.MaxDirEntries)
	}
	out := make([]territory.OccupantInfo, 0, len(children))
	for _, c := range children {
		if c.Name == "" || c.Name == "." || c.Name == ".." {
			continue
		}
		if c.NameType == "DOS" {
			// Short-name aliases duplicate their Win32 sibling.
			continue
		}
		info := territory.OccupantInfo{
			Name:  c.Name,
			IsDir: c.IsDir,
		}
		if c.Size > 0 {
			info.Size = uint64(c.Size)
		}
		if !c.Mtime.IsZero() {
			mt := c.Mtime
			info.Modified = &mt
		}
		if !c.Atime.IsZero() {
			at := c.Atime
			info.Accessed = &at
		}
		if !c.Ctime.IsZero() {
			ct := c.Ctime
			info.Created = &ct
		}
		out = append(out, info)
	}
	return out, nil
}

func (d *dirCell) Enter(name string) (territory.DirectoryCell, error) {
	children, err := d.List()
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if !strings.EqualFold(c.Name, name) || !c.IsDir {
			continue
		}
		entry, err := d.entry.Open(d.t.ctx, name)
		if err != nil {
			return nil, ferr.Wrap(ferr.NotFound, "ntfs: no such entry: "+name, err)
		}
		return &dirCell{t: d.t, entry: entry}, nil
	}
	return nil, ferr.New(ferr.NotFound, "ntfs: no such entry: "+name)
}

// Navigate resolves a slash-separated path to the directory it names.
func (t *Territory) Navigate(path string) (territory.DirectoryCell, error) {
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	return territory.Walk(root, path)
}

// Extract returns the default $DATA stream of the file at path, bounded
// by MAX_FILE_EXTRACT. The listing supplies the size; the decoder's
// path-to-data resolution supplies the bytes.
func (t *Territory) Extract(path string) ([]byte, error) {
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	target, _, err := territory.Lookup(root, path)
	if err != nil {
		return nil, err
	}
	if target.IsDir {
		return nil, ferr.New(ferr.InvalidOperation, "ntfs: cannot extract a directory")
	}
	if target.Size > harden.MaxFileExtract {
		return nil, ferr.LimitErr("MAX_FILE_EXTRACT", target.Size, harden.MaxFileExtract)
	}
	n, err := harden.U64ToUsize(target.Size)
	if err != nil {
		return nil, ferr.Wrap(ferr.LimitExceeded, "ntfs extract size", err)
	}
	if n == 0 {
		return []byte{}, nil
	}

	reader, err := parser.GetDataForPath(t.ctx, path)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "ntfs: open data stream", err)
	}

	out := make([]byte, n)
	read, err := reader.ReadAt(out, 0)
	if err != nil && err != io.EOF {
		return nil, ferr.Wrap(ferr.IO, "ntfs: read data stream", err)
	}
	return out[:read], nil
}
