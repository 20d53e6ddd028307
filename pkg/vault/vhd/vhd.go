// Package vhd implements the VHD Fixed, Dynamic, and Differencing
// container formats (spec §4.3). Structure layouts and the checksum
// algorithm are grounded on the teacher's own VHD *writer*
// (pkg/vhd/{data,fixed,dynamic}.go in the source repository) — this
// package is the read-side counterpart.
package vhd

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"unicode/utf16"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/vault/raw"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

const (
	SectorSize          = 512
	FooterSize          = 512
	DynamicHeaderSize   = 1024
	CookieConectix      = "conectix"
	CookieCxsparse      = "cxsparse"
	UnallocatedBlock    = 0xFFFFFFFF
	MaxParentChainDepth = 16

	DiskTypeFixed        = 2
	DiskTypeDynamic      = 3
	DiskTypeDifferencing = 4
)

// footer mirrors the 512-byte VHD hard disk footer exactly as the
// teacher's pkg/vhd/data.go lays it out.
type footer struct {
	Cookie             uint64
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          uint32
	CreatorApplication uint32
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           uint32
	Checksum           uint32
	UniqueID           [16]byte
	SavedState         byte
	Reserved           [427]byte
}

// header mirrors the 1024-byte VHD dynamic-disk header.
type header struct {
	Cookie              uint64
	DataOffset          uint64
	TableOffset         uint64
	HeaderVersion       uint32
	MaxTableEntries     uint32
	BlockSize           uint32
	Checksum            uint32
	ParentUniqueID      [16]byte
	ParentTimeStamp     uint32
	Reserved            [4]byte
	ParentUnicodeName   [512]byte
	ParentLocatorEntry1 [24]byte
	ParentLocatorEntry2 [24]byte
	ParentLocatorEntry3 [24]byte
	ParentLocatorEntry4 [24]byte
	ParentLocatorEntry5 [24]byte
	ParentLocatorEntry6 [24]byte
	ParentLocatorEntry7 [24]byte
	ParentLocatorEntry8 [24]byte
	Reserved2           [256]byte
}

type parentLocator struct {
	PlatformCode       uint32
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

func (h *header) locators() [8][24]byte {
	return [8][24]byte{
		h.ParentLocatorEntry1, h.ParentLocatorEntry2, h.ParentLocatorEntry3, h.ParentLocatorEntry4,
		h.ParentLocatorEntry5, h.ParentLocatorEntry6, h.ParentLocatorEntry7, h.ParentLocatorEntry8,
	}
}

type Config struct {
	UseMmap bool
}

// Vault decodes a VHD Fixed, Dynamic, or Differencing image.
type Vault struct {
	path   string
	src    vstream.Stream
	closer interface{ Close() error }

	footer        footer
	header        *header // nil for Fixed
	bat           []uint32
	blockSectors  uint32
	bitmapSectors uint32

	parent       *Vault         // non-nil for Differencing
	parentStream vstream.Stream // lazily created; reads fall through here for unallocated blocks

	identify      string
	logicalLength uint64
}

// Open parses the footer (and, for Dynamic/Differencing, the header and
// BAT) of the VHD at path.
func Open(path string, cfg Config) (*Vault, error) {
	return openDepth(path, cfg, 0)
}

func openDepth(path string, cfg Config, depth int) (*Vault, error) {
	if depth > MaxParentChainDepth {
		return nil, ferr.New(ferr.InvalidFormat, "vhd parent chain too deep")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferr.Wrap(ferr.NotFound, path, err)
		}
		return nil, ferr.Wrap(ferr.IO, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.IO, path, err)
	}
	size := uint64(fi.Size())
	if size < FooterSize {
		f.Close()
		return nil, ferr.New(ferr.InvalidFormat, "vhd: file too small for footer")
	}

	var src vstream.Stream
	var closer interface{ Close() error }
	if cfg.UseMmap {
		if m, merr := vstream.OpenMmap(f); merr == nil {
			src, closer = m, m
		}
	}
	if src == nil {
		fs := vstream.OpenFile(f, size)
		src, closer = fs, fs
	}

	v := &Vault{path: path, src: src, closer: closer}

	footerBuf := make([]byte, FooterSize)
	if err := vstream.ReadAtFull(src, int64(size-FooterSize), footerBuf); err != nil {
		closer.Close()
		return nil, ferr.Wrap(ferr.InvalidFormat, "vhd footer", err)
	}
	if err := binary.Read(bytes.NewReader(footerBuf), binary.BigEndian, &v.footer); err != nil {
		closer.Close()
		return nil, ferr.Wrap(ferr.InvalidFormat, "vhd footer decode", err)
	}
	if cookie := string(cookieBytes(v.footer.Cookie)); cookie != CookieConectix {
		closer.Close()
		return nil, ferr.New(ferr.InvalidFormat, "vhd: bad footer cookie")
	}
	if !verifyChecksum(footerBuf) {
		closer.Close()
		return nil, ferr.Integrity("vhd_footer_checksum", "valid", "mismatch")
	}

	switch v.footer.DiskType {
	case DiskTypeFixed:
		v.identify = "VHD Fixed"
		v.logicalLength = size - FooterSize
	case DiskTypeDynamic, DiskTypeDifferencing:
		if err := v.readDynamicHeader(); err != nil {
			closer.Close()
			return nil, err
		}
		v.logicalLength = v.footer.CurrentSize
		if v.footer.DiskType == DiskTypeDynamic {
			v.identify = "VHD Dynamic"
		} else {
			v.identify = "VHD Differencing"
			parent, perr := v.openParent(cfg, depth)
			if perr != nil {
				closer.Close()
				return nil, perr
			}
			v.parent = parent
		}
	default:
		closer.Close()
		return nil, ferr.New(ferr.Unsupported, "vhd disk type")
	}

	return v, nil
}

func cookieBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// verifyChecksum recomputes the one's-complement sum of the 512-byte
// footer with the Checksum field (bytes 64..68) zeroed, matching the
// teacher's writer-side algorithm inverted for verification.
func verifyChecksum(raw []byte) bool {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	for i := 64; i < 68; i++ {
		buf[i] = 0
	}
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	want := binary.BigEndian.Uint32(raw[64:68])
	return ^sum == want
}

func (v *Vault) readDynamicHeader() error {
	hdrBuf := make([]byte, DynamicHeaderSize)
	if err := vstream.ReadAtFull(v.src, int64(v.footer.DataOffset), hdrBuf); err != nil {
		return ferr.Wrap(ferr.InvalidFormat, "vhd dynamic header", err)
	}

	h := new(header)
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.BigEndian, h); err != nil {
		return ferr.Wrap(ferr.InvalidFormat, "vhd dynamic header decode", err)
	}
	if cookie := string(cookieBytes(h.Cookie)); cookie != CookieCxsparse {
		return ferr.New(ferr.InvalidFormat, "vhd: bad dynamic header cookie")
	}
	if !verifyHeaderChecksum(hdrBuf) {
		return ferr.Integrity("vhd_dynamic_header_checksum", "valid", "mismatch")
	}
	if !harden.IsPowerOfTwo(uint64(h.BlockSize)) {
		return ferr.New(ferr.InvalidFormat, "vhd: block size not a power of two")
	}

	v.header = h
	v.blockSectors = h.BlockSize / SectorSize
	v.bitmapSectors = ((v.blockSectors/8)+SectorSize-1)/SectorSize
	if v.bitmapSectors == 0 {
		v.bitmapSectors = 1
	}

	batSize, err := harden.CheckedMul(uint64(h.MaxTableEntries), 4)
	if err != nil {
		return ferr.Wrap(ferr.InvalidFormat, "vhd BAT size overflow", err)
	}
	batLen, err := harden.ValidateAllocation(batSize, harden.MaxAllocation, "vhd_bat")
	if err != nil {
		return err
	}

	batBuf := make([]byte, batLen)
	if err := vstream.ReadAtFull(v.src, int64(h.TableOffset), batBuf); err != nil {
		return ferr.Wrap(ferr.InvalidFormat, "vhd BAT", err)
	}
	bat := make([]uint32, h.MaxTableEntries)
	for i := range bat {
		bat[i] = binary.BigEndian.Uint32(batBuf[i*4:])
	}
	v.bat = bat
	return nil
}

// verifyHeaderChecksum recomputes the one's-complement sum of the
// 1024-byte dynamic header with its Checksum field zeroed.
func verifyHeaderChecksum(raw []byte) bool {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	for i := 36; i < 40; i++ {
		buf[i] = 0
	}
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	want := binary.BigEndian.Uint32(raw[36:40])
	return ^sum == want
}

func (v *Vault) openParent(cfg Config, depth int) (*Vault, error) {
	for _, entry := range v.header.locators() {
		loc := new(parentLocator)
		if err := binary.Read(bytes.NewReader(entry[:]), binary.BigEndian, loc); err != nil {
			continue
		}
		if loc.PlatformDataLength == 0 {
			continue
		}
		name, err := decodeParentName(v.header.ParentUnicodeName[:])
		if err != nil || name == "" {
			continue
		}
		if parent, perr := openDepth(name, cfg, depth+1); perr == nil {
			return parent, nil
		}
		if parent, perr := raw.Open(name, raw.Config{UseMmap: cfg.UseMmap}); perr == nil {
			return wrapRaw(parent), nil
		}
	}
	return nil, ferr.New(ferr.Unsupported, "vhd differencing: no resolvable parent locator")
}

func wrapRaw(r *raw.Vault) *Vault {
	v := &Vault{identify: "Raw (vhd parent)", src: r.Stream(), closer: r, logicalLength: r.Length()}
	// Reads through this vault go straight to the backing stream, the
	// same path a Fixed image takes.
	v.footer.DiskType = DiskTypeFixed
	return v
}

func decodeParentName(utf16le []byte) (string, error) {
	if len(utf16le)%2 != 0 {
		return "", ferr.New(ferr.InvalidFormat, "vhd parent name length")
	}
	n := len(utf16le) / 2
	u16 := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		c := binary.LittleEndian.Uint16(utf16le[i*2:])
		if c == 0 {
			break
		}
		u16 = append(u16, c)
	}
	return string(utf16.Decode(u16)), nil
}

func (v *Vault) Identify() string { return v.identify }
func (v *Vault) Length() uint64   { return v.logicalLength }

func (v *Vault) Stream() vstream.Stream {
	return &logicalStream{v: v}
}

func (v *Vault) Close() error {
	var err error
	if v.parent != nil {
		err = v.parent.Close()
	}
	if cerr := v.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

// logicalStream exposes the VHD's decoded logical bytes as a Stream,
// dispatching each read through the fixed/dynamic/differencing
// translation.
type logicalStream struct {
	v   *Vault
	pos uint64
}

func (s *logicalStream) Length() uint64   { return s.v.logicalLength }
func (s *logicalStream) Position() uint64 { return s.pos }

func (s *logicalStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = int64(s.pos) + offset
	case io.SeekEnd:
		aim = int64(s.v.logicalLength) + offset
	default:
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "unknown whence")
	}
	if aim < 0 || uint64(aim) > s.v.logicalLength {
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "seek outside vhd logical stream")
	}
	s.pos = uint64(aim)
	return aim, nil
}

func (s *logicalStream) Read(p []byte) (int, error) {
	if s.pos >= s.v.logicalLength {
		return 0, io.EOF
	}
	remaining := s.v.logicalLength - s.pos
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}

	switch s.v.footer.DiskType {
	case DiskTypeFixed:
		n, err := fixedReadAt(s.v, s.pos, p)
		s.pos += uint64(n)
		return n, err
	default:
		n, err := s.v.readBlockAt(s.pos, p)
		s.pos += uint64(n)
		return n, err
	}
}

func fixedReadAt(v *Vault, pos uint64, p []byte) (int, error) {
	if err := seekSrc(v.src, int64(pos)); err != nil {
		return 0, ferr.Wrap(ferr.IO, "vhd fixed read", err)
	}
	n, err := v.src.Read(p)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func seekSrc(s vstream.Stream, off int64) error {
	_, err := s.Seek(off, io.SeekStart)
	return err
}

// readBlockAt services a single read request for Dynamic/Differencing
// images, decomposing a request spanning block boundaries into
// single-block reads (spec §4.3).
func (v *Vault) readBlockAt(pos uint64, p []byte) (int, error) {
	blockSize := uint64(v.header.BlockSize)
	block := pos / blockSize
	blockOffset := pos % blockSize
	if block >= uint64(len(v.bat)) {
		return 0, ferr.New(ferr.InvalidFormat, "vhd: block index out of range")
	}

	n := blockSize - blockOffset
	if uint64(len(p)) < n {
		n = uint64(len(p))
	}

	entry := v.bat[block]
	if entry == UnallocatedBlock {
		if v.parent != nil {
			// Fall through to the same virtual offset in the parent.
			if v.parentStream == nil {
				v.parentStream = v.parent.Stream()
			}
			if _, err := v.parentStream.Seek(int64(pos), io.SeekStart); err != nil {
				return 0, ferr.Wrap(ferr.InvalidOperation, "vhd parent seek", err)
			}
			read, err := v.parentStream.Read(p[:n])
			if err == io.EOF {
				err = nil
			}
			return read, err
		}
		for i := uint64(0); i < n; i++ {
			p[i] = 0
		}
		return int(n), nil
	}

	sectorOffset := uint64(entry) + uint64(v.bitmapSectors)
	absOff, err := harden.CheckedAdd(sectorOffset*SectorSize, blockOffset)
	if err != nil {
		return 0, ferr.Wrap(ferr.InvalidFormat, "vhd block offset overflow", err)
	}
	if absOff+n > v.src.Length() {
		return 0, ferr.New(ferr.InvalidFormat, "vhd: BAT entry out of container bounds")
	}
	if err := seekSrc(v.src, int64(absOff)); err != nil {
		return 0, ferr.Wrap(ferr.IO, "vhd dynamic read", err)
	}
	read, err := io.ReadFull(v.src, p[:n])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return read, err
}
