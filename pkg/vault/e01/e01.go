// Package e01 implements the EWF/E01 container format (spec §4.3):
// chunked, zlib-compressed, segmented acquisition images. Section layout
// is grounded on the ewfgo reference (EWFFileHeader / Section / Table
// sections), adapted to consume bounded chunk reads with a hardening
// envelope and a single-chunk read cache rather than the reference's
// whole-file scanning approach.
package e01

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

// Signature is the 8-byte EWF file-header magic (spec §6.2).
var Signature = [8]byte{'E', 'V', 'F', 0x09, 0x0D, 0x0A, 0xFF, 0x00}

const (
	fileHeaderSize = 13
	sectionSize    = 76
)

type fileHeader struct {
	Signature     [8]byte
	FieldsStart   uint8
	SegmentNumber uint16
	FieldsEnd     uint16
}

type section struct {
	TypeDefinition [16]byte
	NextOffset     uint64
	SectionSize    uint64
	Padding        [40]byte
	Checksum       uint32
}

func (s *section) typeName() string {
	return string(bytes.TrimRight(s.TypeDefinition[:], "\x00"))
}

type tableEntry struct {
	chunkOffset    int64 // absolute file offset of chunk data
	compressedSize int64
	compressedFlag bool
}

// segment holds one opened .E0N file and its chunk table.
type segment struct {
	path    string
	f       *os.File
	size    int64
	entries []tableEntry
}

// AcquisitionInfo carries best-effort acquisition metadata parsed from the
// header/header2 sections (spec's supplemented-features §E.4). Absence of
// any field never fails Open.
type AcquisitionInfo struct {
	CaseNumber   string
	Examiner     string
	Notes        string
	AcquiredDate string
}

// Vault decodes an E01 (EnCase Evidence File) container, possibly spanning
// multiple segment files (.E01, .E02, ...).
type Vault struct {
	segments []*segment
	chunkSize int64 // bytes per chunk (sectors-per-chunk * bytes-per-sector)
	totalSize int64 // logical (decompressed) size

	cache struct {
		index int
		data  []byte
	}

	info *AcquisitionInfo

	// pendingSectors* track the most recently seen "sectors" section,
	// consumed by the "table" section that follows it: EWF table entries
	// store chunk offsets relative to the start of their sectors section.
	pendingSectorsOffset int64
	pendingSectorsSize   int64
}

// Open parses the section chain of path and any chained segment files.
func Open(path string) (*Vault, error) {
	v := &Vault{}

	cur := path
	for {
		seg, err := openSegment(cur)
		if err != nil {
			return nil, err
		}
		v.segments = append(v.segments, seg)

		next, err := v.parseSegmentSections(seg)
		if err != nil {
			return nil, err
		}
		if next == "" {
			break
		}
		cur = next
	}

	if v.chunkSize == 0 {
		return nil, ferr.New(ferr.InvalidFormat, "e01: missing volume section")
	}

	return v, nil
}

func openSegment(path string) (*segment, error) {
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

	hdr := make([]byte, fileHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.InvalidFormat, "e01 file header", err)
	}
	var fh fileHeader
	if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, &fh); err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.InvalidFormat, "e01 file header decode", err)
	}
	if fh.Signature != Signature {
		f.Close()
		return nil, ferr.New(ferr.InvalidFormat, "e01: bad signature")
	}

	return &segment{path: path, f: f, size: fi.Size()}, nil
}

// parseSegmentSections walks the section chain and returns the path to the
// next segment file if a "next" section is encountered.
func (v *Vault) parseSegmentSections(seg *segment) (string, error) {
	offset := int64(fileHeaderSize)

	for {
		sec, _, err := readSection(seg.f, offset)
		if err != nil {
			return "", err
		}

		switch sec.typeName() {
		case "volume", "disk":
			if err := v.parseVolume(seg.f, offset, sec); err != nil {
				return "", err
			}
		case "header", "header2":
			v.parseHeader(seg.f, offset, sec)
		case "sectors":
			v.pendingSectorsOffset = offset + sectionSize
			v.pendingSectorsSize = int64(sec.SectionSize) - sectionSize
		case "table":
			entries, err := parseTable(seg.f, offset, sec, v.pendingSectorsOffset, v.pendingSectorsSize)
			if err != nil {
				return "", err
			}
			seg.entries = append(seg.entries, entries...)
		case "table2":
			// table2 mirrors table for redundancy; the primary table is
			// already indexed, so table2 is skipped.
		case "next":
			return nextSegmentPath(seg.path), nil
		case "done":
			return "", nil
		}

		if sec.NextOffset == 0 || int64(sec.NextOffset) <= offset {
			return "", nil
		}
		offset = int64(sec.NextOffset)
	}
}

func readSection(f *os.File, offset int64) (*section, []byte, error) {
	buf := make([]byte, sectionSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, nil, ferr.Wrap(ferr.Truncated, "e01 section header", err)
	}
	sec := new(section)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, sec); err != nil {
		return nil, nil, ferr.Wrap(ferr.InvalidFormat, "e01 section decode", err)
	}
	return sec, buf, nil
}

func (v *Vault) parseVolume(f *os.File, secOffset int64, sec *section) error {
	// The "volume"/"disk" section body begins with media type + reserved
	// bytes, then chunk-count, sectors-per-chunk, bytes-per-sector, and
	// total-sector-count fields at a fixed layout shared across EWF
	// variants.
	body := make([]byte, 28)
	if _, err := f.ReadAt(body, secOffset+sectionSize); err != nil {
		return ferr.Wrap(ferr.Truncated, "e01 volume section", err)
	}
	sectorsPerChunk := binary.LittleEndian.Uint32(body[8:12])
	bytesPerSector := binary.LittleEndian.Uint32(body[12:16])
	sectorCount := binary.LittleEndian.Uint64(body[16:24])
	if bytesPerSector == 0 || sectorsPerChunk == 0 {
		return ferr.New(ferr.InvalidFormat, "e01 volume: zero chunk geometry")
	}
	if bytesPerSector > harden.MaxSectorSize {
		return ferr.LimitErr("MAX_SECTOR_SIZE", uint64(bytesPerSector), harden.MaxSectorSize)
	}
	v.chunkSize = int64(sectorsPerChunk) * int64(bytesPerSector)

	total, err := harden.CheckedMul(sectorCount, uint64(bytesPerSector))
	if err != nil {
		return ferr.Wrap(ferr.InvalidFormat, "e01 volume: logical size overflow", err)
	}
	v.totalSize = int64(total)
	return nil
}

func (v *Vault) parseHeader(f *os.File, secOffset int64, sec *section) {
	if sec.SectionSize <= sectionSize || sec.SectionSize-sectionSize > harden.MaxAllocation {
		return
	}
	body := make([]byte, sec.SectionSize-sectionSize)
	if _, err := f.ReadAt(body, secOffset+sectionSize); err != nil {
		return
	}
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return
	}
	lines := strings.Split(out.String(), "\n")
	if len(lines) < 4 {
		return
	}
	flags := strings.Split(lines[2], "\t")
	values := strings.Split(lines[3], "\t")
	if len(flags) != len(values) {
		return
	}
	info := &AcquisitionInfo{}
	for i, flag := range flags {
		switch flag {
		case "c":
			info.CaseNumber = values[i]
		case "e":
			info.Examiner = values[i]
		case "t":
			info.Notes = values[i]
		case "m":
			info.AcquiredDate = values[i]
		}
	}
	v.info = info
}

// parseTable reads a "table" section: a 24-byte table header followed by
// N 4-byte chunk offsets relative to sectorsOffset (the start of the
// "sectors" section this table indexes), with the top bit flagging
// compression per EWF convention. Per-chunk compressed sizes are derived
// from consecutive offsets, with the final chunk bounded by sectorsSize.
func parseTable(f *os.File, secOffset int64, sec *section, sectorsOffset, sectorsSize int64) ([]tableEntry, error) {
	const tableHeaderSize = 24
	hdrBuf := make([]byte, tableHeaderSize)
	if _, err := f.ReadAt(hdrBuf, secOffset+sectionSize); err != nil {
		return nil, ferr.Wrap(ferr.Truncated, "e01 table header", err)
	}
	count := binary.LittleEndian.Uint32(hdrBuf[0:4])

	entriesSize, err := harden.CheckedMul(uint64(count), 4)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "e01 table size overflow", err)
	}
	entriesLen, verr := harden.ValidateAllocation(entriesSize, harden.MaxAllocation, "e01_table")
	if verr != nil {
		return nil, verr
	}

	entriesBuf := make([]byte, entriesLen)
	entriesOffset := secOffset + sectionSize + tableHeaderSize
	if _, err := f.ReadAt(entriesBuf, entriesOffset); err != nil {
		return nil, ferr.Wrap(ferr.Truncated, "e01 table entries", err)
	}
	if sectorsOffset == 0 {
		return nil, ferr.New(ferr.InvalidFormat, "e01: table section with no preceding sectors section")
	}

	rels := make([]int64, count)
	flags := make([]bool, count)
	for i := uint32(0); i < count; i++ {
		raw := binary.LittleEndian.Uint32(entriesBuf[i*4:])
		flags[i] = raw&0x80000000 != 0
		rels[i] = int64(raw &^ 0x80000000)
	}

	out := make([]tableEntry, count)
	for i := uint32(0); i < count; i++ {
		var size int64
		if i+1 < count {
			size = rels[i+1] - rels[i]
		} else {
			size = sectorsSize - rels[i]
		}
		if size < 0 {
			return nil, ferr.New(ferr.InvalidFormat, "e01: malformed table offsets")
		}
		out[i] = tableEntry{
			chunkOffset:    sectorsOffset + rels[i],
			compressedSize: size,
			compressedFlag: flags[i],
		}
	}
	return out, nil
}

func nextSegmentPath(path string) string {
	// ".E01" -> ".E02", ".e01" -> ".e02", etc.
	if len(path) < 4 {
		return ""
	}
	ext := path[len(path)-3:]
	var num int
	if _, err := fmt.Sscanf(ext, "E%02d", &num); err == nil {
		return fmt.Sprintf("%sE%02d", path[:len(path)-3], num+1)
	}
	if _, err := fmt.Sscanf(ext, "e%02d", &num); err == nil {
		return fmt.Sprintf("%se%02d", path[:len(path)-3], num+1)
	}
	return ""
}

func (v *Vault) Identify() string { return "E01" }
func (v *Vault) Length() uint64   { return uint64(v.totalSize) }

func (v *Vault) Stream() vstream.Stream { return &logicalStream{v: v} }

func (v *Vault) Close() error {
	var err error
	for _, s := range v.segments {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Info returns best-effort acquisition metadata, or nil if the image
// carried no header section.
func (v *Vault) Info() *AcquisitionInfo { return v.info }

type logicalStream struct {
	v   *Vault
	pos uint64
}

func (s *logicalStream) Length() uint64   { return uint64(s.v.totalSize) }
func (s *logicalStream) Position() uint64 { return s.pos }

func (s *logicalStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = int64(s.pos) + offset
	case io.SeekEnd:
		aim = s.v.totalSize + offset
	default:
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "unknown whence")
	}
	if aim < 0 || aim > s.v.totalSize {
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "seek outside e01 logical stream")
	}
	s.pos = uint64(aim)
	return aim, nil
}

func (s *logicalStream) Read(p []byte) (int, error) {
	v := s.v
	if int64(s.pos) >= v.totalSize {
		return 0, io.EOF
	}
	remaining := v.totalSize - int64(s.pos)
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	chunkIndex := int64(s.pos) / v.chunkSize
	chunkOffset := int64(s.pos) % v.chunkSize

	data, err := v.loadChunk(int(chunkIndex))
	if err != nil {
		return 0, err
	}
	n := copy(p, data[chunkOffset:])
	s.pos += uint64(n)
	return n, nil
}

// loadChunk decompresses (or returns raw) chunk i, using a single-chunk
// cache to accelerate sequential reads (spec §4.3).
func (v *Vault) loadChunk(i int) ([]byte, error) {
	if v.cache.data != nil && v.cache.index == i {
		return v.cache.data, nil
	}

	seg, entry, err := v.locateChunk(i)
	if err != nil {
		return nil, err
	}

	size, verr := harden.ValidateAllocation(uint64(entry.compressedSize), harden.MaxAllocation, "e01_chunk")
	if verr != nil {
		return nil, verr
	}
	raw := make([]byte, size)
	if _, err := seg.f.ReadAt(raw, entry.chunkOffset); err != nil {
		return nil, ferr.Wrap(ferr.Truncated, "e01 chunk read", err)
	}

	var out []byte
	if entry.compressedFlag {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "e01 decompression", err)
		}
		defer zr.Close()
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, zr); err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "e01 decompression", err)
		}
		out = buf.Bytes()
	} else {
		out = raw
	}

	v.cache.index = i
	v.cache.data = out
	return out, nil
}

func (v *Vault) locateChunk(i int) (*segment, *tableEntry, error) {
	remaining := i
	for _, seg := range v.segments {
		if remaining < len(seg.entries) {
			return seg, &seg.entries[remaining], nil
		}
		remaining -= len(seg.entries)
	}
	return nil, nil, ferr.New(ferr.InvalidFormat, "e01: chunk index out of range")
}
