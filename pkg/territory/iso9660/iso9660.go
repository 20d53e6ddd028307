// Package iso9660 implements the ISO-9660 territory (spec §4.5): a
// volume-descriptor walk starting at logical sector 16, primary and
// Joliet supplementary descriptors, and the directory-record tree each
// of them roots. Field layouts are grounded on the rstms/iso-kit
// SupplementaryVolumeDescriptor reference (other_examples/216b3067...),
// adapted from that reference's Marshal/Unmarshal struct-tag style into
// direct vstream.U16Both/U32Both-based decoding. Joliet names are
// UCS-2BE and are decoded with golang.org/x/text/encoding/unicode,
// matching the x/text dependency the pack's yamitzky-xlrd-go repo
// already carries for legacy text encodings.
package iso9660

import (
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/territory"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

const (
	sectorSize            = 2048
	systemAreaSectors     = 16
	descHeaderSize        = 7
	descTypePrimary       = 1
	descTypeSupplementary = 2
	descTypeTerminator    = 255

	jolietLevel1 = "%/@"
	jolietLevel2 = "%/C"
	jolietLevel3 = "%/E"
)

// Territory is an ISO-9660 (and, when the volume carries a Joliet
// Supplementary Volume Descriptor, UCS-2) filesystem decoder.
type Territory struct {
	s             vstream.Stream
	blockSize     uint32
	volumeSize    uint64 // in logical blocks
	label         string
	joliet        bool
	rootExtentLBA uint32
	rootExtentLen uint32
}

// Open walks the volume descriptor sequence starting at sector 16 until
// the Volume Descriptor Set Terminator (type 255), preferring the last
// Supplementary Volume Descriptor with a recognized Joliet escape
// sequence over the Primary Volume Descriptor when both are present.
func Open(s vstream.Stream, length uint64) (territory.Territory, error) {
	var primary *descriptorFields
	var joliet *descriptorFields

	buf := make([]byte, sectorSize)
descriptorWalk:
	for sectorIdx := uint64(systemAreaSectors); ; sectorIdx++ {
		offset, err := harden.CheckedMul(sectorIdx, sectorSize)
		if err != nil {
			return nil, ferr.Wrap(ferr.LimitExceeded, "iso9660 descriptor offset", err)
		}
		if offset+sectorSize > length {
			return nil, ferr.New(ferr.InvalidFormat, "iso9660: volume descriptor set terminator not found")
		}
		if err := vstream.ReadAtFull(s, int64(offset), buf); err != nil {
			return nil, err
		}

		if string(buf[1:6]) != "CD001" {
			return nil, ferr.New(ferr.InvalidFormat, "iso9660: bad standard identifier")
		}

		switch buf[0] {
		case descTypeTerminator:
			break descriptorWalk
		case descTypePrimary:
			fields, err := parseDescriptorBody(buf[descHeaderSize:])
			if err != nil {
				return nil, err
			}
			primary = fields
		case descTypeSupplementary:
			fields, err := parseDescriptorBody(buf[descHeaderSize:])
			if err != nil {
				return nil, err
			}
			if isJolietEscape(fields.escapeSequences) {
				joliet = fields
			}
		}

		if sectorIdx-systemAreaSectors > harden.MaxDirEntries {
			return nil, ferr.LimitErr("MAX_DIR_ENTRIES", sectorIdx-systemAreaSectors, harden.MaxDirEntries)
		}
	}

	chosen := joliet
	if chosen == nil {
		chosen = primary
	}
	if chosen == nil {
		return nil, ferr.New(ferr.InvalidFormat, "iso9660: no primary volume descriptor")
	}

	volBytes, err := harden.CheckedMul(uint64(chosen.volumeSpaceSize), uint64(chosen.logicalBlockSize))
	if err != nil {
		return nil, ferr.Wrap(ferr.LimitExceeded, "iso9660 volume size", err)
	}
	if volBytes > length {
		return nil, ferr.New(ferr.InvalidFormat, "iso9660: volume space exceeds zone bounds")
	}

	return &Territory{
		s:             s,
		blockSize:     chosen.logicalBlockSize,
		volumeSize:    uint64(chosen.volumeSpaceSize),
		label:         chosen.volumeIdentifier,
		joliet:        joliet != nil,
		rootExtentLBA: chosen.rootExtentLBA,
		rootExtentLen: chosen.rootDataLength,
	}, nil
}

type descriptorFields struct {
	volumeIdentifier string
	logicalBlockSize uint32
	volumeSpaceSize  uint32
	escapeSequences  []byte
	rootExtentLBA    uint32
	rootDataLength   uint32
}

// parseDescriptorBody decodes the fields this package needs from a
// Primary or Supplementary Volume Descriptor body; both share layout
// for the fields read here, differing only in string encoding (ASCII
// vs. UCS-2BE for Joliet), which the caller resolves via isJolietEscape.
func parseDescriptorBody(body []byte) (*descriptorFields, error) {
	// Offsets below are relative to the descriptor body, i.e. the
	// sector offset minus the 7-byte type/identifier/version header.
	// body[0] is VolumeFlags (SVD only; reserved/zero on PVD).
	// body[1:33] is the System Identifier; unused here.
	volID := body[33:65] // Volume Identifier, sector offset 40

	// Unused (8 bytes), then Volume Space Size both-endian at sector
	// offset 80.
	volumeSpaceSize, err := vstream.U32Both(body, 73)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: volume space size", err)
	}

	// Escape Sequences (SVD; unused on PVD), sector offset 88.
	escapeSequences := append([]byte(nil), body[81:113]...)

	// Volume Set Size (4) and Volume Sequence Number (4) skipped;
	// Logical Block Size both-endian at sector offset 128.
	logicalBlockSize, err := vstream.U16Both(body, 121)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: logical block size", err)
	}

	// Path Table Size (8) and the four path-table locations (16)
	// skipped; Root Directory Record (34 bytes) at sector offset 156.
	rootRecord := body[149:183]
	rootExtentLBA, err := vstream.U32Both(rootRecord, 2)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: root extent LBA", err)
	}
	rootDataLength, err := vstream.U32Both(rootRecord, 10)
	if err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: root extent length", err)
	}

	joliet := isJolietEscape(escapeSequences)
	volumeIdentifier := decodeDString(volID, joliet)

	return &descriptorFields{
		volumeIdentifier: volumeIdentifier,
		logicalBlockSize: uint32(logicalBlockSize),
		volumeSpaceSize:  volumeSpaceSize,
		escapeSequences:  escapeSequences,
		rootExtentLBA:    rootExtentLBA,
		rootDataLength:   rootDataLength,
	}, nil
}

func isJolietEscape(seq []byte) bool {
	if len(seq) < 3 {
		return false
	}
	head := string(seq[:3])
	return head == jolietLevel1 || head == jolietLevel2 || head == jolietLevel3
}

func decodeDString(raw []byte, joliet bool) string {
	if joliet {
		return decodeUCS2BE(raw)
	}
	return strings.TrimRight(string(raw), " ")
}

func decodeUCS2BE(raw []byte) string {
	dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\x00")
}

func (t *Territory) Identify() string { return "ISO9660" }
func (t *Territory) Label() string    { return t.label }
func (t *Territory) TotalSize() uint64 {
	total, _ := harden.CheckedMul(t.volumeSize, uint64(t.blockSize))
	return total
}
func (t *Territory) FreeSize() uint64 { return 0 } // ISO-9660 volumes are read-only; no free space concept.

func (t *Territory) Root() (territory.DirectoryCell, error) {
	data, err := t.readExtent(t.rootExtentLBA, t.rootExtentLen)
	if err != nil {
		return nil, err
	}
	return &dirCell{t: t, raw: data}, nil
}

func (t *Territory) readExtent(lba, length uint32) ([]byte, error) {
	offset, err := harden.CheckedMul(uint64(lba), uint64(t.blockSize))
	if err != nil {
		return nil, ferr.Wrap(ferr.LimitExceeded, "iso9660 extent offset", err)
	}
	size, verr := harden.ValidateAllocation(uint64(length), harden.MaxAllocation, "iso9660_extent")
	if verr != nil {
		return nil, verr
	}
	buf := make([]byte, size)
	if err := vstream.ReadAtFull(t.s, int64(offset), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// dirRecord is one variable-length (>=34 byte) directory record decoded
// from a directory extent.
type dirRecord struct {
	extentLBA  uint32
	dataLength uint32
	isDir      bool
	name       string
	recorded   *time.Time
	flags      uint8
}

const (
	direntFlagDirectory = 0x02
)

// parseDir decodes the directory records packed into data, one 2048-byte
// logical block at a time (records never straddle a block boundary),
// skipping the self (".") and parent ("..") entries and stripping any
// ";N" version suffix from file identifiers.
func (t *Territory) parseDir(data []byte) ([]dirRecord, error) {
	var out []dirRecord
	for blockStart := 0; blockStart < len(data); blockStart += int(t.blockSize) {
		blockEnd := blockStart + int(t.blockSize)
		if blockEnd > len(data) {
			blockEnd = len(data)
		}
		block := data[blockStart:blockEnd]
		pos := 0
		for pos < len(block) {
			recLen := int(block[pos])
			if recLen == 0 {
				break // padding to end of block
			}
			if pos+recLen > len(block) {
				return nil, ferr.New(ferr.InvalidFormat, "iso9660: directory record exceeds block")
			}
			rec := block[pos : pos+recLen]

			extentLBA, err := vstream.U32Both(rec, 2)
			if err != nil {
				return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: record extent LBA", err)
			}
			dataLength, err := vstream.U32Both(rec, 10)
			if err != nil {
				return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: record data length", err)
			}
			flags, err := vstream.U8(rec, 25)
			if err != nil {
				return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: record flags", err)
			}
			nameLen, err := vstream.U8(rec, 32)
			if err != nil {
				return nil, ferr.Wrap(ferr.InvalidFormat, "iso9660: record name length", err)
			}
			if 33+int(nameLen) > len(rec) {
				return nil, ferr.New(ferr.InvalidFormat, "iso9660: record name exceeds record")
			}
			rawName := rec[33 : 33+int(nameLen)]

			isDir := flags&direntFlagDirectory != 0
			var name string
			if nameLen == 1 && (rawName[0] == 0x00 || rawName[0] == 0x01) {
				// "." or ".." self/parent entries; skip from listings.
				pos += recLen
				continue
			}
			name = stripVersion(decodeDString(rawName, t.joliet))

			out = append(out, dirRecord{
				extentLBA:  extentLBA,
				dataLength: dataLength,
				isDir:      isDir,
				name:       name,
				recorded:   recordingTime(rec, 18),
				flags:      flags,
			})
			if len(out) > harden.MaxDirEntries {
				return nil, ferr.LimitErr("MAX_DIR_ENTRIES", uint64(len(out)), harden.MaxDirEntries)
			}
			pos += recLen
		}
	}
	return out, nil
}

// recordingTime decodes a directory record's 7-byte recording date/time
// field (year since 1900, month, day, hour, minute, second, GMT offset in
// 15-minute intervals), returning nil when the field is all zero.
func recordingTime(rec []byte, off int) *time.Time {
	if off+7 > len(rec) {
		return nil
	}
	year, month, day := rec[off], rec[off+1], rec[off+2]
	if year == 0 && month == 0 && day == 0 {
		return nil
	}
	hour, minute, second := rec[off+3], rec[off+4], rec[off+5]
	gmtOffset := int8(rec[off+6])
	loc := time.FixedZone("iso9660", int(gmtOffset)*15*60)
	t := time.Date(1900+int(year), time.Month(month), int(day), int(hour), int(minute), int(second), 0, loc)
	return &t
}

// stripVersion trims the ";N" version suffix ISO-9660 appends to file
// identifiers (e.g. "README.TXT;1" -> "README.TXT").
func stripVersion(name string) string {
	if idx := strings.LastIndexByte(name, ';'); idx >= 0 {
		return name[:idx]
	}
	return name
}

type dirCell struct {
	t   *Territory
	raw []byte
}

func (d *dirCell) List() ([]territory.OccupantInfo, error) {
	recs, err := d.t.parseDir(d.raw)
	if err != nil {
		return nil, err
	}
	out := make([]territory.OccupantInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, territory.OccupantInfo{
			Name:       r.name,
			IsDir:      r.isDir,
			Size:       uint64(r.dataLength),
			ClusterNo:  uint64(r.extentLBA),
			Modified:   r.recorded,
			Attributes: uint32(r.flags),
		})
	}
	return out, nil
}

func (d *dirCell) Enter(name string) (territory.DirectoryCell, error) {
	recs, err := d.t.parseDir(d.raw)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.name == name && r.isDir {
			data, err := d.t.readExtent(r.extentLBA, r.dataLength)
			if err != nil {
				return nil, err
			}
			return &dirCell{t: d.t, raw: data}, nil
		}
	}
	return nil, ferr.New(ferr.NotFound, "iso9660: "+name)
}

// Navigate resolves a slash-separated path to the directory it names.
func (t *Territory) Navigate(path string) (territory.DirectoryCell, error) {
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	return territory.Walk(root, path)
}

// Extract returns the contents of the file at the slash-separated path,
// read from the record's extent for its declared data length.
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
		return nil, ferr.New(ferr.InvalidOperation, "iso9660: cannot extract a directory")
	}
	if _, verr := harden.ValidateAllocation(target.Size, harden.MaxFileExtract, "iso9660_extract"); verr != nil {
		return nil, verr
	}
	return t.readExtent(uint32(target.ClusterNo), uint32(target.Size))
}
