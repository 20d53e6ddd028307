// Package fat implements FAT12/16/32 territory decoding (spec §4.5).
// BPB layout, FAT-type classification by cluster count, entry decoding,
// and long-filename reconstruction are grounded on the gofat reference
// decoder, adapted to the bounded vstream.Stream substrate with explicit
// cycle detection and a MAX_CLUSTER_CHAIN cap instead of unbounded chains.
package fat

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/harden"
	"github.com/caseforge/forensicvault/pkg/territory"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

const (
	dirEntrySize = 32

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLongName = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	eofMin12 = 0x0FF8
	eofMin16 = 0xFFF8
	eofMin28 = 0x0FFFFFF8
)

// bpb is the BIOS Parameter Block common header shared by FAT12/16/32.
type bpb struct {
	JumpBoot        [3]byte
	OEMName         [8]byte
	BytesPerSector  uint16
	SectorsPerClus  uint8
	ReservedSectors uint16
	NumFATs         uint8
	RootEntryCount  uint16
	TotalSectors16  uint16
	Media           uint8
	FATSize16       uint16
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors32  uint32
}

type bpb32 struct {
	FATSize32   uint32
	ExtFlags    uint16
	FSVersion   uint16
	RootCluster uint32
	FSInfo      uint16
	BkBootSec   uint16
	_           [12]byte
	DriveNum    uint8
	_           uint8
	BootSig     uint8
	VolumeID    uint32
	VolumeLabel [11]byte
	FSType      [8]byte
}

type bpb1216 struct {
	DriveNum    uint8
	_           uint8
	BootSig     uint8
	VolumeID    uint32
	VolumeLabel [11]byte
	FSType      [8]byte
}

type kind int

const (
	kindFAT12 kind = iota
	kindFAT16
	kindFAT32
)

func (k kind) String() string {
	switch k {
	case kindFAT12:
		return "FAT12"
	case kindFAT16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

// Territory decodes a FAT12/16/32 volume.
type Territory struct {
	s    vstream.Stream
	kind kind
	bpb  bpb

	bytesPerSector  uint32
	sectorsPerClus  uint32
	reservedSectors uint32
	fatSize         uint32
	numFATs         uint32
	firstDataSector uint32
	rootEntryCount  uint32
	rootCluster     uint32 // FAT32 only
	totalSectors    uint32
	label           string
}

// Open probes s for a FAT12/16/32 boot sector and, on success, returns a
// decoded Territory.
func Open(s vstream.Stream, length uint64) (territory.Territory, error) {
	sectorBuf := make([]byte, 512)
	if err := vstream.ReadAtFull(s, 0, sectorBuf); err != nil {
		return nil, err
	}

	var b bpb
	if err := binary.Read(bytes.NewReader(sectorBuf[:36]), binary.LittleEndian, &b); err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "fat bpb decode", err)
	}

	if !(b.JumpBoot[0] == 0xEB && b.JumpBoot[2] == 0x90) && b.JumpBoot[0] != 0xE9 {
		return nil, ferr.New(ferr.InvalidFormat, "fat: no valid jump instruction")
	}
	if b.BytesPerSector != 512 && b.BytesPerSector != 1024 && b.BytesPerSector != 2048 && b.BytesPerSector != 4096 {
		return nil, ferr.New(ferr.InvalidFormat, "fat: invalid bytes-per-sector")
	}
	if b.BytesPerSector > harden.MaxSectorSize {
		return nil, ferr.LimitErr("MAX_SECTOR_SIZE", uint64(b.BytesPerSector), harden.MaxSectorSize)
	}
	if b.SectorsPerClus == 0 || !harden.IsPowerOfTwo(uint64(b.SectorsPerClus)) {
		return nil, ferr.New(ferr.InvalidFormat, "fat: invalid sectors-per-cluster")
	}
	if b.ReservedSectors == 0 {
		return nil, ferr.New(ferr.InvalidFormat, "fat: invalid reserved sector count")
	}
	if b.NumFATs < 1 {
		return nil, ferr.New(ferr.InvalidFormat, "fat: invalid FAT count")
	}
	if sectorBuf[510] != 0x55 || sectorBuf[511] != 0xAA {
		return nil, ferr.New(ferr.InvalidFormat, "fat: missing boot signature")
	}

	t := &Territory{s: s, bpb: b}
	t.bytesPerSector = uint32(b.BytesPerSector)
	t.sectorsPerClus = uint32(b.SectorsPerClus)
	t.reservedSectors = uint32(b.ReservedSectors)
	t.numFATs = uint32(b.NumFATs)
	t.rootEntryCount = uint32(b.RootEntryCount)

	if b.TotalSectors16 != 0 {
		t.totalSectors = uint32(b.TotalSectors16)
	} else {
		t.totalSectors = b.TotalSectors32
	}

	rootDirSectors := (t.rootEntryCount*dirEntrySize + t.bytesPerSector - 1) / t.bytesPerSector

	if b.FATSize16 != 0 {
		t.fatSize = uint32(b.FATSize16)
	} else {
		var b32 bpb32
		if err := binary.Read(bytes.NewReader(sectorBuf[36:90]), binary.LittleEndian, &b32); err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "fat32 bpb decode", err)
		}
		t.fatSize = b32.FATSize32
		t.rootCluster = b32.RootCluster
		t.label = strings.TrimRight(string(b32.VolumeLabel[:]), " ")
	}

	if t.fatSize == 0 {
		return nil, ferr.New(ferr.InvalidFormat, "fat: zero FAT size")
	}
	fatBytes, err := harden.CheckedMul(uint64(t.fatSize), uint64(t.bytesPerSector))
	if err != nil {
		return nil, ferr.Wrap(ferr.LimitExceeded, "fat table size", err)
	}
	if fatBytes > harden.MaxFATTable {
		return nil, ferr.LimitErr("MAX_FAT_TABLE", fatBytes, harden.MaxFATTable)
	}

	dataSectors := t.totalSectors - (t.reservedSectors + t.numFATs*t.fatSize + rootDirSectors)
	countOfClusters := dataSectors / t.sectorsPerClus

	switch {
	case countOfClusters < 4085:
		t.kind = kindFAT12
	case countOfClusters < 65525:
		t.kind = kindFAT16
	default:
		t.kind = kindFAT32
	}

	if t.kind != kindFAT32 {
		var b1216 bpb1216
		if err := binary.Read(bytes.NewReader(sectorBuf[36:62]), binary.LittleEndian, &b1216); err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "fat1216 bpb decode", err)
		}
		t.label = strings.TrimRight(string(b1216.VolumeLabel[:]), " ")
	}

	t.firstDataSector = t.reservedSectors + t.numFATs*t.fatSize + rootDirSectors

	end, err := harden.CheckedMul(uint64(t.totalSectors), uint64(t.bytesPerSector))
	if err != nil || end > length {
		return nil, ferr.New(ferr.InvalidFormat, "fat: volume exceeds zone bounds")
	}

	return t, nil
}

func (t *Territory) Identify() string { return t.kind.String() }
func (t *Territory) Label() string    { return t.label }
func (t *Territory) TotalSize() uint64 {
	return uint64(t.totalSectors) * uint64(t.bytesPerSector)
}
func (t *Territory) FreeSize() uint64 { return 0 } // would require a full FAT bitmap scan; not computed eagerly

// clusterToOffset translates a cluster number into an absolute byte
// offset within the territory's stream.
func (t *Territory) clusterToOffset(cluster uint32) uint64 {
	firstSector := (cluster-2)*t.sectorsPerClus + t.firstDataSector
	return uint64(firstSector) * uint64(t.bytesPerSector)
}

func (t *Territory) clusterSize() uint64 {
	return uint64(t.sectorsPerClus) * uint64(t.bytesPerSector)
}

// fatEntryAt returns the raw FAT entry for cluster, decoded according to
// the territory's bit-width.
func (t *Territory) fatEntryAt(cluster uint32) (uint32, error) {
	var fatOffset, entrySize uint32
	switch t.kind {
	case kindFAT12:
		fatOffset = cluster + cluster/2
		entrySize = 2 // read as a 16-bit window, unpack below
	case kindFAT16:
		fatOffset = cluster * 2
		entrySize = 2
	default:
		fatOffset = cluster * 4
		entrySize = 4
	}

	absOffset := uint64(t.reservedSectors)*uint64(t.bytesPerSector) + uint64(fatOffset)
	buf := make([]byte, entrySize)
	if err := vstream.ReadAtFull(t.s, int64(absOffset), buf); err != nil {
		return 0, err
	}

	switch t.kind {
	case kindFAT12:
		v := binary.LittleEndian.Uint16(buf)
		if cluster&1 == 0 {
			return uint32(v & 0x0FFF), nil
		}
		return uint32(v >> 4), nil
	case kindFAT16:
		return uint32(binary.LittleEndian.Uint16(buf)), nil
	default:
		return binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF, nil
	}
}

func (t *Territory) isEOF(entry uint32) bool {
	switch t.kind {
	case kindFAT12:
		return entry >= eofMin12
	case kindFAT16:
		return entry >= eofMin16
	default:
		return entry >= eofMin28
	}
}

// chain walks a cluster chain from start, enforcing cycle detection and
// the MAX_CLUSTER_CHAIN cap (spec's hardening requirement on chain
// traversal).
func (t *Territory) chain(start uint32) ([]uint32, error) {
	visited := make(map[uint32]bool)
	var out []uint32
	cluster := start
	for {
		if visited[cluster] {
			return nil, ferr.New(ferr.IntegrityFailure, "fat: cluster chain cycle detected")
		}
		visited[cluster] = true
		out = append(out, cluster)
		if len(out) > harden.MaxClusterChain {
			return nil, ferr.LimitErr("MAX_CLUSTER_CHAIN", uint64(len(out)), harden.MaxClusterChain)
		}

		next, err := t.fatEntryAt(cluster)
		if err != nil {
			return nil, err
		}
		if t.isEOF(next) {
			break
		}
		cluster = next
	}
	return out, nil
}

// readClusterChain reads the full contents addressed by a cluster chain.
func (t *Territory) readClusterChain(start uint32) ([]byte, error) {
	clusters, err := t.chain(start)
	if err != nil {
		return nil, err
	}
	clusterSize := t.clusterSize()
	total, err := harden.CheckedMul(uint64(len(clusters)), clusterSize)
	if err != nil {
		return nil, ferr.Wrap(ferr.LimitExceeded, "fat cluster chain size", err)
	}
	if _, err := harden.ValidateAllocation(total, harden.MaxFileExtract, "fat_chain_read"); err != nil {
		return nil, err
	}

	out := make([]byte, 0, total)
	buf := make([]byte, clusterSize)
	for _, c := range clusters {
		if err := vstream.ReadAtFull(t.s, int64(t.clusterToOffset(c)), buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

type rawDirEntry struct {
	Name         [11]byte
	Attr         uint8
	NTReserved   uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

type lfnEntry struct {
	Sequence uint8
	First    [5]uint16
	Attr     uint8
	Type     uint8
	Checksum uint8
	Second   [6]uint16
	_        uint16
	Third    [2]uint16
}

// parseDir decodes a raw directory sector run into occupant records,
// reconstructing long filenames tied by checksum to their short-name
// entry (spec §4.5: "LFN reconstruction with checksum tie to short name").
func parseDir(data []byte) []territory.OccupantInfo {
	n := len(data) / dirEntrySize
	var out []territory.OccupantInfo
	var lfnParts []lfnEntry

	resetLFN := func() { lfnParts = nil }

	for i := 0; i < n; i++ {
		raw := data[i*dirEntrySize : (i+1)*dirEntrySize]
		if raw[0] == 0x00 {
			break
		}
		if raw[0] == 0xE5 {
			resetLFN()
			continue
		}

		attr := raw[11]
		if attr&attrLongName == attrLongName {
			var e lfnEntry
			_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e)
			if e.Sequence == 0xE5 {
				continue
			}
			if e.Sequence&0x40 != 0 {
				resetLFN()
			}
			lfnParts = append(lfnParts, e)
			continue
		}

		var e rawDirEntry
		_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e)

		if e.Attr&attrVolumeID == attrVolumeID {
			resetLFN()
			continue
		}
		if e.Name[0] == 0x2E {
			resetLFN()
			continue
		}

		name := shortName(e.Name)
		if len(lfnParts) > 0 {
			if long, ok := reconstructLFN(lfnParts, e.Name); ok {
				name = long
			}
		}
		resetLFN()

		out = append(out, territory.OccupantInfo{
			Name:       name,
			IsDir:      e.Attr&attrDir == attrDir,
			Size:       uint64(e.FileSize),
			ClusterNo:  uint64(e.FstClusHI)<<16 | uint64(e.FstClusLO),
			Created:    fatTime(e.CrtDate, e.CrtTime),
			Modified:   fatTime(e.WrtDate, e.WrtTime),
			Accessed:   fatTime(e.LstAccDate, 0),
			Attributes: uint32(e.Attr),
		})
	}
	return out
}

// fatTime decodes a FAT date/time pair (MS-DOS encoding) into a UTC
// time.Time, or nil when the date field is zero (never set).
func fatTime(date, clock uint16) *time.Time {
	if date == 0 {
		return nil
	}
	year := 1980 + int(date>>9)
	month := int((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	if month == 0 || day == 0 {
		return nil
	}
	hour := int((clock >> 11) & 0x1F)
	minute := int((clock >> 5) & 0x3F)
	second := int((clock & 0x1F) * 2)
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	return &t
}

func shortName(raw [11]byte) string {
	name := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func reconstructLFN(parts []lfnEntry, shortRaw [11]byte) (string, bool) {
	var checksum byte
	for _, b := range shortRaw {
		checksum = (((checksum & 1) << 7) | ((checksum & 0xFE) >> 1)) + b
	}

	var units []uint16
	// Parts were appended in on-disk order (sequence N..1); reverse to
	// assemble the name in order.
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p.Checksum != checksum {
			return "", false
		}
		units = append(units, p.First[:]...)
		units = append(units, p.Second[:]...)
		units = append(units, p.Third[:]...)
	}

	end := len(units)
	for i, u := range units {
		if u == 0 || u == 0xFFFF {
			end = i
			break
		}
	}
	return string(utf16.Decode(units[:end])), true
}

type dirCell struct {
	t   *Territory
	raw []byte
}

func (t *Territory) Root() (territory.DirectoryCell, error) {
	if t.kind == kindFAT32 {
		raw, err := t.readClusterChain(t.rootCluster)
		if err != nil {
			return nil, err
		}
		return &dirCell{t: t, raw: raw}, nil
	}

	rootDirSectors := (t.rootEntryCount*dirEntrySize + t.bytesPerSector - 1) / t.bytesPerSector
	rootSector := t.reservedSectors + t.numFATs*t.fatSize
	raw := make([]byte, uint64(rootDirSectors)*uint64(t.bytesPerSector))
	if err := vstream.ReadAtFull(t.s, int64(uint64(rootSector)*uint64(t.bytesPerSector)), raw); err != nil {
		return nil, err
	}
	return &dirCell{t: t, raw: raw}, nil
}

func (d *dirCell) List() ([]territory.OccupantInfo, error) {
	occupants := parseDir(d.raw)
	if len(occupants) > harden.MaxDirEntries {
		return nil, ferr.LimitErr("MAX_DIR_ENTRIES", uint64(len(occupants)), harden.MaxDirEntries)
	}
	return occupants, nil
}

func (d *dirCell) Enter(name string) (territory.DirectoryCell, error) {
	occupants, err := d.List()
	if err != nil {
		return nil, err
	}
	for _, o := range occupants {
		if !strings.EqualFold(o.Name, name) {
			continue
		}
		if !o.IsDir {
			return nil, ferr.New(ferr.InvalidOperation, "fat: not a directory: "+name)
		}
		raw, err := d.t.readClusterChain(uint32(o.ClusterNo))
		if err != nil {
			return nil, err
		}
		return &dirCell{t: d.t, raw: raw}, nil
	}
	return nil, ferr.New(ferr.NotFound, "fat: no such entry: "+name)
}

// Navigate resolves a slash-separated path to the directory it names.
func (t *Territory) Navigate(path string) (territory.DirectoryCell, error) {
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	return territory.Walk(root, path)
}

// Extract returns the contents of the file at path: the cluster chain
// walked from the entry's first cluster, truncated at the declared file
// size, bounded by MaxFileExtract.
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
		return nil, ferr.New(ferr.InvalidOperation, "fat: cannot extract a directory")
	}
	if target.Size > harden.MaxFileExtract {
		return nil, ferr.LimitErr("MAX_FILE_EXTRACT", target.Size, harden.MaxFileExtract)
	}
	if target.Size == 0 {
		return []byte{}, nil
	}

	data, err := t.readClusterChain(uint32(target.ClusterNo))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < target.Size {
		return nil, ferr.Truncate("fat: cluster chain shorter than file size")
	}
	return data[:target.Size], nil
}
