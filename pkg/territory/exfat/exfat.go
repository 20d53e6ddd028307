// Package exfat implements exFAT territory decoding (spec §4.5). The
// boot sector layout is grounded on the go-exfat reference's
// BootSectorHeader, decoded here via encoding/binary rather than that
// reference's restruct-tag approach, and wired into the same bounded
// vstream.Stream substrate as the sibling fat package.
package exfat

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

var (
	jumpBootSignature = [3]byte{0xEB, 0x76, 0x90}
	fileSystemName    = [8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '}
)

const (
	bootSignature = 0xAA55

	dirEntrySize = 32

	entryTypeInUse     = 0x80
	entryTypeBitmap    = 0x81
	entryTypeUpcase    = 0x82
	entryTypeLabel     = 0x83
	entryTypeFile      = 0x85
	entryTypeStreamExt = 0xC0
	entryTypeFileName  = 0xC1

	noFatChainFlag = 0x02
)

type bootSector struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 uint16
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
}

// Territory decodes an exFAT volume.
type Territory struct {
	s vstream.Stream

	bytesPerSector    uint64
	sectorsPerCluster uint64
	fatOffset         uint64 // bytes
	fatLength         uint64 // bytes
	clusterHeapOffset uint64 // bytes
	clusterCount      uint32
	rootCluster       uint32
	volumeLength      uint64 // bytes
	label             string
}

// Open probes s for an exFAT boot sector and, on success, returns a
// decoded Territory.
func Open(s vstream.Stream, length uint64) (territory.Territory, error) {
	buf := make([]byte, 120)
	if err := vstream.ReadAtFull(s, 0, buf); err != nil {
		return nil, err
	}

	var b bootSector
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &b); err != nil {
		return nil, ferr.Wrap(ferr.InvalidFormat, "exfat boot sector decode", err)
	}

	if b.JumpBoot != jumpBootSignature {
		return nil, ferr.New(ferr.InvalidFormat, "exfat: bad jump boot signature")
	}
	if b.FileSystemName != fileSystemName {
		return nil, ferr.New(ferr.InvalidFormat, "exfat: bad filesystem name")
	}
	for _, c := range b.MustBeZero {
		if c != 0 {
			return nil, ferr.New(ferr.InvalidFormat, "exfat: must-be-zero field non-zero")
		}
	}

	sigBuf := make([]byte, 2)
	if err := vstream.ReadAtFull(s, 510, sigBuf); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(sigBuf) != bootSignature {
		return nil, ferr.New(ferr.InvalidFormat, "exfat: missing boot signature")
	}

	if b.BytesPerSectorShift < 9 || b.BytesPerSectorShift > 12 {
		return nil, ferr.New(ferr.InvalidFormat, "exfat: invalid bytes-per-sector shift")
	}
	bytesPerSector := uint64(1) << b.BytesPerSectorShift
	if bytesPerSector > harden.MaxSectorSize {
		return nil, ferr.LimitErr("MAX_SECTOR_SIZE", bytesPerSector, harden.MaxSectorSize)
	}
	sectorsPerCluster := uint64(1) << b.SectorsPerClusterShift

	t := &Territory{
		s:                 s,
		bytesPerSector:    bytesPerSector,
		sectorsPerCluster: sectorsPerCluster,
		fatOffset:         uint64(b.FatOffset) * bytesPerSector,
		fatLength:         uint64(b.FatLength) * bytesPerSector,
		clusterHeapOffset: uint64(b.ClusterHeapOffset) * bytesPerSector,
		clusterCount:      b.ClusterCount,
		rootCluster:       b.FirstClusterOfRootDirectory,
		volumeLength:      b.VolumeLength * bytesPerSector,
	}

	if t.fatLength > harden.MaxFATTable {
		return nil, ferr.LimitErr("MAX_FAT_TABLE", t.fatLength, harden.MaxFATTable)
	}
	if t.volumeLength > length {
		return nil, ferr.New(ferr.InvalidFormat, "exfat: volume exceeds zone bounds")
	}
	if t.rootCluster < 2 {
		return nil, ferr.New(ferr.InvalidFormat, "exfat: invalid root cluster")
	}

	root, err := t.readClusterChain(t.rootCluster)
	if err == nil {
		t.label = findLabel(root)
	}

	return t, nil
}

func (t *Territory) Identify() string  { return "exFAT" }
func (t *Territory) Label() string     { return t.label }
func (t *Territory) TotalSize() uint64 { return t.volumeLength }
func (t *Territory) FreeSize() uint64  { return 0 } // would require an allocation-bitmap scan

func (t *Territory) clusterToOffset(cluster uint32) uint64 {
	return t.clusterHeapOffset + uint64(cluster-2)*t.sectorsPerCluster*t.bytesPerSector
}

func (t *Territory) clusterSize() uint64 {
	return t.sectorsPerCluster * t.bytesPerSector
}

// fatEntryAt reads the single 32-bit FAT entry for cluster. exFAT
// typically avoids FAT traversal for contiguous files (see noFatChain),
// but the FAT itself remains a plain 32-bit-per-cluster table.
func (t *Territory) fatEntryAt(cluster uint32) (uint32, error) {
	offset := t.fatOffset + uint64(cluster)*4
	buf := make([]byte, 4)
	if err := vstream.ReadAtFull(t.s, int64(offset), buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (t *Territory) chain(start uint32, noFatChain bool, dataLength uint64) ([]uint32, error) {
	if noFatChain {
		clusterSize := t.clusterSize()
		count := (dataLength + clusterSize - 1) / clusterSize
		if count > harden.MaxClusterChain {
			return nil, ferr.LimitErr("MAX_CLUSTER_CHAIN", count, harden.MaxClusterChain)
		}
		out := make([]uint32, count)
		for i := range out {
			out[i] = start + uint32(i)
		}
		return out, nil
	}

	visited := make(map[uint32]bool)
	var out []uint32
	cluster := start
	for {
		if visited[cluster] {
			return nil, ferr.New(ferr.IntegrityFailure, "exfat: cluster chain cycle detected")
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
		if next == 0xFFFFFFFF || next < 2 {
			break
		}
		cluster = next
	}
	return out, nil
}

func (t *Territory) readClusterChain(start uint32) ([]byte, error) {
	clusters, err := t.chain(start, false, 0)
	if err != nil {
		return nil, err
	}
	return t.readClusters(clusters)
}

func (t *Territory) readClusters(clusters []uint32) ([]byte, error) {
	clusterSize := t.clusterSize()
	total, err := harden.CheckedMul(uint64(len(clusters)), clusterSize)
	if err != nil {
		return nil, ferr.Wrap(ferr.LimitExceeded, "exfat cluster chain size", err)
	}
	if _, err := harden.ValidateAllocation(total, harden.MaxFileExtract, "exfat_chain_read"); err != nil {
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

type primaryEntry struct {
	EntryType        uint8
	SecondaryCount   uint8
	SetChecksum      uint16
	FileAttributes   uint16
	_                uint16
	CreateTimestamp  uint32
	LastModTimestamp uint32
	LastAccTimestamp uint32
	_                [7]byte
}

type streamExtEntry struct {
	EntryType       uint8
	Flags           uint8
	_               uint8
	NameLength      uint8
	NameHash        uint16
	_               uint16
	ValidDataLength uint64
	_               uint32
	FirstCluster    uint32
	DataLength      uint64
}

type fileNameEntry struct {
	EntryType uint8
	Flags     uint8
	FileName  [15]uint16
}

func findLabel(data []byte) string {
	n := len(data) / dirEntrySize
	for i := 0; i < n; i++ {
		raw := data[i*dirEntrySize : (i+1)*dirEntrySize]
		if raw[0] == entryTypeLabel {
			length := raw[1]
			units := make([]uint16, length)
			for j := range units {
				units[j] = binary.LittleEndian.Uint16(raw[2+j*2:])
			}
			return string(utf16.Decode(units))
		}
	}
	return ""
}

// exfatTime decodes a packed exFAT timestamp (date in the high 16 bits,
// time in the low 16 bits, same field layout as FAT) into UTC.
func exfatTime(ts uint32) *time.Time {
	if ts == 0 {
		return nil
	}
	date := uint16(ts >> 16)
	clock := uint16(ts & 0xFFFF)
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

// parseDir decodes an exFAT directory's cluster data into occupant
// records: each file is a primary File Directory Entry (0x85) followed
// by a Stream Extension (0xC0) and one or more File Name extensions
// (0xC1), tied together via SecondaryCount.
func parseDir(data []byte) []territory.OccupantInfo {
	n := len(data) / dirEntrySize
	var out []territory.OccupantInfo

	for i := 0; i < n; {
		raw := data[i*dirEntrySize : (i+1)*dirEntrySize]
		entryType := raw[0]

		if entryType&entryTypeInUse == 0 && entryType != 0 {
			i++
			continue
		}
		if entryType != entryTypeFile {
			i++
			continue
		}

		var primary primaryEntry
		_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &primary)
		secondaryCount := int(primary.SecondaryCount)
		if i+1+secondaryCount > n {
			break
		}

		streamRaw := data[(i+1)*dirEntrySize : (i+2)*dirEntrySize]
		if streamRaw[0]&0x7F != entryTypeStreamExt&0x7F {
			i += 1 + secondaryCount
			continue
		}
		var stream streamExtEntry
		_ = binary.Read(bytes.NewReader(streamRaw), binary.LittleEndian, &stream)

		var nameUnits []uint16
		for j := 1; j < secondaryCount; j++ {
			nameRaw := data[(i+1+j)*dirEntrySize : (i+2+j)*dirEntrySize]
			if nameRaw[0]&0x7F != entryTypeFileName&0x7F {
				continue
			}
			var fn fileNameEntry
			_ = binary.Read(bytes.NewReader(nameRaw), binary.LittleEndian, &fn)
			nameUnits = append(nameUnits, fn.FileName[:]...)
		}
		if int(stream.NameLength) < len(nameUnits) {
			nameUnits = nameUnits[:stream.NameLength]
		}

		out = append(out, territory.OccupantInfo{
			Name:       string(utf16.Decode(nameUnits)),
			IsDir:      primary.FileAttributes&0x10 != 0,
			Size:       stream.DataLength,
			ClusterNo:  uint64(stream.FirstCluster),
			Created:    exfatTime(primary.CreateTimestamp),
			Modified:   exfatTime(primary.LastModTimestamp),
			Accessed:   exfatTime(primary.LastAccTimestamp),
			Attributes: uint32(primary.FileAttributes),
		})

		i += 1 + secondaryCount
	}
	return out
}

type dirCell struct {
	t   *Territory
	raw []byte
}

func (t *Territory) Root() (territory.DirectoryCell, error) {
	raw, err := t.readClusterChain(t.rootCluster)
	if err != nil {
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
			return nil, ferr.New(ferr.InvalidOperation, "exfat: not a directory: "+name)
		}
		raw, err := d.t.readClusterChain(uint32(o.ClusterNo))
		if err != nil {
			return nil, err
		}
		return &dirCell{t: d.t, raw: raw}, nil
	}
	return nil, ferr.New(ferr.NotFound, "exfat: no such entry: "+name)
}

// Navigate resolves a slash-separated path to the directory it names.
func (t *Territory) Navigate(path string) (territory.DirectoryCell, error) {
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	return territory.Walk(root, path)
}

// Extract returns the contents of the file at path, truncated at the
// stream extension's declared data length and bounded by MaxFileExtract.
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
		return nil, ferr.New(ferr.InvalidOperation, "exfat: cannot extract a directory")
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
		return nil, ferr.Truncate("exfat: cluster chain shorter than file size")
	}
	return data[:target.Size], nil
}
