// Package aff4 implements the AFF4 container format (spec §4.3): a ZIP
// archive carrying an "information.turtle" RDF metadata stream and one or
// more chunked, independently-compressed "bevy" segments that together
// form an AFF4 ImageStream. No AFF4 reference implementation was present
// in the retrieved example corpus; the ZIP walk and bevy/index layout
// follow the publicly documented AFF4 standard, written in the same
// container-decoder idiom as the sibling vault packages.
package aff4

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

const turtleMember = "information.turtle"

// compressionMethod identifies a bevy chunk's compression codec, taken
// from the ImageStream's aff4:compressionMethod RDF predicate.
type compressionMethod int

const (
	compressionUnknown compressionMethod = iota
	compressionDeflate
	compressionSnappy
	compressionLZ4
	compressionStored
)

// Probe reports whether f looks like an AFF4 container: a valid ZIP
// archive carrying an information.turtle member. Cheap and tolerant of
// I/O errors (returns false rather than propagating them), matching the
// other vault formats' magic-byte probes in pkg/vault.detect.
func Probe(f *os.File, size int64) bool {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return false
	}
	for _, file := range zr.File {
		if strings.HasSuffix(file.Name, turtleMember) {
			return true
		}
	}
	return false
}

type bevySegment struct {
	chunkSize    int
	chunksInBevy int
	index        []uint64 // per-chunk byte offset within the bevy's raw-data member
	rawName      string    // zip member holding concatenated compressed chunks
	rawSize      int64
}

// streamMeta is the subset of an ImageStream's RDF properties needed to
// read it back.
type streamMeta struct {
	uri          string
	size         int64
	chunkSize    int
	chunksInBevy int
	compression  compressionMethod
}

// Vault decodes a single AFF4 ImageStream packaged in path's ZIP
// container.
type Vault struct {
	path string
	zf   *os.File
	zr   *zip.Reader

	meta   streamMeta
	bevies []bevySegment // ordered by bevy index

	cache *lru.Cache[int, []byte] // chunk index -> decompressed chunk
}

// Open parses path's ZIP container, its information.turtle metadata, and
// indexes the named ImageStream's bevies.
func Open(path string) (*Vault, error) {
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

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.InvalidFormat, "aff4 zip", err)
	}

	v := &Vault{path: path, zf: f, zr: zr}

	turtle, err := readZipMember(zr, turtleMember)
	if err != nil {
		f.Close()
		return nil, err
	}
	meta, err := parseTurtle(turtle)
	if err != nil {
		f.Close()
		return nil, err
	}
	v.meta = meta

	if err := v.indexBevies(); err != nil {
		f.Close()
		return nil, err
	}

	cache, err := lru.New[int, []byte](128)
	if err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.IO, "aff4 cache", err)
	}
	v.cache = cache

	return v, nil
}

func readZipMember(zr *zip.Reader, suffix string) ([]byte, error) {
	for _, file := range zr.File {
		if strings.HasSuffix(file.Name, suffix) {
			rc, err := file.Open()
			if err != nil {
				return nil, ferr.Wrap(ferr.IO, file.Name, err)
			}
			defer rc.Close()
			buf, err := io.ReadAll(rc)
			if err != nil {
				return nil, ferr.Wrap(ferr.Truncated, file.Name, err)
			}
			return buf, nil
		}
	}
	return nil, ferr.New(ferr.InvalidFormat, "aff4: member "+suffix+" not found")
}

// parseTurtle extracts the handful of ImageStream predicates needed to
// read chunk data back, via a minimal line-oriented Turtle scanner. A
// full RDF/Turtle parser is out of scope: no library in the retrieved
// corpus offers one, and the predicates AFF4 actually needs are a small,
// fixed, line-based set.
func parseTurtle(data []byte) (streamMeta, error) {
	meta := streamMeta{compression: compressionDeflate, chunkSize: 32 * 1024, chunksInBevy: 2048}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var sawImageStream bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.Contains(line, "aff4:ImageStream") && strings.HasPrefix(line, "<"):
			sawImageStream = true
			meta.uri = extractURI(line)
		case strings.Contains(line, "aff4:size"):
			meta.size = extractInt(line)
		case strings.Contains(line, "aff4:chunkSize"):
			if n := extractInt(line); n > 0 {
				meta.chunkSize = int(n)
			}
		case strings.Contains(line, "aff4:chunksInSegment"):
			if n := extractInt(line); n > 0 {
				meta.chunksInBevy = int(n)
			}
		case strings.Contains(line, "aff4:compressionMethod"):
			meta.compression = parseCompression(line)
		}
	}

	if !sawImageStream || meta.uri == "" {
		return meta, ferr.New(ferr.InvalidFormat, "aff4: no ImageStream found in turtle metadata")
	}
	if meta.size == 0 {
		return meta, ferr.New(ferr.InvalidFormat, "aff4: ImageStream has zero size")
	}
	return meta, nil
}

func extractURI(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return line[start+1 : end]
}

func extractInt(line string) int64 {
	fields := strings.Fields(line)
	for _, f := range fields {
		f = strings.Trim(f, `";.^<>`)
		if n, err := strconv.ParseInt(f, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func parseCompression(line string) compressionMethod {
	switch {
	case strings.Contains(line, "snappy"):
		return compressionSnappy
	case strings.Contains(line, "lz4"):
		return compressionLZ4
	case strings.Contains(line, "stored"), strings.Contains(line, "nullCompressor"):
		return compressionStored
	case strings.Contains(line, "deflate"), strings.Contains(line, "zlib"):
		return compressionDeflate
	default:
		// An unrecognized method must fail reads with Unsupported rather
		// than guess and hand back garbage (spec §8 invariant 6).
		return compressionUnknown
	}
}

// indexBevies locates each "bevy_NNNNNNNN" raw-data member (and its
// optional ".index" companion) belonging to the stream and records the
// per-chunk offsets needed for random access.
func (v *Vault) indexBevies() error {
	type found struct {
		n    int
		data string
		idx  string
	}
	byIndex := map[int]*found{}

	for _, file := range v.zr.File {
		base := file.Name
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		// Producers name bevies either "bevy_00000000" or bare "00000000".
		base = strings.TrimPrefix(base, "bevy_")
		var n int
		var isIndex bool
		if _, err := fmt.Sscanf(base, "%08d.index", &n); err == nil {
			isIndex = true
		} else if _, err := fmt.Sscanf(base, "%08d", &n); err != nil {
			continue
		}
		fentry, ok := byIndex[n]
		if !ok {
			fentry = &found{n: n}
			byIndex[n] = fentry
		}
		if isIndex {
			fentry.idx = file.Name
		} else {
			fentry.data = file.Name
		}
	}
	if len(byIndex) == 0 {
		return ferr.New(ferr.InvalidFormat, "aff4: no bevy segments found")
	}

	ordered := make([]int, 0, len(byIndex))
	for n := range byIndex {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	for _, n := range ordered {
		fentry := byIndex[n]
		if fentry.data == "" {
			continue
		}
		seg := bevySegment{chunkSize: v.meta.chunkSize, chunksInBevy: v.meta.chunksInBevy, rawName: fentry.data}

		if fi := v.zipFileInfo(fentry.data); fi != nil {
			seg.rawSize = int64(fi.UncompressedSize64)
		}

		if fentry.idx != "" {
			idxBuf, err := readZipMember(v.zr, fentry.idx)
			if err == nil {
				seg.index = decodeBevyIndex(idxBuf)
			}
		}
		v.bevies = append(v.bevies, seg)
	}
	return nil
}

func (v *Vault) zipFileInfo(name string) *zip.FileHeader {
	for _, file := range v.zr.File {
		if file.Name == name {
			return &file.FileHeader
		}
	}
	return nil
}

// decodeBevyIndex decodes a ".index" member: a sequence of 8-byte
// little-endian chunk offsets relative to the start of the bevy's raw
// data member.
func decodeBevyIndex(buf []byte) []uint64 {
	n := len(buf) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return out
}

func (v *Vault) Identify() string { return "AFF4" }
func (v *Vault) Length() uint64   { return uint64(v.meta.size) }

func (v *Vault) Stream() vstream.Stream { return &logicalStream{v: v} }

func (v *Vault) Close() error { return v.zf.Close() }

type logicalStream struct {
	v   *Vault
	pos uint64
}

func (s *logicalStream) Length() uint64   { return uint64(s.v.meta.size) }
func (s *logicalStream) Position() uint64 { return s.pos }

func (s *logicalStream) Seek(offset int64, whence int) (int64, error) {
	var aim int64
	switch whence {
	case io.SeekStart:
		aim = offset
	case io.SeekCurrent:
		aim = int64(s.pos) + offset
	case io.SeekEnd:
		aim = s.v.meta.size + offset
	default:
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "unknown whence")
	}
	if aim < 0 || aim > s.v.meta.size {
		return int64(s.pos), ferr.New(ferr.InvalidOperation, "seek outside aff4 logical stream")
	}
	s.pos = uint64(aim)
	return aim, nil
}

func (s *logicalStream) Read(p []byte) (int, error) {
	v := s.v
	if int64(s.pos) >= v.meta.size {
		return 0, io.EOF
	}
	remaining := v.meta.size - int64(s.pos)
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	chunkSize := int64(v.meta.chunkSize)
	chunkIndex := int(int64(s.pos) / chunkSize)
	chunkOffset := int64(s.pos) % chunkSize

	data, err := v.loadChunk(chunkIndex)
	if err != nil {
		return 0, err
	}
	n := copy(p, data[chunkOffset:])
	s.pos += uint64(n)
	return n, nil
}

// loadChunk decompresses chunk i, consulting a bounded LRU cache keyed
// by chunk index (spec §E.2: hashicorp/golang-lru wired for AFF4 bevy
// caching).
func (v *Vault) loadChunk(i int) ([]byte, error) {
	if cached, ok := v.cache.Get(i); ok {
		return cached, nil
	}

	bevyIdx := i / v.meta.chunksInBevy
	chunkInBevy := i % v.meta.chunksInBevy
	if bevyIdx < 0 || bevyIdx >= len(v.bevies) {
		return nil, ferr.New(ferr.InvalidFormat, "aff4: chunk index out of range")
	}
	bevy := v.bevies[bevyIdx]
	if chunkInBevy >= len(bevy.index) {
		return nil, ferr.New(ferr.InvalidFormat, "aff4: chunk index exceeds bevy table")
	}

	start := int64(bevy.index[chunkInBevy])
	var end int64
	if chunkInBevy+1 < len(bevy.index) {
		end = int64(bevy.index[chunkInBevy+1])
	} else {
		end = bevy.rawSize
	}
	if end < start {
		return nil, ferr.New(ferr.InvalidFormat, "aff4: malformed bevy index")
	}

	raw, err := v.readBevyRange(bevy.rawName, start, end)
	if err != nil {
		return nil, err
	}

	out, err := decompressChunk(raw, v.meta.compression, v.meta.chunkSize)
	if err != nil {
		return nil, err
	}

	v.cache.Add(i, out)
	return out, nil
}

func (v *Vault) readBevyRange(member string, start, end int64) ([]byte, error) {
	for _, file := range v.zr.File {
		if file.Name != member {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, ferr.Wrap(ferr.IO, member, err)
		}
		defer rc.Close()
		if _, err := io.CopyN(io.Discard, rc, start); err != nil {
			return nil, ferr.Wrap(ferr.Truncated, member, err)
		}
		buf := make([]byte, end-start)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return nil, ferr.Wrap(ferr.Truncated, member, err)
		}
		return buf, nil
	}
	return nil, ferr.New(ferr.NotFound, "aff4 bevy member "+member)
}

func decompressChunk(raw []byte, method compressionMethod, expectedSize int) ([]byte, error) {
	switch method {
	case compressionStored:
		return raw, nil
	case compressionSnappy:
		out, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "aff4 snappy decompression", err)
		}
		return out, nil
	case compressionLZ4:
		out := make([]byte, expectedSize)
		n, err := lz4.UncompressBlock(raw, out)
		if err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "aff4 lz4 decompression", err)
		}
		return out[:n], nil
	case compressionDeflate:
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, fr); err != nil {
			return nil, ferr.Wrap(ferr.InvalidFormat, "aff4 deflate decompression", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, ferr.UnsupportedFeature("aff4 compression method")
	}
}
