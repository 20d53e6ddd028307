// Package territory implements the filesystem tier (spec §4.5): the
// public Territory/DirectoryCell contract every filesystem decoder
// satisfies, plus the shared path-walk helpers the decoders use to
// implement Navigate and Extract consistently.
package territory

import (
	"strings"
	"time"

	"github.com/caseforge/forensicvault/pkg/ferr"
	"github.com/caseforge/forensicvault/pkg/vstream"
)

// OccupantInfo describes one entry returned by DirectoryCell.List (spec
// §3). Created/Modified/Accessed are nil when the filesystem doesn't
// carry that timestamp for the entry (e.g. a FAT date field left at zero,
// or ISO-9660, which records only a single recording time).
type OccupantInfo struct {
	Name       string
	IsDir      bool
	Size       uint64
	ClusterNo  uint64 // first cluster/extent, filesystem-specific
	Created    *time.Time
	Modified   *time.Time
	Accessed   *time.Time
	Attributes uint32 // filesystem-defined bitfield, e.g. FAT attr byte
}

// DirectoryCell is a single directory's contents, borrowed from the
// Territory that produced it (spec §4.5, ownership model).
type DirectoryCell interface {
	List() ([]OccupantInfo, error)
	Enter(name string) (DirectoryCell, error)
}

// Territory is the public contract every filesystem decoder satisfies.
type Territory interface {
	Identify() string
	Label() string
	TotalSize() uint64
	FreeSize() uint64
	Root() (DirectoryCell, error)
	// Navigate resolves a slash-separated path to the directory it names.
	Navigate(path string) (DirectoryCell, error)
	// Extract returns the contents of the file at path, bounded by
	// harden.MaxFileExtract.
	Extract(path string) ([]byte, error)
}

// Detector constructs a Territory from a logical stream, if the stream
// matches the detector's format.
type Detector func(s vstream.Stream, length uint64) (Territory, error)

// SplitPath breaks a slash-separated path into its non-empty components.
func SplitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Walk descends from root one path component at a time via Enter.
func Walk(root DirectoryCell, path string) (DirectoryCell, error) {
	cell := root
	for _, part := range SplitPath(path) {
		next, err := cell.Enter(part)
		if err != nil {
			return nil, err
		}
		cell = next
	}
	return cell, nil
}

// Lookup resolves path to the occupant record of its final component,
// along with the directory cell containing it.
func Lookup(root DirectoryCell, path string) (*OccupantInfo, DirectoryCell, error) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return nil, nil, ferr.New(ferr.InvalidPath, "empty path")
	}

	cell := root
	if len(parts) > 1 {
		parent, err := Walk(root, strings.Join(parts[:len(parts)-1], "/"))
		if err != nil {
			return nil, nil, err
		}
		cell = parent
	}

	leaf := parts[len(parts)-1]
	occupants, err := cell.List()
	if err != nil {
		return nil, nil, err
	}
	for i := range occupants {
		if strings.EqualFold(occupants[i].Name, leaf) {
			return &occupants[i], cell, nil
		}
	}
	return nil, nil, ferr.New(ferr.NotFound, "no such entry: "+path)
}
