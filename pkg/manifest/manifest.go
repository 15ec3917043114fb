package manifest

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"sort"
)

// FileItem is one file in an eager manifest snapshot.
type FileItem struct {
	FileInfo
	ID string `json:"id"` // Deterministic ID (16 hex chars)
}

// Manifest is an eager snapshot of a file sequence, used for summary totals
// before a transfer starts.
type Manifest struct {
	Root       string     `json:"root"`
	Items      []FileItem `json:"items"` // Sorted by RelPath
	TotalBytes int64      `json:"total_bytes"`
	FileCount  int        `json:"file_count"`
	// UnknownSizes counts entries whose size is discovered later.
	UnknownSizes int `json:"unknown_sizes"`
}

// Collect drains seq into a Manifest. Entry errors are joined and returned
// alongside the partial manifest; they do not stop collection.
func Collect(root string, seq iter.Seq2[FileInfo, error]) (Manifest, error) {
	m := Manifest{Root: root, Items: make([]FileItem, 0)}
	var scanErrors []error
	for fi, err := range seq {
		if err != nil {
			scanErrors = append(scanErrors, err)
			continue
		}
		m.Items = append(m.Items, FileItem{FileInfo: fi})
		m.FileCount++
		if fi.SizeKnown() {
			m.TotalBytes += fi.Size
		} else {
			m.UnknownSizes++
		}
	}

	sort.Slice(m.Items, func(i, j int) bool {
		return m.Items[i].RelPath < m.Items[j].RelPath
	})
	for i := range m.Items {
		m.Items[i].ID = computeID(m.Items[i].FileInfo)
	}

	if len(scanErrors) > 0 {
		return m, fmt.Errorf("scan completed with %d error(s): %w", len(scanErrors), errors.Join(scanErrors...))
	}
	return m, nil
}

// computeID generates a deterministic 16-character hex ID for a file.
// Uses FNV-1a 64-bit hash of: RelPath + "|" + Size + "|" + Mode
func computeID(fi FileInfo) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%o", fi.RelPath, fi.Size, uint32(fi.Mode))
	return hexSum(h.Sum64())
}

// ManifestID generates a stable 16-character hex ID for a manifest, usable as
// a transfer identifier for repeated runs over an unchanged tree.
// Returns empty string if manifest has no items.
func ManifestID(m Manifest) string {
	if len(m.Items) == 0 {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", m.Root, m.TotalBytes, m.FileCount)
	for _, it := range m.Items {
		h.Write([]byte("|"))
		h.Write([]byte(it.ID))
	}
	return hexSum(h.Sum64())
}

func hexSum(v uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return hex.EncodeToString(buf)
}
