// Package archive bundles a backup database file, its checksum manifest,
// and descriptive metadata into a compressed tar snapshot. It supports
// the tar.gz and tar.xz formats.
package archive

import (
	"strings"

	"github.com/goccy/go-json"
)

// InfoFileName is the metadata entry inside every snapshot archive.
const InfoFileName = "snapshot.json"

// ManifestFileName is the checksum manifest entry inside a snapshot.
const ManifestFileName = "manifest.json"

// Info describes the snapshot stored in an archive.
type Info struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Database  string `json:"database"`
	PageSize  int    `json:"page_size"`
	PageCount int    `json:"page_count"`
	Checksum  string `json:"checksum,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (i *Info) marshal() ([]byte, error) {
	return json.MarshalIndent(i, "", "  ")
}

func parseInfo(data []byte) (*Info, error) {
	var i Info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

// SnapshotID extracts the snapshot name from a filename by removing known
// extensions.
func SnapshotID(filename string) string {
	id := filename
	for _, ext := range []string{".snapshot.tar.xz", ".snapshot.tar.gz"} {
		if strings.HasSuffix(id, ext) {
			return strings.TrimSuffix(id, ext)
		}
	}
	for _, ext := range []string{".tar.xz", ".tar.gz", ".tar"} {
		if strings.HasSuffix(id, ext) {
			return strings.TrimSuffix(id, ext)
		}
	}
	return id
}

// DetectFormat detects the archive format from the file extension.
func DetectFormat(path string) string {
	switch {
	case strings.HasSuffix(path, ".tar.xz"):
		return "tar.xz"
	case strings.HasSuffix(path, ".tar.gz"):
		return "tar.gz"
	case strings.HasSuffix(path, ".tar"):
		return "tar"
	default:
		return "unknown"
	}
}

// IsSupportedFormat returns true if the file has a supported archive extension.
func IsSupportedFormat(path string) bool {
	return DetectFormat(path) != "unknown"
}
